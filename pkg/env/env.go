package env

// viper keys, also used as flag names
const (
	EnvPrefix          = "LANGWORKER"
	WorkerRuntime      = "workerRuntime"
	WorkerConfigPath   = "workerConfig"
	RootScriptPath     = "rootScriptPath"
	Port               = "port"
	LogLevel           = "logLevel"
	LogFile            = "logFile"
	Mock               = "mock"
	Standby            = "standby"
	RedisAddr          = "redisAddr"
	RedisPassword      = "redisPassword"
	RedisDB            = "redisDb"
	StatusInterval     = "statusInterval"
	TraceAgentHostPort = "traceAgentHostPort"
	Pprof              = "pprof"
)
