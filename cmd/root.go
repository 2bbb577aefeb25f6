package cmd

import (
	"context"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tass-io/langworker/pkg/channel"
	"github.com/tass-io/langworker/pkg/dispatcher"
	"github.com/tass-io/langworker/pkg/env"
	"github.com/tass-io/langworker/pkg/eventbus"
	"github.com/tass-io/langworker/pkg/host"
	"github.com/tass-io/langworker/pkg/http"
	"github.com/tass-io/langworker/pkg/http/controller"
	"github.com/tass-io/langworker/pkg/prom"
	"github.com/tass-io/langworker/pkg/status"
	"github.com/tass-io/langworker/pkg/tools/log"
	"github.com/tass-io/langworker/pkg/trace"
	"github.com/tass-io/langworker/pkg/workerconfig"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "langworker",
	Short: "langworker hosts language workers",
	Long:  "langworker keeps one language worker process per runtime alive and dispatches functions to it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(func() {
		viper.SetEnvPrefix(env.EnvPrefix)
		viper.AutomaticEnv()
	})

	rootCmd.PersistentFlags().String(env.LogLevel, "info", "log level")
	viper.BindPFlag(env.LogLevel, rootCmd.PersistentFlags().Lookup(env.LogLevel))
	rootCmd.PersistentFlags().String(env.LogFile, "", "also write logs to this rotated file")
	viper.BindPFlag(env.LogFile, rootCmd.PersistentFlags().Lookup(env.LogFile))

	rootCmd.Flags().StringP(env.WorkerConfigPath, "c", "workers.yaml", "worker config file, yaml or toml")
	viper.BindPFlag(env.WorkerConfigPath, rootCmd.Flags().Lookup(env.WorkerConfigPath))
	rootCmd.Flags().StringP(env.WorkerRuntime, "r", "", "runtime to start a worker for right away")
	viper.BindPFlag(env.WorkerRuntime, rootCmd.Flags().Lookup(env.WorkerRuntime))
	rootCmd.Flags().String(env.RootScriptPath, ".", "root directory of the function scripts")
	viper.BindPFlag(env.RootScriptPath, rootCmd.Flags().Lookup(env.RootScriptPath))
	rootCmd.Flags().IntP(env.Port, "p", 8080, "http port")
	viper.BindPFlag(env.Port, rootCmd.Flags().Lookup(env.Port))
	rootCmd.Flags().Bool(env.Standby, false, "start a standby worker for every configured runtime while no runtime is known")
	viper.BindPFlag(env.Standby, rootCmd.Flags().Lookup(env.Standby))
	rootCmd.Flags().Bool(env.Mock, false, "use mock worker channels instead of processes")
	viper.BindPFlag(env.Mock, rootCmd.Flags().Lookup(env.Mock))
	rootCmd.Flags().Bool(env.Pprof, false, "serve pprof under /debug/pprof")
	viper.BindPFlag(env.Pprof, rootCmd.Flags().Lookup(env.Pprof))
	rootCmd.Flags().String(env.TraceAgentHostPort, "", "jaeger agent host:port, tracing is off when empty")
	viper.BindPFlag(env.TraceAgentHostPort, rootCmd.Flags().Lookup(env.TraceAgentHostPort))
	rootCmd.Flags().String(env.RedisAddr, "", "redis address of the status reporter, off when empty")
	viper.BindPFlag(env.RedisAddr, rootCmd.Flags().Lookup(env.RedisAddr))
	rootCmd.Flags().String(env.RedisPassword, "", "redis password")
	viper.BindPFlag(env.RedisPassword, rootCmd.Flags().Lookup(env.RedisPassword))
	rootCmd.Flags().Int(env.RedisDB, 0, "redis db")
	viper.BindPFlag(env.RedisDB, rootCmd.Flags().Lookup(env.RedisDB))
	rootCmd.Flags().Duration(env.StatusInterval, 10*time.Second, "interval of the status reports")
	viper.BindPFlag(env.StatusInterval, rootCmd.Flags().Lookup(env.StatusInterval))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)
}

func serve() error {
	if err := log.Setup(viper.GetString(env.LogLevel), viper.GetString(env.LogFile)); err != nil {
		return err
	}
	configs, err := workerconfig.Load(viper.GetString(env.WorkerConfigPath))
	if err != nil {
		return err
	}
	closer, err := trace.TraceInit()
	if err != nil {
		return err
	}
	defer closer.Close()

	bus := eventbus.NewBus(eventbus.NewZapLogger())
	defer bus.Close()
	metrics := prom.Sink{}
	rootPath := viper.GetString(env.RootScriptPath)
	manager := channel.NewDefaultManager(configs, rootPath, bus, metrics)
	d, err := dispatcher.NewDispatcher(manager, bus, dispatcher.Options{
		Configs:        configs,
		RootScriptPath: rootPath,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	defer manager.Shutdown()
	defer d.Shutdown()

	if runtime := viper.GetString(env.WorkerRuntime); runtime != "" {
		d.Initialize(runtime, nil)
	} else if viper.GetBool(env.Standby) {
		for _, config := range configs {
			if err := manager.StartStandbyChannel(config.Runtime); err != nil {
				zap.S().Warnw("start standby worker channel error", "runtime", config.Runtime, "err", err)
			}
		}
	}

	if addr := viper.GetString(env.RedisAddr); addr != "" {
		reporter, err := startReporter(d, bus, addr)
		if err != nil {
			return err
		}
		defer reporter.Stop()
	}

	r := gin.Default()
	http.RegisterRoute(r, controller.New(d, host.New(d, manager.Configs()), controller.DefaultTimeout), viper.GetBool(env.Pprof))
	srv := &nethttp.Server{
		Addr:    ":" + viper.GetString(env.Port),
		Handler: r,
	}
	errs := make(chan error, 1)
	go func() {
		zap.S().Infow("http server start", "addr", srv.Addr)
		errs <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errs:
		if err != nethttp.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		zap.S().Info("signal received, shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func startReporter(source status.Source, bus eventbus.Subscriber, addr string) (*status.Reporter, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	sink := status.NewRedisSink(addr, viper.GetString(env.RedisPassword), viper.GetInt(env.RedisDB),
		3*viper.GetDuration(env.StatusInterval))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	reporter, err := status.StartReporter(ctx, source, sink, hostname, viper.GetDuration(env.StatusInterval), bus)
	if err != nil {
		return nil, err
	}
	zap.S().Infow("status reporter started", "redis", addr, "host", hostname)
	return reporter, nil
}
