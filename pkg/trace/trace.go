package trace

import (
	"io"
	"net/http"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/spf13/viper"
	"github.com/tass-io/langworker/pkg/env"
	"github.com/uber/jaeger-client-go"
	tracer_config "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

// ServiceName is the name spans are reported under
const ServiceName = "langworker"

// TraceInit installs a jaeger tracer as the global tracer.
// Without an agent address the noop tracer of opentracing stays in place.
func TraceInit() (io.Closer, error) {
	hostPort := viper.GetString(env.TraceAgentHostPort)
	if hostPort == "" {
		zap.S().Info("no jaeger agent configured, tracing disabled")
		return io.NopCloser(nil), nil
	}
	cfg := &tracer_config.Configuration{}
	cfg.Sampler = &tracer_config.SamplerConfig{
		Type:  jaeger.SamplerTypeConst,
		Param: 1.0,
	}
	zap.S().Infow("use jaeger agent host and port", "HostAndPort", hostPort)
	cfg.Reporter = &tracer_config.ReporterConfig{
		QueueSize:           100,
		BufferFlushInterval: 1 * time.Second,
		LogSpans:            false,
		LocalAgentHostPort:  hostPort,
	}
	return cfg.InitGlobalTracer(ServiceName)
}

// SpanFromHeaders starts a span named operation, child of the span carried by the headers if any
func SpanFromHeaders(operation string, header http.Header) opentracing.Span {
	carrier := opentracing.HTTPHeadersCarrier(header)
	parent, err := opentracing.GlobalTracer().Extract(opentracing.HTTPHeaders, carrier)
	if err != nil {
		if err != opentracing.ErrSpanContextNotFound {
			zap.S().Warnw("trace get spanContext error", "err", err)
		}
		return opentracing.GlobalTracer().StartSpan(operation)
	}
	return opentracing.GlobalTracer().StartSpan(operation, opentracing.ChildOf(parent))
}
