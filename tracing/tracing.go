// Package tracing builds the OpenTracing tracer used by the logging stage.
package tracing

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/opentracing/opentracing-go"
	jaeger "github.com/uber/jaeger-client-go"
	"github.com/uber/jaeger-client-go/transport"

	"github.com/ggoodman/rpc-gateway-go/config"
)

// New returns a Jaeger tracer for cfg and a closer that flushes pending
// spans. Spans go to cfg.CollectorURL over HTTP, to cfg.AgentAddr over UDP,
// or to log at debug level when neither is set.
func New(cfg config.TracingConfig, log *slog.Logger) (opentracing.Tracer, io.Closer, error) {
	if log == nil {
		log = slog.Default()
	}
	sampler, err := newSampler(cfg.SampleRate)
	if err != nil {
		return nil, nil, err
	}
	jlog := logger{log}

	var reporter jaeger.Reporter
	switch {
	case cfg.CollectorURL != "":
		reporter = jaeger.NewRemoteReporter(transport.NewHTTPTransport(cfg.CollectorURL), jaeger.ReporterOptions.Logger(jlog))
	case cfg.AgentAddr != "":
		udp, err := jaeger.NewUDPTransport(cfg.AgentAddr, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("tracing agent %s: %w", cfg.AgentAddr, err)
		}
		reporter = jaeger.NewRemoteReporter(udp, jaeger.ReporterOptions.Logger(jlog))
	default:
		reporter = jaeger.NewLoggingReporter(jlog)
	}

	service := cfg.ServiceName
	if service == "" {
		service = "rpcgateway"
	}
	tracer, closer := jaeger.NewTracer(service, sampler, reporter, jaeger.TracerOptions.Logger(jlog))
	return tracer, closer, nil
}

func newSampler(rate float64) (jaeger.Sampler, error) {
	if rate >= 1 {
		return jaeger.NewConstSampler(true), nil
	}
	if rate <= 0 {
		return jaeger.NewConstSampler(false), nil
	}
	s, err := jaeger.NewProbabilisticSampler(rate)
	if err != nil {
		return nil, fmt.Errorf("tracing sample rate: %w", err)
	}
	return s, nil
}

// logger adapts slog to jaeger.Logger.
type logger struct{ log *slog.Logger }

func (l logger) Error(msg string) {
	l.log.Error("tracing.error", "error", msg)
}

func (l logger) Infof(msg string, args ...interface{}) {
	l.log.Debug("tracing", "detail", fmt.Sprintf(msg, args...))
}
