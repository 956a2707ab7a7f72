package tracing

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/opentracing/opentracing-go"

	"github.com/ggoodman/rpc-gateway-go/config"
)

func TestNew_LogReporterWritesSpans(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tracer, closer, err := New(config.TracingConfig{ServiceName: "gw-test", SampleRate: 1}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	span := tracer.StartSpan("eth_chainId")
	span.SetTag("request.id", "req-1")
	span.Finish()
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Reporting span") || !strings.Contains(out, "eth_chainId") {
		t.Fatalf("span not logged: %s", out)
	}
}

func TestNew_PropagatesThroughHeaders(t *testing.T) {
	t.Parallel()

	tracer, closer, err := New(config.TracingConfig{SampleRate: 1}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	parent := tracer.StartSpan("parent")
	defer parent.Finish()

	h := http.Header{}
	if err := tracer.Inject(parent.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(h)); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if len(h) == 0 {
		t.Fatalf("no headers injected")
	}
	if _, err := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(h)); err != nil {
		t.Fatalf("Extract: %v", err)
	}
}

func TestNew_Reporters(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  config.TracingConfig
	}{
		{"collector", config.TracingConfig{ServiceName: "gw", SampleRate: 0.5, CollectorURL: "http://127.0.0.1:14268/api/traces"}},
		{"agent", config.TracingConfig{ServiceName: "gw", SampleRate: 0, AgentAddr: "127.0.0.1:6831"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tracer, closer, err := New(tc.cfg, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			tracer.StartSpan("op").Finish()
			if err := closer.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
		})
	}
}

func TestNew_RejectsBadAgent(t *testing.T) {
	t.Parallel()

	if _, _, err := New(config.TracingConfig{SampleRate: 1, AgentAddr: "no-port"}, nil); err == nil {
		t.Fatal("expected error for agent address without a port")
	}
}
