// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/internal/logctx"
)

// New returns a logger for cfg and a closer for its sink. Records pass
// through logctx.Handler so request-scoped attributes are attached.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json", "":
		h = slog.NewJSONHandler(w, opts)
	default:
		_ = w.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(logctx.Handler{Handler: h}), w, nil
}

func openOutput(out config.LogOutput) (io.WriteCloser, error) {
	switch out.Type {
	case "stderr", "":
		return nopCloser{os.Stderr}, nil
	case "file":
		if out.Path == "" {
			return nil, fmt.Errorf("file output requires a path")
		}
		return &lumberjack.Logger{
			Filename:   out.Path,
			MaxSize:    out.MaxSizeMB,
			MaxBackups: out.MaxBackups,
			MaxAge:     out.MaxAgeDays,
			Compress:   out.Compress,
		}, nil
	case "syslog":
		return openSyslog(out.Tag)
	}
	return nil, fmt.Errorf("unknown log output %q", out.Type)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
