package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"runtime/trace"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"

	"github.com/encodeous/loom/state"
)

// NewLogger builds the logger used by the command line tools: colored output on
// stderr, plus a plain text copy in logPath when set. The returned close function
// releases the log file.
func NewLogger(level slog.Level, logPath, prefix string) (*slog.Logger, func() error, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: prefix,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	closer := func() error { return nil }
	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// DebugOptions enable runtime diagnostics around a computation.
type DebugOptions struct {
	// TracePath receives a runtime execution trace.
	TracePath string
	// MetricsAddr serves expvar and /debug/metrics while the process runs.
	MetricsAddr string
}

// StartDebugging applies opts and returns a function that stops every diagnostic.
func StartDebugging(opts DebugOptions, log *slog.Logger) (func(), error) {
	stops := make([]func(), 0)
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
	if opts.TracePath != "" {
		f, err := os.Create(opts.TracePath)
		if err != nil {
			return nil, err
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			return nil, err
		}
		log.Info("started tracing", "path", opts.TracePath)
		stops = append(stops, func() {
			trace.Stop()
			_ = f.Close()
		})
	}
	if opts.MetricsAddr != "" {
		ln, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			stop()
			return nil, err
		}
		srv := &http.Server{Handler: http.DefaultServeMux}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("serving metrics", "addr", ln.Addr().String())
		stops = append(stops, func() {
			_ = srv.Shutdown(context.Background())
		})
	}
	return stop, nil
}

// LoadAndCompute reads a network file and computes its data plane.
func LoadAndCompute(ctx context.Context, networkPath string, settings *state.Settings, log *slog.Logger) (*DataPlane, error) {
	cfg, err := state.LoadNetwork(networkPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", networkPath, err)
	}
	if settings != nil {
		cfg.Settings = *settings
	}
	return ComputeDataPlane(ctx, cfg, log)
}
