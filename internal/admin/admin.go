// Package admin serves the operational HTTP endpoint: Prometheus metrics,
// health and a JSON dump of the proxy state.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Options wires the endpoint to the rest of the proxy.
type Options struct {
	// Metrics serves /metrics.
	Metrics http.Handler

	// Health returns nil when the proxy can serve traffic.
	Health func() error

	// Vars returns the value encoded at /vars.
	Vars func() any

	Logger *slog.Logger
}

// Handler builds the admin routes.
func Handler(opts Options) http.Handler {
	mux := http.NewServeMux()

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("GET /vars", func(w http.ResponseWriter, r *http.Request) {
		var v any = map[string]any{}
		if opts.Vars != nil {
			v = opts.Vars()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil && opts.Logger != nil {
			opts.Logger.Warn("encode vars", "error", err)
		}
	})

	return mux
}

type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr. Serving starts with Serve.
func Listen(addr string, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen %s: %w", addr, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		srv: &http.Server{
			Handler:           Handler(opts),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("admin endpoint listening", "addr", s.ln.Addr().String())
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
