// Package admin serves the read-only HTTP introspection endpoints.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/plugin"
)

// Plugins reports loaded plugin status.
type Plugins interface {
	Statuses() []plugin.Status
}

// Channels reports event bus channels.
type Channels interface {
	Channels() []string
	Subscribers(name string) (int, error)
}

// Channel describes one bus channel.
type Channel struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// Server is the admin HTTP server.
type Server struct {
	plugins  Plugins
	channels Channels
	gatherer prometheus.Gatherer
	logger   zerolog.Logger

	srv *http.Server
}

// New creates a server over the given sources. Either may be nil.
func New(plugins Plugins, channels Channels, opts ...Option) *Server {
	s := &Server{
		plugins:  plugins,
		channels: channels,
		gatherer: prometheus.DefaultGatherer,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/plugins", s.handlePlugins)
	r.Get("/channels", s.handleChannels)
	return r
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	out := []plugin.Status{}
	if s.plugins != nil {
		out = append(out, s.plugins.Statuses()...)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	out := []Channel{}
	if s.channels != nil {
		for _, name := range s.channels.Channels() {
			n, err := s.channels.Subscribers(name)
			if err != nil {
				// Destroyed since listing.
				continue
			}
			out = append(out, Channel{Name: name, Subscribers: n})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode admin response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		s.logger.Info().Msg("admin server stopped")
		return nil
	}
}
