// Package apiServer exposes a Storage over HTTP: one RPC endpoint carrying
// method-name/arguments envelopes, plus health and metrics endpoints. No
// business logic lives here; every method dispatches straight into the
// wrapped Storage.
package apiServer

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/labstor/labstor"
)

type Server struct {
	st      labstor.Storage
	log     *logrus.Logger
	router  chi.Router
	methods map[string]methodFunc
	metrics *serverMetrics
	http    *http.Server
}

type Option func(*Server)

func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds a server around one Storage instance.
func New(st labstor.Storage, opts ...Option) *Server {
	s := &Server{
		st:  st,
		log: logrus.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newServerMetrics()
	s.methods = s.methodTable()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/rpc", s.handleRPC)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())
	s.router = r
	return s
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("rpc server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
