// Package web exposes the pipeline and the info system over HTTP, with a
// WebSocket feed of query updates.
package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"resolvd/internal/config"
	"resolvd/internal/infosystem"
	"resolvd/internal/logger"
	"resolvd/internal/metrics"
	"resolvd/internal/pipeline"
	"resolvd/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// caller is the info system registration used by /api/info.
const caller = "web"

// Deps are the services the server fronts. Metrics may be nil.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Registry *registry.Registry
	Info     *infosystem.InfoSystem
	Metrics  *metrics.Metrics
}

type Server struct {
	ctx     context.Context
	tracker *Tracker
	deps    Deps
	config  config.Config
	logger  *logger.Logger

	unregister func()
	watchers   sync.WaitGroup
}

func NewServer(ctx context.Context, deps Deps, cfg config.Config, log *logger.Logger) *Server {
	s := &Server{
		ctx:     ctx,
		tracker: NewTracker(deps.Pipeline),
		deps:    deps,
		config:  cfg,
		logger:  log,
	}
	s.unregister = deps.Info.Register(caller, s.onInfo)
	s.tracker.StartCleanup(ctx)
	return s
}

// Tracker returns the queries submitted through the API.
func (s *Server) Tracker() *Tracker { return s.tracker }

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/queries", s.handleListQueries)
	mux.HandleFunc("GET /api/queries/{id}", s.handleGetQuery)
	mux.HandleFunc("POST /api/queries/{id}/cancel", s.handleCancelQuery)
	mux.HandleFunc("DELETE /api/queries/{id}", s.handleDeleteQuery)
	mux.HandleFunc("GET /api/resolvers", s.handleListResolvers)
	mux.HandleFunc("POST /api/resolvers/{id}/{state}", s.handleSetOnline)
	mux.HandleFunc("GET /api/artists/{name}", s.handleArtist)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	return s.loggingMiddleware(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

// Close unregisters from the info system and waits for query watchers.
func (s *Server) Close() {
	s.unregister()
	s.watchers.Wait()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
