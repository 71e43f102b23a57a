// Package admin exposes the read-only operational API and the control
// endpoints (reload, shutdown) on a listener separate from any
// data-plane frontend. All routes share one token-bucket rate limiter,
// since the data path itself never carries one.
package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/mir00r/lbcore/internal/config"
	lberrors "github.com/mir00r/lbcore/internal/errors"
	"github.com/mir00r/lbcore/internal/health"
	"github.com/mir00r/lbcore/pkg/logger"
)

const requestIDHeader = "X-Request-Id"

type contextKey int

const requestIDContextKey contextKey = iota

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// Reloader loads, validates, and atomically publishes a new snapshot
// from raw YAML bytes.
type Reloader interface {
	Reload(data []byte) (*config.Snapshot, error)
}

// Shutdowner begins the process-wide graceful shutdown sequence.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Server is the admin/control HTTP surface.
type Server struct {
	store      *config.Store
	healthMap  *health.Map
	reloader   Reloader
	shutdowner Shutdowner
	logger     *logger.Logger
	limiter    *rate.Limiter
	router     *mux.Router
	httpServer *http.Server
}

// Config configures the admin surface's rate limiter and listen address.
type Config struct {
	ListenAddress  string
	RequestsPerSec float64
	BurstSize      int
}

// New builds an admin Server bound to addr but not yet listening.
func New(cfg Config, store *config.Store, healthMap *health.Map, reloader Reloader, shutdowner Shutdowner, log *logger.Logger) *Server {
	s := &Server{
		store:      store,
		healthMap:  healthMap,
		reloader:   reloader,
		shutdowner: shutdowner,
		logger:     log.WithField("component", "admin"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.BurstSize),
	}

	r := mux.NewRouter()
	r.Use(s.requestID)
	r.Use(s.rateLimit)
	r.HandleFunc("/admin/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/admin/backends", s.handleBackends).Methods(http.MethodGet)
	r.HandleFunc("/admin/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/admin/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/admin/shutdown", s.handleShutdown).Methods(http.MethodPost)
	s.router = r

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: r,
	}
	return s
}

// ListenAndServe starts the admin HTTP listener. Blocks until the
// server is shut down or fails to bind.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("listen", s.httpServer.Addr).Info("admin surface listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts down the admin HTTP server, waiting up to the given
// context's deadline for in-flight requests to complete.
func (s *Server) Close(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthMap.All())
}

type backendView struct {
	Name    string       `json:"name"`
	Servers []serverView `json:"servers"`
}

type serverView struct {
	Addr              string `json:"addr"`
	Weight            uint32 `json:"weight"`
	Healthy           bool   `json:"healthy"`
	ActiveConnections int64  `json:"active_connections"`
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()
	out := make([]backendView, 0, len(snap.Backends))
	for name, backend := range snap.Backends {
		bv := backendView{Name: name}
		for _, srv := range backend.Servers {
			view := s.healthMap.View(name, srv.Addr)
			bv.Servers = append(bv.Servers, serverView{
				Addr:              srv.Addr,
				Weight:            srv.Weight,
				Healthy:           view.Healthy,
				ActiveConnections: view.ActiveConnections,
			})
		}
		out = append(out, bv)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(r.Context(), lberrors.NewConfigInvalid("failed to read request body")))
		return
	}

	next, err := s.reloader.Reload(body)
	if err != nil {
		s.logger.WithField("request_id", requestIDFromContext(r.Context())).WithError(err).Warn("rejected configuration reload")
		writeJSON(w, http.StatusBadRequest, errorBody(r.Context(), err))
		return
	}

	s.logger.WithField("frontends", len(next.Frontends)).Info("configuration reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.shutdowner.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Error("shutdown sequence reported an error")
		}
	}()
}

func errorBody(ctx context.Context, err error) map[string]interface{} {
	return map[string]interface{}{
		"error":      err.Error(),
		"code":       string(lberrors.CodeOf(err)),
		"request_id": requestIDFromContext(ctx),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
