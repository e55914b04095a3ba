// Package server implements the HTTP surface of the loft storage backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loftdrive/loft/internal/auth"
	"github.com/loftdrive/loft/internal/config"
	"github.com/loftdrive/loft/internal/metrics"
	"github.com/loftdrive/loft/internal/store"
)

// ErrorResponse is the JSON body for error replies.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// principal is the authenticated caller: a session user (all capabilities)
// or an API key user with an explicit capability set.
type principal struct {
	userID string
	caps   map[string]bool // nil = session, unrestricted
}

func (p principal) can(capability string) bool {
	if p.caps == nil {
		return true
	}
	return p.caps[capability]
}

// Server is the loft HTTP server.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	keys     *auth.KeyStore
	sessions *auth.Sessions
	metrics  *metrics.ServerMetrics
	mux      *http.ServeMux
	httpSrv  *http.Server
}

// NewServer wires the storage engine behind the HTTP surface.
func NewServer(cfg *config.Config, st *store.Store, keys *auth.KeyStore, sessions *auth.Sessions) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		keys:     keys,
		sessions: sessions,
		metrics:  metrics.New(),
		mux:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		s.mux.Handle("/metrics", metrics.Handler())
	}

	s.mux.HandleFunc("/api/v1/me", s.withMetrics("me", s.withAuth(s.handleMe)))
	s.mux.HandleFunc("/api/v1/files", s.withMetrics("files", s.withAuth(s.handleFiles)))
	s.mux.HandleFunc("/api/v1/files/", s.withMetrics("file", s.withAuth(s.handleFileByID)))
	s.mux.HandleFunc("/api/v1/folders", s.withMetrics("folders", s.withAuth(s.handleFolders)))
	s.mux.HandleFunc("/api/v1/folders/", s.withMetrics("folder", s.withAuth(s.handleFolderByID)))
	s.mux.HandleFunc("/api/v1/shared", s.withMetrics("shared", s.withAuth(s.handleListShared)))

	// Public endpoints: the token is the only credential.
	s.mux.HandleFunc("/cdn/", s.withMetrics("cdn", s.handleCDN))
	s.mux.HandleFunc("/share/", s.withMetrics("share", s.handleShare))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server and blocks until ctx is canceled or the
// listener fails, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.cfg.Listen).Msg("starting loft server")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// withAuth resolves the caller to a principal from either an API key
// (X-API-Key) or a session token (Authorization: Bearer).
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret := r.Header.Get("X-API-Key"); secret != "" {
			key := s.keys.Lookup(secret)
			if key == nil {
				s.jsonError(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			caps := make(map[string]bool, len(key.Capabilities))
			for _, c := range key.Capabilities {
				caps[c] = true
			}
			next(w, r, principal{userID: key.UserID, caps: caps})
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			s.jsonError(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		userID, err := s.sessions.Verify(parts[1])
		if err != nil {
			s.jsonError(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		next(w, r, principal{userID: userID})
	}
}

// requireCap enforces a capability on the principal, replying 403 when the
// caller's API key does not carry it.
func (s *Server) requireCap(w http.ResponseWriter, p principal, capability string) bool {
	if !p.can(capability) {
		s.jsonError(w, "missing capability: "+capability, http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, p principal) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	u, err := s.store.GetUser(p.userID)
	if err != nil {
		s.storeError(w, err, "failed to load user")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"id":            u.ID,
		"name":          u.Name,
		"storage_used":  u.StorageUsed,
		"storage_limit": u.StorageLimit,
	})
}

func (s *Server) handleListShared(w http.ResponseWriter, r *http.Request, p principal) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireCap(w, p, auth.CapList) {
		return
	}
	files, folders := s.store.ListShared(p.userID)
	s.writeJSON(w, map[string]interface{}{"files": files, "folders": folders})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// storeError maps a storage error to an HTTP reply. Internal paths never
// leak: the message is the sentinel's text or the given fallback.
func (s *Server) storeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		s.jsonError(w, "already exists", http.StatusConflict)
	case errors.Is(err, store.ErrQuotaExceeded):
		s.metrics.QuotaRejections.Inc()
		s.jsonError(w, "storage quota exceeded", http.StatusInsufficientStorage)
	case errors.Is(err, store.ErrFileTooLarge):
		s.jsonError(w, "file too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, store.ErrInvalidOperation):
		s.jsonError(w, "invalid operation", http.StatusBadRequest)
	case errors.Is(err, store.ErrInvalidName):
		s.jsonError(w, "invalid name", http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg(fallback)
		s.jsonError(w, fallback, http.StatusInternalServerError)
	}
}

// shiftPath splits the first segment off a path remainder.
func shiftPath(p string) (head, rest string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	if i := strings.Index(p, "/"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not thread-safe; only used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// withMetrics records a duration sample labeled by handler and status.
func (s *Server) withMetrics(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		started := time.Now()
		next(rec, r)
		s.metrics.RequestDuration.
			WithLabelValues(name, strconv.Itoa(rec.getStatus())).
			Observe(time.Since(started).Seconds())
	}
}
