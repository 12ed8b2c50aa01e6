package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/metrics"
)

// Server exposes health, metrics and read-only store views.
type Server struct {
	router chi.Router
	store  harvest.Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store harvest.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/records", func(r chi.Router) {
		r.Get("/", s.listRecords)
		r.Get("/lookup", s.getRecord)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured", s.logger)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.ExistsCompleted(ctx, "readiness-probe"); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type recordView struct {
	URL          string    `json:"url"`
	FetchURL     string    `json:"fetch_url,omitempty"`
	Status       string    `json:"status"`
	RetryCount   int       `json:"retry_count"`
	Path         string    `json:"path,omitempty"`
	ResumeOffset int64     `json:"resume_offset,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toView(rec harvest.URLRecord) recordView {
	return recordView{
		URL:          rec.URL,
		FetchURL:     rec.FetchURL,
		Status:       string(rec.Status),
		RetryCount:   rec.RetryCount,
		Path:         rec.LocalPath,
		ResumeOffset: rec.ResumeOffset,
		LastError:    rec.LastError,
		Hash:         rec.Hash,
		RunID:        rec.RunID,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	filter := harvest.Status(r.URL.Query().Get("status"))
	if filter != "" && !filter.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status", s.logger)
		return
	}
	records, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records", s.logger)
		return
	}
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		if filter != "" && rec.Status != filter {
			continue
		}
		views = append(views, toView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views, "count": len(views)}, s.logger)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	key, err := harvest.NormalizeURL(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url", s.logger)
		return
	}
	rec, err := s.store.Get(r.Context(), key)
	switch {
	case errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found", s.logger)
		return
	case err != nil:
		s.logger.Error("get record failed", zap.String("url", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get record", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, toView(rec), s.logger)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
