package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"vapulse/internal/infrastructure"
)

// RouterDeps bundles what the router mounts. MetricsHandler may be nil.
type RouterDeps struct {
	Data           *DataHandler
	Operations     *OperationsHandler
	Health         *HealthHandler
	MetricsHandler http.Handler
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter assembles the API router.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(traceID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	if deps.RequestTimeout > 0 {
		r.Use(middleware.Timeout(deps.RequestTimeout))
	}

	r.Route("/api", func(r chi.Router) {
		r.Mount("/data", deps.Data.Routes())
		r.Mount("/operations", deps.Operations.Routes())
		r.Mount("/health", deps.Health.Routes())
	})

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	return r
}

// traceID assigns each request a trace ID, honoring one supplied by the
// caller, and echoes it back in the response header.
func traceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Trace-ID", id)
		next.ServeHTTP(w, r.WithContext(infrastructure.WithTraceID(r.Context(), id)))
	})
}

// requestLogger emits one structured line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)))
		})
	}
}
