// Package server exposes the estimation pipeline, local recalculation and
// meal history over HTTP/JSON.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"nutrilens"
	"nutrilens/pipeline"
	"nutrilens/store"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MealNotifier is told about every saved meal.
type MealNotifier interface {
	MealSaved(ctx context.Context, rec nutrilens.MealRecord) error
}

// DefaultMaxBodyBytes bounds request bodies when Options.MaxBodyBytes is
// unset. Images arrive base64 encoded inside the JSON body.
const DefaultMaxBodyBytes = 10 << 20

type Options struct {
	Meals        store.MealStore
	Images       store.ImageStore
	Notifier     MealNotifier
	MaxBodyBytes int64
}

type Server struct {
	registry *pipeline.Registry
	meals    store.MealStore
	images   store.ImageStore
	notifier MealNotifier
	maxBody  int64

	tracer          trace.Tracer
	requestsCounter metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func New(registry *pipeline.Registry, opts Options) *Server {
	meter := otel.Meter(nutrilens.TracerNameServer)
	s := &Server{
		registry: registry,
		meals:    opts.Meals,
		images:   opts.Images,
		notifier: opts.Notifier,
		maxBody:  opts.MaxBodyBytes,
		tracer:   otel.Tracer(nutrilens.TracerNameServer),
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	s.requestsCounter, _ = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests handled"))
	s.requestDuration, _ = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"))
	return s
}

// Handler builds the API router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(s.telemetryMiddleware)
	r.Use(s.limitBody)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.registry.Len()})
	}).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/sessions", s.createSession).Methods("POST", "OPTIONS")
	v1.HandleFunc("/sessions/{id}", s.getSession).Methods("GET", "OPTIONS")
	v1.HandleFunc("/sessions/{id}", s.abandonSession).Methods("DELETE", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/answers", s.answer).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/confirm", s.confirm).Methods("POST", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/retry", s.retry).Methods("POST", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/ingredients", s.editIngredient).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/recalculate", s.recalculateSession).Methods("POST", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/save", s.saveSession).Methods("POST", "OPTIONS")

	v1.HandleFunc("/recalculate", s.recalculate).Methods("POST", "OPTIONS")
	v1.HandleFunc("/adjust", s.adjust).Methods("POST", "OPTIONS")
	v1.HandleFunc("/categories", s.categories).Methods("GET", "OPTIONS")

	v1.HandleFunc("/meals", s.listMeals).Methods("GET", "OPTIONS")
	v1.HandleFunc("/meals/{id}", s.getMeal).Methods("GET", "OPTIONS")
	v1.HandleFunc("/meals/{id}", s.deleteMeal).Methods("DELETE", "OPTIONS")
	v1.HandleFunc("/meals/{id}/resume", s.resumeMeal).Methods("POST", "OPTIONS")

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("SERVER: Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("SERVER: Shutting down")
	return srv.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
		if allowedOrigins == "" {
			allowedOrigins = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", allowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// limitBody caps how much of a request body handlers may read.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) telemetryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		))
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
		)
		s.requestsCounter.Add(ctx, 1, attrs)
		s.requestDuration.Record(ctx, elapsed.Seconds(), attrs)
		span.SetAttributes(attribute.Int("http.status_code", rec.status))

		slog.Info("SERVER: Request handled", "method", r.Method, "route", route, "status", rec.status, "duration", elapsed)
	})
}
