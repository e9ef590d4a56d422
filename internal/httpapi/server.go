package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hydronode/telemetry-service/internal/apperrors"
	"github.com/hydronode/telemetry-service/internal/archive"
	"github.com/hydronode/telemetry-service/internal/ingest"
	"github.com/hydronode/telemetry-service/internal/observability"
	"github.com/hydronode/telemetry-service/internal/ratelimit"
	"github.com/hydronode/telemetry-service/internal/realtime"
	"github.com/hydronode/telemetry-service/internal/series"
	"github.com/hydronode/telemetry-service/internal/store"
)

// Options wires the server. Repo, Archive and Series are required; the rest
// switch optional routes on.
type Options struct {
	Repo        *store.Repo
	Archive     *archive.Reader
	Series      *series.Reader
	Writer      *ingest.Writer
	Limiter     *ratelimit.Limiter
	Meta        *store.MetaRepo
	Heights     ingest.HeightLookup
	Hub         *realtime.Hub
	Metrics     http.Handler
	Tracer      oteltrace.Tracer
	Location    *time.Location
	Prefix      string
	ListLimit   int
	CORSOrigins []string
}

type Server struct {
	opts Options
}

func New(opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Prefix == "" {
		opts.Prefix = archive.DefaultPrefix
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 20
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{opts: opts}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	if s.opts.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(s.opts.Tracer, "telemetry-service"))
	}

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.Hub != nil {
		r.Get("/ws/readings", s.opts.Hub.ServeHTTP)
	}

	r.Route("/data", func(r chi.Router) {
		r.Get("/now", s.handleNow)
		r.Get("/aggregate", s.handleAggregate)
		r.Get("/series", s.handleSeries)
		r.Get("/rows", s.handleRows)
		r.Get("/timeframes", s.handleTimeframes)
		r.Get("/archive", s.handleArchive)
		r.Get("/latest/{thing}", s.handleLatest)
		if s.opts.Writer != nil {
			if s.opts.Limiter != nil {
				r.With(s.opts.Limiter.Middleware(ratelimit.KeyByIP)).Post("/ingest", s.handleIngest)
			} else {
				r.Post("/ingest", s.handleIngest)
			}
		}
	})

	if s.opts.Meta != nil {
		r.Route("/meta", func(r chi.Router) {
			r.Get("/vessels", s.handleVessels)
			r.Get("/vessels/{id}", s.handleVessel)
			r.Get("/stations", s.handleStations)
			r.Get("/sensors", s.handleSensors)
		})
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, map[string]any{"data": v})
}

// writeError maps err onto the error taxonomy. Server-side failures are
// logged with the request path.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	app := apperrors.FromError(err)
	if app.Code >= 500 {
		slog.Error("request failed", "path", r.URL.Path, "status", app.Code, "error", err)
	}
	apperrors.WriteError(w, app)
}

func badRequest(w http.ResponseWriter, msg string) {
	apperrors.WriteError(w, apperrors.BadRequest(msg))
}

func errorText(err error) string {
	var app *apperrors.AppError
	if errors.As(err, &app) {
		return app.Message
	}
	return err.Error()
}
