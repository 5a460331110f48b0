package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// RouterConfig holds the middleware settings applied to lookup routes.
type RouterConfig struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
}

// NewRouter wires every route. Lookup routes (page, form submit and the JSON
// API) sit behind the rate limiter and request timeout; health, metrics and
// unload do not.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(CorrelationIDMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	lookup := func(fn http.HandlerFunc) http.Handler {
		return RateLimitMiddleware(cfg.Limiter)(TimeoutMiddleware(cfg.RequestTimeout)(fn))
	}

	r.Handle("/", lookup(h.GetPage)).Methods(http.MethodGet)
	r.Handle("/", lookup(h.PostPage)).Methods(http.MethodPost)
	r.Handle("/api/weather", lookup(h.GetWeather)).Methods(http.MethodGet)
	r.Handle("/api/location", lookup(h.GetLocation)).Methods(http.MethodGet)
	r.HandleFunc("/api/state", h.GetState).Methods(http.MethodGet)
	r.HandleFunc("/session/unload", h.PostUnload).Methods(http.MethodPost)
	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return r
}
