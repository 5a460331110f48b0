package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/geolocation"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
	"github.com/kjstillabower/weather-lookup-service/internal/widget"
)

const (
	DefaultCookieName = "wl_session"
	sessionHeader     = "X-Session-ID"
)

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	Window           time.Duration
	DegradedErrorPct int
	// Breaker, when set, reports degraded while the upstream circuit is open.
	Breaker *circuitbreaker.CircuitBreaker
	// APIKeyCheck, when set, is called on every health request.
	APIKeyCheck func(ctx context.Context) error
	// CachePing, when set, is called to check cache reachability.
	CachePing func(ctx context.Context) error
}

// Options configures a Handler.
type Options struct {
	// Locator answers the current-location fallback on first page load.
	// Nil leaves it to the page (browser geolocation via /api/location).
	Locator    geolocation.Locator
	CookieName string
	Health     *HealthConfig
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry         *widget.Registry
	locator          geolocation.Locator
	cookieName       string
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(registry *widget.Registry, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	return &Handler{
		registry:     registry,
		locator:      opts.Locator,
		cookieName:   opts.CookieName,
		healthConfig: opts.Health,
		logger:       logger,
	}
}

// session resolves the caller's session from the cookie or X-Session-ID header
// and echoes the ID back on both.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*widget.Session, bool) {
	s, created := h.registry.Acquire(h.sessionID(r))
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    s.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(sessionHeader, s.ID())
	return s, created
}

func (h *Handler) sessionID(r *http.Request) string {
	if id := r.Header.Get(sessionHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(h.cookieName); err == nil {
		return c.Value
	}
	return ""
}

// GetPage handles GET /. A new session runs the current-location fallback
// before the first render when a server-side locator is configured.
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	s, created := h.session(w, r)
	st := s.State()
	if created && h.locator != nil {
		st = s.Start(withClientIP(r), h.locator)
		recordOutcome(st)
	}
	h.renderPage(w, r, http.StatusOK, st, "")
}

// PostPage handles POST / (form submit).
func (h *Handler) PostPage(w http.ResponseWriter, r *http.Request) {
	s, _ := h.session(w, r)
	if err := r.ParseForm(); err != nil {
		h.renderPage(w, r, http.StatusBadRequest, s.State(), "Invalid form submission.")
		return
	}
	city, country := r.PostFormValue("city"), r.PostFormValue("country")
	s.SetFields(city, country)
	if err := validation.ValidateQuery(city, country); err != nil {
		h.renderPage(w, r, http.StatusBadRequest, s.State(), err.Error())
		return
	}

	st, err := s.Submit(r.Context())
	if err != nil {
		h.renderPage(w, r, http.StatusBadRequest, st, err.Error())
		return
	}
	recordOutcome(st)
	h.renderPage(w, r, http.StatusOK, st, "")
}

// GetWeather handles GET /api/weather?city=&country=.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	s, _ := h.session(w, r)
	q := r.URL.Query()
	city, country := q.Get("city"), q.Get("country")
	if err := validation.ValidateQuery(city, country); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	s.SetFields(city, country)
	st, err := s.Submit(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	recordOutcome(st)
	if st.Status == widget.StatusFailed.String() {
		writeServiceError(w, r, st.Error)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetLocation handles GET /api/location. The page passes browser geolocation
// results as ?lat=&lon=, or ?geo=denied / ?geo=unsupported; without them the
// configured locator is used.
func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	s, _ := h.session(w, r)
	locator, err := h.locatorFor(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	st := s.Start(withClientIP(r), locator)
	recordOutcome(st)
	if st.Status == widget.StatusFailed.String() {
		writeServiceError(w, r, st.Error)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

var errBadCoordinates = errors.New("lat and lon must both be valid numbers")

func (h *Handler) locatorFor(r *http.Request) (geolocation.Locator, error) {
	q := r.URL.Query()
	switch q.Get("geo") {
	case "denied":
		return geolocation.Denied{}, nil
	case "unsupported":
		return geolocation.Unsupported{}, nil
	}
	if q.Has("lat") || q.Has("lon") {
		lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
		lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
		if latErr != nil || lonErr != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return nil, errBadCoordinates
		}
		return geolocation.Static{Coords: models.Coordinates{Lat: lat, Lon: lon}}, nil
	}
	if h.locator == nil {
		return geolocation.Unsupported{}, nil
	}
	return h.locator, nil
}

// GetState handles GET /api/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	s, _ := h.session(w, r)
	writeJSON(w, http.StatusOK, s.State())
}

// PostUnload handles POST /session/unload, sent by the page on pagehide.
// The session's cache namespace is deleted and the session dropped.
func (h *Handler) PostUnload(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(r)
	if id != "" {
		if err := h.registry.Unload(r.Context(), id); err != nil {
			observability.LoggerFromContext(r.Context()).Warn("session unload failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	http.SetCookie(w, &http.Cookie{Name: h.cookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func recordOutcome(st widget.State) {
	switch st.Status {
	case widget.StatusReady.String():
		traffic.Record(traffic.Success)
	case widget.StatusFailed.String():
		traffic.Record(traffic.Failure)
	}
}

func withClientIP(r *http.Request) context.Context {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return geolocation.WithClientIP(r.Context(), ip)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing(r.Context()) == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	now := time.Now()
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":        result.status,
		"service":       "weather-lookup-service",
		"version":       "dev",
		"checks":        checks,
		"sessions":      h.registry.Len(),
		"uptimeSeconds": int64(lifecycle.Uptime(now).Seconds()),
		"timestamp":     now.UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > API key invalid > circuit open > error rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if cfg.APIKeyCheck != nil {
		if err := cfg.APIKeyCheck(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
		}
	}
	if cfg.Breaker != nil && cfg.Breaker.State() == circuitbreaker.StateOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if cfg.Window > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(cfg.Window)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeServiceError writes a 502 for a failed lookup pipeline.
func writeServiceError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", message)
}
