package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/geolocation"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
	"github.com/kjstillabower/weather-lookup-service/internal/widget"
)

type mockLookuper struct {
	mu      sync.Mutex
	reading models.Reading
	err     error
	calls   int
}

func (m *mockLookuper) Lookup(ctx context.Context, c cache.Cache, city, country string) (models.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.reading, m.err
}

func (m *mockLookuper) LookupCoordinates(ctx context.Context, coords models.Coordinates) (models.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.reading, m.err
}

func seattleReading() models.Reading {
	return models.Reading{
		Name:    "Seattle",
		Sys:     models.Sys{Country: "US"},
		Weather: []models.Condition{{Main: "Rain"}},
		Main:    models.Main{Temp: 12.5, FeelsLike: 11.0, Humidity: 88},
		Wind:    models.Wind{Speed: 3.6},
	}
}

type testServer struct {
	router   http.Handler
	registry *widget.Registry
	lookuper *mockLookuper
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	traffic.Reset()
	l := &mockLookuper{reading: seattleReading()}
	reg := widget.NewRegistry(l, cache.NewInMemoryStorage(), nil, 0)
	h := NewHandler(reg, zap.NewNop(), opts)
	return &testServer{router: NewRouter(h, RouterConfig{}), registry: reg, lookuper: l}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) widget.State {
	t.Helper()
	var st widget.State
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var body struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.RequestID == "" {
		t.Error("error envelope missing requestId")
	}
	return body.Error.Code, body.Error.Message
}

func TestHandler_GetPage_NewSession(t *testing.T) {
	ts := newTestServer(t, Options{})
	w := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == DefaultCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("session cookie not set")
	}
	if w.Header().Get("X-Session-ID") != cookie.Value {
		t.Error("X-Session-ID header does not match cookie")
	}
	body := w.Body.String()
	for _, want := range []string{`name="city"`, `minlength="2"`, `maxlength="2"`, `disabled`, "navigator.geolocation", "sendBeacon"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHandler_GetPage_ServerLocator(t *testing.T) {
	ts := newTestServer(t, Options{Locator: geolocation.Static{Coords: models.Coordinates{Lat: 47.6, Lon: -122.3}}})
	w := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))

	body := w.Body.String()
	if !strings.Contains(body, "Seattle, US") {
		t.Error("location reading not rendered on first load")
	}
	if !strings.Contains(body, `data-source="location"`) {
		t.Error("result not tagged with location source")
	}
	if strings.Contains(body, "navigator.geolocation") {
		t.Error("browser geolocation script rendered despite server locator")
	}
}

func TestHandler_GetPage_LocatorDenied(t *testing.T) {
	ts := newTestServer(t, Options{Locator: geolocation.Denied{}})
	w := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(w.Body.String(), widget.MsgLocationDenied) {
		t.Error("denial notice not rendered")
	}
}

func TestHandler_PostPage(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantBody   string
		wantCalls  int
	}{
		{"valid", url.Values{"city": {"Seattle"}, "country": {"US"}}, http.StatusOK, "Humidity: 88%", 1},
		{"city too short", url.Values{"city": {"S"}, "country": {"US"}}, http.StatusBadRequest, "city too short", 0},
		{"missing country", url.Values{"city": {"Seattle"}}, http.StatusBadRequest, "country is required", 0},
		{"country too long", url.Values{"city": {"Seattle"}, "country": {"USA"}}, http.StatusBadRequest, "country too long", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{})
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := ts.do(req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body missing %q", tt.wantBody)
			}
			if ts.lookuper.calls != tt.wantCalls {
				t.Errorf("lookups = %d, want %d", ts.lookuper.calls, tt.wantCalls)
			}
		})
	}
}

func TestHandler_PostPage_FailureRendersGenericMessage(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.lookuper.err = client.ErrNoMatch
	form := url.Values{"city": {"Atlantis"}, "country": {"ZZ"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := ts.do(req)

	body := w.Body.String()
	if !strings.Contains(body, widget.MsgFetchFailed) {
		t.Error("generic fetch error not rendered")
	}
	if strings.Contains(body, "Humidity:") {
		t.Error("reading rendered after failure")
	}
	if errs, _ := traffic.ErrorRate(time.Minute); errs != 1 {
		t.Errorf("recorded failures = %d, want 1", errs)
	}
}

func TestHandler_GetWeather(t *testing.T) {
	ts := newTestServer(t, Options{})
	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/weather?city=Seattle&country=US", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	st := decodeState(t, w)
	if st.Status != "ready" || st.Reading == nil || st.Reading.Name != "Seattle" {
		t.Errorf("state = %+v, want ready Seattle", st)
	}
	if st.Source != models.SourceForm {
		t.Errorf("source = %q, want form", st.Source)
	}
	if st.City != "Seattle" || st.Country != "US" || !st.CanSubmit {
		t.Errorf("fields = %q/%q canSubmit=%v", st.City, st.Country, st.CanSubmit)
	}
}

func TestHandler_GetWeather_InvalidQuery(t *testing.T) {
	ts := newTestServer(t, Options{})
	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/weather?city=Seattle", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if code, _ := decodeErrorCode(t, w); code != "INVALID_QUERY" {
		t.Errorf("code = %q, want INVALID_QUERY", code)
	}
}

func TestHandler_GetWeather_UpstreamFailure(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.lookuper.err = errors.Join(client.ErrFetch, client.ErrUpstreamFailure)
	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/weather?city=Seattle&country=US", nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	code, msg := decodeErrorCode(t, w)
	if code != "UPSTREAM_UNAVAILABLE" || msg != widget.MsgFetchFailed {
		t.Errorf("error = %s %q, want UPSTREAM_UNAVAILABLE with generic message", code, msg)
	}
}

func TestHandler_GetLocation(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantState  string
		wantNotice string
	}{
		{"coordinates", "lat=47.6&lon=-122.3", http.StatusOK, "ready", ""},
		{"denied", "geo=denied", http.StatusOK, "idle", widget.MsgLocationDenied},
		{"unsupported", "geo=unsupported", http.StatusOK, "idle", widget.MsgLocationUnsupported},
		{"no locator configured", "", http.StatusOK, "idle", widget.MsgLocationUnsupported},
		{"bad latitude", "lat=abc&lon=1", http.StatusBadRequest, "", ""},
		{"out of range", "lat=91&lon=1", http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{})
			w := ts.do(httptest.NewRequest(http.MethodGet, "/api/location?"+tt.query, nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			st := decodeState(t, w)
			if st.Status != tt.wantState || st.Notice != tt.wantNotice {
				t.Errorf("state = %s notice %q, want %s notice %q", st.Status, st.Notice, tt.wantState, tt.wantNotice)
			}
		})
	}
}

func TestHandler_SessionReusedAcrossRequests(t *testing.T) {
	ts := newTestServer(t, Options{})
	first := ts.do(httptest.NewRequest(http.MethodGet, "/api/weather?city=Seattle&country=US", nil))
	id := first.Header().Get("X-Session-ID")

	req := httptest.NewRequest(http.MethodGet, "/api/location?geo=denied", nil)
	req.Header.Set("X-Session-ID", id)
	st := decodeState(t, ts.do(req))

	if st.SessionID != id {
		t.Fatalf("session = %q, want %q", st.SessionID, id)
	}
	if st.City != "Seattle" || st.Country != "US" {
		t.Errorf("fields changed by denied location: %q/%q", st.City, st.Country)
	}
	if st.Reading == nil || st.Reading.Name != "Seattle" {
		t.Error("denied location cleared the displayed reading")
	}
	if st.Notice != widget.MsgLocationDenied {
		t.Errorf("notice = %q, want denial message", st.Notice)
	}
}

func TestHandler_GetState(t *testing.T) {
	ts := newTestServer(t, Options{})
	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/state", nil))
	st := decodeState(t, w)
	if st.Status != "idle" || st.CanSubmit {
		t.Errorf("state = %+v, want idle with submit disabled", st)
	}
}

func TestHandler_PostUnload(t *testing.T) {
	ts := newTestServer(t, Options{})
	first := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := first.Result().Cookies()[0]
	if ts.registry.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", ts.registry.Len())
	}

	req := httptest.NewRequest(http.MethodPost, "/session/unload", nil)
	req.AddCookie(cookie)
	w := ts.do(req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if ts.registry.Len() != 0 {
		t.Errorf("sessions = %d after unload, want 0", ts.registry.Len())
	}
}

func TestHandler_GetHealth(t *testing.T) {
	openBreaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	_ = openBreaker.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	tests := []struct {
		name       string
		health     *HealthConfig
		setup      func()
		wantStatus int
		wantState  string
	}{
		{"no config", nil, nil, http.StatusOK, "healthy"},
		{"healthy", &HealthConfig{Window: time.Minute, DegradedErrorPct: 50}, nil, http.StatusOK, "healthy"},
		{"api key invalid", &HealthConfig{APIKeyCheck: func(context.Context) error { return client.ErrInvalidAPIKey }}, nil, http.StatusServiceUnavailable, "degraded"},
		{"circuit open", &HealthConfig{Breaker: openBreaker}, nil, http.StatusServiceUnavailable, "degraded"},
		{"error rate", &HealthConfig{Window: time.Minute, DegradedErrorPct: 50}, func() {
			traffic.Record(traffic.Failure)
			traffic.Record(traffic.Success)
		}, http.StatusServiceUnavailable, "degraded"},
		{"shutting down", nil, func() { lifecycle.SetShuttingDown(true) }, http.StatusServiceUnavailable, "shutting-down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{Health: tt.health})
			defer lifecycle.SetShuttingDown(false)
			if tt.setup != nil {
				tt.setup()
			}
			w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body map[string]interface{}
			_ = json.NewDecoder(w.Body).Decode(&body)
			if body["status"] != tt.wantState {
				t.Errorf("status field = %v, want %s", body["status"], tt.wantState)
			}
			if _, ok := body["uptimeSeconds"].(float64); !ok {
				t.Errorf("uptimeSeconds missing from %v", body)
			}
		})
	}
}

func TestHandler_GetHealth_CacheCheck(t *testing.T) {
	ts := newTestServer(t, Options{Health: &HealthConfig{
		CachePing: func(context.Context) error { return errors.New("connection refused") },
	}})
	w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Checks["cache"] != "unhealthy" {
		t.Errorf("checks.cache = %q, want unhealthy", body.Checks["cache"])
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	traffic.Reset()
	core, logs := observer.New(zapcore.InfoLevel)
	reg := widget.NewRegistry(&mockLookuper{}, cache.NewInMemoryStorage(), nil, 0)
	h := NewHandler(reg, zap.New(core), Options{})
	defer lifecycle.SetShuttingDown(false)

	h.GetHealth(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	lifecycle.SetShuttingDown(true)
	h.GetHealth(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("fields = %v", fields)
	}
}
