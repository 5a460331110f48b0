package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// Geocoder resolves a city and country to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, city, country string) (models.Coordinates, error)
}

// WeatherFetcher fetches the current reading for coordinates.
type WeatherFetcher interface {
	CurrentWeather(ctx context.Context, coords models.Coordinates) (models.Reading, error)
}

// WeatherClient is the full upstream surface used by the lookup pipeline.
type WeatherClient interface {
	Geocoder
	WeatherFetcher
}

var (
	// ErrFetch wraps every network or non-2xx failure from either upstream call.
	ErrFetch = errors.New("fetch failed")
	// ErrNoMatch is returned when geocoding yields zero results.
	ErrNoMatch = errors.New("no geocoding match")

	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrRateLimited     = errors.New("rate limited")
	ErrBadRequest      = errors.New("request rejected")
	ErrUpstreamFailure = errors.New("upstream failure")
)

const (
	endpointGeocode = "geocode"
	endpointWeather = "weather"

	geocodePath = "geo/1.0/direct"
	weatherPath = "data/2.5/weather"
)

// Options tunes an OpenWeatherClient. Zero values pick defaults.
type Options struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Breaker        *circuitbreaker.CircuitBreaker
	HTTPClient     *http.Client
}

// OpenWeatherClient calls the OpenWeather geocoding and current-weather endpoints.
type OpenWeatherClient struct {
	apiKey         string
	baseURL        *url.URL
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewOpenWeatherClient returns a client rooted at baseURL (e.g. https://api.openweathermap.org/).
// A single attempt per call is the default; retries are opt-in.
func NewOpenWeatherClient(apiKey, baseURL string, opts Options) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &OpenWeatherClient{
		apiKey:         apiKey,
		baseURL:        base,
		timeout:        opts.Timeout,
		client:         httpClient,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breaker:        opts.Breaker,
	}, nil
}

type geocodeResult struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}

// Geocode looks up the first match for "city,country".
func (c *OpenWeatherClient) Geocode(ctx context.Context, city, country string) (models.Coordinates, error) {
	params := url.Values{}
	params.Set("q", city+","+country)
	params.Set("limit", "1")

	body, err := c.get(ctx, endpointGeocode, geocodePath, params,
		attribute.String("lookup.city", city),
		attribute.String("lookup.country", country),
	)
	if err != nil {
		return models.Coordinates{}, err
	}

	var results []geocodeResult
	if err := json.Unmarshal(body, &results); err != nil {
		return models.Coordinates{}, fmt.Errorf("%w: parse geocode response: %v", ErrFetch, err)
	}
	if len(results) == 0 {
		return models.Coordinates{}, fmt.Errorf("%w for %s,%s", ErrNoMatch, city, country)
	}
	return models.Coordinates{Lat: results[0].Lat, Lon: results[0].Lon}, nil
}

// CurrentWeather fetches the metric-unit reading for coords. The response is
// decoded into models.Reading without transformation.
func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, coords models.Coordinates) (models.Reading, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(coords.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(coords.Lon, 'f', -1, 64))
	params.Set("units", "metric")

	body, err := c.get(ctx, endpointWeather, weatherPath, params,
		attribute.Float64("lookup.lat", coords.Lat),
		attribute.Float64("lookup.lon", coords.Lon),
	)
	if err != nil {
		return models.Reading{}, err
	}

	var reading models.Reading
	if err := json.Unmarshal(body, &reading); err != nil {
		return models.Reading{}, fmt.Errorf("%w: parse weather response: %v", ErrFetch, err)
	}
	return reading, nil
}

// ValidateAPIKey performs one geocoding call and reports whether the key is accepted.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.Geocode(ctx, "London", "GB")
	if errors.Is(err, ErrNoMatch) {
		return nil
	}
	return err
}

// get runs one logical GET through the breaker and retry loop.
func (c *OpenWeatherClient) get(ctx context.Context, endpoint, path string, params url.Values, attrs ...attribute.KeyValue) ([]byte, error) {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, endpoint, trace.WithAttributes(attrs...))
	defer span.End()

	var body []byte
	call := func(ctx context.Context) error {
		var err error
		body, err = c.withRetry(ctx, endpoint, path, params)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %w", ErrFetch, err)
		}
	} else {
		err = call(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return body, nil
}

func (c *OpenWeatherClient) withRetry(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(endpoint).Inc()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		body, err := c.callAPI(ctx, endpoint, path, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !c.isRetryable(err) {
			return nil, err
		}
	}
	if c.retryAttempts > 1 {
		return nil, fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return nil, lastErr
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path, params)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: request timeout: %w", ErrFetch, err)
		}
		return nil, fmt.Errorf("%w: http request failed: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, endpoint, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", ErrFetch, err)
	}
	return body, nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: HTTP %d", ErrBadRequest, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}

