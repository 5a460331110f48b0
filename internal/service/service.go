package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/query"
)

// Options configures a WeatherService.
type Options struct {
	// Coalesce shares one upstream fetch between concurrent lookups of the same key.
	Coalesce bool
	// Warm is the read-only fallback namespace filled by the cache warmer. Optional.
	Warm cache.Cache
}

// WeatherService runs the lookup pipeline: cache, then geocode, then current
// weather, then cache store. The coordinate path skips the cache entirely.
type WeatherService struct {
	client client.WeatherClient
	warm   cache.Cache
	group  *singleflight.Group
}

// NewWeatherService creates a WeatherService over the given upstream client.
func NewWeatherService(c client.WeatherClient, opts Options) *WeatherService {
	s := &WeatherService{client: c, warm: opts.Warm}
	if opts.Coalesce {
		s.group = &singleflight.Group{}
	}
	return s
}

// Lookup returns the reading for city and country, serving a fresh entry from
// sessionCache when present and storing a newly fetched reading into it.
// Cache failures are logged and treated as misses.
func (s *WeatherService) Lookup(ctx context.Context, sessionCache cache.Cache, city, country string) (models.Reading, error) {
	key := query.Key(city, country)
	start := time.Now()
	logger := observability.LoggerFromContext(ctx).With(zap.String("key", key))

	ctx, span := observability.Tracer().Start(ctx, "lookup", trace.WithAttributes(attribute.String("lookup.key", key)))
	defer span.End()

	if reading, ok := s.lookupCache(ctx, sessionCache, key, logger); ok {
		span.SetAttributes(attribute.Bool("lookup.cached", true))
		logger.Debug("weather served", zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return reading, nil
	}
	if s.warm != nil {
		if reading, ok := s.lookupCache(ctx, s.warm, key, logger); ok {
			span.SetAttributes(attribute.Bool("lookup.cached", true))
			logger.Debug("weather served from warm cache", zap.Duration("duration", time.Since(start)))
			return reading, nil
		}
	}

	logger.Debug("cache miss, fetching upstream")
	reading, err := s.fetch(ctx, key, city, country)
	if err != nil {
		observability.UpstreamErrorsTotal.WithLabelValues(string(client.CategorizeError(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Reading{}, fmt.Errorf("lookup %s: %w", key, err)
	}

	if err := sessionCache.Store(ctx, key, reading); err != nil {
		logger.Warn("cache store failed", zap.Error(err))
	}
	logger.Debug("weather served", zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return reading, nil
}

// LookupCoordinates fetches the reading for coords. Nothing is cached.
func (s *WeatherService) LookupCoordinates(ctx context.Context, coords models.Coordinates) (models.Reading, error) {
	ctx, span := observability.Tracer().Start(ctx, "lookup-coordinates")
	defer span.End()

	reading, err := s.client.CurrentWeather(ctx, coords)
	if err != nil {
		observability.UpstreamErrorsTotal.WithLabelValues(string(client.CategorizeError(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Reading{}, fmt.Errorf("lookup %g,%g: %w", coords.Lat, coords.Lon, err)
	}
	return reading, nil
}

// Prefetch fetches city and country into the warm namespace. Implements cache.Prefetcher.
func (s *WeatherService) Prefetch(ctx context.Context, city, country string) error {
	if s.warm == nil {
		return fmt.Errorf("prefetch %s,%s: warm cache not configured", city, country)
	}
	key := query.Key(city, country)
	reading, err := s.fetch(ctx, key, city, country)
	if err != nil {
		return err
	}
	return s.warm.Store(ctx, key, reading)
}

func (s *WeatherService) lookupCache(ctx context.Context, c cache.Cache, key string, logger *zap.Logger) (models.Reading, bool) {
	reading, ok, err := c.Lookup(ctx, key)
	if err != nil {
		logger.Warn("cache lookup failed", zap.Error(err))
		return models.Reading{}, false
	}
	return reading, ok
}

// fetch runs geocode then current weather, shared across callers when coalescing is on.
func (s *WeatherService) fetch(ctx context.Context, key, city, country string) (models.Reading, error) {
	if s.group == nil {
		return s.fetchUpstream(ctx, city, country)
	}

	// The shared fetch must outlive any single caller; each caller still
	// stops waiting when its own context ends.
	sharedCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.fetchUpstream(sharedCtx, city, country)
	})
	select {
	case <-ctx.Done():
		return models.Reading{}, fmt.Errorf("%w: %w", client.ErrFetch, ctx.Err())
	case res := <-ch:
		if res.Shared {
			observability.CoalescedFetchesTotal.Inc()
		}
		if res.Err != nil {
			return models.Reading{}, res.Err
		}
		return res.Val.(models.Reading), nil
	}
}

func (s *WeatherService) fetchUpstream(ctx context.Context, city, country string) (models.Reading, error) {
	coords, err := s.client.Geocode(ctx, city, country)
	if err != nil {
		return models.Reading{}, err
	}
	return s.client.CurrentWeather(ctx, coords)
}
