package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// WarmNamespace is the shared namespace populated by the warmer. Sessions
// read it after a miss in their own namespace; they never write it.
const WarmNamespace = "warm"

// Prefetcher is implemented by the service layer to fetch a city/country pair
// into the warm namespace. Declared here to avoid an import cycle.
type Prefetcher interface {
	Prefetch(ctx context.Context, city, country string) error
}

// Location is one city/country pair to keep warm.
type Location struct {
	City    string
	Country string
}

// ParseLocation splits "City,CC" at the last comma.
func ParseLocation(s string) (Location, error) {
	i := strings.LastIndex(s, ",")
	if i <= 0 || i == len(s)-1 {
		return Location{}, fmt.Errorf("location %q: want \"City,CC\"", s)
	}
	return Location{City: strings.TrimSpace(s[:i]), Country: strings.TrimSpace(s[i+1:])}, nil
}

// CacheWarmer prefetches a fixed list of locations.
type CacheWarmer struct {
	fetcher     Prefetcher
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer. concurrency <= 0 means one fetch per location at once.
func NewCacheWarmer(fetcher Prefetcher, logger *zap.Logger, concurrency int) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, concurrency: concurrency}
}

// Warm fetches every location and returns the joined failures.
func (w *CacheWarmer) Warm(ctx context.Context, locations []Location) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if w.concurrency > 0 {
		g.SetLimit(w.concurrency)
	}
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			if err := w.fetcher.Prefetch(gctx, loc.City, loc.Country); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s,%s: %w", loc.City, loc.Country, err))
				mu.Unlock()
			}
			// one failed location must not cancel the others
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at interval until ctx is done.
// An interval shorter than the freshness window keeps warm entries from going stale.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, locations []Location, interval time.Duration) error {
	if err := w.Warm(ctx, locations); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, locations); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
