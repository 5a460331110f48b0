package cache

import (
	"context"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// DefaultFreshness is how long a stored reading is served before it is treated as absent.
const DefaultFreshness = 5 * time.Minute

// Cache is one namespace of cached readings keyed by query key.
// Lookup returns (reading, true, nil) only for a fresh entry. Store overwrites.
// Clear wipes the namespace.
type Cache interface {
	Lookup(ctx context.Context, key string) (models.Reading, bool, error)
	Store(ctx context.Context, key string, reading models.Reading) error
	Clear(ctx context.Context) error
}

// Storage opens and deletes named caches, one per session.
type Storage interface {
	Open(namespace string) Cache
	Delete(ctx context.Context, namespace string) error
	Backend() string
}

// Entry is a stored reading plus the time it was stored.
type Entry struct {
	Reading models.Reading `json:"reading"`
	Date    time.Time      `json:"date"`
}

// Fresh reports whether the entry is younger than window at now.
func (e Entry) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(e.Date) < window
}

// Option configures a Storage.
type Option func(*options)

type options struct {
	freshness time.Duration
	now       func() time.Time
}

// WithFreshness overrides DefaultFreshness.
func WithFreshness(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.freshness = d
		}
	}
}

// WithClock replaces time.Now for entry dates and freshness checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{freshness: DefaultFreshness, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// entryStore is the raw per-namespace storage a backend provides.
// Freshness policy lives in namespaceCache, not in the backends.
type entryStore interface {
	get(ctx context.Context, key string) (Entry, bool, error)
	put(ctx context.Context, key string, e Entry) error
	clear(ctx context.Context) error
}

// namespaceCache applies the read-time freshness check on top of an entryStore.
// Stale entries are left in place until overwritten or cleared.
type namespaceCache struct {
	store   entryStore
	backend string
	opts    options
}

func (c *namespaceCache) Lookup(ctx context.Context, key string) (models.Reading, bool, error) {
	e, ok, err := c.store.get(ctx, key)
	if err != nil {
		observability.CacheLookupsTotal.WithLabelValues(c.backend, "error").Inc()
		return models.Reading{}, false, err
	}
	if !ok {
		observability.CacheLookupsTotal.WithLabelValues(c.backend, "miss").Inc()
		return models.Reading{}, false, nil
	}
	if !e.Fresh(c.opts.now(), c.opts.freshness) {
		observability.CacheLookupsTotal.WithLabelValues(c.backend, "stale").Inc()
		return models.Reading{}, false, nil
	}
	observability.CacheLookupsTotal.WithLabelValues(c.backend, "hit").Inc()
	return e.Reading, true, nil
}

func (c *namespaceCache) Store(ctx context.Context, key string, reading models.Reading) error {
	if err := c.store.put(ctx, key, Entry{Reading: reading, Date: c.opts.now()}); err != nil {
		observability.CacheStoreErrorsTotal.WithLabelValues(c.backend).Inc()
		return err
	}
	return nil
}

func (c *namespaceCache) Clear(ctx context.Context) error {
	return c.store.clear(ctx)
}
