package widget

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/geolocation"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/query"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

// ErrIncomplete is returned by Submit when either field is empty.
var ErrIncomplete = errors.New("city and country are required")

// Lookuper runs the lookup pipeline. Implemented by service.WeatherService.
type Lookuper interface {
	Lookup(ctx context.Context, sessionCache cache.Cache, city, country string) (models.Reading, error)
	LookupCoordinates(ctx context.Context, coords models.Coordinates) (models.Reading, error)
}

// Session is the form controller for one page session.
//
// Every fetch takes a new generation and cancels the fetch before it. A
// fetch only writes the result slot if its generation is still the latest;
// otherwise its outcome is dropped.
type Session struct {
	id      string
	lookup  Lookuper
	storage cache.Storage
	cache   cache.Cache
	now     func() time.Time

	mu       sync.Mutex
	city     string
	country  string
	result   Result
	notice   string
	gen      uint64
	cancel   context.CancelFunc
	lastSeen time.Time

	// unloadMu orders cache writes against Unload. Once unloaded is set no
	// write reaches the namespace, so Delete is final.
	unloadMu sync.RWMutex
	unloaded bool
}

// sessionCache is the cache handed to the pipeline. Writes after Unload are
// dropped.
type sessionCache struct {
	cache.Cache
	s *Session
}

func (c sessionCache) Store(ctx context.Context, key string, reading models.Reading) error {
	c.s.unloadMu.RLock()
	defer c.s.unloadMu.RUnlock()
	if c.s.unloaded {
		return nil
	}
	return c.Cache.Store(ctx, key, reading)
}

func newSession(id string, lookup Lookuper, storage cache.Storage, now func() time.Time) *Session {
	s := &Session{
		id:       id,
		lookup:   lookup,
		storage:  storage,
		now:      now,
		result:   Idle(),
		lastSeen: now(),
	}
	s.cache = sessionCache{Cache: storage.Open(id), s: s}
	return s
}

// ID returns the session identifier, which is also its cache namespace.
func (s *Session) ID() string { return s.id }

// SetFields replaces the city and country inputs.
func (s *Session) SetFields(city, country string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.city, s.country = city, country
}

// CanSubmit reports whether the submit control is enabled.
func (s *Session) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return validation.CanSubmit(s.city, s.country)
}

// Key returns the query key derived from the current fields.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return query.Key(s.city, s.country)
}

// Submit looks up weather for the current fields and returns the resulting
// state. Any pipeline error clears the reading and shows MsgFetchFailed.
func (s *Session) Submit(ctx context.Context) (State, error) {
	s.mu.Lock()
	city, country := s.city, s.country
	s.mu.Unlock()
	if !validation.CanSubmit(city, country) {
		return s.State(), ErrIncomplete
	}
	return s.run(ctx, models.SourceForm, func(ctx context.Context) (models.Reading, error) {
		return s.lookup.Lookup(ctx, s.cache, city, country)
	}), nil
}

// Start runs the current-location fallback. On success the location reading
// replaces the result slot; it is never stored in the keyed cache. Locator
// failures only set a notice: fields and any displayed reading stay as they are.
func (s *Session) Start(ctx context.Context, locator geolocation.Locator) State {
	if locator == nil {
		locator = geolocation.Unsupported{}
	}
	coords, err := locator.CurrentPosition(ctx)
	if err != nil {
		msg := MsgLocationDenied
		if errors.Is(err, geolocation.ErrUnsupported) {
			msg = MsgLocationUnsupported
		}
		observability.LoggerFromContext(ctx).Debug("current location unavailable", zap.String("session_id", s.id), zap.Error(err))
		s.mu.Lock()
		s.notice = msg
		s.mu.Unlock()
		return s.State()
	}
	return s.run(ctx, models.SourceLocation, func(ctx context.Context) (models.Reading, error) {
		return s.lookup.LookupCoordinates(ctx, coords)
	})
}

func (s *Session) run(ctx context.Context, source models.Source, fetch func(context.Context) (models.Reading, error)) State {
	logger := observability.LoggerFromContext(ctx).With(zap.String("session_id", s.id), zap.String("source", string(source)))

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.result = Loading()
	s.mu.Unlock()

	reading, err := fetch(fetchCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		observability.StaleResponsesDiscardedTotal.Inc()
		observability.LookupsTotal.WithLabelValues(string(source), "discarded").Inc()
		logger.Debug("discarding stale response", zap.Uint64("generation", gen), zap.Uint64("latest", s.gen))
		return s.stateLocked()
	}
	s.cancel = nil
	if err != nil {
		observability.LookupsTotal.WithLabelValues(string(source), "failed").Inc()
		logger.Info("lookup failed", zap.Error(err))
		s.result = Failed(MsgFetchFailed)
		return s.stateLocked()
	}
	observability.LookupsTotal.WithLabelValues(string(source), "ready").Inc()
	s.result = Ready(reading, source)
	s.notice = ""
	return s.stateLocked()
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := State{
		SessionID:  s.id,
		City:       s.city,
		Country:    s.country,
		CanSubmit:  validation.CanSubmit(s.city, s.country),
		Status:     s.result.Status.String(),
		Error:      s.result.Message,
		Notice:     s.notice,
		Generation: s.gen,
	}
	if s.result.Status == StatusReady {
		r := s.result.Reading
		st.Reading = &r
		st.Source = s.result.Source
	}
	return st
}

// Result returns the current result slot.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Unload cancels any in-flight fetch and deletes the session's cache
// namespace. A fetch still finishing afterwards does not write it back.
func (s *Session) Unload(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.mu.Unlock()

	s.unloadMu.Lock()
	s.unloaded = true
	s.unloadMu.Unlock()
	return s.storage.Delete(ctx, s.id)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(cutoff)
}
