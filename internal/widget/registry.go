package widget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// DefaultIdleTTL is how long a session survives without requests.
const DefaultIdleTTL = 30 * time.Minute

// Registry owns the live sessions.
type Registry struct {
	lookup  Lookuper
	storage cache.Storage
	logger  *zap.Logger
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry. idleTTL <= 0 uses DefaultIdleTTL.
func NewRegistry(lookup Lookuper, storage cache.Storage, logger *zap.Logger, idleTTL time.Duration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Registry{
		lookup:   lookup,
		storage:  storage,
		logger:   logger,
		idleTTL:  idleTTL,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the session for id, creating one when id is unknown.
// A well-formed UUID from an expired session is reused so the client's
// cookie stays valid; anything else gets a fresh ID. created reports
// whether the session is new.
func (r *Registry) Acquire(id string) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.touch()
		return s, false
	}
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	s = newSession(id, r.lookup, r.storage, r.now)
	r.sessions[id] = s
	observability.SessionsActive.Set(float64(len(r.sessions)))
	r.logger.Debug("session created", zap.String("session_id", id))
	return s, true
}

// Get returns an existing session without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		s.touch()
	}
	return s, ok
}

// Unload removes the session and deletes its cache namespace. Unknown IDs are a no-op.
func (r *Registry) Unload(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		observability.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.logger.Debug("session unloaded", zap.String("session_id", id))
	return s.Unload(ctx)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle unloads every session idle for longer than the TTL and returns
// how many were evicted.
func (r *Registry) EvictIdle(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	observability.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Unload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return len(idle), errors.Join(errs...)
}

// Close unloads every session. Used on shutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	observability.SessionsActive.Set(0)
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.Unload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunJanitor evicts idle sessions every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.idleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.EvictIdle(ctx)
			if err != nil {
				r.logger.Warn("session eviction failed", zap.Error(err))
			}
			if n > 0 {
				r.logger.Info("evicted idle sessions", zap.Int("count", n), zap.Int("active", r.Len()))
			}
		}
	}
}
