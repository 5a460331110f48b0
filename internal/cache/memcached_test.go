package cache

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// fakeMemcache is an in-process memcacheClient that honours relative
// expirations against a test clock.
type fakeMemcache struct {
	mu      sync.Mutex
	clock   *testClock
	items   map[string][]byte
	expires map[string]time.Time
}

func newFakeMemcache(clock *testClock) *fakeMemcache {
	return &fakeMemcache{clock: clock, items: map[string][]byte{}, expires: map[string]time.Time{}}
}

func (f *fakeMemcache) liveLocked(key string) bool {
	if _, ok := f.items[key]; !ok {
		return false
	}
	if !f.clock.Now().Before(f.expires[key]) {
		delete(f.items, key)
		delete(f.expires, key)
		return false
	}
	return true
}

func (f *fakeMemcache) setLocked(item *memcache.Item) {
	f.items[item.Key] = append([]byte(nil), item.Value...)
	f.expires[item.Key] = f.clock.Now().Add(time.Duration(item.Expiration) * time.Second)
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.liveLocked(key) {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: f.items[key]}, nil
}

func (f *fakeMemcache) Add(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveLocked(item.Key) {
		return memcache.ErrNotStored
	}
	f.setLocked(item)
	return nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(item)
	return nil
}

func (f *fakeMemcache) Increment(key string, delta uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.liveLocked(key) {
		return 0, memcache.ErrCacheMiss
	}
	v, err := strconv.ParseUint(string(f.items[key]), 10, 64)
	if err != nil {
		return 0, err
	}
	v += delta
	f.items[key] = []byte(strconv.FormatUint(v, 10))
	return v, nil
}

func (f *fakeMemcache) Touch(key string, seconds int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.liveLocked(key) {
		return memcache.ErrCacheMiss
	}
	f.expires[key] = f.clock.Now().Add(time.Duration(seconds) * time.Second)
	return nil
}

func (f *fakeMemcache) Ping() error  { return nil }
func (f *fakeMemcache) Close() error { return nil }

func newFakeMemcachedStorage(clock *testClock, itemTTL time.Duration, opts ...Option) *MemcachedStorage {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &MemcachedStorage{client: newFakeMemcache(clock), itemTTL: itemTTL, opts: buildOptions(opts)}
}

func TestMemcachedStorage_ContractAgainstFake(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newFakeMemcachedStorage(clock, 30*time.Minute)
	a, b := s.Open("session-a"), s.Open("session-b")

	if err := a.Store(ctx, "london&gb", londonReading()); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, ok, _ := a.Lookup(ctx, "london&gb"); !ok {
		t.Fatal("Lookup() miss right after Store")
	}
	if _, ok, _ := b.Lookup(ctx, "london&gb"); ok {
		t.Error("namespace session-b sees session-a's entry")
	}

	if err := s.Delete(ctx, "session-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := a.Lookup(ctx, "london&gb"); ok {
		t.Error("Lookup() hit after Delete")
	}
}

// An active namespace keeps its generation as long as it keeps writing, even
// past the item TTL measured from its first write.
func TestMemcachedStorage_WritesRefreshGeneration(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newFakeMemcachedStorage(clock, 30*time.Minute, WithFreshness(time.Hour))
	c := s.Open("session-a")
	ns := &memcachedNamespace{storage: s, name: "session-a"}

	if err := c.Store(ctx, "london&gb", londonReading()); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	first, err := ns.generation()
	if err != nil {
		t.Fatalf("generation() error = %v", err)
	}

	clock.Advance(20 * time.Minute)
	if err := c.Store(ctx, "paris&fr", londonReading()); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	clock.Advance(20 * time.Minute)

	if _, ok, err := c.Lookup(ctx, "paris&fr"); err != nil || !ok {
		t.Fatalf("Lookup(paris&fr) = _, %v, %v; want hit 40m after the first write", ok, err)
	}
	if got, _ := ns.generation(); got != first {
		t.Errorf("generation = %d, want %d (unchanged)", got, first)
	}
}
