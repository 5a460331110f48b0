package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "weather:"

// maxRelativeExp is memcached's limit for relative expirations (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// memcacheClient is the subset of *memcache.Client the storage uses.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Add(item *memcache.Item) error
	Set(item *memcache.Item) error
	Increment(key string, delta uint64) (uint64, error)
	Touch(key string, seconds int32) error
	Ping() error
	Close() error
}

// MemcachedStorage stores namespaces in memcached. Each namespace has a
// generation counter; data keys embed the generation so Clear is a single
// increment and old entries age out on their own. Every write refreshes the
// generation key's expiration so an active namespace never loses it.
type MemcachedStorage struct {
	client  memcacheClient
	itemTTL time.Duration
	opts    options
}

// NewMemcachedStorage creates a MemcachedStorage. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). itemTTL bounds how long
// abandoned entries occupy memory; it is not the freshness window.
func NewMemcachedStorage(addrs string, timeout time.Duration, maxIdleConns int, itemTTL time.Duration, opts ...Option) (*MemcachedStorage, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStorage{client: client, itemTTL: itemTTL, opts: buildOptions(opts)}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemcachedStorage) Backend() string { return "memcached" }

// Open returns the cache for namespace.
func (s *MemcachedStorage) Open(namespace string) Cache {
	return &namespaceCache{
		store:   &memcachedNamespace{storage: s, name: namespace},
		backend: s.Backend(),
		opts:    s.opts,
	}
}

// Delete bumps the namespace generation, orphaning its entries.
func (s *MemcachedStorage) Delete(ctx context.Context, namespace string) error {
	return (&memcachedNamespace{storage: s, name: namespace}).clear(ctx)
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStorage) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStorage) Close() error {
	return s.client.Close()
}

func (s *MemcachedStorage) expiration() int32 {
	exp := int32(s.itemTTL.Seconds())
	if exp <= 0 || exp > maxRelativeExp {
		exp = 3600
	}
	return exp
}

// hashPart keeps keys within memcached's 250-byte, no-whitespace limit.
func hashPart(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

type memcachedNamespace struct {
	storage *MemcachedStorage
	name    string
}

func (m *memcachedNamespace) genKey() string {
	return keyPrefix + "gen:" + hashPart(m.name)
}

func (m *memcachedNamespace) dataKey(gen uint64, key string) string {
	return keyPrefix + hashPart(m.name) + ":" + strconv.FormatUint(gen, 10) + ":" + hashPart(key)
}

// generation returns the current namespace generation, seeding it on first use.
// The seed is time based so a generation key evicted under memory pressure
// never resurrects entries written under an older generation.
func (m *memcachedNamespace) generation() (uint64, error) {
	c := m.storage.client
	item, err := c.Get(m.genKey())
	if err == nil {
		return strconv.ParseUint(string(item.Value), 10, 64)
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		return 0, err
	}
	seed := uint64(m.storage.opts.now().UnixNano())
	err = c.Add(&memcache.Item{
		Key:        m.genKey(),
		Value:      []byte(strconv.FormatUint(seed, 10)),
		Expiration: m.storage.expiration(),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		// lost the race to another writer
		return m.generation()
	}
	if err != nil {
		return 0, err
	}
	return seed, nil
}

func (m *memcachedNamespace) get(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	gen, err := m.generation()
	if err != nil {
		return Entry{}, false, err
	}
	item, err := m.storage.client.Get(m.dataKey(gen, key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(item.Value, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (m *memcachedNamespace) put(ctx context.Context, key string, e Entry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	gen, err := m.generation()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	exp := m.storage.expiration()
	if err := m.storage.client.Set(&memcache.Item{
		Key:        m.dataKey(gen, key),
		Value:      raw,
		Expiration: exp,
	}); err != nil {
		return err
	}
	if err := m.storage.client.Touch(m.genKey(), exp); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

func (m *memcachedNamespace) clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, err := m.storage.client.Increment(m.genKey(), 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		// nothing stored under this namespace yet
		return nil
	}
	return err
}
