package ripple

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ReadMode selects how a read-through call balances cache and network.
type ReadMode int

const (
	// CacheFirst returns a fresh cached value when present and falls
	// back to the fetcher otherwise.
	CacheFirst ReadMode = iota

	// NetworkFirst tries the fetcher and falls back to any cached
	// value, regardless of expiry, when the fetch fails.
	NetworkFirst

	// CacheOnly never touches the network.
	CacheOnly
)

// CacheEntry is one stored response with its write time.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Cache is a read-through response cache over the durable store.
// Entries older than maxAge are treated as absent for cache-first reads
// but may still be returned as a last-resort fallback when the network
// fails.
type Cache struct {
	store  Store
	clock  Clock
	logger Logger
	prefix string
	maxAge time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewCache creates a cache whose entries live under prefix in the store
// and expire after maxAge.
func NewCache(store Store, clock Clock, logger Logger, prefix string, maxAge time.Duration) *Cache {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Cache{
		store:  store,
		clock:  clock,
		logger: logger,
		prefix: prefix,
		maxAge: maxAge,
		stopCh: make(chan struct{}),
	}
}

// Key derives a deterministic cache key from an operation kind, a
// collection/endpoint, and query parameters. Identical queries hit the
// same entry; queries differing in any parameter never collide.
func (c *Cache) Key(kind, collection string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sig strings.Builder
	sig.WriteString(kind)
	sig.WriteByte('|')
	sig.WriteString(collection)
	for _, name := range names {
		sig.WriteByte('|')
		sig.WriteString(name)
		sig.WriteByte('=')
		sig.WriteString(params[name])
	}
	sum := sha256.Sum256([]byte(sig.String()))
	return c.prefix + hex.EncodeToString(sum[:8])
}

// Get returns the entry for key if present and not expired.
func (c *Cache) Get(key string) (json.RawMessage, bool, error) {
	entry, ok, err := c.load(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.expired(entry) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// GetStale returns the entry for key even when expired. This is the
// offline-fallback path.
func (c *Cache) GetStale(key string) (json.RawMessage, bool, error) {
	entry, ok, err := c.load(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Data, true, nil
}

// Put stores data under key, stamped with the current time.
func (c *Cache) Put(key string, data json.RawMessage) error {
	entry := CacheEntry{Key: key, Data: data, Timestamp: c.clock.Now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := c.store.Set(key, string(raw)); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the entry for key.
func (c *Cache) Invalidate(key string) error {
	return c.store.Remove(key)
}

// Read performs a read-through fetch under the given mode. Fetch errors
// are never swallowed: the caller receives either a usable value or the
// classified error.
func (c *Cache) Read(ctx context.Context, key string, mode ReadMode, fetch func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	switch mode {
	case CacheOnly:
		data, ok, err := c.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrCacheMiss
		}
		return data, nil

	case CacheFirst:
		data, ok, err := c.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return data, nil
		}
		return c.fetchInto(ctx, key, fetch)

	case NetworkFirst:
		data, err := c.fetchInto(ctx, key, fetch)
		if err == nil {
			return data, nil
		}
		stale, ok, serr := c.GetStale(key)
		if serr == nil && ok {
			c.logger.Debug("serving stale cache after fetch failure", "key", key)
			return stale, nil
		}
		return nil, err

	default:
		return nil, fmt.Errorf("unknown read mode: %d", mode)
	}
}

// fetchInto runs fetch, refreshes the cache on success, and falls back
// to a stale entry when the fetch fails and one exists.
func (c *Cache) fetchInto(ctx context.Context, key string, fetch func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	data, err := fetch(ctx)
	if err != nil {
		stale, ok, serr := c.GetStale(key)
		if serr == nil && ok {
			c.logger.Debug("serving stale cache after fetch failure", "key", key)
			return stale, nil
		}
		return nil, err
	}
	if perr := c.Put(key, data); perr != nil {
		c.logger.Warn("caching fetched value failed", "key", key, "error", perr)
	}
	return data, nil
}

// Prune removes every expired entry under the cache's prefix. Returns
// the number of entries removed.
func (c *Cache) Prune() (int, error) {
	keys, err := c.store.Keys(c.prefix)
	if err != nil {
		return 0, fmt.Errorf("listing cache keys: %w", err)
	}

	var expired []string
	for _, key := range keys {
		entry, ok, err := c.load(key)
		if err != nil || !ok {
			continue
		}
		if c.expired(entry) {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := c.store.MultiRemove(expired); err != nil {
		return 0, fmt.Errorf("removing expired entries: %w", err)
	}
	c.logger.Debug("cache pruned", "prefix", c.prefix, "removed", len(expired))
	return len(expired), nil
}

// StartSweep prunes expired entries on a fixed interval to bound
// storage growth, independent of whether a read ever touches them.
func (c *Cache) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.Prune(); err != nil {
					c.logger.Warn("cache sweep failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the sweep goroutine.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
}

func (c *Cache) load(key string) (CacheEntry, bool, error) {
	raw, ok, err := c.store.Get(key)
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("reading cache entry: %w", err)
	}
	if !ok {
		return CacheEntry{}, false, nil
	}
	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// A corrupt entry is treated as absent and cleaned up.
		c.store.Remove(key)
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *Cache) expired(entry CacheEntry) bool {
	return c.clock.Now().Sub(entry.Timestamp) > c.maxAge
}

// ReadAs is a typed convenience over Cache.Read.
func ReadAs[T any](ctx context.Context, c *Cache, key string, mode ReadMode, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.Read(ctx, key, mode, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			return nil, fmt.Errorf("encoding fetched value: %w", merr)
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decoding cached value: %w", err)
	}
	return v, nil
}
