// Package cache is a bounded, expiring, in-process memoization layer in
// front of the local store and remote reads. Values under sensitive keys
// are encrypted at rest when a key is configured.
//
// The cache is never a source of truth: every failure degrades to a miss
// and a nil *Cache behaves as an always-empty cache.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/statsync/internal/crypto"
	"github.com/kimhsiao/statsync/internal/logging"
)

// Defaults applied to zero Options fields.
const (
	DefaultMaxSize         = 1000
	DefaultTTL             = 5 * time.Minute
	DefaultCleanupInterval = time.Minute

	preloadConcurrency = 8
	topKeysLimit       = 10
)

var sensitiveKey = regexp.MustCompile(`(?i)password|token|secret|key|auth|credential|personal|medical|name`)

// IsSensitiveKey reports whether values stored under key are encrypted.
func IsSensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// EntityKey is the cache key of one stored entity.
func EntityKey(table, id string) string {
	return table + ":" + id
}

// EntityPattern matches exactly the key of one entity.
func EntityPattern(table, id string) string {
	return "^" + regexp.QuoteMeta(EntityKey(table, id)) + "$"
}

// HitRecorder receives one sample per lookup.
type HitRecorder interface {
	RecordCacheHit(hit bool)
}

// Options configures a Cache.
type Options struct {
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	// EncryptionKey enables encryption of sensitive keys when non-empty.
	EncryptionKey string
	Recorder      HitRecorder
	Logger        *logging.Logger
}

type entry[V any] struct {
	key          string
	value        V
	sealed       string
	encrypted    bool
	timestamp    time.Time
	ttl          time.Duration
	accessCount  int64
	lastAccessed time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.timestamp) > e.ttl
}

// Item is one element of a batch write.
type Item[V any] struct {
	Key   string
	Value V
	TTL   time.Duration
}

// KeyStat describes a frequently read key.
type KeyStat struct {
	Key          string    `json:"key"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size        int       `json:"size"`
	MaxSize     int       `json:"max_size"`
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	HitRate     float64   `json:"hit_rate"`
	Evictions   uint64    `json:"evictions"`
	Expirations uint64    `json:"expirations"`
	Encrypted   int       `json:"encrypted"`
	TopKeys     []KeyStat `json:"top_keys"`
}

// Cache is a TTL + LRU cache. The list is ordered by last access, most
// recent at the front, so eviction takes the back in O(1).
type Cache[V any] struct {
	mu     sync.Mutex
	items  map[string]*list.Element
	order  *list.List
	opts   Options
	cipher *crypto.Cipher
	logger *logging.Logger
	now    func() time.Time

	hits, misses, evictions, expirations uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a cache. An invalid encryption key disables encryption and
// is logged, since a cache must never fail its owner.
func New[V any](opts Options) *Cache[V] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	c := &Cache[V]{
		items:  make(map[string]*list.Element),
		order:  list.New(),
		opts:   opts,
		logger: logger.With("cache"),
		now:    time.Now,
	}
	if opts.EncryptionKey != "" {
		cipher, err := crypto.NewCipher([]byte(opts.EncryptionKey))
		if err != nil {
			c.logger.Error("Cache encryption disabled", err)
		} else {
			c.cipher = cipher
		}
	}
	return c
}

func (c *Cache[V]) record(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordCacheHit(hit)
	}
}

// Set stores value under key. A ttl <= 0 uses the default TTL. When the
// cache is full the least recently accessed entry is evicted.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if c == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	e := &entry[V]{key: key, ttl: ttl}
	if c.cipher != nil && IsSensitiveKey(key) {
		sealed, err := c.seal(value)
		if err != nil {
			c.logger.Error("Failed to set cache entry", err, map[string]interface{}{"key": key})
			c.Delete(key)
			return
		}
		e.sealed = sealed
		e.encrypted = true
	} else {
		e.value = value
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e.timestamp = now
	e.lastAccessed = now

	if el, ok := c.items[key]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.opts.MaxSize {
		c.evictOldest()
	}
	c.items[key] = c.order.PushFront(e)
	c.logger.Debug("Cache entry set", map[string]interface{}{"key": key, "ttl": ttl.String()})
}

func (c *Cache[V]) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry[V])
	c.order.Remove(el)
	delete(c.items, e.key)
	c.evictions++
	c.logger.Debug("Evicted LRU cache entry", map[string]interface{}{"key": e.key})
}

func (c *Cache[V]) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
}

// Get returns the value under key if present and not expired. Expired
// entries are removed on access.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.record(false)
		c.mu.Unlock()
		return zero, false
	}
	e := el.Value.(*entry[V])
	now := c.now()
	if e.expired(now) {
		c.removeElement(el)
		c.expirations++
		c.record(false)
		c.mu.Unlock()
		c.logger.Debug("Cache entry expired", map[string]interface{}{"key": key})
		return zero, false
	}
	e.accessCount++
	e.lastAccessed = now
	c.order.MoveToFront(el)
	sealed, encrypted, value := e.sealed, e.encrypted, e.value
	c.mu.Unlock()

	if !encrypted {
		c.mu.Lock()
		c.record(true)
		c.mu.Unlock()
		return value, true
	}

	v, err := c.open(sealed)
	c.mu.Lock()
	c.record(err == nil)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("Failed to get cache entry", err, map[string]interface{}{"key": key})
		c.Delete(key)
		return zero, false
	}
	return v, true
}

func (c *Cache[V]) seal(value V) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return c.cipher.Seal(data)
}

func (c *Cache[V]) open(sealed string) (V, error) {
	var v V
	data, err := c.cipher.Open(sealed)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(data, &v)
	return v, err
}

// Has reports whether a live entry exists without touching its access
// time or the hit counters.
func (c *Cache[V]) Has(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	if el.Value.(*entry[V]).expired(c.now()) {
		c.removeElement(el)
		c.expirations++
		return false
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Clear drops every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	n := c.order.Len()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
	c.logger.Info("Cache cleared", map[string]interface{}{"entries": n})
}

// InvalidatePattern removes every key matching the regular expression
// and returns how many were removed.
func (c *Cache[V]) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	count := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if re.MatchString(el.Value.(*entry[V]).key) {
			c.removeElement(el)
			count++
		}
		el = next
	}
	c.mu.Unlock()

	c.logger.Debug("Invalidated cache entries", map[string]interface{}{"pattern": pattern, "count": count})
	return count, nil
}

// Preload warms keys that are not already cached using loader. Loader
// failures are logged per key and do not abort the batch; only context
// cancellation is returned.
func (c *Cache[V]) Preload(ctx context.Context, keys []string, loader func(ctx context.Context, key string) (V, error)) error {
	if c == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)

	loaded := 0
	var mu sync.Mutex
	for _, key := range keys {
		if c.Has(key) {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			v, err := loader(gctx, key)
			if err != nil {
				c.logger.Error("Failed to preload cache entry", err, map[string]interface{}{"key": key})
				return nil
			}
			c.Set(key, v, 0)
			mu.Lock()
			loaded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("Preloaded cache entries", map[string]interface{}{"requested": len(keys), "loaded": loaded})
	return ctx.Err()
}

// SetMany stores a batch of items.
func (c *Cache[V]) SetMany(items []Item[V]) {
	for _, it := range items {
		c.Set(it.Key, it.Value, it.TTL)
	}
}

// GetMany returns the hits among keys.
func (c *Cache[V]) GetMany(keys []string) map[string]V {
	out := make(map[string]V, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// Cleanup removes expired entries and returns how many were removed.
func (c *Cache[V]) Cleanup() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	now := c.now()
	count := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry[V]).expired(now) {
			c.removeElement(el)
			count++
		}
		el = next
	}
	c.expirations += uint64(count)
	c.mu.Unlock()

	if count > 0 {
		c.logger.Debug("Cleaned up expired cache entries", map[string]interface{}{"count": count})
	}
	return count
}

// Stats returns a snapshot of the counters and the most read keys.
func (c *Cache[V]) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:        c.order.Len(),
		MaxSize:     c.opts.MaxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}

	keys := make([]KeyStat, 0, s.Size)
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[V])
		if e.encrypted {
			s.Encrypted++
		}
		keys = append(keys, KeyStat{Key: e.key, AccessCount: e.accessCount, LastAccessed: e.lastAccessed})
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].AccessCount > keys[j].AccessCount })
	if len(keys) > topKeysLimit {
		keys = keys[:topKeysLimit]
	}
	s.TopKeys = keys
	return s
}

// Start runs the expiry sweep every CleanupInterval until ctx is done or
// Close is called.
func (c *Cache[V]) Start(ctx context.Context) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// Close stops the sweep and drops every entry.
func (c *Cache[V]) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	c.Clear()
}
