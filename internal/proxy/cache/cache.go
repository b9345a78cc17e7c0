// Package cache holds origin responses for static assets so repeat loads
// of the same stylesheet, script or image skip the origin round trip.
//
// Entries are immutable once stored: Put replaces an entry wholesale and
// Get hands out a copy of the header map. Expired entries are invisible to
// Get and are reclaimed by a background sweeper. Capacity is bounded by
// entry count and body bytes with least-recently-used eviction.
package cache

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/logging"
	"github.com/GriffinCanCode/FrameProxy/internal/shared/utils"
	"go.uber.org/zap"
)

// Key identifies a cached response
type Key string

var hasher = utils.DefaultHasher()

// KeyOf derives the cache key for a target URL and the client's
// Accept-Encoding, so differently encoded variants never collide.
func KeyOf(url, acceptEncoding string) Key {
	return Key(hasher.HashJoined(url, acceptEncoding))
}

// Entry is a stored response
type Entry struct {
	Status    int
	Body      []byte
	Header    http.Header
	ETag      string
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Size is the number of body bytes the entry holds
func (e Entry) Size() int64 {
	return int64(len(e.Body))
}

// Recorder receives cache metrics. *monitoring.Metrics implements it.
type Recorder interface {
	RecordCacheLookup(hit bool)
	RecordCacheEviction(reason string)
	SetCacheSize(entries int, bytes int64)
}

// Config bounds the cache
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxEntries    int
	MaxBytes      int64
}

// DefaultConfig returns one hour TTL with a ten minute sweep
func DefaultConfig() Config {
	return Config{
		TTL:           time.Hour,
		SweepInterval: 10 * time.Minute,
		MaxEntries:    10000,
		MaxBytes:      256 << 20,
	}
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

type item struct {
	key   Key
	entry Entry
}

// Cache is a TTL + LRU response cache safe for concurrent use
type Cache struct {
	cfg     Config
	log     *zap.Logger
	metrics Recorder
	now     func() time.Time

	mu    sync.Mutex
	items map[Key]*list.Element
	order *list.List // front = most recently used
	bytes int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its sweeper when SweepInterval > 0.
// metrics and log may be nil.
func New(cfg Config, metrics Recorder, log *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	log = logging.OrNop(log)

	c := &Cache{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		now:     time.Now,
		items:   make(map[Key]*list.Element),
		order:   list.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get returns a copy of the live entry for key
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok && el.Value.(*item).entry.Expired(c.now()) {
		c.removeElement(el, "expired")
		ok = false
	}
	var e Entry
	if ok {
		c.order.MoveToFront(el)
		e = el.Value.(*item).entry
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ok)
	}
	if !ok {
		return Entry{}, false
	}
	e.Header = e.Header.Clone()
	return e, true
}

// Put stores e under key with the default TTL
func (c *Cache) Put(key Key, e Entry) {
	c.PutTTL(key, e, c.cfg.TTL)
}

// PutTTL stores e under key for ttl. The body and header are copied, a
// missing ETag is filled from the origin header or derived from the body.
// Entries larger than the byte budget are not stored.
func (c *Cache) PutTTL(key Key, e Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if c.cfg.MaxBytes > 0 && e.Size() > c.cfg.MaxBytes {
		c.log.Debug("response too large to cache", zap.Int64("bytes", e.Size()))
		return
	}

	now := c.now()
	stored := Entry{
		Status:    e.Status,
		Body:      append([]byte(nil), e.Body...),
		Header:    e.Header.Clone(),
		ETag:      e.ETag,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if stored.Status == 0 {
		stored.Status = http.StatusOK
	}
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	if stored.ETag == "" {
		stored.ETag = stored.Header.Get("ETag")
	}
	if stored.ETag == "" {
		stored.ETag = hasher.StrongETag(stored.Body)
	}
	stored.Header.Set("ETag", stored.ETag)

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.bytes -= el.Value.(*item).entry.Size()
		el.Value = &item{key: key, entry: stored}
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&item{key: key, entry: stored})
	}
	c.bytes += stored.Size()
	c.evictOverflow()
	entries, bytes := len(c.items), c.bytes
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetCacheSize(entries, bytes)
	}
}

// Delete removes key
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el, "")
	}
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns entry and byte counts
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.items), Bytes: c.bytes}
}

// Sweep removes every expired entry and returns how many were removed
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*item).entry.Expired(now) {
			c.removeElement(el, "expired")
			removed++
		}
		el = prev
	}
	entries, bytes := len(c.items), c.bytes
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetCacheSize(entries, bytes)
	}
	if removed > 0 {
		c.log.Debug("swept expired cache entries", zap.Int("removed", removed), zap.Int("remaining", entries))
	}
	return removed
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// evictOverflow drops least recently used entries until within bounds.
// Caller holds mu.
func (c *Cache) evictOverflow() {
	for c.order.Len() > 0 &&
		((c.cfg.MaxEntries > 0 && len(c.items) > c.cfg.MaxEntries) ||
			(c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes)) {
		c.removeElement(c.order.Back(), "capacity")
	}
}

// removeElement unlinks el. Caller holds mu. An empty reason is not counted
// as an eviction.
func (c *Cache) removeElement(el *list.Element, reason string) {
	it := el.Value.(*item)
	c.order.Remove(el)
	delete(c.items, it.key)
	c.bytes -= it.entry.Size()
	if reason != "" && c.metrics != nil {
		c.metrics.RecordCacheEviction(reason)
	}
}
