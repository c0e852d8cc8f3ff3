// Package cache implements the read-through data cache: TTL and priority
// aware, bounded by a storage budget, with durable mirroring of
// high-priority entries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"

	"tradesync/config"
	"tradesync/internal/metrics"
	"tradesync/internal/storage"
	"tradesync/logger"
)

// Priority orders entries for eviction; lower priorities are evicted first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// MarshalJSON encodes the priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "high":
		*p = PriorityHigh
	case "medium":
		*p = PriorityMedium
	case "low":
		*p = PriorityLow
	default:
		return fmt.Errorf("unknown priority %q", name)
	}
	return nil
}

const durablePrefix = "cache:"

// entry is the stored form of one cached value. Data holds the JSON
// encoding of the value, optionally snappy-compressed.
type entry struct {
	Data       []byte    `json:"data"`
	Compressed bool      `json:"compressed"`
	Timestamp  time.Time `json:"timestamp"`
	Expiry     time.Time `json:"expiry"`
	Priority   Priority  `json:"priority"`
	Size       int64     `json:"size"`
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.Expiry)
}

// SetOptions tune a single Set call. Zero values fall back to the cache
// defaults.
type SetOptions struct {
	TTL      time.Duration
	Priority Priority
	Compress bool
}

// Optimizer reports whether consumers should trade freshness for battery
// or bandwidth. The condition advisor satisfies it.
type Optimizer interface {
	ShouldOptimize() bool
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Expiries  int64 `json:"expiries"`
	Evictions int64 `json:"evictions"`
}

// Cache is the in-memory entry map plus a durable mirror for
// high-priority entries. All access goes through its methods.
type Cache struct {
	cfg       config.CacheConfig
	store     storage.Store
	optimizer Optimizer
	log       *logger.Log

	mu         sync.Mutex
	items      map[string]*entry
	totalBytes int64
	stats      Stats

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a cache backed by the given durable store. optimizer may be
// nil, in which case the default TTL is always used.
func New(cfg config.CacheConfig, store storage.Store, optimizer Optimizer) *Cache {
	return &Cache{
		cfg:       cfg,
		store:     store,
		optimizer: optimizer,
		log:       logger.GetLogger(),
		items:     make(map[string]*entry),
	}
}

// Start launches the periodic expiry sweep.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("cache already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()

	c.log.WithComponent("data_cache").WithFields(logger.Fields{
		"sweep_interval": interval,
		"max_bytes":      c.cfg.MaxBytes,
	}).Info("cache started")
	return nil
}

// Stop halts the sweep goroutine.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.log.WithComponent("data_cache").Info("cache stopped")
}

// Set stores value under key. High-priority entries are mirrored to the
// durable store so they survive a restart.
func (c *Cache) Set(key string, value interface{}, opts SetOptions) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	compressed := false
	threshold := c.cfg.CompressThreshold
	if opts.Compress || (threshold > 0 && len(data) > threshold) {
		data = snappy.Encode(nil, data)
		compressed = true
	}

	now := time.Now().UTC()
	e := &entry{
		Data:       data,
		Compressed: compressed,
		Timestamp:  now,
		Expiry:     now.Add(c.effectiveTTL(opts.TTL)),
		Priority:   opts.Priority,
		Size:       int64(len(data)),
	}

	c.mu.Lock()
	if prev, ok := c.items[key]; ok {
		// Drop the old copy before the budget check so the eviction
		// ranking cannot pick it and debit its size a second time.
		c.removeLocked(key, prev)
	}
	if c.totalBytes+e.Size > c.cfg.MaxBytes {
		c.evictLocked(e.Size)
	}
	c.items[key] = e
	c.totalBytes += e.Size
	c.mu.Unlock()

	if e.Priority == PriorityHigh {
		if err := c.persist(key, e); err != nil {
			// The in-memory copy is still valid; durability is best effort.
			c.log.WithComponent("data_cache").WithError(err).WithFields(logger.Fields{
				"key": key,
			}).Warn("failed to mirror entry to durable storage")
		}
	}
	return nil
}

// Get loads the value stored under key into out, which must be a pointer.
// It returns false when the key is absent or expired.
func (c *Cache) Get(key string, out interface{}) (bool, error) {
	now := time.Now().UTC()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.expired(now) {
		c.removeLocked(key, e)
		c.stats.Expiries++
		ok = false
		e = nil
	}
	c.mu.Unlock()

	if !ok {
		// First access after a restart: high-priority entries may still
		// be present in durable storage.
		restored, err := c.restore(key, now)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.log.WithComponent("data_cache").WithError(err).WithFields(logger.Fields{
				"key": key,
			}).Warn("failed to restore entry from durable storage")
		}
		if restored == nil {
			c.mu.Lock()
			c.stats.Misses++
			c.mu.Unlock()
			metrics.IncrementCacheEvent("miss")
			return false, nil
		}
		e = restored
	}

	data := e.Data
	if e.Compressed {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			// Non-fatal: fall back to treating the payload as raw JSON.
			c.log.WithComponent("data_cache").WithError(err).WithFields(logger.Fields{
				"key": key,
			}).Warn("failed to decompress cache entry, using raw payload")
		} else {
			data = decoded
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode cache value: %w", err)
	}

	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	metrics.IncrementCacheEvent("hit")
	return true, nil
}

// Remove deletes key from memory and durable storage.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(key, e)
	}
	c.mu.Unlock()
	if err := c.store.Delete(durablePrefix + key); err != nil {
		c.log.WithComponent("data_cache").WithError(err).Warn("failed to delete durable entry")
	}
}

// Clear removes every entry, durable mirrors included.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*entry)
	c.totalBytes = 0
	c.mu.Unlock()

	keys, err := c.store.Keys(durablePrefix)
	if err != nil {
		c.log.WithComponent("data_cache").WithError(err).Warn("failed to list durable entries")
		return
	}
	for _, key := range keys {
		if err := c.store.Delete(key); err != nil {
			c.log.WithComponent("data_cache").WithError(err).Warn("failed to delete durable entry")
		}
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Entries = len(c.items)
	out.Bytes = c.totalBytes
	return out
}

func (c *Cache) effectiveTTL(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	ttl := c.cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	// Longer default TTL under constrained conditions means fewer refetches.
	if c.optimizer != nil && c.optimizer.ShouldOptimize() && c.cfg.OptimizedTTL > ttl {
		ttl = c.cfg.OptimizedTTL
	}
	return ttl
}

// evictLocked frees room for an incoming entry of the given size. Victims
// are ranked lowest priority first, oldest first, and a configured
// fraction of the ranking is dropped per pass so insertions right after
// an eviction do not immediately trigger another one.
func (c *Cache) evictLocked(incoming int64) {
	fraction := c.cfg.EvictFraction
	if fraction <= 0 || fraction > 1 {
		fraction = 0.3
	}

	for c.totalBytes+incoming > c.cfg.MaxBytes && len(c.items) > 0 {
		type victim struct {
			key string
			e   *entry
		}
		ranked := make([]victim, 0, len(c.items))
		for k, e := range c.items {
			ranked = append(ranked, victim{k, e})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].e.Priority != ranked[j].e.Priority {
				return ranked[i].e.Priority < ranked[j].e.Priority
			}
			return ranked[i].e.Timestamp.Before(ranked[j].e.Timestamp)
		})

		count := int(float64(len(ranked)) * fraction)
		if count < 1 {
			count = 1
		}
		for _, v := range ranked[:count] {
			c.removeLocked(v.key, v.e)
			c.stats.Evictions++
			metrics.IncrementCacheEvent("eviction")
		}
		c.log.WithComponent("data_cache").WithFields(logger.Fields{
			"evicted":     count,
			"total_bytes": c.totalBytes,
		}).Debug("eviction pass completed")
	}
}

func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.items, key)
	c.totalBytes -= e.Size
}

func (c *Cache) sweep() {
	now := time.Now().UTC()

	c.mu.Lock()
	var removed int
	for key, e := range c.items {
		if e.expired(now) {
			c.removeLocked(key, e)
			c.stats.Expiries++
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		metrics.IncrementCacheEvent("expiry")
		c.log.WithComponent("data_cache").WithFields(logger.Fields{
			"removed": removed,
		}).Debug("expiry sweep completed")
	}
}

func (c *Cache) persist(key string, e *entry) error {
	encoded, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode durable entry: %w", err)
	}
	return c.store.Set(durablePrefix+key, encoded)
}

// restore loads a durable entry back into memory, honoring its expiry.
func (c *Cache) restore(key string, now time.Time) (*entry, error) {
	raw, err := c.store.Get(durablePrefix + key)
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode durable entry: %w", err)
	}
	if e.expired(now) {
		if err := c.store.Delete(durablePrefix + key); err != nil {
			c.log.WithComponent("data_cache").WithError(err).Warn("failed to delete expired durable entry")
		}
		return nil, nil
	}

	c.mu.Lock()
	if c.totalBytes+e.Size > c.cfg.MaxBytes {
		c.evictLocked(e.Size)
	}
	c.items[key] = &e
	c.totalBytes += e.Size
	c.mu.Unlock()
	return &e, nil
}
