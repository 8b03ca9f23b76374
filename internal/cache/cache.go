// Package cache implements the resource cache: LRU-by-key with TTL
// eviction, size/item-count bounds, optional zstd compression, glob
// pattern invalidation, and disk persistence.
package cache

import (
	"container/list"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/telemetry"
)

const compressionThresholdBytes = 1024

// Config bounds the cache.
type Config struct {
	MaxSizeMB         int
	MaxItems          int
	DefaultTTLSeconds int
	EnableMetrics     bool
	EnableCompression bool
}

// item is one cache entry. The cache is the exclusive owner; callers only
// ever see decompressed copies via Get.
type item struct {
	key         string
	value       []byte
	sizeBytes   int64
	createdAt   time.Time
	accessedAt  time.Time
	accessCount int64
	ttlSeconds  int
	compressed  bool
}

// Stats mirrors spec.md §4.6's cache stats block.
type Stats struct {
	Hits                int64
	Misses              int64
	Puts                int64
	Evictions           int64
	Invalidations       int64
	TotalItems          int64
	TotalSizeBytes      int64
	OriginalSizeBytes   int64
	CompressedSizeBytes int64
}

// HitRate returns hits / (hits+misses), or 0 with no lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// CompressionRatio returns compressed/original size, or 1 with no
// compressed bytes yet.
func (s Stats) CompressionRatio() float64 {
	if s.OriginalSizeBytes == 0 {
		return 1
	}
	return float64(s.CompressedSizeBytes) / float64(s.OriginalSizeBytes)
}

// Cache is an LRU-by-key store with TTL eviction and optional compression.
// All mutating operations serialize via a single lock so concurrent
// readers/writers observe a consistent ordered structure.
type Cache struct {
	mu       sync.Mutex
	config   Config
	order    *list.List // front = most-recently-used
	index    map[string]*list.Element
	totalSize int64
	stats    Stats

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	telemetry *telemetry.Metrics
}

// SetTelemetry wires Prometheus instruments into the cache. Optional; nil
// (the default) means no metrics are recorded.
func (c *Cache) SetTelemetry(m *telemetry.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.telemetry = m
}

func New(config Config) *Cache {
	if config.MaxItems <= 0 {
		config.MaxItems = 1000
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 64
	}
	c := &Cache{
		config: config,
		order:  list.New(),
		index:  make(map[string]*list.Element),
	}
	if config.EnableCompression {
		c.encoder, _ = zstd.NewWriter(nil)
		c.decoder, _ = zstd.NewReader(nil)
	}
	return c
}

func (c *Cache) maxSizeBytes() int64 {
	return int64(c.config.MaxSizeMB) * 1024 * 1024
}

// Put stores value under key, compressing when enabled and worthwhile,
// evicting LRU-tail entries until both the item-count and byte-size bounds
// hold.
func (c *Cache) Put(key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttlSeconds <= 0 {
		ttlSeconds = c.config.DefaultTTLSeconds
	}

	original := value
	compressed := false
	stored := value
	if c.config.EnableCompression && len(value) > compressionThresholdBytes {
		packed := c.encoder.EncodeAll(value, nil)
		if len(packed) < len(value) {
			stored = packed
			compressed = true
		}
	}

	if int64(len(stored)) > c.maxSizeBytes() {
		return mcperrors.NewCacheError(key, "item exceeds max_size_mb")
	}

	if existing, ok := c.index[key]; ok {
		old := existing.Value.(*item)
		c.totalSize -= old.sizeBytes
		c.order.Remove(existing)
		delete(c.index, key)
	}

	it := &item{
		key:         key,
		value:       stored,
		sizeBytes:   int64(len(stored)),
		createdAt:   time.Now(),
		accessedAt:  time.Now(),
		ttlSeconds:  ttlSeconds,
		compressed:  compressed,
	}

	for (c.order.Len() >= c.config.MaxItems || c.totalSize+it.sizeBytes > c.maxSizeBytes()) && c.order.Len() > 0 {
		c.evictOldest()
	}

	elem := c.order.PushFront(it)
	c.index[key] = elem
	c.totalSize += it.sizeBytes

	c.stats.Puts++
	c.stats.TotalItems = int64(c.order.Len())
	c.stats.TotalSizeBytes = c.totalSize
	c.stats.OriginalSizeBytes += int64(len(original))
	c.stats.CompressedSizeBytes += it.sizeBytes
	return nil
}

// evictOldest removes the LRU-tail entry. Caller holds c.mu.
func (c *Cache) evictOldest() {
	tail := c.order.Back()
	if tail == nil {
		return
	}
	it := tail.Value.(*item)
	c.order.Remove(tail)
	delete(c.index, it.key)
	c.totalSize -= it.sizeBytes
	c.stats.Evictions++
	if c.telemetry != nil {
		c.telemetry.CacheEvictions.Inc()
	}
}

// Get returns a decompressed copy of the value for key, or nil on miss or
// expiry. refreshTTL resets created_at on a hit.
func (c *Cache) Get(key string, refreshTTL bool) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		if c.telemetry != nil {
			c.telemetry.CacheMisses.Inc()
		}
		return nil
	}
	it := elem.Value.(*item)
	if c.expired(it) {
		c.order.Remove(elem)
		delete(c.index, key)
		c.totalSize -= it.sizeBytes
		c.stats.Evictions++
		c.stats.Misses++
		if c.telemetry != nil {
			c.telemetry.CacheEvictions.Inc()
			c.telemetry.CacheMisses.Inc()
		}
		return nil
	}

	c.order.MoveToFront(elem)
	it.accessedAt = time.Now()
	it.accessCount++
	if refreshTTL {
		it.createdAt = time.Now()
	}

	c.stats.Hits++
	if c.telemetry != nil {
		c.telemetry.CacheHits.Inc()
	}

	if !it.compressed {
		out := make([]byte, len(it.value))
		copy(out, it.value)
		return out
	}
	decoded, err := c.decoder.DecodeAll(it.value, nil)
	if err != nil {
		return nil
	}
	return decoded
}

func (c *Cache) expired(it *item) bool {
	if it.ttlSeconds <= 0 {
		return false
	}
	return time.Now().After(it.createdAt.Add(time.Duration(it.ttlSeconds) * time.Second))
}

// Invalidate removes one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		it := elem.Value.(*item)
		c.order.Remove(elem)
		delete(c.index, key)
		c.totalSize -= it.sizeBytes
		c.stats.Invalidations++
	}
}

// InvalidatePattern removes every key matching a shell glob.
func (c *Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, elem := range c.index {
		if matched, _ := filepath.Match(pattern, key); matched {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		it := elem.Value.(*item)
		c.order.Remove(elem)
		delete(c.index, it.key)
		c.totalSize -= it.sizeBytes
		c.stats.Invalidations++
	}
	return len(toRemove)
}

// Clear empties the cache and resets size counters (not cumulative stats
// like hits/misses/puts).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = list.New()
	c.index = make(map[string]*list.Element)
	c.totalSize = 0
	c.stats.TotalItems = 0
	c.stats.TotalSizeBytes = 0
}

// Warm bulk-loads items, ignoring per-item errors beyond the size check.
func (c *Cache) Warm(items map[string][]byte, ttlSeconds int) {
	for k, v := range items {
		_ = c.Put(k, v, ttlSeconds)
	}
}

func (c *Cache) PutMany(items map[string][]byte, ttlSeconds int) error {
	for k, v := range items {
		if err := c.Put(k, v, ttlSeconds); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) GetMany(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v := c.Get(k, false); v != nil {
			out[k] = v
		}
	}
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// persistedItem is the gob-encodable mirror of item.
type persistedItem struct {
	Key         string
	Value       []byte
	CreatedAt   time.Time
	TTLSeconds  int
	Compressed  bool
	AccessCount int64
}

type persistedState struct {
	Items []persistedItem
	Stats Stats
}

// SaveToDisk round-trips the ordered map and stats. The on-disk format is
// implementation-defined (spec.md §9); gob is the natural fit for a
// Go-only, non-portable round trip.
func (c *Cache) SaveToDisk(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := persistedState{Stats: c.stats}
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		it := elem.Value.(*item)
		state.Items = append(state.Items, persistedItem{
			Key: it.key, Value: it.value, CreatedAt: it.createdAt,
			TTLSeconds: it.ttlSeconds, Compressed: it.compressed, AccessCount: it.accessCount,
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cache: create state file: %w", err)
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(state)
}

// LoadFromDisk replaces the cache's contents with a previously saved state.
func (c *Cache) LoadFromDisk(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cache: open state file: %w", err)
	}
	defer f.Close()

	var state persistedState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return fmt.Errorf("cache: decode state file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = list.New()
	c.index = make(map[string]*list.Element)
	c.totalSize = 0
	c.stats = state.Stats

	for _, pi := range state.Items {
		it := &item{
			key: pi.Key, value: pi.Value, sizeBytes: int64(len(pi.Value)),
			createdAt: pi.CreatedAt, accessedAt: pi.CreatedAt,
			ttlSeconds: pi.TTLSeconds, compressed: pi.Compressed, accessCount: pi.AccessCount,
		}
		elem := c.order.PushFront(it)
		c.index[it.key] = elem
		c.totalSize += it.sizeBytes
	}
	return nil
}
