package service

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/user/ucr/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultCacheEntries = 500
	DefaultCacheBytes   = 50 * 1024 * 1024
	DefaultCacheTTL     = 5 * time.Minute
)

// Fingerprint returns the deterministic cache key for a request: a
// sha256 over the JSON serialization of the fields that affect the
// response. encoding/json emits struct fields in declaration order, so
// the serialization is stable.
func Fingerprint(req *models.CanonicalRequest) string {
	key := struct {
		Model       string           `json:"model"`
		Messages    []models.Message `json:"messages"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   int              `json:"maxTokens"`
	}{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	data, err := json.Marshal(&key)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	key      string
	body     []byte
	size     int
	storedAt time.Time
}

// ResponseCache is an LRU over serialized canonical responses, bounded
// by entry count, total byte size and TTL.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	totalBytes int

	maxEntries int
	maxBytes   int
	ttl        time.Duration

	hits   int64
	misses int64

	logger *zap.Logger
}

// NewResponseCache creates a cache with the given bounds; zero values
// select the defaults.
func NewResponseCache(maxEntries, maxBytes int, ttl time.Duration, logger *zap.Logger) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultCacheBytes
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		logger:     logger,
	}
}

// Get returns the cached serialized response for a fingerprint, nil on
// miss. Expired entries are removed on access.
func (c *ResponseCache) Get(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.removeLocked(elem)
		c.misses++
		return nil
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.body
}

// Set stores a serialized response. Oversized bodies that alone exceed
// the byte bound are not stored.
func (c *ResponseCache) Set(key string, body []byte) {
	if key == "" || len(body) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	entry := &cacheEntry{key: key, body: body, size: len(body), storedAt: time.Now()}
	c.entries[key] = c.order.PushFront(entry)
	c.totalBytes += entry.size

	for c.order.Len() > c.maxEntries || c.totalBytes > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// Flush drops all entries.
func (c *ResponseCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.totalBytes = 0
	if c.logger != nil {
		c.logger.Info("response cache flushed")
	}
}

// CacheStats is the snapshot returned by Stats.
type CacheStats struct {
	Entries    int     `json:"entries"`
	SizeBytes  int     `json:"sizeBytes"`
	MaxEntries int     `json:"maxEntries"`
	MaxBytes   int     `json:"maxBytes"`
	TTLSeconds float64 `json:"ttlSeconds"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hitRate"`
}

// Stats reports current occupancy and hit counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Entries:    c.order.Len(),
		SizeBytes:  c.totalBytes,
		MaxEntries: c.maxEntries,
		MaxBytes:   c.maxBytes,
		TTLSeconds: c.ttl.Seconds(),
		Hits:       c.hits,
		Misses:     c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

func (c *ResponseCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.totalBytes -= entry.size
}
