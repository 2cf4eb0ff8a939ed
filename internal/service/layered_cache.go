package service

import (
	"container/list"
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	l1Entries = 100
	l1TTL     = time.Minute
	l2Entries = 1000
	l2TTL     = 5 * time.Minute

	watchdogInterval  = 10 * time.Second
	heapPressureRatio = 0.8
)

// CacheLayer names a layer of the LayeredCache.
type CacheLayer int

const (
	LayerL1 CacheLayer = iota
	LayerL2
)

type layerEntry struct {
	key      string
	value    any
	storedAt time.Time
}

// cacheShard is one LRU layer with its own bounds.
type cacheShard struct {
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	ttl        time.Duration
}

func newCacheShard(maxEntries int, ttl time.Duration) *cacheShard {
	return &cacheShard{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

func (s *cacheShard) get(key string) (any, bool) {
	elem, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*layerEntry)
	if time.Since(entry.storedAt) > s.ttl {
		s.remove(elem)
		return nil, false
	}
	s.order.MoveToFront(elem)
	return entry.value, true
}

func (s *cacheShard) set(key string, value any) {
	if elem, ok := s.entries[key]; ok {
		s.remove(elem)
	}
	s.entries[key] = s.order.PushFront(&layerEntry{key: key, value: value, storedAt: time.Now()})
	for s.order.Len() > s.maxEntries {
		s.remove(s.order.Back())
	}
}

func (s *cacheShard) remove(elem *list.Element) {
	entry := elem.Value.(*layerEntry)
	s.order.Remove(elem)
	delete(s.entries, entry.key)
}

func (s *cacheShard) clear() {
	s.entries = make(map[string]*list.Element)
	s.order.Init()
}

// LayeredCache is a two-layer cache for small hot items. L1 is small
// and short-lived, L2 larger and longer-lived; an L2 hit is promoted
// to L1. Writes choose a layer explicitly.
type LayeredCache struct {
	mu     sync.Mutex
	l1     *cacheShard
	l2     *cacheShard
	logger *zap.Logger
}

// NewLayeredCache creates the two layers with their default bounds.
func NewLayeredCache(logger *zap.Logger) *LayeredCache {
	return &LayeredCache{
		l1:     newCacheShard(l1Entries, l1TTL),
		l2:     newCacheShard(l2Entries, l2TTL),
		logger: logger,
	}
}

// Get probes L1 then L2, promoting an L2 hit into L1.
func (c *LayeredCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.l1.get(key); ok {
		return v, true
	}
	if v, ok := c.l2.get(key); ok {
		c.l1.set(key, v)
		return v, true
	}
	return nil, false
}

// Set writes to the named layer.
func (c *LayeredCache) Set(layer CacheLayer, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if layer == LayerL1 {
		c.l1.set(key, value)
		return
	}
	c.l2.set(key, value)
}

// DropL2 empties the second layer.
func (c *LayeredCache) DropL2() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l2.clear()
}

// Len returns the entry counts of both layers.
func (c *LayeredCache) Len() (l1, l2 int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l1.order.Len(), c.l2.order.Len()
}

// MemoryWatchdog samples heap occupancy and sheds cache weight under
// pressure: L2 is dropped and the response cache flushed when used
// heap exceeds 80% of the heap the runtime holds.
type MemoryWatchdog struct {
	layered  *LayeredCache
	response *ResponseCache
	interval time.Duration
	logger   *zap.Logger

	// readStats is swappable in tests.
	readStats func() (heapUsed, heapTotal uint64)
}

// NewMemoryWatchdog wires the watchdog to the caches it manages.
func NewMemoryWatchdog(layered *LayeredCache, response *ResponseCache, logger *zap.Logger) *MemoryWatchdog {
	return &MemoryWatchdog{
		layered:  layered,
		response: response,
		interval: watchdogInterval,
		logger:   logger,
		readStats: func() (uint64, uint64) {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc, m.HeapSys
		},
	}
}

// Run samples until the context is cancelled.
func (w *MemoryWatchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *MemoryWatchdog) check() {
	used, total := w.readStats()
	if total == 0 {
		return
	}
	ratio := float64(used) / float64(total)
	if ratio <= heapPressureRatio {
		return
	}
	w.logger.Warn("memory pressure, shedding caches",
		zap.Float64("heapRatio", ratio),
		zap.Uint64("heapUsed", used),
		zap.Uint64("heapTotal", total))
	w.layered.DropL2()
	w.response.Flush()
}
