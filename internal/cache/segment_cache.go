package cache

import (
	"log/slog"
	"sync"
	"time"

	"hybridstream/internal/domain"
	"hybridstream/internal/metrics"
)

const (
	defaultMaxCount   = 30
	defaultExpiration = 5 * time.Minute
)

type entry struct {
	segment    *domain.Segment
	insertedAt time.Time
}

// SegmentCache stores completed segment payloads keyed by identity, bounded
// by both entry count and entry age. It is written only by the loader and
// read by the playback-feed path and the peer-swarm redistribution path.
type SegmentCache struct {
	mu         sync.RWMutex
	entries    map[domain.SegmentID]*entry
	order      []domain.SegmentID // insertion order, oldest first
	maxCount   int
	expiration time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type Config struct {
	MaxCount   int
	Expiration time.Duration
}

func New(cfg Config, logger *slog.Logger) *SegmentCache {
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = defaultMaxCount
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = defaultExpiration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SegmentCache{
		entries:    make(map[domain.SegmentID]*entry),
		maxCount:   cfg.MaxCount,
		expiration: cfg.Expiration,
		now:        time.Now,
		logger:     logger,
	}
}

// Put inserts a completed segment. If the cache is at capacity the oldest
// entry is evicted first; expired entries are swept on every insertion.
func (c *SegmentCache) Put(seg *domain.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	if _, ok := c.entries[seg.ID]; !ok {
		for len(c.entries) >= c.maxCount && len(c.order) > 0 {
			c.evictOldestLocked()
		}
		c.order = append(c.order, seg.ID)
	}
	c.entries[seg.ID] = &entry{segment: seg, insertedAt: c.now()}
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// Get returns the cached segment, or nil if absent or expired. An expired
// entry is never served.
func (c *SegmentCache) Get(id domain.SegmentID) *domain.Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if c.now().Sub(e.insertedAt) > c.expiration {
		return nil
	}
	return e.segment
}

func (c *SegmentCache) Has(id domain.SegmentID) bool {
	return c.Get(id) != nil
}

// Keys returns the ids of all unexpired entries, oldest first. The API
// exposes this so peers and players can discover what is servable without
// a download.
func (c *SegmentCache) Keys() []domain.SegmentID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := c.now().Add(-c.expiration)
	keys := make([]domain.SegmentID, 0, len(c.order))
	for _, id := range c.order {
		if e, ok := c.entries[id]; ok && !e.insertedAt.Before(cutoff) {
			keys = append(keys, id)
		}
	}
	return keys
}

// EvictExpired removes entries older than the configured expiration.
func (c *SegmentCache) EvictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

func (c *SegmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweepLocked drops expired entries. Caller holds c.mu.
func (c *SegmentCache) sweepLocked() {
	cutoff := c.now().Add(-c.expiration)
	kept := c.order[:0]
	for _, id := range c.order {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if e.insertedAt.Before(cutoff) {
			delete(c.entries, id)
			metrics.CacheEvictionsTotal.WithLabelValues("expired").Inc()
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

// evictOldestLocked removes the single oldest entry. Caller holds c.mu.
func (c *SegmentCache) evictOldestLocked() {
	id := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, id)
	metrics.CacheEvictionsTotal.WithLabelValues("count").Inc()
	c.logger.Debug("cache evicted oldest segment", slog.String("segmentId", string(id)))
}
