package schedule

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aura-webinar/recording-ingester/internal/models"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingester_schedule_cache_hits_total",
		Help: "Schedule lookups served from the cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingester_schedule_cache_misses_total",
		Help: "Schedule lookups that went to the backing index.",
	})
)

// CachedIndex keeps found entries in an expiring LRU. Misses and errors are not cached,
// so a series added to the schedule is picked up on the next lookup.
type CachedIndex struct {
	next  Index
	cache *expirable.LRU[string, *models.ScheduleEntry]
}

// NewCachedIndex wraps next with a cache of maxSize entries living for ttl.
func NewCachedIndex(next Index, maxSize int, ttl time.Duration) *CachedIndex {
	return &CachedIndex{
		next:  next,
		cache: expirable.NewLRU[string, *models.ScheduleEntry](maxSize, nil, ttl),
	}
}

func (c *CachedIndex) Lookup(ctx context.Context, seriesID string) (*models.ScheduleEntry, error) {
	if entry, ok := c.cache.Get(seriesID); ok {
		cacheHitsTotal.Inc()
		return entry, nil
	}
	cacheMissesTotal.Inc()
	entry, err := c.next.Lookup(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(seriesID, entry)
	return entry, nil
}

// Invalidate drops a cached entry.
func (c *CachedIndex) Invalidate(seriesID string) {
	c.cache.Remove(seriesID)
}
