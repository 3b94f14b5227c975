// Package statscache implements StatsCache: a (range, options) -> Stats
// memo refreshed periodically by Scheduler (spec.md GLOSSARY, §2 L6).
// Grounded on the teacher's internal/services/subscriber_cache.go, which
// backs an in-process cache with an optional Redis tier and falls back
// cleanly when no endpoint is configured.
package statscache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcfence/controlplane/internal/store"
)

// Range is the reporting window a Stats snapshot covers.
type Range string

const (
	Range1h  Range = "1h"
	Range24h Range = "24h"
	Range7d  Range = "7d"
	Range30d Range = "30d"
)

// Options further scopes a Stats computation, e.g. to one proxy.
type Options struct {
	ProxyID *uint
}

// Stats is the computed snapshot, timestamped so callers can judge
// staleness.
type Stats struct {
	Range          Range     `json:"range"`
	ProxyID        *uint     `json:"proxy_id,omitempty"`
	TotalRequests  int64     `json:"total_requests"`
	BlockedRequests int64    `json:"blocked_requests"`
	ActiveBans     int64     `json:"active_bans"`
	EventsBySeverity map[string]int64 `json:"events_by_severity"`
	ComputedAt     time.Time `json:"computed_at"`
}

func (o Options) cacheKey(r Range) string {
	if o.ProxyID != nil {
		return "stats:" + string(r) + ":proxy:" + uintToString(*o.ProxyID)
	}
	return "stats:" + string(r) + ":global"
}

func uintToString(v uint) string {
	if v == 0 {
		return "0"
	}
	digits := make([]byte, 0, 10)
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

// Cache computes and memoizes Stats. When rdb is nil, it falls back to an
// in-process map guarded by a mutex; when an *redis.Client is supplied it
// is used as the backing store instead, the same optional-acceleration
// split the teacher's subscriber cache makes.
type Cache struct {
	store *store.Store
	rdb   *redis.Client
	ttl   time.Duration

	mu    sync.RWMutex
	local map[string]Stats
}

// New constructs a Cache. rdb may be nil to use the in-process fallback.
func New(s *store.Store, rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{store: s, rdb: rdb, ttl: ttl, local: make(map[string]Stats)}
}

func rangeDuration(r Range) time.Duration {
	switch r {
	case Range1h:
		return time.Hour
	case Range24h:
		return 24 * time.Hour
	case Range7d:
		return 7 * 24 * time.Hour
	case Range30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Get returns a memoized Stats snapshot if present and fresh, otherwise
// computes, stores, and returns a new one.
func (c *Cache) Get(ctx context.Context, r Range, opts Options) (Stats, error) {
	key := opts.cacheKey(r)

	if cached, ok := c.readCached(ctx, key); ok {
		if time.Since(cached.ComputedAt) < c.ttl {
			return cached, nil
		}
	}
	return c.Refresh(ctx, r, opts)
}

// Refresh forces a recomputation regardless of TTL (Scheduler's
// stats-cache-refresh tick, spec.md §2 L6).
func (c *Cache) Refresh(ctx context.Context, r Range, opts Options) (Stats, error) {
	since := time.Now().Add(-rangeDuration(r))

	eventQuery := c.store.DB.Model(&store.WAFEvent{}).Where("timestamp >= ?", since)
	if opts.ProxyID != nil {
		eventQuery = eventQuery.Where("proxy_id = ?", *opts.ProxyID)
	}

	var total int64
	if err := eventQuery.Count(&total).Error; err != nil {
		return Stats{}, err
	}

	var blocked int64
	blockedQuery := c.store.DB.Model(&store.WAFEvent{}).Where("timestamp >= ? AND blocked = ?", since, true)
	if opts.ProxyID != nil {
		blockedQuery = blockedQuery.Where("proxy_id = ?", *opts.ProxyID)
	}
	if err := blockedQuery.Count(&blocked).Error; err != nil {
		return Stats{}, err
	}

	var activeBans int64
	if err := c.store.DB.Model(&store.IPBan{}).
		Where("unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", time.Now()).
		Count(&activeBans).Error; err != nil {
		return Stats{}, err
	}

	severityCounts := make(map[string]int64)
	type row struct {
		Severity string
		Count    int64
	}
	var rows []row
	sevQuery := c.store.DB.Model(&store.WAFEvent{}).Select("severity, count(*) as count").Where("timestamp >= ?", since)
	if opts.ProxyID != nil {
		sevQuery = sevQuery.Where("proxy_id = ?", *opts.ProxyID)
	}
	if err := sevQuery.Group("severity").Scan(&rows).Error; err != nil {
		return Stats{}, err
	}
	for _, rr := range rows {
		severityCounts[rr.Severity] = rr.Count
	}

	stats := Stats{
		Range:            r,
		ProxyID:          opts.ProxyID,
		TotalRequests:    total,
		BlockedRequests:  blocked,
		ActiveBans:       activeBans,
		EventsBySeverity: severityCounts,
		ComputedAt:       time.Now(),
	}

	c.writeCached(ctx, opts.cacheKey(r), stats)
	return stats, nil
}

func (c *Cache) readCached(ctx context.Context, key string) (Stats, bool) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			return Stats{}, false
		}
		var s Stats
		if err := json.Unmarshal(raw, &s); err != nil {
			return Stats{}, false
		}
		return s, true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.local[key]
	return s, ok
}

func (c *Cache) writeCached(ctx context.Context, key string, s Stats) {
	if c.rdb != nil {
		raw, err := json.Marshal(s)
		if err == nil {
			c.rdb.Set(ctx, key, raw, c.ttl*2)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[key] = s
}
