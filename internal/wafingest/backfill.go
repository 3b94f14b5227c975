package wafingest

import (
	"time"

	"github.com/arcfence/controlplane/internal/store"
)

const (
	backfillNarrowWindow = 5 * time.Minute
	backfillWideWindow   = 10 * time.Minute
)

// BackfillSweep assigns proxy_id to events recorded with proxy_id=NULL
// (typically HTTP/3 audit records with no Host header), by majority vote
// of nearby resolved events for the same client_ip (spec.md §4.5). Only
// updates are applied; the raw log is never rewritten.
func (ig *Ingestor) BackfillSweep() error {
	var unresolved []store.WAFEvent
	if err := ig.store.DB.Where("proxy_id IS NULL").Find(&unresolved).Error; err != nil {
		return err
	}

	for _, ev := range unresolved {
		proxyID, ok := ig.majorityProxyFor(ev.ClientIP, ev.Timestamp, backfillNarrowWindow)
		if !ok {
			proxyID, ok = ig.majorityProxyFor(ev.ClientIP, ev.Timestamp, backfillWideWindow)
		}
		if !ok {
			continue
		}
		if err := ig.store.DB.Model(&store.WAFEvent{}).Where("id = ?", ev.ID).Update("proxy_id", proxyID).Error; err != nil {
			ig.logger.Printf("backfill update event %d: %v", ev.ID, err)
		}
	}
	return nil
}

// majorityProxyFor finds the most common resolved proxy_id among events
// for clientIP within window of ts. The narrow call only looks ±window;
// the wide fallback only looks into the preceding window (spec.md §4.5:
// "majority proxy_id of any events within the preceding 10 minutes").
func (ig *Ingestor) majorityProxyFor(clientIP string, ts time.Time, window time.Duration) (uint, bool) {
	var candidates []store.WAFEvent
	var err error
	if window == backfillNarrowWindow {
		err = ig.store.DB.Where("client_ip = ? AND proxy_id IS NOT NULL AND timestamp BETWEEN ? AND ?",
			clientIP, ts.Add(-window), ts.Add(window)).Find(&candidates).Error
	} else {
		err = ig.store.DB.Where("client_ip = ? AND proxy_id IS NOT NULL AND timestamp BETWEEN ? AND ?",
			clientIP, ts.Add(-window), ts).Find(&candidates).Error
	}
	if err != nil || len(candidates) == 0 {
		return 0, false
	}

	counts := make(map[uint]int)
	for _, c := range candidates {
		if c.ProxyID != nil {
			counts[*c.ProxyID]++
		}
	}

	var best uint
	bestCount := 0
	for id, count := range counts {
		if count > bestCount {
			best, bestCount = id, count
		}
	}
	if bestCount == 0 {
		return 0, false
	}
	return best, true
}
