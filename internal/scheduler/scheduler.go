// Package scheduler runs the periodic housekeeping sweeps that keep the
// control plane consistent without an operator poking it: cert renewal,
// ban expiry, detection-window GC, WAF proxy backfill, and provider drift
// reconciliation (spec.md §4, L6 Scheduler). Grounded on the teacher's
// internal/services/daily_notification_service.go single-ticker
// stopChan/WaitGroup dispatch loop, generalized from one daily job to
// several independently-interval'd sweeps.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/arcfence/controlplane/internal/detection"
	"github.com/arcfence/controlplane/internal/statscache"
)

// CertRenewer is the subset of *certorch.Orchestrator the scheduler needs.
type CertRenewer interface {
	CheckRenewals() error
}

// BanSyncer is the subset of *bansync.Syncer the scheduler needs.
type BanSyncer interface {
	RunAll()
}

// WAFBackfiller is the subset of *wafingest.Ingestor the scheduler needs.
type WAFBackfiller interface {
	BackfillSweep() error
}

// Config controls how often each sweep runs. A zero or negative interval is
// replaced by its default (see withDefaults); a sweep is disabled by leaving
// its dependency nil in Deps (e.g. no StatsCache).
type Config struct {
	Tick                time.Duration // base loop resolution, default 30s
	CertRenewalInterval time.Duration // default 6h
	BanExpiryInterval   time.Duration // default 1m
	DetectionGCInterval time.Duration // default 5m
	BackfillInterval    time.Duration // default 2m
	BanSyncInterval     time.Duration // default 5m
	StatsCacheInterval  time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.CertRenewalInterval <= 0 {
		c.CertRenewalInterval = 6 * time.Hour
	}
	if c.BanExpiryInterval <= 0 {
		c.BanExpiryInterval = time.Minute
	}
	if c.DetectionGCInterval <= 0 {
		c.DetectionGCInterval = 5 * time.Minute
	}
	if c.BackfillInterval <= 0 {
		c.BackfillInterval = 2 * time.Minute
	}
	if c.BanSyncInterval <= 0 {
		c.BanSyncInterval = 5 * time.Minute
	}
	if c.StatsCacheInterval <= 0 {
		c.StatsCacheInterval = 5 * time.Minute
	}
	return c
}

// Scheduler drives every housekeeping sweep off one ticker, each sweep
// tracking its own "last ran at" so independent intervals share a single
// goroutine instead of spawning one per job.
type Scheduler struct {
	cfg Config
	log *log.Logger

	certRenewer   CertRenewer
	banQueue      detection.BanQueue
	engine        *detection.Engine
	backfiller    WAFBackfiller
	banSyncer     BanSyncer
	statsCache    *statscache.Cache
	sweepExpired  func(bq detection.BanQueue) (int, error)

	mu       sync.Mutex
	lastRun  map[string]time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Deps bundles the optional components a Scheduler dispatches to. Any field
// left nil simply means that sweep never fires.
type Deps struct {
	CertRenewer  CertRenewer
	BanQueue     detection.BanQueue
	Engine       *detection.Engine
	Backfiller   WAFBackfiller
	BanSyncer    BanSyncer
	StatsCache   *statscache.Cache
	SweepExpired func(bq detection.BanQueue) (int, error)
}

// New constructs a Scheduler. logger may be nil, in which case the stdlib
// default logger (log.Default(), no prefix) is used.
func New(cfg Config, deps Deps, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		log:          logger,
		certRenewer:  deps.CertRenewer,
		banQueue:     deps.BanQueue,
		engine:       deps.Engine,
		backfiller:   deps.Backfiller,
		banSyncer:    deps.BanSyncer,
		statsCache:   deps.StatsCache,
		sweepExpired: deps.SweepExpired,
		lastRun:      make(map[string]time.Time),
		stopChan:     make(chan struct{}),
	}
}

// Start begins the ticker loop in a background goroutine.
func (sc *Scheduler) Start() {
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		sc.log.Println("scheduler started")

		ticker := time.NewTicker(sc.cfg.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sc.tick()
			case <-sc.stopChan:
				sc.log.Println("scheduler stopped")
				return
			}
		}
	}()
}

// Stop halts the ticker loop and waits for the in-flight tick, if any, to
// finish.
func (sc *Scheduler) Stop() {
	close(sc.stopChan)
	sc.wg.Wait()
}

// due reports whether the named sweep's interval has elapsed, recording
// "now" as its last-run time if so.
func (sc *Scheduler) due(name string, interval time.Duration) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	last, ok := sc.lastRun[name]
	now := time.Now()
	if ok && now.Sub(last) < interval {
		return false
	}
	sc.lastRun[name] = now
	return true
}

// tick runs every sweep whose interval has elapsed since it last ran.
func (sc *Scheduler) tick() {
	if sc.sweepExpired != nil && sc.banQueue != nil && sc.due("ban-expiry", sc.cfg.BanExpiryInterval) {
		if n, err := sc.sweepExpired(sc.banQueue); err != nil {
			sc.log.Printf("scheduler: ban expiry sweep failed: %v", err)
		} else if n > 0 {
			sc.log.Printf("scheduler: ban expiry sweep retired %d ban(s)", n)
		}
	}

	if sc.engine != nil && sc.due("detection-gc", sc.cfg.DetectionGCInterval) {
		sc.engine.GC()
	}

	if sc.certRenewer != nil && sc.due("cert-renewal", sc.cfg.CertRenewalInterval) {
		if err := sc.certRenewer.CheckRenewals(); err != nil {
			sc.log.Printf("scheduler: cert renewal check failed: %v", err)
		}
	}

	if sc.backfiller != nil && sc.due("waf-backfill", sc.cfg.BackfillInterval) {
		if err := sc.backfiller.BackfillSweep(); err != nil {
			sc.log.Printf("scheduler: WAF backfill sweep failed: %v", err)
		}
	}

	if sc.banSyncer != nil && sc.due("ban-sync", sc.cfg.BanSyncInterval) {
		sc.banSyncer.RunAll()
	}

	if sc.statsCache != nil && sc.due("stats-cache", sc.cfg.StatsCacheInterval) {
		sc.refreshStatsCache()
	}
}

// refreshStatsCache recomputes every retained range so dashboards never pay
// the cold-cache cost on the next read.
func (sc *Scheduler) refreshStatsCache() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, r := range []statscache.Range{statscache.Range1h, statscache.Range24h, statscache.Range7d, statscache.Range30d} {
		if _, err := sc.statsCache.Refresh(ctx, r, statscache.Options{}); err != nil {
			sc.log.Printf("scheduler: stats cache refresh (%s) failed: %v", r, err)
		}
	}
}
