// Package bansync implements BanSync: periodic desired-vs-actual
// reconciliation between Store's active IPBan rows and each provider's
// live ban list (spec.md §4.9, L6 BanSync). Grounded on the teacher's
// internal/services/pcq_sync.go queue-backed reconciliation loop,
// generalized from one pricing-queue sync target to N independent
// provider integrations with per-integration error isolation.
package bansync

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/arcfence/controlplane/internal/banqueue"
	"github.com/arcfence/controlplane/internal/detection"
	"github.com/arcfence/controlplane/internal/providers"
	"github.com/arcfence/controlplane/internal/store"
)

// Status is what a single integration's last BanSync run reported
// (spec.md §4.9).
type Status struct {
	LastRun      time.Time
	LastDuration time.Duration
	LastError    string
}

// Syncer runs BanSync on demand or on a fixed interval.
type Syncer struct {
	store    *store.Store
	registry *providers.Registry
	queue    *banqueue.Queue
	engine   *detection.Engine
	logger   *log.Logger
	interval time.Duration

	mu       sync.Mutex
	statuses map[uint]Status

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Syncer.
func New(s *store.Store, registry *providers.Registry, queue *banqueue.Queue, engine *detection.Engine, interval time.Duration, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{
		store: s, registry: registry, queue: queue, engine: engine,
		interval: interval, logger: logger, statuses: make(map[uint]Status),
	}
}

// Start launches the periodic sync loop.
func (y *Syncer) Start() {
	y.stopCh = make(chan struct{})
	y.wg.Add(1)
	go y.loop()
}

// Stop halts the periodic sync loop.
func (y *Syncer) Stop() {
	if y.stopCh != nil {
		close(y.stopCh)
	}
	y.wg.Wait()
}

func (y *Syncer) loop() {
	defer y.wg.Done()
	ticker := time.NewTicker(y.interval)
	defer ticker.Stop()
	for {
		select {
		case <-y.stopCh:
			return
		case <-ticker.C:
			y.RunAll()
		}
	}
}

// Status returns the last recorded status for integrationID.
func (y *Syncer) Status(integrationID uint) (Status, bool) {
	y.mu.Lock()
	defer y.mu.Unlock()
	s, ok := y.statuses[integrationID]
	return s, ok
}

// RunAll syncs every enabled, sync-capable integration (operator-triggered
// or scheduled, spec.md §4.9).
func (y *Syncer) RunAll() {
	var integrations []store.BanIntegration
	if err := y.store.DB.Where("enabled = ?", true).Find(&integrations).Error; err != nil {
		y.logger.Printf("RunAll: list integrations: %v", err)
		return
	}
	for _, integ := range integrations {
		y.runOne(integ)
	}
}

func (y *Syncer) desiredIPs() (map[string]bool, error) {
	var bans []store.IPBan
	if err := y.store.DB.Where("unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", time.Now()).Find(&bans).Error; err != nil {
		return nil, err
	}
	desired := make(map[string]bool)
	for _, b := range bans {
		if !b.IsActive(time.Now()) {
			continue
		}
		if y.engine != nil && y.engine.IsWhitelisted(b.IPAddress) {
			continue
		}
		desired[b.IPAddress] = true
	}
	return desired, nil
}

func (y *Syncer) runOne(integ store.BanIntegration) {
	provider, ok := y.registry.Get(integ.ID)
	if ok && !provider.Capabilities().SupportsSync {
		return
	}

	start := time.Now()
	status := Status{LastRun: start}

	defer func() {
		status.LastDuration = time.Since(start)
		y.mu.Lock()
		y.statuses[integ.ID] = status
		y.mu.Unlock()
	}()

	if !ok {
		status.LastError = "no provider registered"
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	remote, err := provider.GetBannedIPs(ctx)
	if err != nil {
		status.LastError = err.Error()
		return
	}

	desired, err := y.desiredIPs()
	if err != nil {
		status.LastError = err.Error()
		return
	}

	remoteSet := make(map[string]string, len(remote)) // ip -> ban_id
	for _, r := range remote {
		remoteSet[r.IP] = r.BanID
	}

	for ip, banID := range remoteSet {
		if !desired[ip] {
			y.queue.EnqueueUnban(integ.ID, ip, banID)
		}
	}
	for ip := range desired {
		if _, present := remoteSet[ip]; !present {
			y.queue.Enqueue(integ.ID, detection.BanOp{Action: "ban", IP: ip, Reason: "bansync: missing from provider"})
		}
	}
}
