// Package reloadmgr serializes and coalesces nginx reloads across
// concurrent mutations (spec.md §4.3, L4 ReloadManager). Grounded on the
// teacher's internal/services/cluster_failover.go worker+ticker+mutex
// monitor-loop idiom, adapted from a periodic health poll to a
// request-driven single-worker queue.
package reloadmgr

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arcfence/controlplane/internal/nginxops"
)

// State is a reload request's position in its state machine (spec.md §4.3:
// pending -> running -> {succeeded, failed}).
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status is the externally observable state of a reload request.
type Status struct {
	ReloadID uint64
	State    State
	Error    string
}

// These constants encode spec.md §4.3's retention floor: "at least 10 minutes or 256
// entries, whichever is larger". A pure size-bounded LRU cannot honor the
// time floor on its own, so a background sweep additionally evicts entries
// older than statusTTL once the LRU holds more than statusMinEntries.
const (
	statusMinEntries = 256
	statusTTL        = 10 * time.Minute
	sweepInterval    = time.Minute
	// statusCacheCap bounds memory use without itself enforcing the
	// retention floor; sweepExpired enforces "10 minutes or 256 entries,
	// whichever is larger" on top of it.
	statusCacheCap = 1_000_000
)

type statusEntry struct {
	status  Status
	setAt   time.Time
}

// Manager is the single point of nginx reload serialization.
type Manager struct {
	ops nginxops.Ops

	mu       sync.Mutex
	nextID   uint64
	pending  []uint64
	statuses *lru.Cache[uint64, *statusEntry]

	workCh   chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	opTimeout time.Duration
}

// New constructs a Manager backed by ops. opTimeout bounds each
// SafeReload cycle as a whole (config test plus reload together).
func New(ops nginxops.Ops, opTimeout time.Duration) *Manager {
	cache, err := lru.New[uint64, *statusEntry](statusCacheCap)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// statusCacheCap never is.
		panic(err)
	}
	m := &Manager{
		ops:       ops,
		statuses:  cache,
		workCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		opTimeout: opTimeout,
	}
	return m
}

// Start launches the single reload worker and the status-sweep goroutine.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.workerLoop()
	go m.sweepLoop()
}

// Stop signals both goroutines to exit and waits for them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// QueueReload allocates a monotone reload id, appends it to the FIFO, and
// returns immediately (spec.md §4.3 protocol step 1). Callers must only
// call this after their own file write has completed (ordering guarantee,
// spec.md §4.3/§5).
func (m *Manager) QueueReload() uint64 {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.pending = append(m.pending, id)
	m.statuses.Add(id, &statusEntry{status: Status{ReloadID: id, State: StatePending}, setAt: time.Now()})
	m.mu.Unlock()

	select {
	case m.workCh <- struct{}{}:
	default:
	}
	return id
}

// GetReloadStatus returns the final or current state for id, or false if
// the id is unknown (evicted or never issued).
func (m *Manager) GetReloadStatus(id uint64) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.statuses.Get(id)
	if !ok {
		return Status{}, false
	}
	return entry.status, true
}

func (m *Manager) workerLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.workCh:
			m.runCycle()
		}
	}
}

// runCycle coalesces every id pending at the moment the worker picks up
// work into a single nginx safeReload cycle (spec.md §4.3 protocol step 2-3).
func (m *Manager) runCycle() {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	cycle := m.pending
	m.pending = nil
	for _, id := range cycle {
		if entry, ok := m.statuses.Get(id); ok {
			entry.status.State = StateRunning
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	testResult, _, failedStep, err := m.ops.SafeReload(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	var finalState State
	var errMsg string
	switch {
	case err != nil:
		finalState = StateFailed
		errMsg = err.Error()
	case failedStep == "test":
		finalState = StateFailed
		errMsg = "nginx config test failed: " + testResult.Output
	case failedStep == "reload":
		finalState = StateFailed
		errMsg = "nginx reload failed"
	default:
		finalState = StateSucceeded
	}

	for _, id := range cycle {
		if entry, ok := m.statuses.Get(id); ok {
			entry.status.State = finalState
			entry.status.Error = errMsg
		}
	}

	if finalState == StateFailed {
		log.Printf("[reloadmgr] reload cycle %v failed: %s", cycle, errMsg)
	}

	// Another QueueReload may have arrived while this cycle ran; make sure
	// the worker wakes again instead of going idle with pending work.
	if len(m.pending) > 0 {
		select {
		case m.workCh <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// sweepExpired enforces "retained for at least 10 minutes or 256 entries,
// whichever is larger" (spec.md §4.3): it only removes an entry once BOTH
// the cache holds more than statusMinEntries AND the entry is older than
// statusTTL, walking the LRU from its least-recently-used end. Keys are in
// recency order (GetReloadStatus and runCycle refresh an entry), not in
// setAt order, so the walk stops at the first entry still within the TTL
// and older entries behind it wait for a later sweep.
func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.statuses.Keys() // least recently used first
	cutoff := time.Now().Add(-statusTTL)
	remaining := len(keys)

	for _, k := range keys {
		if remaining <= statusMinEntries {
			return
		}
		entry, ok := m.statuses.Peek(k)
		if !ok {
			remaining--
			continue
		}
		if entry.setAt.Before(cutoff) {
			m.statuses.Remove(k)
			remaining--
		} else {
			// Stop at the first entry still within the TTL floor.
			return
		}
	}
}
