// Package banqueue implements BanQueue: a per-integration priority FIFO
// with a shared flush tick, batching, and bounded retry (spec.md §4.7, L5
// BanQueue). Grounded on the teacher's internal/services/quota_sync.go
// per-entity queue drained by a shared ticker, generalized from one
// fixed operation type to severity-prioritized ban/unban ops.
package banqueue

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"github.com/arcfence/controlplane/internal/detection"
	"github.com/arcfence/controlplane/internal/providers"
	"github.com/arcfence/controlplane/internal/store"
)

const (
	flushInterval  = 5 * time.Second
	interOpSpacing = 100 * time.Millisecond
	maxRetries     = 3
)

// Action is a queued operation kind.
type Action string

const (
	ActionBan   Action = "ban"
	ActionUnban Action = "unban"
)

// Operation is one queued ban/unban (spec.md §4.7).
type Operation struct {
	Action        Action
	IP            string
	Reason        string
	DurationSeconds int
	Severity      store.Severity
	BanRecordID   uint
	ProviderBanID string
	retryCount    int
}

var severityPriority = map[store.Severity]int{
	store.SeverityCritical: 1,
	store.SeverityHigh:     2,
	store.SeverityMedium:   3,
	store.SeverityLow:      4,
}

func priorityOf(s store.Severity) int {
	if p, ok := severityPriority[s]; ok {
		return p
	}
	return 5
}

// opKey identifies a (ip, action) pair for duplicate suppression.
type opKey struct {
	ip     string
	action Action
}

// integrationQueue holds one BanIntegration's pending operations plus
// insertion-order bookkeeping so priority ties break FIFO.
type integrationQueue struct {
	mu         sync.Mutex
	ops        []*Operation
	seq        map[opKey]bool
	insertSeq  uint64
	seqOf      map[*Operation]uint64
	flushing   bool
	lastFlush  time.Time
}

func newIntegrationQueue() *integrationQueue {
	return &integrationQueue{
		seq:   make(map[opKey]bool),
		seqOf: make(map[*Operation]uint64),
	}
}

func (q *integrationQueue) enqueue(op *Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := opKey{ip: op.IP, action: op.Action}
	if q.seq[key] {
		return false
	}
	q.seq[key] = true
	q.insertSeq++
	q.seqOf[op] = q.insertSeq
	q.ops = append(q.ops, op)
	return true
}

// drain removes and returns every queued op, ordered by severity priority
// then FIFO on ties (spec.md §4.7).
func (q *integrationQueue) drain() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ops
	q.ops = nil
	q.seq = make(map[opKey]bool)
	sortOps(out, q.seqOf)
	q.seqOf = make(map[*Operation]uint64)
	return out
}

func sortOps(ops []*Operation, seqOf map[*Operation]uint64) {
	// Small slices (bounded by flush cadence); insertion sort keeps this
	// simple and stable on priority ties.
	for i := 1; i < len(ops); i++ {
		j := i
		for j > 0 && less(ops[j], ops[j-1], seqOf) {
			ops[j], ops[j-1] = ops[j-1], ops[j]
			j--
		}
	}
}

func less(a, b *Operation, seqOf map[*Operation]uint64) bool {
	pa, pb := priorityOf(a.Severity), priorityOf(b.Severity)
	if pa != pb {
		return pa < pb
	}
	return seqOf[a] < seqOf[b]
}

// requeue puts ops still eligible for retry back at the front of the
// queue for the next flush cycle.
func (q *integrationQueue) requeue(ops []*Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]*Operation, 0, len(ops)+len(q.ops))
	for _, op := range ops {
		key := opKey{ip: op.IP, action: op.Action}
		if q.seq[key] {
			continue
		}
		q.seq[key] = true
		merged = append(merged, op)
	}
	merged = append(merged, q.ops...)
	for _, op := range merged {
		q.insertSeq++
		q.seqOf[op] = q.insertSeq
	}
	q.ops = merged
}

// Queue is the BanQueue: one integrationQueue per BanIntegration, flushed
// by a shared ticker.
type Queue struct {
	store    *store.Store
	registry *providers.Registry
	logger   *log.Logger

	mu     sync.Mutex
	queues map[uint]*integrationQueue

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Queue.
func New(s *store.Store, registry *providers.Registry, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{store: s, registry: registry, logger: logger, queues: make(map[uint]*integrationQueue)}
}

func (q *Queue) queueFor(integrationID uint) *integrationQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	iq, ok := q.queues[integrationID]
	if !ok {
		iq = newIntegrationQueue()
		q.queues[integrationID] = iq
	}
	return iq
}

// Enqueue adds an operation to integrationID's queue, dropping it if an
// equal (ip, action) pair is already queued (spec.md §4.7; testable
// property 8). Satisfies detection.BanQueue.
func (q *Queue) Enqueue(integrationID uint, op detection.BanOp) {
	q.queueFor(integrationID).enqueue(&Operation{
		Action:          Action(op.Action),
		IP:              op.IP,
		Reason:          op.Reason,
		DurationSeconds: op.DurationSeconds,
		Severity:        op.Severity,
		BanRecordID:     op.BanRecordID,
	})
}

// EnqueueUnban is the BanSync-facing entry point for unban ops, which
// carry a provider ban id rather than a duration/severity.
func (q *Queue) EnqueueUnban(integrationID uint, ip, providerBanID string) {
	q.queueFor(integrationID).enqueue(&Operation{
		Action:        ActionUnban,
		IP:            ip,
		ProviderBanID: providerBanID,
	})
}

// Start launches the shared 5s flush ticker.
func (q *Queue) Start() {
	q.stopCh = make(chan struct{})
	q.wg.Add(1)
	go q.flushLoop()
}

// Stop halts the flush loop.
func (q *Queue) Stop() {
	if q.stopCh != nil {
		close(q.stopCh)
	}
	q.wg.Wait()
}

func (q *Queue) flushLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.flushAll()
		}
	}
}

// flushAll runs one flush per enabled integration concurrently, skipping
// any integration whose previous flush is still in flight (spec.md §4.7,
// §9: "only one flush per integration at a time").
func (q *Queue) flushAll() {
	q.dispatchFlushes(false)
}

// FlushNow triggers an immediate flush pass and blocks until every
// dispatched per-integration flush completes, bypassing the 5s cadence
// gate. Exposed for an operator "flush now" action and for tests.
func (q *Queue) FlushNow() {
	q.dispatchFlushes(true)
}

func (q *Queue) dispatchFlushes(ignoreCadence bool) {
	var integrations []store.BanIntegration
	if err := q.store.DB.Where("enabled = ?", true).Find(&integrations).Error; err != nil {
		q.logger.Printf("flushAll: list integrations: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, integ := range integrations {
		iq := q.queueFor(integ.ID)
		iq.mu.Lock()
		if iq.flushing || (!ignoreCadence && time.Since(iq.lastFlush) < flushInterval) {
			iq.mu.Unlock()
			continue
		}
		iq.flushing = true
		iq.lastFlush = time.Now()
		iq.mu.Unlock()

		wg.Add(1)
		go func(integ store.BanIntegration, iq *integrationQueue) {
			defer wg.Done()
			defer func() {
				iq.mu.Lock()
				iq.flushing = false
				iq.mu.Unlock()
			}()
			q.flushOne(integ, iq)
		}(integ, iq)
	}
	wg.Wait()
}

func (q *Queue) flushOne(integ store.BanIntegration, iq *integrationQueue) {
	ops := iq.drain()
	if len(ops) == 0 {
		return
	}

	provider, ok := q.registry.Get(integ.ID)
	if !ok {
		q.logger.Printf("flushOne: no provider registered for integration %d", integ.ID)
		iq.requeue(ops)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	caps := provider.Capabilities()
	var retryable []*Operation

	if caps.SupportsBatch {
		retryable = q.flushBatch(ctx, provider, integ.ID, ops)
	} else {
		retryable = q.flushIndividually(ctx, provider, integ.ID, ops)
	}

	if len(retryable) > 0 {
		iq.requeue(retryable)
	}
}

func (q *Queue) flushBatch(ctx context.Context, p providers.Provider, integrationID uint, ops []*Operation) []*Operation {
	var bans, unbans []*Operation
	for _, op := range ops {
		if op.Action == ActionBan {
			bans = append(bans, op)
		} else {
			unbans = append(unbans, op)
		}
	}

	var retryable []*Operation

	if len(bans) > 0 {
		reqs := make([]providers.BanRequest, len(bans))
		for i, op := range bans {
			reqs[i] = providers.BanRequest{IP: op.IP, Reason: op.Reason, DurationSeconds: op.DurationSeconds}
		}
		banIDs, err := withRetry(func() (map[string]string, error) {
			_, ids, err := p.BatchBanIPs(ctx, reqs)
			return ids, err
		})
		if err != nil {
			q.recordFailure(integrationID, err)
			retryable = append(retryable, q.bumpRetries(bans)...)
		} else {
			q.recordSuccess(integrationID, len(bans), 0)
			for _, op := range bans {
				q.markNotified(op.BanRecordID, integrationID, banIDs[op.IP])
			}
		}
	}

	if len(unbans) > 0 {
		ips := make([]string, len(unbans))
		for i, op := range unbans {
			ips[i] = op.IP
		}
		_, err := withRetry(func() (int, error) {
			return p.BatchUnbanIPs(ctx, ips)
		})
		if err != nil {
			q.recordFailure(integrationID, err)
			retryable = append(retryable, q.bumpRetries(unbans)...)
		} else {
			q.recordSuccess(integrationID, 0, len(unbans))
		}
	}

	return retryable
}

func (q *Queue) flushIndividually(ctx context.Context, p providers.Provider, integrationID uint, ops []*Operation) []*Operation {
	var retryable []*Operation
	for i, op := range ops {
		if i > 0 {
			time.Sleep(interOpSpacing)
		}

		var err error
		if op.Action == ActionBan {
			var banID string
			banID, err = withRetry(func() (string, error) {
				return p.BanIP(ctx, op.IP, op.Reason, op.DurationSeconds)
			})
			if err == nil {
				q.recordSuccess(integrationID, 1, 0)
				q.markNotified(op.BanRecordID, integrationID, banID)
				continue
			}
		} else {
			_, err = withRetry(func() (struct{}, error) {
				return struct{}{}, p.UnbanIP(ctx, op.IP, op.ProviderBanID)
			})
			if err == nil {
				q.recordSuccess(integrationID, 0, 1)
				continue
			}
		}

		q.recordFailure(integrationID, err)
		op.retryCount++
		if op.retryCount <= maxRetries {
			retryable = append(retryable, op)
		} else {
			q.logger.Printf("flushIndividually: dropping op ip=%s action=%s after %d retries", op.IP, op.Action, op.retryCount)
		}
	}
	return retryable
}

func (q *Queue) bumpRetries(ops []*Operation) []*Operation {
	var retryable []*Operation
	for _, op := range ops {
		op.retryCount++
		if op.retryCount <= maxRetries {
			retryable = append(retryable, op)
		} else {
			q.logger.Printf("bumpRetries: dropping op ip=%s action=%s after %d retries", op.IP, op.Action, op.retryCount)
		}
	}
	return retryable
}

// withRetry applies a single bounded backoff retry pass per flush tick;
// the caller's own requeue-next-tick mechanism supplies the remaining
// retries spec.md §4.7 calls for (up to 3 total, spaced across ticks).
func withRetry[T any](fn func() (T, error)) (T, error) {
	var result T
	var err error
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
	rerr := backoff.Retry(func() error {
		result, err = fn()
		return err
	}, bo)
	if rerr != nil {
		return result, rerr
	}
	return result, nil
}

func (q *Queue) recordSuccess(integrationID uint, banned, unbanned int) {
	now := time.Now()
	updates := map[string]any{"last_success": &now, "last_error": ""}
	if banned > 0 {
		updates["total_bans_sent"] = gorm.Expr("total_bans_sent + ?", banned)
	}
	if unbanned > 0 {
		updates["total_unbans_sent"] = gorm.Expr("total_unbans_sent + ?", unbanned)
	}
	q.store.DB.Model(&store.BanIntegration{}).Where("id = ?", integrationID).Updates(updates)
}

func (q *Queue) recordFailure(integrationID uint, err error) {
	q.store.DB.Model(&store.BanIntegration{}).Where("id = ?", integrationID).Update("last_error", err.Error())
}

func (q *Queue) markNotified(banRecordID, integrationID uint, providerBanID string) {
	if banRecordID == 0 {
		return
	}
	var ban store.IPBan
	if err := q.store.DB.First(&ban, banRecordID).Error; err != nil {
		return
	}
	notified := appendNotified(ban.IntegrationsNotified, integrationID, providerBanID)
	q.store.DB.Model(&store.IPBan{}).Where("id = ?", banRecordID).Update("integrations_notified", notified)
}

// notifiedEntry is one element of IPBan.IntegrationsNotified's JSON array.
type notifiedEntry struct {
	IntegrationID uint   `json:"integration_id"`
	ProviderBanID string `json:"provider_ban_id"`
}

// appendNotified adds or replaces integrationID's entry in the
// IntegrationsNotified JSON array, tolerating an empty/malformed existing
// value by starting a fresh array.
func appendNotified(existing string, integrationID uint, providerBanID string) string {
	var entries []notifiedEntry
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &entries)
	}
	found := false
	for i := range entries {
		if entries[i].IntegrationID == integrationID {
			entries[i].ProviderBanID = providerBanID
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, notifiedEntry{IntegrationID: integrationID, ProviderBanID: providerBanID})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return existing
	}
	return string(raw)
}
