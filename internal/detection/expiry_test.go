package detection

import (
	"testing"
	"time"

	"github.com/arcfence/controlplane/internal/store"
)

type fakeBanQueue struct {
	ops map[uint][]BanOp
}

func newFakeBanQueue() *fakeBanQueue { return &fakeBanQueue{ops: make(map[uint][]BanOp)} }

func (f *fakeBanQueue) Enqueue(integrationID uint, op BanOp) {
	f.ops[integrationID] = append(f.ops[integrationID], op)
}

func TestSweepExpiredUnbansAndEnqueues(t *testing.T) {
	s, err := store.Connect(":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	integ := store.BanIntegration{Name: "test", Type: "ipset", Enabled: true}
	s.DB.Create(&integ)

	past := time.Now().Add(-time.Minute)
	ban := store.IPBan{IPAddress: "1.2.3.4", BannedAt: time.Now().Add(-time.Hour), ExpiresAt: &past}
	s.DB.Create(&ban)

	future := time.Now().Add(time.Hour)
	active := store.IPBan{IPAddress: "5.6.7.8", BannedAt: time.Now(), ExpiresAt: &future}
	s.DB.Create(&active)

	bq := newFakeBanQueue()
	n, err := SweepExpired(s, bq)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired ban retired, got %d", n)
	}

	var updated store.IPBan
	s.DB.First(&updated, ban.ID)
	if updated.UnbannedAt == nil {
		t.Fatal("expected expired ban to be marked unbanned")
	}

	ops := bq.ops[integ.ID]
	if len(ops) != 1 || ops[0].IP != "1.2.3.4" || ops[0].Action != "unban" {
		t.Fatalf("expected one unban op for 1.2.3.4, got %+v", ops)
	}

	var stillActive store.IPBan
	s.DB.First(&stillActive, active.ID)
	if stillActive.UnbannedAt != nil {
		t.Fatal("expected non-expired ban to remain active")
	}
}

func TestEngineGCDropsStaleAndOrphanedCounters(t *testing.T) {
	s, err := store.Connect(":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	rule := store.DetectionRule{Name: "short", Threshold: 100, TimeWindowS: 5, Enabled: true, SeverityFilter: store.SeverityAll}
	s.DB.Create(&rule)
	e := New(s)

	e.Evaluate(Event{ClientIP: "1.1.1.1", Timestamp: time.Now().Add(-time.Hour)})
	e.mu.Lock()
	staleCount := len(e.counters)
	e.mu.Unlock()
	if staleCount == 0 {
		t.Fatal("expected a counter to exist before GC")
	}

	e.GC()

	e.mu.Lock()
	remaining := len(e.counters)
	e.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected GC to drop the stale counter, %d remain", remaining)
	}
}
