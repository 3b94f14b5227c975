package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/arcfence/controlplane/internal/detection"
)

type countingCertRenewer struct{ calls int32 }

func (c *countingCertRenewer) CheckRenewals() error {
	atomic.AddInt32(&c.calls, 1)
	return nil
}

type countingBanSyncer struct{ calls int32 }

func (c *countingBanSyncer) RunAll() { atomic.AddInt32(&c.calls, 1) }

type countingBackfiller struct{ calls int32 }

func (c *countingBackfiller) BackfillSweep() error {
	atomic.AddInt32(&c.calls, 1)
	return nil
}

func TestTickRunsDueSweepsAndSkipsOthers(t *testing.T) {
	cert := &countingCertRenewer{}
	banSync := &countingBanSyncer{}
	backfill := &countingBackfiller{}
	expiredCalls := int32(0)

	sc := New(Config{
		Tick:                time.Second,
		CertRenewalInterval: time.Hour,
		BanExpiryInterval:   time.Hour,
		BackfillInterval:    time.Hour,
		BanSyncInterval:     time.Hour,
	}, Deps{
		CertRenewer: cert,
		BanQueue:    noopBanQueue{},
		Backfiller:  backfill,
		BanSyncer:   banSync,
		SweepExpired: func(bq detection.BanQueue) (int, error) {
			atomic.AddInt32(&expiredCalls, 1)
			return 0, nil
		},
	}, nil)

	sc.tick()

	if atomic.LoadInt32(&cert.calls) != 1 {
		t.Fatalf("expected cert renewal to fire on its first tick (cold start), got %d", cert.calls)
	}
	sc.tick()
	if atomic.LoadInt32(&cert.calls) != 1 {
		t.Fatalf("expected cert renewal to stay gated by its hour-long interval on the second tick, got %d", cert.calls)
	}
	if atomic.LoadInt32(&expiredCalls) != 1 {
		t.Fatalf("expected ban expiry sweep to run once, got %d", expiredCalls)
	}
	if atomic.LoadInt32(&backfill.calls) != 1 {
		t.Fatalf("expected backfill sweep to run once, got %d", backfill.calls)
	}
	if atomic.LoadInt32(&banSync.calls) != 1 {
		t.Fatalf("expected ban sync to run once, got %d", banSync.calls)
	}
}

func TestDueGatesOnInterval(t *testing.T) {
	sc := New(Config{}, Deps{}, nil)

	if !sc.due("x", time.Hour) {
		t.Fatal("expected first call to be due")
	}
	if sc.due("x", time.Hour) {
		t.Fatal("expected second call within the interval to not be due")
	}
}

func TestStartStopDoesNotDeadlock(t *testing.T) {
	sc := New(Config{Tick: 5 * time.Millisecond}, Deps{}, nil)
	sc.Start()
	time.Sleep(20 * time.Millisecond)
	sc.Stop()
}

type noopBanQueue struct{}

func (noopBanQueue) Enqueue(integrationID uint, op detection.BanOp) {}
