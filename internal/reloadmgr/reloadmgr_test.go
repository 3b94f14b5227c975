package reloadmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arcfence/controlplane/internal/nginxops"
)

// fakeOps counts concurrent and total SafeReload invocations so tests can
// assert coalescing (spec.md §4.3, testable property 4/scenario S5).
type fakeOps struct {
	mu          sync.Mutex
	inFlight    int32
	maxInFlight int32
	callCount   int32
	fail        bool
	delay       time.Duration
}

func (f *fakeOps) Test(ctx context.Context) (nginxops.Result, error) {
	return nginxops.Result{OK: true}, nil
}

func (f *fakeOps) Reload(ctx context.Context) (nginxops.Result, error) {
	return nginxops.Result{OK: true}, nil
}

func (f *fakeOps) StatusProbe(ctx context.Context) (nginxops.Status, error) {
	return nginxops.Status{Running: true}, nil
}

func (f *fakeOps) SafeReload(ctx context.Context) (nginxops.Result, nginxops.Result, string, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	atomic.AddInt32(&f.callCount, 1)

	f.mu.Lock()
	if n > f.maxInFlight {
		f.maxInFlight = n
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return nginxops.Result{OK: false, Output: "bad directive"}, nginxops.Result{}, "test", nil
	}
	return nginxops.Result{OK: true}, nginxops.Result{OK: true}, "", nil
}

func TestQueueReloadCoalescesConcurrentCallers(t *testing.T) {
	ops := &fakeOps{delay: 20 * time.Millisecond}
	m := New(ops, time.Second)
	m.Start()
	defer m.Stop()

	const n = 20
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ids[i] = m.QueueReload()
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		allDone := true
		for _, id := range ids {
			status, ok := m.GetReloadStatus(id)
			if !ok || status.State == StatePending || status.State == StateRunning {
				allDone = false
				break
			}
		}
		if allDone || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, id := range ids {
		status, ok := m.GetReloadStatus(id)
		if !ok {
			t.Fatalf("missing status for reload id %d", id)
		}
		if status.State != StateSucceeded {
			t.Errorf("reload %d: expected succeeded, got %v (err=%s)", id, status.State, status.Error)
		}
	}

	maxInFlight := atomic.LoadInt32(&ops.maxInFlight)
	if maxInFlight > 1 {
		t.Fatalf("expected at most 1 concurrent SafeReload invocation, observed %d", maxInFlight)
	}

	callCount := atomic.LoadInt32(&ops.callCount)
	if callCount >= n {
		t.Fatalf("expected coalescing to reduce SafeReload calls well below %d concurrent requests, got %d calls", n, callCount)
	}
}

func TestQueueReloadReportsFailureToAllCoalesced(t *testing.T) {
	ops := &fakeOps{fail: true}
	m := New(ops, time.Second)
	m.Start()
	defer m.Stop()

	id := m.QueueReload()

	deadline := time.Now().Add(time.Second)
	var status Status
	for time.Now().Before(deadline) {
		s, ok := m.GetReloadStatus(id)
		if ok && s.State != StatePending && s.State != StateRunning {
			status = s
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if status.State != StateFailed {
		t.Fatalf("expected failed state, got %v", status.State)
	}
	if status.Error == "" {
		t.Fatalf("expected a failure error message")
	}
}

func TestGetReloadStatusUnknownID(t *testing.T) {
	ops := &fakeOps{}
	m := New(ops, time.Second)
	if _, ok := m.GetReloadStatus(999); ok {
		t.Fatalf("expected unknown id to report not-found")
	}
}
