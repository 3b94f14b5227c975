package bansync

import (
	"context"
	"testing"
	"time"

	"github.com/arcfence/controlplane/internal/banqueue"
	"github.com/arcfence/controlplane/internal/detection"
	"github.com/arcfence/controlplane/internal/providers"
	"github.com/arcfence/controlplane/internal/store"
)

type fakeSyncProvider struct {
	caps        providers.Capabilities
	remote      []providers.BannedIP
	batchBanned []providers.BanRequest
}

func (f *fakeSyncProvider) Capabilities() providers.Capabilities { return f.caps }
func (f *fakeSyncProvider) TestConnection(ctx context.Context) (bool, string, error) {
	return true, "ok", nil
}
func (f *fakeSyncProvider) BanIP(ctx context.Context, ip, reason string, durationSeconds int) (string, error) {
	return ip, nil
}
func (f *fakeSyncProvider) UnbanIP(ctx context.Context, ip, banID string) error { return nil }
func (f *fakeSyncProvider) GetBannedIPs(ctx context.Context) ([]providers.BannedIP, error) {
	return f.remote, nil
}
func (f *fakeSyncProvider) BatchBanIPs(ctx context.Context, reqs []providers.BanRequest) (int, map[string]string, error) {
	f.batchBanned = append(f.batchBanned, reqs...)
	ids := make(map[string]string, len(reqs))
	for _, r := range reqs {
		ids[r.IP] = r.IP
	}
	return len(reqs), ids, nil
}
func (f *fakeSyncProvider) BatchUnbanIPs(ctx context.Context, ips []string) (int, error) {
	return 0, nil
}

func newTestSyncer(t *testing.T) (*Syncer, *store.Store, *providers.Registry, *banqueue.Queue) {
	t.Helper()
	s, err := store.Connect(":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	registry := providers.NewRegistry()
	queue := banqueue.New(s, registry, nil)
	engine := detection.New(s)
	syncer := New(s, registry, queue, engine, time.Minute, nil)
	return syncer, s, registry, queue
}

func TestRunOneEnqueuesMissingAsBan(t *testing.T) {
	syncer, s, registry, queue := newTestSyncer(t)

	integ := store.BanIntegration{Name: "ipset-main", Type: "ipset", Enabled: true}
	s.DB.Create(&integ)
	fp := &fakeSyncProvider{caps: providers.Capabilities{SupportsSync: true, SupportsBatch: true}}
	registry.Register(integ.ID, fp)

	s.DB.Create(&store.IPBan{IPAddress: "203.0.113.50", BannedAt: time.Now()})

	syncer.RunAll()
	queue.FlushNow()

	if len(fp.batchBanned) != 1 || fp.batchBanned[0].IP != "203.0.113.50" {
		t.Fatalf("expected the desired-but-missing IP to be queued and flushed as a ban, got %+v", fp.batchBanned)
	}

	status, ok := syncer.Status(integ.ID)
	if !ok {
		t.Fatal("expected a recorded status after RunAll")
	}
	if status.LastError != "" {
		t.Fatalf("unexpected sync error: %s", status.LastError)
	}
}

func TestRunOneSkipsIntegrationsWithoutSyncSupport(t *testing.T) {
	syncer, s, registry, _ := newTestSyncer(t)

	integ := store.BanIntegration{Name: "ufw-main", Type: "ufw", Enabled: true}
	s.DB.Create(&integ)
	registry.Register(integ.ID, &fakeSyncProvider{caps: providers.Capabilities{SupportsSync: false}})

	syncer.RunAll()

	_, ok := syncer.Status(integ.ID)
	if ok {
		t.Fatal("expected no status recorded for a non-sync-capable integration")
	}
}

func TestRunOneRecordsProviderError(t *testing.T) {
	syncer, s, _, _ := newTestSyncer(t)

	integ := store.BanIntegration{Name: "broken", Type: "unifi", Enabled: true}
	s.DB.Create(&integ)
	// No provider registered -> "no provider registered" error recorded.

	syncer.RunAll()

	status, ok := syncer.Status(integ.ID)
	if !ok || status.LastError == "" {
		t.Fatalf("expected an error status for an integration with no registered provider, got %+v ok=%v", status, ok)
	}
}
