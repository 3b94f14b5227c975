package wafingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arcfence/controlplane/internal/broadcaster"
	"github.com/arcfence/controlplane/internal/detection"
	"github.com/arcfence/controlplane/internal/store"
)

type noopBanQueue struct{}

func (noopBanQueue) Enqueue(integrationID uint, op detection.BanOp) {}

func sampleRecord(txID, ruleID, clientIP, host string, httpCode int, disruptive bool, tags []string) string {
	rec := map[string]any{
		"transaction": map[string]any{
			"id":        txID,
			"client_ip": clientIP,
			"request": map[string]any{
				"headers": map[string]string{"Host": host},
				"uri":     "/login",
			},
			"response": map[string]any{"http_code": httpCode},
			"messages": []map[string]any{
				{
					"message": "test match",
					"details": map[string]any{
						"ruleId":     ruleID,
						"severity":   "2",
						"tags":       tags,
						"disruptive": disruptive,
					},
				},
			},
		},
	}
	raw, _ := json.Marshal(rec)
	return string(raw)
}

func newTestIngestor(t *testing.T) (*Ingestor, *store.Store) {
	t.Helper()
	s, err := store.Connect(":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := broadcaster.New()
	engine := detection.New(s)

	ig, err := New(s, b, engine, noopBanQueue{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ig, s
}

func TestProcessLineInsertsEventAndDedupes(t *testing.T) {
	ig, s := newTestIngestor(t)

	proxy := store.Proxy{Name: "app", DomainNames: "app.example.com", Type: store.ProxyTypeReverse}
	s.DB.Create(&proxy)

	line := sampleRecord("tx-1", "942100", "203.0.113.5", "app.example.com", 403, true, []string{"attack-sqli"})
	ig.processLine([]byte(line))
	ig.processLine([]byte(line)) // duplicate (same transaction+rule)

	var count int64
	s.DB.Model(&store.WAFEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one event after dedupe, got %d", count)
	}

	var ev store.WAFEvent
	s.DB.First(&ev)
	if ev.AttackType != "sqli" {
		t.Fatalf("expected attack_type sqli, got %q", ev.AttackType)
	}
	if !ev.Blocked {
		t.Fatal("expected blocked=true for disruptive rule")
	}
	if ev.ProxyID == nil || *ev.ProxyID != proxy.ID {
		t.Fatalf("expected resolved proxy_id %d, got %v", proxy.ID, ev.ProxyID)
	}
}

func TestProcessLineDropsMalformedJSON(t *testing.T) {
	ig, s := newTestIngestor(t)
	ig.processLine([]byte("{not json"))
	var count int64
	s.DB.Model(&store.WAFEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected malformed record to be dropped, got %d events", count)
	}
}

func TestProcessLineDeferredWithNoHost(t *testing.T) {
	ig, s := newTestIngestor(t)
	line := sampleRecord("tx-2", "920300", "203.0.113.6", "", 200, false, []string{"attack-protocol"})
	ig.processLine([]byte(line))

	var ev store.WAFEvent
	s.DB.First(&ev)
	if ev.ProxyID != nil {
		t.Fatalf("expected proxy_id=NULL when Host header is absent, got %v", *ev.ProxyID)
	}
}

func TestDrainHandlesTruncationRestart(t *testing.T) {
	ig, s := newTestIngestor(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.json")

	line1 := sampleRecord("tx-a", "1", "198.51.100.1", "", 200, false, nil)
	os.WriteFile(path, []byte(line1+"\n"), 0644)
	ig.drain(path)

	var count int64
	s.DB.Model(&store.WAFEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 event after first drain, got %d", count)
	}

	// Truncate and write a new, shorter record; offset must reset to 0.
	line2 := sampleRecord("tx-b", "2", "10.0.0.2", "", 200, false, nil)
	os.WriteFile(path, []byte(line2+"\n"), 0644)
	ig.drain(path)

	s.DB.Model(&store.WAFEvent{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 events after truncation restart, got %d", count)
	}
}

func TestBackfillSweepAssignsByMajority(t *testing.T) {
	ig, s := newTestIngestor(t)
	now := time.Now()

	proxyA := uint(1)
	s.DB.Create(&store.WAFEvent{Timestamp: now.Add(-time.Minute), ClientIP: "9.9.9.9", ProxyID: &proxyA})
	s.DB.Create(&store.WAFEvent{Timestamp: now.Add(-2 * time.Minute), ClientIP: "9.9.9.9", ProxyID: &proxyA})
	unresolved := store.WAFEvent{Timestamp: now, ClientIP: "9.9.9.9", ProxyID: nil}
	s.DB.Create(&unresolved)

	if err := ig.BackfillSweep(); err != nil {
		t.Fatalf("BackfillSweep: %v", err)
	}

	var updated store.WAFEvent
	s.DB.First(&updated, unresolved.ID)
	if updated.ProxyID == nil || *updated.ProxyID != proxyA {
		t.Fatalf("expected backfilled proxy_id %d, got %v", proxyA, updated.ProxyID)
	}
}
