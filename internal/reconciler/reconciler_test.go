package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arcfence/controlplane/internal/nginxops"
	"github.com/arcfence/controlplane/internal/reloadmgr"
	"github.com/arcfence/controlplane/internal/store"
)

type stubOps struct{}

func (stubOps) Test(ctx context.Context) (nginxops.Result, error)   { return nginxops.Result{OK: true}, nil }
func (stubOps) Reload(ctx context.Context) (nginxops.Result, error) { return nginxops.Result{OK: true}, nil }
func (stubOps) StatusProbe(ctx context.Context) (nginxops.Status, error) {
	return nginxops.Status{Running: true}, nil
}
func (stubOps) SafeReload(ctx context.Context) (nginxops.Result, nginxops.Result, string, error) {
	return nginxops.Result{OK: true}, nginxops.Result{OK: true}, "", nil
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, string) {
	t.Helper()
	s, err := store.Connect(":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	confDir := t.TempDir()
	mgr := reloadmgr.New(stubOps{}, time.Second)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	return New(s, confDir, mgr), s, confDir
}

// TestReconcileS1CreateReverseProxy mirrors spec.md §8 scenario S1.
func TestReconcileS1CreateReverseProxy(t *testing.T) {
	r, s, confDir := newTestReconciler(t)

	module := store.Module{Name: "Real IP", Level: store.ModuleLevelServer, Content: "real_ip_header X-Forwarded-For;"}
	if err := s.DB.Create(&module).Error; err != nil {
		t.Fatalf("create module: %v", err)
	}

	proxy := store.Proxy{
		Name:          "app",
		Type:          store.ProxyTypeReverse,
		Enabled:       true,
		DomainNames:   "app.example.com",
		ForwardScheme: store.ForwardSchemeHTTP,
		ForwardHost:   "10.0.0.5",
		ForwardPort:   3000,
	}
	if err := s.DB.Create(&proxy).Error; err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	if err := s.DB.Create(&store.ProxyModule{ProxyID: proxy.ID, ModuleID: module.ID}).Error; err != nil {
		t.Fatalf("associate module: %v", err)
	}

	if err := r.Reconcile(proxy.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var reloaded store.Proxy
	if err := s.DB.First(&reloaded, proxy.ID).Error; err != nil {
		t.Fatalf("reload proxy: %v", err)
	}
	if reloaded.ConfigStatus != store.ConfigStatusActive {
		t.Fatalf("expected config_status=active, got %s (error=%s)", reloaded.ConfigStatus, reloaded.ConfigError)
	}
	if reloaded.ConfigFilename == "" {
		t.Fatalf("expected a config filename to be assigned")
	}

	data, err := os.ReadFile(filepath.Join(confDir, reloaded.ConfigFilename))
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	content := string(data)
	for _, want := range []string{"listen 80;", "server_name app.example.com;", "proxy_pass http://10.0.0.5:3000;"} {
		if !strings.Contains(content, want) {
			t.Errorf("expected generated config to contain %q, got:\n%s", want, content)
		}
	}
}

func TestReconcileDisabledProxyWritesDisabledFile(t *testing.T) {
	r, s, confDir := newTestReconciler(t)

	proxy := store.Proxy{Name: "off", Type: store.ProxyTypeReverse, Enabled: false, DomainNames: "off.example.com", ForwardHost: "10.0.0.1", ForwardPort: 80}
	if err := s.DB.Create(&proxy).Error; err != nil {
		t.Fatalf("create proxy: %v", err)
	}

	if err := r.Reconcile(proxy.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var reloaded store.Proxy
	s.DB.First(&reloaded, proxy.ID)

	disabledPath := filepath.Join(confDir, disabledName(reloaded.ConfigFilename))
	if _, err := os.Stat(disabledPath); err != nil {
		t.Fatalf("expected disabled config file at %s: %v", disabledPath, err)
	}
}

func TestReconcileCustomEditorModeUsesRawContent(t *testing.T) {
	r, s, confDir := newTestReconciler(t)

	raw := "server { listen 8080; server_name custom.example.com; }"
	proxy := store.Proxy{Name: "custom", Type: store.ProxyTypeReverse, Enabled: true, DomainNames: "N/A", AdvancedConfig: raw}
	if err := s.DB.Create(&proxy).Error; err != nil {
		t.Fatalf("create proxy: %v", err)
	}

	if err := r.Reconcile(proxy.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var reloaded store.Proxy
	s.DB.First(&reloaded, proxy.ID)
	data, err := os.ReadFile(filepath.Join(confDir, reloaded.ConfigFilename))
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	if string(data) != raw {
		t.Fatalf("expected custom-editor mode to write raw advanced_config verbatim, got:\n%s", data)
	}
}

func TestReconcileMissingProxyReturnsNotFound(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	err := r.Reconcile(99999)
	if err == nil {
		t.Fatalf("expected error for missing proxy")
	}
}
