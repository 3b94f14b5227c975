package configgen

import (
	"strings"
	"testing"

	"github.com/arcfence/controlplane/internal/store"
)

func sampleReverseInput() Input {
	return Input{
		Proxy: store.Proxy{
			ID:            1,
			Name:          "app",
			Type:          store.ProxyTypeReverse,
			DomainNames:   "app.example.com",
			ForwardScheme: store.ForwardSchemeHTTP,
			ForwardHost:   "10.0.0.5",
			ForwardPort:   3000,
		},
		Modules: []NamedModule{
			{AssociationID: 1, Module: store.Module{Name: "Real IP", Level: store.ModuleLevelServer, Content: "real_ip_header X-Forwarded-For;"}},
		},
	}
}

func TestRenderReverseIsDeterministic(t *testing.T) {
	in := sampleReverseInput()
	out1, err := Render(in)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	out2, err := Render(in)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out1 != out2 {
		t.Fatalf("expected byte-identical renders, got:\n%q\nvs\n%q", out1, out2)
	}
}

func TestRenderReverseS1Scenario(t *testing.T) {
	out, err := Render(sampleReverseInput())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{
		"listen 80;",
		"server_name app.example.com;",
		"proxy_pass http://10.0.0.5:3000;",
		"real_ip_header X-Forwarded-For;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRenderReverseWithSSLEmitsPlaceholders(t *testing.T) {
	in := sampleReverseInput()
	in.Proxy.SSLEnabled = true
	out, err := Render(in)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, SSLCertPlaceholder) || !strings.Contains(out, SSLKeyPlaceholder) {
		t.Fatalf("expected SSL placeholders in output, got:\n%s", out)
	}
}

func TestRenderWithWAFProfileEmitsModsecDirectives(t *testing.T) {
	in := sampleReverseInput()
	in.WAFProfile = &store.WAFProfile{ID: 7, Enabled: true}
	out, err := Render(in)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "modsecurity on;") {
		t.Fatalf("expected modsecurity directive, got:\n%s", out)
	}
	if !strings.Contains(out, "profile_7.conf") {
		t.Fatalf("expected profile path, got:\n%s", out)
	}
}

func TestRender404(t *testing.T) {
	p := store.Proxy{ID: 2, Name: "catch-all", Type: store.ProxyType404}
	out, err := Render(Input{Proxy: p})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "return 404;") {
		t.Fatalf("expected return 404, got:\n%s", out)
	}
}

func TestRenderStream(t *testing.T) {
	p := store.Proxy{ID: 3, Name: "tcp-svc", Type: store.ProxyTypeStream, ForwardHost: "10.0.0.9", ForwardPort: 5432, IncomingPort: 15432, StreamProtocol: "tcp"}
	out, err := Render(Input{Proxy: p})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "server 10.0.0.9:5432;") {
		t.Fatalf("expected upstream server line, got:\n%s", out)
	}
	if !strings.Contains(out, "listen 15432;") {
		t.Fatalf("expected listen line, got:\n%s", out)
	}
}

func TestConfigFilename(t *testing.T) {
	got := ConfigFilename(5, "My App!", 1000)
	if !strings.HasPrefix(got, "5-") {
		t.Fatalf("expected id prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ".conf") {
		t.Fatalf("expected .conf suffix, got %q", got)
	}
}

func TestModuleOrderingByAssociationID(t *testing.T) {
	in := sampleReverseInput()
	in.Modules = []NamedModule{
		{AssociationID: 5, Module: store.Module{Name: "Second", Level: store.ModuleLevelServer, Content: "# second"}},
		{AssociationID: 2, Module: store.Module{Name: "First", Level: store.ModuleLevelServer, Content: "# first"}},
	}
	out, err := Render(in)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	firstIdx := strings.Index(out, "# first")
	secondIdx := strings.Index(out, "# second")
	if firstIdx == -1 || secondIdx == -1 || firstIdx > secondIdx {
		t.Fatalf("expected modules ordered by association id, got:\n%s", out)
	}
}
