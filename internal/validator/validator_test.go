package validator

import (
	"strings"
	"testing"
	"time"
)

func TestValidateIPOrCIDR(t *testing.T) {
	valid := []string{"1.2.3.4", "1.2.3.4/32", "::1", "2001:db8::/32", "10.0.0.0/8"}
	for _, v := range valid {
		if err := ValidateIPOrCIDR(v); err != nil {
			t.Errorf("expected %q to be valid, got %v", v, err)
		}
	}

	invalid := []string{"", "1.2.3.4; rm -rf /", "not-an-ip", "1.2.3.4/999", "1.2.3.4/-1"}
	for _, v := range invalid {
		if err := ValidateIPOrCIDR(v); err == nil {
			t.Errorf("expected %q to be rejected", v)
		}
	}
}

func TestValidateIPOrCIDRRejectsShellInjection(t *testing.T) {
	// Testable property 9 / scenario S6.
	if err := ValidateIPOrCIDR("1.2.3.4; rm -rf /"); err == nil {
		t.Fatalf("expected shell-injection payload to be rejected")
	}
}

func TestValidateDomain(t *testing.T) {
	if err := ValidateDomain("app.example.com"); err != nil {
		t.Errorf("expected valid domain, got %v", err)
	}
	if err := ValidateDomain("*.example.com"); err == nil {
		t.Errorf("expected wildcard to be rejected by ValidateDomain")
	}
	if err := ValidateWildcardDomain("*.example.com"); err != nil {
		t.Errorf("expected wildcard to be accepted by ValidateWildcardDomain, got %v", err)
	}
}

func TestIsWildcard(t *testing.T) {
	if !IsWildcard("*.example.com") {
		t.Errorf("expected wildcard detection")
	}
	if IsWildcard("app.example.com") {
		t.Errorf("expected no false positive")
	}
}

func TestValidateEmail(t *testing.T) {
	if err := ValidateEmail("admin@example.com"); err != nil {
		t.Errorf("expected valid email, got %v", err)
	}
	if err := ValidateEmail("not-an-email"); err == nil {
		t.Errorf("expected invalid email to be rejected")
	}
}

func TestValidatePort(t *testing.T) {
	if err := ValidatePort(3000); err != nil {
		t.Errorf("expected valid port, got %v", err)
	}
	if err := ValidatePort(0); err == nil {
		t.Errorf("expected port 0 to be rejected")
	}
	if err := ValidatePort(70000); err == nil {
		t.Errorf("expected port 70000 to be rejected")
	}
}

func TestValidateNginxSnippetRejectsLoadModule(t *testing.T) {
	if err := ValidateNginxSnippet("load_module modules/ngx_evil.so;"); err == nil {
		t.Fatalf("expected load_module to be rejected")
	}
	if err := ValidateNginxSnippet("add_header X-Frame-Options DENY;"); err != nil {
		t.Fatalf("expected benign snippet to pass, got %v", err)
	}
}

func TestValidateShellArg(t *testing.T) {
	if err := ValidateShellArg("10.0.0.5"); err != nil {
		t.Errorf("expected benign arg to pass, got %v", err)
	}
	if err := ValidateShellArg("10.0.0.5; rm -rf /"); err == nil {
		t.Errorf("expected shell metacharacters to be rejected")
	}
}

func TestSanitizeFilenameRemovesForbiddenChars(t *testing.T) {
	got := SanitizeFilename(`a<b>c:d"e/f\g|h?i*j`, 1000)
	if strings.ContainsAny(got, `<>:"/\|?*`) {
		t.Fatalf("sanitized filename still contains forbidden chars: %q", got)
	}
}

func TestSanitizeFilenameIdempotent(t *testing.T) {
	inputs := []string{
		"normal-name",
		`weird<>name`,
		"   leading and trailing space.  ",
		"",
		strings.Repeat("x", 500),
	}
	for _, in := range inputs {
		once := SanitizeFilename(in, 42)
		twice := SanitizeFilename(once, 42)
		if once != twice {
			t.Errorf("SanitizeFilename not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
		if len(once) > 200 {
			t.Errorf("sanitized filename exceeds 200 bytes: %q", once)
		}
	}
}

func TestSanitizeFilenameFallsBackWhenEmpty(t *testing.T) {
	got := SanitizeFilename("   ", 1234)
	if got == "" {
		t.Fatalf("expected non-empty fallback filename")
	}
	if !strings.HasPrefix(got, "proxy_") {
		t.Fatalf("expected fallback to use proxy_<epoch-ms> shape, got %q", got)
	}
}

func TestEpochMillis(t *testing.T) {
	now := time.Now()
	if EpochMillis(now) != now.UnixMilli() {
		t.Fatalf("EpochMillis mismatch")
	}
}
