package store

import (
	"testing"
	"time"
)

func TestConnectMigratesAndSeeds(t *testing.T) {
	s, err := Connect(":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	val, err := s.GetSetting("waf_enabled")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if val != "true" {
		t.Fatalf("expected default waf_enabled=true, got %q", val)
	}
}

func TestEnsureDefaultsDoesNotOverwrite(t *testing.T) {
	s, err := Connect(":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if err := s.SetSetting("waf_enabled", "false"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.EnsureDefaults(); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	val, _ := s.GetSetting("waf_enabled")
	if val != "false" {
		t.Fatalf("EnsureDefaults overwrote existing setting, got %q", val)
	}
}

func TestIPBanIsActive(t *testing.T) {
	b := &IPBan{}
	if !b.IsActive(time.Now()) {
		t.Fatalf("ban with no expiry/unban should be active")
	}

	past := time.Now().Add(-time.Hour)
	b.ExpiresAt = &past
	if b.IsActive(time.Now()) {
		t.Fatalf("ban with past expiry should not be active")
	}

	future := time.Now().Add(time.Hour)
	b.ExpiresAt = &future
	if !b.IsActive(time.Now()) {
		t.Fatalf("ban with future expiry should be active")
	}

	now := time.Now()
	b.UnbannedAt = &now
	if b.IsActive(time.Now()) {
		t.Fatalf("unbanned ban should not be active")
	}
}
