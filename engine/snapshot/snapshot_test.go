package snapshot

import (
	"context"
	"testing"
)

func TestCreateModeOffNeverAttempts(t *testing.T) {
	h, err := Create(context.Background(), Config{Enabled: true}, "/data", ModeOff)
	if err != nil {
		t.Fatalf("expected no error for mode off, got %v", err)
	}
	if h != nil {
		t.Fatalf("expected a nil handle for mode off")
	}
}

func TestCreateAutoFallsBackSilentlyWhenDisabled(t *testing.T) {
	h, err := Create(context.Background(), Config{Enabled: false}, "/data", ModeAuto)
	if err != nil {
		t.Fatalf("expected auto mode to fall back without error, got %v", err)
	}
	if h != nil {
		t.Fatalf("expected a nil handle when the feature is disabled")
	}
}

func TestCreateRequiredFailsWhenDisabled(t *testing.T) {
	_, err := Create(context.Background(), Config{Enabled: false}, "/data", ModeRequired)
	if err == nil {
		t.Fatalf("expected required mode to return an error when snapshotting is disabled")
	}
}

func TestProbeFalseWhenDisabled(t *testing.T) {
	if Probe(context.Background(), Config{Enabled: false}, "/data") {
		t.Fatalf("expected Probe to report false when the feature flag is off")
	}
}

func TestUnderAllowlistPrefixMatching(t *testing.T) {
	cfg := Config{Enabled: true, Allowlist: []string{"/srv/backups"}}
	if !underAllowlist(cfg.Allowlist, "/srv/backups") {
		t.Fatalf("expected an exact allowlist match to pass")
	}
	if !underAllowlist(cfg.Allowlist, "/srv/backups/jobs/1") {
		t.Fatalf("expected a nested path under the allowlist to pass")
	}
	if underAllowlist(cfg.Allowlist, "/srv/backupsdecoy") {
		t.Fatalf("expected a path merely sharing a prefix string to be rejected")
	}
	if underAllowlist(cfg.Allowlist, "/etc") {
		t.Fatalf("expected a path outside the allowlist to be rejected")
	}
}

func TestProbeFalseWhenRootOutsideAllowlist(t *testing.T) {
	cfg := Config{Enabled: true, Allowlist: []string{"/srv/backups"}}
	if Probe(context.Background(), cfg, "/home/user") {
		t.Fatalf("expected Probe to report false for a root outside the allowlist")
	}
}

func TestHandleCleanupIsIdempotent(t *testing.T) {
	calls := 0
	h := &Handle{cleanup: func() error { calls++; return nil }}
	if err := h.Cleanup(); err != nil {
		t.Fatalf("first Cleanup returned error: %v", err)
	}
	if err := h.Cleanup(); err != nil {
		t.Fatalf("second Cleanup returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the cleanup func to run exactly once, got %d", calls)
	}
}

