package keyring

import (
	"encoding/base64"
	"strings"
	"testing"
)

func b64Key(fill byte) string {
	key := make([]byte, keySize)
	for i := range key {
		key[i] = fill
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestLoadEmpty(t *testing.T) {
	kr, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if _, _, ok := kr.Active(); ok {
		t.Fatalf("expected no active key in an empty keyring")
	}
}

func TestLoadFirstEntryIsActive(t *testing.T) {
	env := strings.Join([]string{
		"primary:" + b64Key(1),
		"secondary:" + b64Key(2),
	}, ",")

	kr, err := Load(env)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	name, key, ok := kr.Active()
	if !ok || name != "primary" {
		t.Fatalf("expected primary to be active, got %q (ok=%v)", name, ok)
	}
	if len(key) != keySize || key[0] != 1 {
		t.Fatalf("unexpected active key bytes")
	}

	key2, ok := kr.Resolve("secondary")
	if !ok || key2[0] != 2 {
		t.Fatalf("expected to resolve secondary key")
	}

	if _, ok := kr.Resolve("missing"); ok {
		t.Fatalf("expected missing key name to not resolve")
	}
}

func TestLoadRejectsMalformedEntry(t *testing.T) {
	if _, err := Load("not-a-valid-pair"); err == nil {
		t.Fatalf("expected error for entry missing a colon")
	}
}

func TestLoadRejectsWrongKeyLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := Load("primary:" + short); err == nil {
		t.Fatalf("expected error for a key that isn't %d bytes", keySize)
	}
}

func TestRotateReplacesActiveKey(t *testing.T) {
	kr := New()
	key := make([]byte, keySize)
	key[0] = 9

	if err := kr.Rotate("2024-01", key); err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}

	name, got, ok := kr.Active()
	if !ok || name != "2024-01" || got[0] != 9 {
		t.Fatalf("expected 2024-01 to become active, got %q", name)
	}

	// Mutating the caller's slice afterward must not affect the stored key.
	key[0] = 0xFF
	_, got2, _ := kr.Active()
	if got2[0] != 9 {
		t.Fatalf("Rotate must copy the key, got mutated value %d", got2[0])
	}
}

func TestRotateRejectsWrongKeyLength(t *testing.T) {
	kr := New()
	if err := kr.Rotate("bad", []byte("short")); err == nil {
		t.Fatalf("expected error for a key that isn't %d bytes", keySize)
	}
}
