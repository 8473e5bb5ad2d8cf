package main

import (
	"os"
	"testing"
)

func TestEnvOrDefaultPrefersEnvironment(t *testing.T) {
	const key = "BASTION_TEST_SEED_ENV_OR_DEFAULT"
	os.Unsetenv(key)
	t.Cleanup(func() { os.Unsetenv(key) })

	if got := envOrDefault(key, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback when unset, got %q", got)
	}

	os.Setenv(key, "from-env")
	if got := envOrDefault(key, "fallback"); got != "from-env" {
		t.Fatalf("expected the environment value, got %q", got)
	}
}
