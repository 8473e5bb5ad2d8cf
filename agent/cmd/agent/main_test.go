package main

import (
	"os"
	"reflect"
	"testing"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"a,b,c", []string{"a", "b", "c"}},
		{"a, b ,,c", []string{"a", "b", "c"}},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("splitCSV(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestDefaultStateDirIsNonEmpty(t *testing.T) {
	dir := defaultStateDir()
	if dir == "" {
		t.Fatalf("expected a non-empty default state dir")
	}
}

func TestEnvOrDefaultPrefersEnvironment(t *testing.T) {
	const key = "BASTION_TEST_AGENT_ENV_OR_DEFAULT"
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

func TestBuildLoggerAcceptsEveryLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		logger, err := buildLogger(level)
		if err != nil {
			t.Fatalf("buildLogger(%q) returned error: %v", level, err)
		}
		if logger == nil {
			t.Fatalf("buildLogger(%q) returned a nil logger", level)
		}
	}
}
