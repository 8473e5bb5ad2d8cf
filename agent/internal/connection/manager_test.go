package connection

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDialURLPlainAddr(t *testing.T) {
	raw, err := dialURL("hub.internal:8080", false, "node-1", "tok")
	if err != nil {
		t.Fatalf("dialURL returned error: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("dialURL produced an unparseable URL %q: %v", raw, err)
	}
	if u.Scheme != "ws" {
		t.Fatalf("expected ws scheme, got %q", u.Scheme)
	}
	if u.Host != "hub.internal:8080" {
		t.Fatalf("expected host hub.internal:8080, got %q", u.Host)
	}
	if u.Path != "/v1/nodes/connect" {
		t.Fatalf("expected path /v1/nodes/connect, got %q", u.Path)
	}
	if got := u.Query().Get("node_id"); got != "node-1" {
		t.Fatalf("expected node_id=node-1, got %q", got)
	}
	if got := u.Query().Get("token"); got != "tok" {
		t.Fatalf("expected token=tok, got %q", got)
	}
}

func TestDialURLTLS(t *testing.T) {
	raw, err := dialURL("hub.internal:8080", true, "node-1", "tok")
	if err != nil {
		t.Fatalf("dialURL returned error: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Scheme != "wss" {
		t.Fatalf("expected wss scheme when TLS is enabled, got %q", u.Scheme)
	}
}

func TestDialURLHonorsExplicitScheme(t *testing.T) {
	raw, err := dialURL("ws://hub.internal:9000", false, "node-1", "tok")
	if err != nil {
		t.Fatalf("dialURL returned error: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Scheme != "ws" || u.Host != "hub.internal:9000" {
		t.Fatalf("expected the supplied scheme/host to be honored, got %q", raw)
	}
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != backoffMax {
		t.Fatalf("expected backoff to cap at %v, got %v", backoffMax, d)
	}
}

func TestNextBackoffDoublesEachStep(t *testing.T) {
	got := nextBackoff(1 * time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected backoff to double from 1s to 2s, got %v", got)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 50; i++ {
		j := jitter(d)
		lower := time.Duration(float64(d) * (1 - jitterFraction))
		upper := time.Duration(float64(d) * (1 + jitterFraction))
		if j < lower || j > upper {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v]", d, j, lower, upper)
		}
	}
}

func TestLoadStateMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	s, err := loadState(dir)
	if err != nil {
		t.Fatalf("loadState returned error for a missing file: %v", err)
	}
	if s.NodeID != "" {
		t.Fatalf("expected zero-value state, got %+v", s)
	}
}

func TestSaveStateThenLoadStateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	if err := saveState(dir, agentState{NodeID: "abc-123"}); err != nil {
		t.Fatalf("saveState returned error: %v", err)
	}
	s, err := loadState(dir)
	if err != nil {
		t.Fatalf("loadState returned error: %v", err)
	}
	if s.NodeID != "abc-123" {
		t.Fatalf("expected node id abc-123, got %q", s.NodeID)
	}
}

func TestSaveStateLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	if err := saveState(dir, agentState{NodeID: "abc-123"}); err != nil {
		t.Fatalf("saveState returned error: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "agent-state.*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp files, found %v", matches)
	}
}

func TestLoadStateRejectsCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	path := stateFilePath(dir)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadState(dir); err == nil {
		t.Fatalf("expected error for a corrupted state file")
	}
}
