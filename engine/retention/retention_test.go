package retention

import (
	"testing"
	"time"
)

func snap(runID string, daysAgo int, pinned bool) Snapshot {
	return Snapshot{RunID: runID, EndedAt: time.Now().Add(-time.Duration(daysAgo) * 24 * time.Hour), Pinned: pinned}
}

func TestSelectDisabledKeepsEverything(t *testing.T) {
	snaps := []Snapshot{snap("r1", 0, false), snap("r2", 100, false)}
	keep, del := Select(Policy{Enabled: false}, time.Now(), snaps)
	if len(keep) != 2 || len(del) != 0 {
		t.Fatalf("expected a disabled policy to keep everything, got keep=%d del=%d", len(keep), len(del))
	}
}

func TestSelectKeepsPinnedRegardlessOfAge(t *testing.T) {
	snaps := []Snapshot{snap("r1", 1000, true)}
	keep, del := Select(Policy{Enabled: true, KeepLast: 0, KeepDays: 0}, time.Now(), snaps)
	if len(keep) != 1 || len(del) != 0 {
		t.Fatalf("expected a pinned snapshot to be kept, got keep=%d del=%d", len(keep), len(del))
	}
	if keep[0].Reasons[0] != "pinned" {
		t.Fatalf("expected the pinned reason to be recorded, got %v", keep[0].Reasons)
	}
}

func TestSelectKeepLastMostRecentN(t *testing.T) {
	snaps := []Snapshot{snap("r1", 0, false), snap("r2", 1, false), snap("r3", 2, false)}
	keep, del := Select(Policy{Enabled: true, KeepLast: 2}, time.Now(), snaps)
	if len(keep) != 2 || len(del) != 1 {
		t.Fatalf("expected keep=2 del=1, got keep=%d del=%d", len(keep), len(del))
	}
	if del[0].Snapshot.RunID != "r3" {
		t.Fatalf("expected the oldest snapshot r3 to be expired, got %q", del[0].Snapshot.RunID)
	}
}

func TestSelectKeepDaysRetainsRecentEvenPastKeepLast(t *testing.T) {
	snaps := []Snapshot{snap("r1", 0, false), snap("r2", 1, false), snap("r3", 2, false)}
	keep, del := Select(Policy{Enabled: true, KeepLast: 1, KeepDays: 3}, time.Now(), snaps)
	if len(del) != 0 {
		t.Fatalf("expected keep_days=3 to retain all snapshots within 3 days, got del=%+v", del)
	}
	if len(keep) != 3 {
		t.Fatalf("expected all 3 snapshots kept, got %d", len(keep))
	}
}

func TestSelectExpiresOldSnapshotsBeyondAllRules(t *testing.T) {
	snaps := []Snapshot{snap("r1", 0, false), snap("r2", 100, false)}
	_, del := Select(Policy{Enabled: true, KeepLast: 1, KeepDays: 1}, time.Now(), snaps)
	if len(del) != 1 || del[0].Snapshot.RunID != "r2" {
		t.Fatalf("expected r2 to be expired, got %+v", del)
	}
	if del[0].Reasons[0] != "expired" {
		t.Fatalf("expected the expired reason to be recorded, got %v", del[0].Reasons)
	}
}

func TestClampBoundsByTickAndDayLimits(t *testing.T) {
	del := []Selected{{Snapshot: Snapshot{RunID: "a"}}, {Snapshot: Snapshot{RunID: "b"}}, {Snapshot: Snapshot{RunID: "c"}}}

	got := Clamp(del, 2, 10, 0)
	if len(got) != 2 {
		t.Fatalf("expected max-per-tick=2 to clamp to 2, got %d", len(got))
	}

	got = Clamp(del, 10, 5, 4)
	if len(got) != 1 {
		t.Fatalf("expected remaining daily budget of 1 to clamp to 1, got %d", len(got))
	}

	got = Clamp(del, 10, 5, 10)
	if len(got) != 0 {
		t.Fatalf("expected an exhausted daily budget to clamp to 0, got %d", len(got))
	}

	got = Clamp(del, 10, 10, 0)
	if len(got) != 3 {
		t.Fatalf("expected no clamping when limits exceed the list size, got %d", len(got))
	}
}

func TestClampPrioritizesOldestEndedFirst(t *testing.T) {
	_, del := Select(Policy{Enabled: true, KeepLast: 0}, time.Now(), []Snapshot{
		snap("newest", 1, false),
		snap("middle", 5, false),
		snap("oldest", 10, false),
	})
	if len(del) != 3 {
		t.Fatalf("expected all 3 snapshots expired, got %+v", del)
	}

	got := Clamp(del, 1, 10, 0)
	if len(got) != 1 || got[0].Snapshot.RunID != "oldest" {
		t.Fatalf("expected the oldest-ended snapshot to be prioritized under a tight tick budget, got %+v", got)
	}

	got = Clamp(del, 2, 10, 0)
	if len(got) != 2 || got[0].Snapshot.RunID != "oldest" || got[1].Snapshot.RunID != "middle" {
		t.Fatalf("expected oldest-first order to be preserved when clamping to 2, got %+v", got)
	}
}
