// Package retention implements the retention selector (C12): a pure
// function from (policy, now, snapshots) to (keep, delete), with no
// safety-valve clamping — the caller applies per-tick/per-day limits.
package retention

import (
	"sort"
	"time"
)

// Policy is the per-job retention configuration.
type Policy struct {
	Enabled           bool
	KeepLast          int
	KeepDays          int
	MaxDeletePerTick  int
	MaxDeletePerDay   int
}

// Snapshot is one candidate run-artifact.
type Snapshot struct {
	RunID   string
	EndedAt time.Time
	Pinned  bool
}

// Selected pairs a snapshot with the reason(s) it was kept or deleted.
type Selected struct {
	Snapshot Snapshot
	Reasons  []string
}

// Select runs the algorithm from §4.12 exactly: sort by ended_at desc
// (tiebreak run_id desc), pin first, then keep_last, then keep_days;
// everything left is expired.
func Select(policy Policy, now time.Time, snapshots []Snapshot) (keep, del []Selected) {
	if !policy.Enabled {
		keep = make([]Selected, 0, len(snapshots))
		for _, s := range snapshots {
			keep = append(keep, Selected{Snapshot: s})
		}
		return keep, nil
	}

	sorted := make([]Snapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].EndedAt.Equal(sorted[j].EndedAt) {
			return sorted[i].EndedAt.After(sorted[j].EndedAt)
		}
		return sorted[i].RunID > sorted[j].RunID
	})

	reasons := make(map[string][]string, len(sorted))
	kept := make(map[string]bool, len(sorted))

	for _, s := range sorted {
		if s.Pinned {
			reasons[s.RunID] = append(reasons[s.RunID], "pinned")
			kept[s.RunID] = true
		}
	}

	if policy.KeepLast > 0 {
		n := 0
		for _, s := range sorted {
			if kept[s.RunID] {
				continue
			}
			if n >= policy.KeepLast {
				break
			}
			reasons[s.RunID] = append(reasons[s.RunID], "keep_last")
			kept[s.RunID] = true
			n++
		}
	}

	if policy.KeepDays > 0 {
		cutoff := now.Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
		for _, s := range sorted {
			if !s.EndedAt.Before(cutoff) {
				reasons[s.RunID] = append(reasons[s.RunID], "keep_days")
				kept[s.RunID] = true
			}
		}
	}

	for _, s := range sorted {
		sel := Selected{Snapshot: s, Reasons: reasons[s.RunID]}
		if kept[s.RunID] {
			keep = append(keep, sel)
		} else {
			sel.Reasons = []string{"expired"}
			del = append(del, sel)
		}
	}
	return keep, del
}

// Clamp bounds the delete list to min(maxPerTick, maxPerDay-alreadyQueuedToday),
// prioritizing the oldest-ended entries for deletion. Select returns del in
// newest-ended-first order, so Clamp reverses it before truncating — under a
// tight budget the longest-overdue snapshots are queued first, and the
// recently-expired ones wait for a later tick rather than being starved.
func Clamp(del []Selected, maxPerTick, maxPerDay, alreadyQueuedToday int) []Selected {
	limit := maxPerTick
	remainingToday := maxPerDay - alreadyQueuedToday
	if remainingToday < limit {
		limit = remainingToday
	}
	if limit < 0 {
		limit = 0
	}
	if limit >= len(del) {
		return del
	}

	oldestFirst := make([]Selected, len(del))
	for i, s := range del {
		oldestFirst[len(del)-1-i] = s
	}
	return oldestFirst[:limit]
}
