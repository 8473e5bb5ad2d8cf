// Package events implements the run events / progress bus (C15): an
// append-only, strictly-sequenced per-run event log, plus throttled
// progress snapshots.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one row of runs_events / run_events.
type Event struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Level   Level           `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// Store persists events with a transactionally-assigned, gapless seq per
// run_id. Implemented by the hub's repository layer.
type Store interface {
	AppendEvent(ctx context.Context, runID string, level Level, kind, message string, fields json.RawMessage) error
}

// Progress is the distinguished "progress" event kind's payload shape.
type Progress struct {
	V       int            `json:"v"`
	Kind    string         `json:"kind"` // backup|restore|verify
	Stage   string         `json:"stage"`
	TS      time.Time      `json:"ts"`
	Done    ProgressCounts `json:"done"`
	Total   *ProgressCounts `json:"total,omitempty"`
	RateBPS *float64       `json:"rate_bps,omitempty"`
	ETASecs *float64       `json:"eta_seconds,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

type ProgressCounts struct {
	Files int64 `json:"files"`
	Dirs  int64 `json:"dirs"`
	Bytes int64 `json:"bytes"`
}

// Bus appends events for one run and throttles progress emission: at most
// one packaging snapshot per second, and upload snapshots whenever the
// cumulative byte delta is non-zero and either the stream finished or a
// second has elapsed.
type Bus struct {
	store Store
	runID string

	mu           sync.Mutex
	lastPackage  time.Time
	lastUpload   time.Time
	lastUploaded int64
}

func NewBus(store Store, runID string) *Bus {
	return &Bus{store: store, runID: runID}
}

// Emit appends a plain event immediately (never throttled — spec requires
// events to never be dropped, only progress may be).
func (b *Bus) Emit(ctx context.Context, level Level, kind, message string, fields json.RawMessage) error {
	if err := b.store.AppendEvent(ctx, b.runID, level, kind, message, fields); err != nil {
		return fmt.Errorf("events: append %s/%s: %w", b.runID, kind, err)
	}
	return nil
}

// EmitPackagingProgress throttles to at most one emission per second.
func (b *Bus) EmitPackagingProgress(ctx context.Context, p Progress) error {
	b.mu.Lock()
	now := time.Now()
	if !b.lastPackage.IsZero() && now.Sub(b.lastPackage) < time.Second {
		b.mu.Unlock()
		return nil
	}
	b.lastPackage = now
	b.mu.Unlock()

	return b.emitProgress(ctx, p)
}

// EmitUploadProgress emits whenever cumulativeBytes has grown since the
// last emission AND either finished is true or a second has elapsed.
func (b *Bus) EmitUploadProgress(ctx context.Context, p Progress, cumulativeBytes int64, finished bool) error {
	b.mu.Lock()
	delta := cumulativeBytes - b.lastUploaded
	elapsed := b.lastUpload.IsZero() || time.Since(b.lastUpload) >= time.Second
	if delta == 0 || (!finished && !elapsed) {
		b.mu.Unlock()
		return nil
	}
	b.lastUploaded = cumulativeBytes
	b.lastUpload = time.Now()
	b.mu.Unlock()

	return b.emitProgress(ctx, p)
}

func (b *Bus) emitProgress(ctx context.Context, p Progress) error {
	p.V = 1
	p.TS = time.Now().UTC()
	fields, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("events: marshal progress: %w", err)
	}
	return b.Emit(ctx, LevelInfo, "progress", "", fields)
}
