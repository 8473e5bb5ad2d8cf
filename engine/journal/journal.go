// Package journal implements the agent-local offline run journal (C14): a
// durable record of runs executed while disconnected from the hub, later
// ingested by the hub as a single transaction.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is run.json's status field.
type Status string

const (
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
)

// Run is the contents of run.json.
type Run struct {
	V         int             `json:"v"`
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	JobName   string          `json:"job_name"`
	Status    Status          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	Error     *string         `json:"error,omitempty"`
}

// Event is one line of events.jsonl.
type Event struct {
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// Entry is one open offline run directory:
// <data_dir>/agent/offline_runs/<run_id>/.
type Entry struct {
	dir string
	seq int64
}

func dirFor(dataDir, runID string) string {
	return filepath.Join(dataDir, "agent", "offline_runs", runID)
}

// Start creates a new offline run directory and writes the initial
// run.json with status=running.
func Start(dataDir, runID, jobID, jobName string, startedAt time.Time) (*Entry, error) {
	dir := dirFor(dataDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %q: %w", dir, err)
	}
	e := &Entry{dir: dir}
	run := Run{V: 1, ID: runID, JobID: jobID, JobName: jobName, Status: StatusRunning, StartedAt: startedAt}
	if err := e.writeRun(run); err != nil {
		return nil, err
	}
	return e, nil
}

// Open reattaches to an existing offline run directory (e.g. after an
// agent restart mid-run).
func Open(dataDir, runID string) *Entry {
	return &Entry{dir: dirFor(dataDir, runID)}
}

// AppendEvent appends one sequenced event to events.jsonl. seq is assigned
// by the Entry itself: each call through the same Entry value takes the next
// number, starting at 1 (an Entry returned by Open starts counting at 1 again).
func (e *Entry) AppendEvent(level, kind, message string, fields json.RawMessage) error {
	e.seq++
	ev := Event{Seq: e.seq, TS: time.Now().UTC(), Level: level, Kind: kind, Message: message, Fields: fields}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal: marshal event: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(filepath.Join(e.dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("journal: open events.jsonl: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("journal: append event: %w", err)
	}
	return nil
}

// Finish rewrites run.json with a terminal status. summary MUST include
// executed_offline=true; callers build it via Summary below.
func (e *Entry) Finish(status Status, endedAt time.Time, summary json.RawMessage, errMsg *string) error {
	run, err := e.readRun()
	if err != nil {
		return err
	}
	run.Status = status
	run.EndedAt = &endedAt
	run.Summary = summary
	run.Error = errMsg
	return e.writeRun(*run)
}

// Reject writes a single rejected event and finishes the run with
// status=rejected, per §4.14 point 4 (overlap-rejected runs).
func (e *Entry) Reject(now time.Time, reason string) error {
	if err := e.AppendEvent("warn", "rejected", reason, nil); err != nil {
		return err
	}
	return e.Finish(StatusRejected, now, Summary(true, nil), nil)
}

// Summary builds the summary JSON object, always including
// executed_offline per §4.14.
func Summary(executedOffline bool, extra map[string]any) json.RawMessage {
	m := map[string]any{"executed_offline": executedOffline}
	for k, v := range extra {
		m[k] = v
	}
	data, _ := json.Marshal(m)
	return data
}

func (e *Entry) writeRun(run Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal run.json: %w", err)
	}
	tmp := filepath.Join(e.dir, "run.json.tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("journal: write %q: %w", tmp, err)
	}
	return os.Rename(tmp, filepath.Join(e.dir, "run.json"))
}

func (e *Entry) readRun() (*Run, error) {
	data, err := os.ReadFile(filepath.Join(e.dir, "run.json"))
	if err != nil {
		return nil, fmt.Errorf("journal: read run.json: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("journal: unmarshal run.json: %w", err)
	}
	return &run, nil
}

// Ingest reads a finished offline run (run.json + events.jsonl) ready for
// upload to the hub as a single transaction.
func Ingest(dataDir, runID string) (Run, []Event, error) {
	dir := dirFor(dataDir, runID)
	data, err := os.ReadFile(filepath.Join(dir, "run.json"))
	if err != nil {
		return Run{}, nil, fmt.Errorf("journal: read run.json: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return Run{}, nil, fmt.Errorf("journal: unmarshal run.json: %w", err)
	}

	events, err := readEvents(dir)
	if err != nil {
		return Run{}, nil, err
	}
	return run, events, nil
}

func readEvents(dir string) ([]Event, error) {
	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: read events.jsonl: %w", err)
	}

	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("journal: decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Remove deletes the offline run directory. The agent's connection manager
// calls it once a run's replay messages are queued for the hub; no hub
// acknowledgement is awaited before the directory is deleted.
func Remove(dataDir, runID string) error {
	if err := os.RemoveAll(dirFor(dataDir, runID)); err != nil {
		return fmt.Errorf("journal: remove %q: %w", runID, err)
	}
	return nil
}

// JobHasRunningEntry reports whether any offline run directory for jobID
// still has status=running. The offline scheduler uses this as its
// overlap check (§4.14 point 4): the journal, not an in-memory map, is the
// durable record of what's still in flight, so the check survives an
// agent restart mid-run.
func JobHasRunningEntry(dataDir, jobID string) (bool, error) {
	base := filepath.Join(dataDir, "agent", "offline_runs")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("journal: readdir %q: %w", base, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := (&Entry{dir: filepath.Join(base, e.Name())}).readRun()
		if err != nil {
			continue
		}
		if run.JobID == jobID && run.Status == StatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// ListPending returns the run IDs of every completed (non-running) offline
// run still on disk, ready for upload.
func ListPending(dataDir string) ([]string, error) {
	base := filepath.Join(dataDir, "agent", "offline_runs")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: readdir %q: %w", base, err)
	}

	var pending []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := (&Entry{dir: filepath.Join(base, e.Name())}).readRun()
		if err != nil {
			continue
		}
		if run.Status != StatusRunning {
			pending = append(pending, e.Name())
		}
	}
	return pending, nil
}
