// Package wire defines the JSON message shapes exchanged between a hub and
// an agent over the persistent websocket stream (§6.3). It is the one place
// both processes import so the envelope and payload shapes can never drift
// out of sync across the module boundary.
package wire

import (
	"encoding/json"
	"time"

	"github.com/bastion-backup/bastion/engine/model"
	"github.com/bastion-backup/bastion/shared/types"
)

// ProtocolVersion is the only message envelope version this system speaks.
const ProtocolVersion = 1

// MessageType identifies the kind of payload carried by an Envelope.
type MessageType string

const (
	MsgTask           MessageType = "task"            // hub -> agent
	MsgAck            MessageType = "ack"              // agent -> hub
	MsgTaskResult     MessageType = "task_result"      // agent -> hub
	MsgRunEvent       MessageType = "run_event"        // agent -> hub
	MsgConfigSnapshot MessageType = "config_snapshot"  // hub -> agent
	MsgConfigAck      MessageType = "config_ack"       // agent -> hub
	MsgFSList         MessageType = "fs_list"          // hub -> agent
	MsgFSListResult   MessageType = "fs_list_result"   // agent -> hub
)

// Envelope wraps every frame exchanged over the connection. Payload is
// re-marshaled into the concrete type named by Type.
type Envelope struct {
	V       int             `json:"v"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a typed payload into an Envelope ready for
// gorilla/websocket's WriteJSON.
func Encode(t MessageType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{V: ProtocolVersion, Type: t, Payload: raw}, nil
}

// JobSpec is the resolved, self-contained description of a job's packaging
// and retention configuration, embedded in a Task so the agent needs no
// further round-trip to the hub to execute it.
type JobSpec struct {
	JobID             string                  `json:"job_id"`
	Sources           []types.Source          `json:"sources"`
	Pipeline          model.PipelineConfig    `json:"pipeline"`
	DestinationType   types.DestinationType   `json:"destination_type"`
	DestinationConfig json.RawMessage         `json:"destination_config"`
	SnapshotMode      types.SnapshotMode      `json:"snapshot_mode"`
	ConsistencyPolicy types.ConsistencyPolicy `json:"consistency_policy"`
}

// Task is sent hub -> agent to assign one run (§6.3).
type Task struct {
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
	Spec      JobSpec   `json:"spec"`
}

// Ack is sent agent -> hub immediately on receipt of a Task, before
// execution begins.
type Ack struct {
	TaskID string `json:"task_id"`
}

// TaskResult is sent agent -> hub on completion (success or failure). The
// executor also records the outcome in its engine/journal entry, and the
// agent resends journaled results on its next reconnect. The hub sends no
// acknowledgement of a TaskResult.
type TaskResult struct {
	TaskID  string          `json:"task_id"`
	RunID   string          `json:"run_id"`
	Status  string          `json:"status"` // completed | failed | rejected
	Summary json.RawMessage `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RunEvent mirrors engine/events.Event, sent agent -> hub as each event is
// emitted so the hub can append it to run_events in near-real-time.
type RunEvent struct {
	RunID   string          `json:"run_id"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// ConfigSnapshot is sent hub -> agent to push the full set of jobs assigned
// to a node (§4.19 managed-config). SnapshotID is a monotonically
// increasing version the agent persists and compares via
// engine/managedconfig.NeedsRefresh.
type ConfigSnapshot struct {
	NodeID     string          `json:"node_id"`
	SnapshotID int64           `json:"snapshot_id"`
	Jobs       json.RawMessage `json:"jobs"`
}

// ConfigAck is sent agent -> hub once a ConfigSnapshot has been persisted
// locally and applied.
type ConfigAck struct {
	SnapshotID int64 `json:"snapshot_id"`
}

// ManagedJob is one entry of a ConfigSnapshot's Jobs array: everything the
// agent's offline scheduler (§4.19) needs to recognize a job's schedule and
// execute it without contacting the hub.
type ManagedJob struct {
	JobID         string `json:"job_id"`
	Schedule      string `json:"schedule"`
	OverlapPolicy string `json:"overlap_policy"` // "reject" | "allow"
	Spec          JobSpec `json:"spec"`
}

// FSList is sent hub -> agent to browse a node's filesystem when
// configuring a new filesystem source.
type FSList struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

// FSEntry is one child returned by an FSList request.
type FSEntry struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // dir | file
	Size *int64 `json:"size,omitempty"`
}

// FSListResult is sent agent -> hub in response to an FSList.
type FSListResult struct {
	RequestID string    `json:"request_id"`
	Entries   []FSEntry `json:"entries,omitempty"`
	Error     string    `json:"error,omitempty"`
}
