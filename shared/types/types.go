// Package types defines shared domain types used by both the hub and agent.
package types

import "time"

// ─── Node ────────────────────────────────────────────────────────────────────

// NodeStatus represents the current connection state of an agent node.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
	NodeStatusError   NodeStatus = "error"
)

// ─── Run ─────────────────────────────────────────────────────────────────────

// RunStatus represents the current execution state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusMissed    RunStatus = "missed"
	RunStatusRejected  RunStatus = "rejected"
)

// RunKind represents the kind of operation a run performs.
type RunKind string

const (
	RunKindBackup  RunKind = "backup"
	RunKindRestore RunKind = "restore"
	RunKindVerify  RunKind = "verify"
)

// RunTrigger indicates how a run was initiated.
type RunTrigger string

const (
	RunTriggerScheduler RunTrigger = "scheduler"
	RunTriggerManual    RunTrigger = "manual"
	RunTriggerOffline   RunTrigger = "offline" // executed_offline: picked up from the local cron table while disconnected
)

// ─── Artifact format & pipeline ──────────────────────────────────────────────

// ArtifactFormat identifies how a run's artifact set is laid out on the
// target (§3).
type ArtifactFormat string

const (
	ArtifactFormatArchiveV1 ArtifactFormat = "archive_v1"
	ArtifactFormatRawTreeV1 ArtifactFormat = "raw_tree_v1"
)

// ArtifactStatus represents the lifecycle state of an artifact set on its
// target (§6.4 run_artifacts.status).
type ArtifactStatus string

const (
	ArtifactStatusPending  ArtifactStatus = "pending"
	ArtifactStatusPresent  ArtifactStatus = "present"
	ArtifactStatusDeleting ArtifactStatus = "deleting"
	ArtifactStatusDeleted  ArtifactStatus = "deleted"
	ArtifactStatusMissing  ArtifactStatus = "missing"
)

// CompressionKind identifies the compression stage of the packaging
// pipeline.
type CompressionKind string

const (
	CompressionZstd CompressionKind = "zstd"
	CompressionNone CompressionKind = "none"
)

// EncryptionKind identifies the encryption stage of the packaging pipeline.
type EncryptionKind string

const (
	EncryptionAge  EncryptionKind = "age"
	EncryptionNone EncryptionKind = "none"
)

// SnapshotMode controls whether a source is packaged from a point-in-time
// snapshot (§C8) rather than read live.
type SnapshotMode string

const (
	SnapshotModeOff      SnapshotMode = "off"
	SnapshotModeAuto     SnapshotMode = "auto"
	SnapshotModeRequired SnapshotMode = "required"
)

// ConsistencyPolicy controls how a job reacts when the source consistency
// tracker (C10) detects the source changed mid-package (§C18).
type ConsistencyPolicy string

const (
	ConsistencyPolicyWarn   ConsistencyPolicy = "warn"
	ConsistencyPolicyFail   ConsistencyPolicy = "fail"
	ConsistencyPolicyIgnore ConsistencyPolicy = "ignore"
)

// OverlapPolicy controls what the agent's offline scheduler (C19) does when
// a job's schedule comes due while a previous run of the same job is still
// executing (§4.14 point 4).
type OverlapPolicy string

const (
	// OverlapPolicyAllow lets the new run proceed alongside the one still
	// in flight.
	OverlapPolicyAllow OverlapPolicy = "allow"
	// OverlapPolicyReject suppresses the new run; the offline scheduler
	// journals it as a rejected run instead of executing it.
	OverlapPolicyReject OverlapPolicy = "reject"
)

// ─── Destination ─────────────────────────────────────────────────────────────

// DestinationType represents the storage backend for a backup destination.
// Bastion targets a small, pluggable set of blob backends (§4.9) — no
// S3/SFTP/rclone fan-out.
type DestinationType string

const (
	DestinationTypeLocal  DestinationType = "local"
	DestinationTypeWebDAV DestinationType = "webdav"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// SourceType identifies the kind of data being backed up. Bastion packages
// from a heterogeneous set of source kinds rather than container volumes.
type SourceType string

const (
	SourceTypeFilesystem  SourceType = "filesystem"
	SourceTypeSQLite      SourceType = "sqlite"
	SourceTypeVaultwarden SourceType = "vaultwarden"
)

// Source defines a backup source on the agent machine.
type Source struct {
	Type    SourceType `json:"type"`
	Path    string     `json:"path"`
	Label   string      `json:"label,omitempty"`
	Include []string    `json:"include,omitempty"`
	Exclude []string    `json:"exclude,omitempty"`
}

// ─── Retention ───────────────────────────────────────────────────────────────

// RetentionPolicy defines how many artifact sets to keep over time (§4.12).
// Matched exactly to engine/retention.Policy's field set.
type RetentionPolicy struct {
	Enabled          bool `json:"enabled"`
	KeepLast         int  `json:"keep_last,omitempty"`
	KeepDays         int  `json:"keep_days,omitempty"`
	MaxDeletePerTick int  `json:"max_delete_per_tick,omitempty"`
	MaxDeletePerDay  int  `json:"max_delete_per_day,omitempty"`
}

// ─── Hooks ───────────────────────────────────────────────────────────────────

// Hook defines a script to run before or after a job.
type Hook struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	TimeoutSecs int      `json:"timeout_secs,omitempty"`
}

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}

// ─── Time ────────────────────────────────────────────────────────────────────

// TimeRange defines an inclusive time interval for filtering queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
