package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Nodes (agents)
// -----------------------------------------------------------------------------

// Node represents a registered agent running on a remote machine. Agents
// connect over a persistent websocket stream (pull pattern) and do not
// expose any ports; RegistrationToken is used only during enrollment and
// cleared after.
type Node struct {
	softDelete
	Name              string `gorm:"not null"`
	Hostname          string `gorm:"not null"`
	OS                string `gorm:"not null;default:''"`
	Arch              string `gorm:"not null;default:''"`
	Version           string `gorm:"not null;default:''"`
	Status            string `gorm:"not null;default:'offline'"` // online, offline, error
	LastSeenAt        *time.Time
	RegistrationToken string `gorm:"default:''"`
	ManagedConfigSeq  int64  `gorm:"not null;default:0"` // version last pushed as config_snapshot
	AckedConfigSeq    int64  `gorm:"not null;default:0"` // version the agent last config_ack'd
}

// -----------------------------------------------------------------------------
// Destinations
// -----------------------------------------------------------------------------

// Destination represents a pluggable blob target (§4.9): local directory or
// WebDAV. Credentials are encrypted at rest via EncryptedString.
type Destination struct {
	base
	Name        string          `gorm:"not null"`
	Type        string          `gorm:"not null"` // "local" or "webdav"
	BaseDir     string          `gorm:"default:''"` // local backend
	BaseURL     string          `gorm:"default:''"` // webdav backend
	Credentials EncryptedString `gorm:"type:text"`   // JSON {username,password}, encrypted
	Enabled     bool            `gorm:"not null;default:true"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is a scheduled backup definition: which node runs it, what sources it
// packages, which destination it targets, and its retention policy (§4.12).
// Sources is a JSON array of {type: filesystem|sqlite|vaultwarden, path,
// include[], exclude[]}.
type Job struct {
	softDelete
	Name             string `gorm:"not null"`
	NodeID           uuid.UUID `gorm:"type:text;not null;index"`
	DestinationID    uuid.UUID `gorm:"type:text;not null;index"`
	Schedule         string    `gorm:"not null"` // cron expression
	Enabled          bool      `gorm:"not null;default:true"`
	Sources          string    `gorm:"type:text;not null;default:'[]'"`
	Format           string    `gorm:"not null;default:'archive_v1'"` // archive_v1 | raw_tree_v1
	Encryption       string    `gorm:"not null;default:'none'"`       // none | age
	EncryptionKeyName string   `gorm:"default:''"`
	SplitBytes       int64     `gorm:"not null;default:536870912"` // 512 MiB
	SnapshotMode     string    `gorm:"not null;default:'off'"`     // off | auto | required
	ConsistencyPolicy string   `gorm:"not null;default:'warn'"`    // warn | fail | ignore
	OverlapPolicy    string    `gorm:"not null;default:'reject'"`  // reject | allow — offline scheduler's overlap handling (§4.14)

	RetentionEnabled         bool `gorm:"not null;default:true"`
	RetentionKeepLast        int  `gorm:"not null;default:7"`
	RetentionKeepDays        int  `gorm:"not null;default:0"`
	RetentionMaxDeletePerTick int `gorm:"not null;default:50"`
	RetentionMaxDeletePerDay  int `gorm:"not null;default:200"`

	LastRunAt *time.Time
	NextRunAt *time.Time
}

// -----------------------------------------------------------------------------
// Runs (§6.4 runs, run_events)
// -----------------------------------------------------------------------------

// Run is one execution of a Job — backup, restore, or verify.
type Run struct {
	ID          uuid.UUID  `gorm:"type:text;primaryKey"`
	JobID       uuid.UUID  `gorm:"type:text;not null;index"`
	Kind        string     `gorm:"not null;default:'backup'"` // backup | restore | verify
	Status      string     `gorm:"not null;default:'running'"`
	StartedAt   time.Time  `gorm:"not null"`
	EndedAt     *time.Time
	ProgressJSON string    `gorm:"type:text;default:''"`
	SummaryJSON  string    `gorm:"type:text;default:''"`
	Error        string    `gorm:"type:text;default:''"`
}

// RunEvent is one row of run_events; (run_id, seq) is unique and seq is
// assigned under a transaction so gaps never occur (§4.15, §6.4).
type RunEvent struct {
	RunID      uuid.UUID `gorm:"type:text;primaryKey;not null"`
	Seq        int64     `gorm:"primaryKey;not null"`
	TS         time.Time `gorm:"not null"`
	Level      string    `gorm:"not null"`
	Kind       string    `gorm:"not null"`
	Message    string    `gorm:"type:text;default:''"`
	FieldsJSON string    `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Run artifacts & delete tasks (§6.4)
// -----------------------------------------------------------------------------

// RunArtifact is one artifact set produced by a Run: what target it lives
// on, its lifecycle status, and the source-side totals captured during
// packaging.
type RunArtifact struct {
	RunID              uuid.UUID `gorm:"type:text;primaryKey"`
	JobID              uuid.UUID `gorm:"type:text;not null;index"`
	NodeID             uuid.UUID `gorm:"type:text;not null;index"`
	TargetType         string    `gorm:"not null"`
	TargetSnapshotJSON string    `gorm:"type:text;default:''"`
	ArtifactFormat     string    `gorm:"not null"` // archive_v1 | raw_tree_v1
	Status             string    `gorm:"not null;default:'pending'"` // pending, present, deleting, deleted, missing
	StartedAt          time.Time `gorm:"not null"`
	EndedAt            *time.Time
	PinnedAt           *time.Time
	SourceFiles        int64  `gorm:"not null;default:0"`
	SourceDirs         int64  `gorm:"not null;default:0"`
	SourceBytes        int64  `gorm:"not null;default:0"`
	TransferBytes      int64  `gorm:"not null;default:0"`
	LastError          string `gorm:"type:text;default:''"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// ArtifactDeleteTask backs deletetask.Store (C13): a durable retry queue of
// pending artifact deletions.
type ArtifactDeleteTask struct {
	RunID              uuid.UUID `gorm:"type:text;primaryKey"`
	JobID              uuid.UUID `gorm:"type:text;not null;index"`
	NodeID             uuid.UUID `gorm:"type:text;not null"`
	TargetType         string    `gorm:"not null"`
	TargetSnapshotJSON string    `gorm:"type:text;default:''"`
	Status             string    `gorm:"not null;default:'queued'"` // queued, running, failed, ignored, done
	Attempts           int       `gorm:"not null;default:0"`
	NextAttemptAt      time.Time `gorm:"not null;index"`
	LastError          string    `gorm:"type:text;default:''"`
	IgnoredAt          *time.Time
}

// ArtifactDeleteEvent is one row of artifact_delete_events.
type ArtifactDeleteEvent struct {
	RunID      uuid.UUID `gorm:"type:text;primaryKey;not null"`
	Seq        int64     `gorm:"primaryKey;not null"`
	TS         time.Time `gorm:"not null"`
	Level      string    `gorm:"not null"`
	Kind       string    `gorm:"not null"`
	Message    string    `gorm:"type:text;default:''"`
	FieldsJSON string    `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry (e.g. the managed-
// config encryption key name, default retention, target secret material).
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
