// Package model holds the on-disk artifact shapes shared by every stage of
// the packaging and restore pipelines: the manifest, the entry record, and
// the completion sentinel. Keeping them in one leaf package avoids import
// cycles between the writers (partwriter, entryindex, tarpkg) and the
// readers (restore, entrieslist) that all need the same shapes.
package model

import "time"

// FormatVersion is the only manifest format version this engine writes or
// accepts. Readers MUST reject anything else.
const FormatVersion = 1

const (
	FormatArchiveV1  = "archive_v1"
	FormatRawTreeV1  = "raw_tree_v1"
	TarPax           = "pax"
	TarNone          = "none"
	CompressionZstd  = "zstd"
	CompressionNone  = "none"
	EncryptionNone   = "none"
	EncryptionAge    = "age"
	HashAlgBlake3    = "blake3"
	SentinelFilename = "complete.json"
	ManifestFilename = "manifest.json"
	EntryIndexName   = "entries_index.jsonl.zst"
)

// EntryKind enumerates the three kinds of entry an archive or raw tree can
// describe.
const (
	KindFile    = "file"
	KindDir     = "dir"
	KindSymlink = "symlink"
)

// PipelineConfig mirrors manifest.json's "pipeline" object.
type PipelineConfig struct {
	Format        string  `json:"format"`
	Tar           string  `json:"tar"`
	Compression   string  `json:"compression"`
	Encryption    string  `json:"encryption"`
	EncryptionKey *string `json:"encryption_key,omitempty"`
	SplitBytes    uint64  `json:"split_bytes"`
}

// ArtifactRef describes one sealed part file, in manifest "artifacts" order.
type ArtifactRef struct {
	Name    string `json:"name"`
	Size    uint64 `json:"size"`
	HashAlg string `json:"hash_alg"`
	Hash    string `json:"hash"`
}

// EntryIndexRef describes the entry index file alongside its record count.
type EntryIndexRef struct {
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

// Manifest is the full contents of manifest.json.
type Manifest struct {
	FormatVersion int            `json:"format_version"`
	JobID         string         `json:"job_id"`
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at"`
	Pipeline      PipelineConfig `json:"pipeline"`
	Artifacts     []ArtifactRef  `json:"artifacts"`
	EntryIndex    EntryIndexRef  `json:"entry_index"`
}

// EntryRecord is one line of entries_index.jsonl.zst.
type EntryRecord struct {
	Path          string            `json:"path"`
	Kind          string            `json:"kind"`
	Size          uint64            `json:"size"`
	HashAlg       *string           `json:"hash_alg,omitempty"`
	Hash          *string           `json:"hash,omitempty"`
	Mtime         *time.Time        `json:"mtime,omitempty"`
	Mode          *uint32           `json:"mode,omitempty"`
	UID           *uint32           `json:"uid,omitempty"`
	GID           *uint32           `json:"gid,omitempty"`
	Xattrs        map[string]string `json:"xattrs,omitempty"` // value is base64
	SymlinkTarget *string           `json:"symlink_target,omitempty"`
	HardlinkGroup *string           `json:"hardlink_group,omitempty"`
}

// Sentinel is the contents of complete.json: an empty object. Its presence,
// not its content, is the commit marker.
type Sentinel struct{}
