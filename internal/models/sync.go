package models

import "time"

// SyncStatus is the process-wide state of the sync engine.
type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// ChangeKind describes what a pending change does to a path.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// ChangeOrigin identifies the writer that produced a change.
type ChangeOrigin string

const (
	OriginEditor   ChangeOrigin = "editor"
	OriginRuntime  ChangeOrigin = "runtime"
	OriginFileTree ChangeOrigin = "file_tree"
	OriginAgent    ChangeOrigin = "agent"
)

// ConflictResolution is the user's decision for a detected conflict.
type ConflictResolution string

const (
	ResolveKeepLocal ConflictResolution = "keep_local"
	ResolveUseRemote ConflictResolution = "use_remote"
	ResolveMerge     ConflictResolution = "merge"
)

// Valid reports whether r is one of the known resolutions.
func (r ConflictResolution) Valid() bool {
	switch r {
	case ResolveKeepLocal, ResolveUseRemote, ResolveMerge:
		return true
	}
	return false
}

// FileMetadata tracks the last agreed state of a file between the editor and the runtime.
type FileMetadata struct {
	Path           string    `json:"path"`
	ContentHash    string    `json:"contentHash"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	LastSyncedAt   time.Time `json:"lastSyncedAt"`
}

// PendingChange is a change waiting to be flushed to the runtime. At most one exists per path.
type PendingChange struct {
	Path        string       `json:"path"`
	Kind        ChangeKind   `json:"kind"`
	Timestamp   time.Time    `json:"timestamp"`
	Origin      ChangeOrigin `json:"origin"`
	Content     string       `json:"content,omitempty"`
	ContentHash string       `json:"contentHash,omitempty"`
}

// FileConflict records a three-way divergence for a path.
type FileConflict struct {
	Path            string    `json:"path"`
	LocalContent    string    `json:"localContent"`
	RemoteContent   string    `json:"remoteContent"`
	LocalTimestamp  time.Time `json:"localTimestamp"`
	RemoteTimestamp time.Time `json:"remoteTimestamp"`
	DetectedAt      time.Time `json:"detectedAt"`
}
