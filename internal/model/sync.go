package model

import "time"

// RunResult is the outcome recorded for a sync run.
type RunResult string

const (
	RunOK      RunResult = "ok"
	RunPartial RunResult = "partial"
	RunError   RunResult = "error"
)

// RunKind distinguishes outbound batches from inbound imports in the log.
type RunKind string

const (
	RunOutbound RunKind = "outbound"
	RunInbound  RunKind = "inbound"
)

// ImportMode records how an inbound run listed remote changes.
type ImportMode string

const (
	ModeIncremental ImportMode = "incremental"
	ModeFull        ImportMode = "full"
	// ModeResync is a full listing forced by an expired cursor.
	ModeResync ImportMode = "resync"
)

// SyncState is the single process-wide row tracking inbound sync progress.
type SyncState struct {
	Cursor          string    `json:"cursor"`
	LastRunAt       time.Time `json:"lastRunAt"`
	LastResult      RunResult `json:"lastResult"`
	LastError       string    `json:"lastError,omitempty"`
	ImportedCounter int64     `json:"importedCounter"`
}

// SyncLogEntry records one sync run. Entries are append-only.
type SyncLogEntry struct {
	ID         string     `json:"id"`
	Kind       RunKind    `json:"kind"`
	Mode       ImportMode `json:"mode,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Status     RunResult  `json:"status"`
	Inserted   int        `json:"inserted"`
	Updated    int        `json:"updated"`
	Deleted    int        `json:"deleted"`
	Error      string     `json:"error,omitempty"`
}
