// Package reader provides the read-side data access layer for the trackd CLI.
//
// This package isolates all read operations from runtime internals: it
// opens run logs without taking the writer's lock, folds them into a
// fresh aggregator and never repairs or truncates anything.
package reader

import (
	"time"

	"github.com/pithecene-io/trackd/types"
)

// Run states reported by list and stats.
const (
	StateActive   = "active"
	StateStopping = "stopping"
	StateSealed   = "sealed"
	StateCorrupt  = "corrupt"
)

// InspectRunResponse describes one run log.
type InspectRunResponse struct {
	RunID       string     `json:"run_id"`
	Project     string     `json:"project,omitempty"`
	Entity      string     `json:"entity,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LogPath     string     `json:"log_path"`
	State       string     `json:"state"`
	DeferState  string     `json:"defer_state"`
	ExitCode    *int32     `json:"exit_code"`
	Runtime     float64    `json:"runtime_seconds"`

	Entries        int64            `json:"entries"`
	LastSeq        int64            `json:"last_seq"`
	SizeBytes      int64            `json:"size_bytes"`
	TrailingBytes  int64            `json:"trailing_bytes"`
	CorruptAt      *int64           `json:"corrupt_at,omitempty"`
	RecordsByType  map[string]int64 `json:"records_by_type"`
	HistoryStep    int64            `json:"history_step"`
	HistoryRows    int64            `json:"history_rows"`
	StatsSamples   int64            `json:"stats_samples"`
	Files          int              `json:"files"`
	Summary        map[string]any   `json:"summary"`
	Config         map[string]any   `json:"config"`
	ReplayWarnings []string         `json:"replay_warnings,omitempty"`
}

// RecordItem is one committed log entry.
type RecordItem struct {
	Offset  int64  `json:"offset"`
	End     int64  `json:"end"`
	Seq     int64  `json:"seq"`
	UUID    string `json:"uuid"`
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// RecordsOptions filters Records.
type RecordsOptions struct {
	// Types keeps only the listed record types. Empty keeps all.
	Types []types.RecordType
	// FromSeq skips records below this sequence number.
	FromSeq int64
	// Limit caps the result. Zero means no cap.
	Limit int
}

// ListRunItem is one row of list runs.
type ListRunItem struct {
	RunID      string    `json:"run_id"`
	Project    string    `json:"project,omitempty"`
	State      string    `json:"state"`
	DeferState string    `json:"defer_state"`
	LastSeq    int64     `json:"last_seq"`
	Entries    int64     `json:"entries"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
	LogPath    string    `json:"log_path"`
}

// ListRunsOptions filters ListRuns.
type ListRunsOptions struct {
	State string
	Limit int
}

// RunStats aggregates the logs of a run directory.
type RunStats struct {
	Total    int   `json:"total"`
	Active   int   `json:"active"`
	Stopping int   `json:"stopping"`
	Sealed   int   `json:"sealed"`
	Corrupt  int   `json:"corrupt"`
	Entries  int64 `json:"entries"`
	Bytes    int64 `json:"bytes"`
}

// ReplayReport is the result of VerifyReplay.
type ReplayReport struct {
	LogPath       string   `json:"log_path"`
	Entries       int64    `json:"entries"`
	LastSeq       int64    `json:"last_seq"`
	Sealed        bool     `json:"sealed"`
	TrailingBytes int64    `json:"trailing_bytes"`
	CorruptAt     *int64   `json:"corrupt_at,omitempty"`
	Deterministic bool     `json:"deterministic"`
	Problems      []string `json:"problems,omitempty"`
	// Remote is set when stored segments were compared.
	Remote *RemoteCheck `json:"remote,omitempty"`
}

// OK reports whether the log replays cleanly.
func (r *ReplayReport) OK() bool {
	return r.Deterministic && r.CorruptAt == nil && len(r.Problems) == 0
}

// RemoteCheck compares stored segments with the local log.
type RemoteCheck struct {
	Segments  int      `json:"segments"`
	Records   int64    `json:"records"`
	SyncedTo  int64    `json:"synced_to"`
	Gaps      []string `json:"gaps,omitempty"`
	Mismatch  []string `json:"mismatch,omitempty"`
	Unsynced  int64    `json:"unsynced_records"`
	Available bool     `json:"available"`
}

// IPCDebugResponse summarizes a captured client frame stream.
type IPCDebugResponse struct {
	Transport     string           `json:"transport"`
	Encoding      string           `json:"encoding"`
	Frames        int64            `json:"frames"`
	Bytes         int64            `json:"bytes"`
	Errors        int64            `json:"errors"`
	LastError     *string          `json:"last_error"`
	RecordsByType map[string]int64 `json:"records_by_type"`
	Records       []RecordItem     `json:"records,omitempty"`
}

// MetricsSnapshot is the metrics block of a run report.
type MetricsSnapshot struct {
	RunID          string `json:"run_id"`
	Policy         string `json:"policy"`
	StorageBackend string `json:"storage_backend"`

	RunsStarted   int64 `json:"runs_started_total"`
	RunsResumed   int64 `json:"runs_resumed_total"`
	RunsFinalized int64 `json:"runs_finalized_total"`

	RecordsReceived  int64            `json:"records_received_total"`
	RecordsPersisted int64            `json:"records_persisted_total"`
	RecordsLocal     int64            `json:"records_local_total"`
	RecordsDuplicate int64            `json:"records_duplicate_total"`
	RecordsRejected  int64            `json:"records_rejected_total"`
	IPCDecodeErrors  int64            `json:"ipc_decode_errors_total"`
	FlowControlWaits int64            `json:"flow_control_waits_total"`
	ShutdownFailures int64            `json:"shutdown_failures_total"`
	RecordsByType    map[string]int64 `json:"records_by_type,omitempty"`

	SyncPersisted    int64 `json:"sync_persisted_total"`
	LodeWriteSuccess int64 `json:"lode_write_success_total"`
	LodeWriteFailure int64 `json:"lode_write_failure_total"`
}
