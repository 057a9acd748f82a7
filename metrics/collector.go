// Package metrics collects per-run counters for the trackd core.
//
// The Collector accumulates counters during a single run. It is a leaf
// package with no internal dependencies. Sync-policy and retry counters
// are absorbed from their owners' stats snapshots rather than recorded
// live, avoiding double-counting.
package metrics

import "sync"

// OperationCounts are lifetime counters for one retry policy class.
type OperationCounts struct {
	Scheduled      int64 `json:"scheduled"`
	Attempts       int64 `json:"attempts"`
	Succeeded      int64 `json:"succeeded"`
	TerminalFailed int64 `json:"terminal_failed"`
}

// Snapshot is an immutable point-in-time view of all metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted   int64 `json:"runs_started_total"`
	RunsResumed   int64 `json:"runs_resumed_total"`
	RunsFinalized int64 `json:"runs_finalized_total"`

	// Ingestion
	RecordsReceived   int64            `json:"records_received_total"`
	RecordsPersisted  int64            `json:"records_persisted_total"`
	RecordsLocal      int64            `json:"records_local_total"`
	RecordsDuplicate  int64            `json:"records_duplicate_total"`
	RecordsRejected   int64            `json:"records_rejected_total"`
	ResultsDelivered  int64            `json:"results_delivered_total"`
	IPCDecodeErrors   int64            `json:"ipc_decode_errors_total"`
	FlowControlWaits  int64            `json:"flow_control_waits_total"`
	RecordsByType     map[string]int64 `json:"records_by_type"`
	ShutdownFailures  int64            `json:"shutdown_failures_total"`
	ShutdownStateTime map[string]int64 `json:"shutdown_state_ms"` // milliseconds per state

	// Sync (absorbed from policy stats)
	SyncRecords   int64            `json:"sync_records_total"`
	SyncPersisted int64            `json:"sync_persisted_total"`
	SyncFlushes   int64            `json:"sync_flushes_total"`
	FlushTriggers map[string]int64 `json:"flush_triggers"`

	// Lode / Storage
	LodeWriteSuccess int64 `json:"lode_write_success_total"`
	LodeWriteFailure int64 `json:"lode_write_failure_total"`

	// Retry (absorbed from the scheduler)
	Operations map[string]OperationCounts `json:"operations"`

	// Dimensions (informational, set at construction)
	Policy         string `json:"policy"`
	StorageBackend string `json:"storage_backend"`
	RunID          string `json:"run_id"`
}

// Collector accumulates metrics during a single run.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	runsStarted   int64
	runsResumed   int64
	runsFinalized int64

	recordsReceived  int64
	recordsPersisted int64
	recordsLocal     int64
	recordsDuplicate int64
	recordsRejected  int64
	resultsDelivered int64
	ipcDecodeErrors  int64
	flowControlWaits int64
	recordsByType    map[string]int64
	shutdownFailures int64
	shutdownMillis   map[string]int64

	syncRecords   int64
	syncPersisted int64
	syncFlushes   int64
	flushTriggers map[string]int64

	lodeWriteSuccess int64
	lodeWriteFailure int64

	operations map[string]OperationCounts

	policy         string
	storageBackend string
	runID          string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(policy, storageBackend, runID string) *Collector {
	return &Collector{
		recordsByType:  make(map[string]int64),
		shutdownMillis: make(map[string]int64),
		policy:         policy,
		storageBackend: storageBackend,
		runID:          runID,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// SetRunID sets the run dimension once RunStart is seen.
func (c *Collector) SetRunID(runID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runID = runID
	c.mu.Unlock()
}

// --- Run lifecycle ---

// IncRunStarted records a RunStart.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.inc(&c.runsStarted)
}

// IncRunResumed records a run rebuilt from an existing log.
func (c *Collector) IncRunResumed() {
	if c == nil {
		return
	}
	c.inc(&c.runsResumed)
}

// IncRunFinalized records a run sealed after END.
func (c *Collector) IncRunFinalized() {
	if c == nil {
		return
	}
	c.inc(&c.runsFinalized)
}

// --- Ingestion ---

// IncRecordReceived records a record read from the client, by type.
func (c *Collector) IncRecordReceived(recordType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recordsReceived++
	c.recordsByType[recordType]++
	c.mu.Unlock()
}

// IncRecordPersisted records a record appended to the log.
func (c *Collector) IncRecordPersisted() {
	if c == nil {
		return
	}
	c.inc(&c.recordsPersisted)
}

// IncRecordLocal records a record applied without being persisted.
func (c *Collector) IncRecordLocal() {
	if c == nil {
		return
	}
	c.inc(&c.recordsLocal)
}

// IncRecordDuplicate records a record skipped by UUID dedup.
func (c *Collector) IncRecordDuplicate() {
	if c == nil {
		return
	}
	c.inc(&c.recordsDuplicate)
}

// IncRecordRejected records a record refused with a usage error.
func (c *Collector) IncRecordRejected() {
	if c == nil {
		return
	}
	c.inc(&c.recordsRejected)
}

// IncResultDelivered records a Result written back to the client.
func (c *Collector) IncResultDelivered() {
	if c == nil {
		return
	}
	c.inc(&c.resultsDelivered)
}

// IncIPCDecodeErrors records a frame decode error.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.inc(&c.ipcDecodeErrors)
}

// IncFlowControlWait records a record held by backpressure.
func (c *Collector) IncFlowControlWait() {
	if c == nil {
		return
	}
	c.inc(&c.flowControlWaits)
}

// --- Shutdown ---

// ObserveShutdownState records time spent in a shutdown state and whether
// its work failed.
func (c *Collector) ObserveShutdownState(state string, millis int64, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.shutdownMillis[state] += millis
	if failed {
		c.shutdownFailures++
	}
	c.mu.Unlock()
}

// --- Lode / Storage ---
// Lode counters are per-call, not per-record. A single batch write counts
// as one success.

// IncLodeWriteSuccess records a successful Lode write operation (per-call).
func (c *Collector) IncLodeWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.lodeWriteSuccess)
}

// IncLodeWriteFailure records a failed Lode write operation (per-call).
func (c *Collector) IncLodeWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.lodeWriteFailure)
}

// --- Absorbed ---

// AbsorbPolicyStats copies sync counters from the policy's final stats.
// flushTriggers may be nil.
func (c *Collector) AbsorbPolicyStats(total, persisted, flushes int64, flushTriggers map[string]int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.syncRecords = total
	c.syncPersisted = persisted
	c.syncFlushes = flushes
	c.flushTriggers = copyCounts(flushTriggers)
	c.mu.Unlock()
}

// AbsorbOperationStats copies retry counters keyed by operation kind.
func (c *Collector) AbsorbOperationStats(ops map[string]OperationCounts) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.operations = make(map[string]OperationCounts, len(ops))
	for k, v := range ops {
		c.operations[k] = v
	}
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var ops map[string]OperationCounts
	if c.operations != nil {
		ops = make(map[string]OperationCounts, len(c.operations))
		for k, v := range c.operations {
			ops[k] = v
		}
	}

	return Snapshot{
		RunsStarted:   c.runsStarted,
		RunsResumed:   c.runsResumed,
		RunsFinalized: c.runsFinalized,

		RecordsReceived:   c.recordsReceived,
		RecordsPersisted:  c.recordsPersisted,
		RecordsLocal:      c.recordsLocal,
		RecordsDuplicate:  c.recordsDuplicate,
		RecordsRejected:   c.recordsRejected,
		ResultsDelivered:  c.resultsDelivered,
		IPCDecodeErrors:   c.ipcDecodeErrors,
		FlowControlWaits:  c.flowControlWaits,
		RecordsByType:     copyCounts(c.recordsByType),
		ShutdownFailures:  c.shutdownFailures,
		ShutdownStateTime: copyCounts(c.shutdownMillis),

		SyncRecords:   c.syncRecords,
		SyncPersisted: c.syncPersisted,
		SyncFlushes:   c.syncFlushes,
		FlushTriggers: copyCounts(c.flushTriggers),

		LodeWriteSuccess: c.lodeWriteSuccess,
		LodeWriteFailure: c.lodeWriteFailure,

		Operations: ops,

		Policy:         c.policy,
		StorageBackend: c.storageBackend,
		RunID:          c.runID,
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
