package reader

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pithecene-io/trackd/types"
)

// ParseReportMetrics extracts the metrics block of a serve --report file.
func ParseReportMetrics(data []byte) (*MetricsSnapshot, error) {
	var report struct {
		Metrics map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("invalid report: %w", err)
	}
	if report.Metrics == nil {
		return nil, errors.New("report has no metrics block")
	}
	return ParseMetricsRecord(report.Metrics)
}

// ParseMetricsRecord converts a decoded metrics record to a MetricsSnapshot.
// Handles both int64 (direct writes) and float64 (JSON round-trips) for numeric fields.
func ParseMetricsRecord(record map[string]any) (*MetricsSnapshot, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}

	snap := &MetricsSnapshot{
		RunID:          toString(record["run_id"]),
		Policy:         toString(record["policy"]),
		StorageBackend: toString(record["storage_backend"]),

		// Run lifecycle
		RunsStarted:   toInt64(record["runs_started_total"]),
		RunsResumed:   toInt64(record["runs_resumed_total"]),
		RunsFinalized: toInt64(record["runs_finalized_total"]),

		// Ingestion
		RecordsReceived:  toInt64(record["records_received_total"]),
		RecordsPersisted: toInt64(record["records_persisted_total"]),
		RecordsLocal:     toInt64(record["records_local_total"]),
		RecordsDuplicate: toInt64(record["records_duplicate_total"]),
		RecordsRejected:  toInt64(record["records_rejected_total"]),
		IPCDecodeErrors:  toInt64(record["ipc_decode_errors_total"]),
		FlowControlWaits: toInt64(record["flow_control_waits_total"]),
		ShutdownFailures: toInt64(record["shutdown_failures_total"]),

		// Sync / Storage
		SyncPersisted:    toInt64(record["sync_persisted_total"]),
		LodeWriteSuccess: toInt64(record["lode_write_success_total"]),
		LodeWriteFailure: toInt64(record["lode_write_failure_total"]),
	}

	if rbt, ok := record["records_by_type"]; ok && rbt != nil {
		snap.RecordsByType = parseCounts(rbt)
	}

	// The write path always sets the policy dimension; a report without
	// it was not produced by serve.
	if snap.Policy == "" {
		return nil, errors.New("metrics record missing required field: policy")
	}
	return snap, nil
}

// ParseRecordTypes parses a comma-separated record type filter.
func ParseRecordTypes(s string) ([]types.RecordType, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []types.RecordType
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := types.NewPayload(types.RecordType(name)); err != nil {
			return nil, fmt.Errorf("unknown record type %q", name)
		}
		out = append(out, types.RecordType(name))
	}
	return out, nil
}

// toInt64 converts a value to int64, handling float64 from JSON and int64 from direct writes.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// parseCounts converts a per-key counter map.
// Handles both map[string]int64 (direct) and map[string]any (JSON round-trip).
func parseCounts(v any) map[string]int64 {
	switch m := v.(type) {
	case map[string]int64:
		return m
	case map[string]any:
		result := make(map[string]int64, len(m))
		for k, val := range m {
			result[k] = toInt64(val)
		}
		return result
	default:
		return nil
	}
}
