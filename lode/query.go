package lode

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/lode/lode"
)

// ErrNoSyncRecords is returned when the dataset holds no synced records
// for the run.
var ErrNoSyncRecords = errors.New("no synced records found")

// QuerySyncCursor returns the highest end_offset synced for runID. A run
// resumed without a local progress ledger restarts its sync from here.
func QuerySyncCursor(ctx context.Context, ds lode.Dataset, runID string) (int64, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return 0, WrapReadError(err, "snapshots")
	}

	var cursor int64
	found := false
	for _, snap := range snapshots {
		if !snapshotMatchesFilter(snap, "run_id", runID) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return 0, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}

		// Manifest paths are a coarse filter; record fields are
		// authoritative for cumulative snapshots.
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindSync {
				continue
			}
			if toString(record["run_id"]) != runID {
				continue
			}
			if end := toInt64(record["end_offset"]); end > cursor {
				cursor = end
				found = true
			}
		}
	}

	if !found {
		return 0, ErrNoSyncRecords
	}
	return cursor, nil
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 reads a JSON number, which the JSONL codec may surface as
// float64 or int64.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
