package policy_test

import (
	"testing"

	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/types"
)

func TestNoopPolicy_AdvancesCursor(t *testing.T) {
	pol := policy.NewNoopPolicy()

	for seq := int64(1); seq <= 3; seq++ {
		if err := pol.Ingest(t.Context(), entry(seq)); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	stats := pol.Stats()
	if stats.TotalRecords != 3 || stats.RecordsPersisted != 3 {
		t.Errorf("stats = %+v, want 3 ingested and 3 persisted", stats)
	}
	if stats.CommittedOffset != 400 {
		t.Errorf("CommittedOffset = %d, want 400", stats.CommittedOffset)
	}
	if stats.BufferedRecords != 0 {
		t.Errorf("BufferedRecords = %d, want 0", stats.BufferedRecords)
	}
}

func TestNoopPolicy_StatsDefensiveCopy(t *testing.T) {
	pol := policy.NewNoopPolicy()
	_ = pol.Ingest(t.Context(), entry(1))

	stats := pol.Stats()
	stats.RecordsByType[types.RecordTypeHistory] = 99

	if got := pol.Stats().RecordsByType[types.RecordTypeHistory]; got != 1 {
		t.Errorf("RecordsByType[history] = %d after mutating a snapshot, want 1", got)
	}
}

func TestNoopPolicy_FlushAndClose(t *testing.T) {
	pol := policy.NewNoopPolicy()
	if err := pol.Flush(t.Context()); err != nil {
		t.Errorf("Flush = %v, want nil", err)
	}
	if got := pol.Stats().FlushCount; got != 1 {
		t.Errorf("FlushCount = %d, want 1", got)
	}
	if err := pol.Close(); err != nil {
		t.Errorf("Close = %v, want nil", err)
	}
}
