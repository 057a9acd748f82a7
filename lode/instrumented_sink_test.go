package lode

import (
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/trackd/metrics"
	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/types"
)

func TestInstrumentedSink_CountsOutcomes(t *testing.T) {
	inner := policy.NewStubSink()
	collector := metrics.NewCollector("strict", "fs", "run-1")
	sink := NewInstrumentedSink(inner, collector)

	entry := policy.Entry{Offset: 8, End: 40, Record: &types.Record{Seq: 1}}
	if err := sink.WriteEntries(t.Context(), []policy.Entry{entry}); err != nil {
		t.Fatalf("WriteEntries failed: %v", err)
	}

	inner.SetError(errors.New("boom"))
	if err := sink.WriteEntries(t.Context(), []policy.Entry{entry}); err == nil {
		t.Fatal("expected error from failing inner sink")
	}

	snap := collector.Snapshot()
	if snap.LodeWriteSuccess != 1 {
		t.Errorf("LodeWriteSuccess = %d, want 1", snap.LodeWriteSuccess)
	}
	if snap.LodeWriteFailure != 1 {
		t.Errorf("LodeWriteFailure = %d, want 1", snap.LodeWriteFailure)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !inner.Stats().Closed {
		t.Error("inner sink not closed")
	}
}

func TestSink_StubClient(t *testing.T) {
	client := NewStubClient()
	sink := NewSink(client)

	entry := policy.Entry{Offset: 8, End: 40, Record: &types.Record{Seq: 1}}
	if err := sink.WriteEntries(t.Context(), []policy.Entry{entry}); err != nil {
		t.Fatalf("WriteEntries failed: %v", err)
	}
	if len(client.Batches) != 1 {
		t.Errorf("Batches = %d, want 1", len(client.Batches))
	}

	client.Err = errors.New("AccessDenied")
	err := sink.WriteEntries(t.Context(), []policy.Entry{entry})
	if !types.IsKind(err, types.KindAuthentication) {
		t.Errorf("KindOf = %s, want authentication", types.KindOf(err))
	}
	_ = sink.Close()
	if !client.Closed {
		t.Error("client not closed")
	}
}

func TestDeriveDay(t *testing.T) {
	ts := mustTime(t, "2026-10-19T23:30:00-05:00")
	if got := DeriveDay(ts); got != "2026-10-20" {
		t.Errorf("DeriveDay = %s, want 2026-10-20", got)
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}
