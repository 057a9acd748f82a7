package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pithecene-io/trackd/checkpoint"
	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/types"
)

type stubCursor struct {
	mu     sync.Mutex
	offset int64
	err    error
	sets   []int64
}

func (c *stubCursor) SyncCursor(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset, c.err
}

func (c *stubCursor) SetSyncCursor(_ context.Context, off int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, off)
	return nil
}

func (c *stubCursor) last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sets) == 0 {
		return -1
	}
	return c.sets[len(c.sets)-1]
}

func newTestWorker(t *testing.T, l *datastore.Log, pol policy.Policy, gate *policy.FlowGate, cursor CursorStore) *syncWorker {
	t.Helper()
	sched := retry.New(retry.Options{Logger: log.NewNop()})
	t.Cleanup(sched.Close)
	if gate == nil {
		gate = policy.NewFlowGate(nil)
	}
	return newSyncWorker(l, pol, sched, gate, cursor, log.NewNop())
}

func entry(offset, end int64) policy.Entry {
	return policy.Entry{
		Offset: offset,
		End:    end,
		Record: &types.Record{Seq: end, Payload: &types.ControlOnly{}},
	}
}

func TestSyncWorker_ReleasesFlowBehindCursor(t *testing.T) {
	gate := policy.NewFlowGate(map[string]int{"history": 2})
	pol := policy.NewNoopPolicy()
	cursor := &stubCursor{}
	w := newTestWorker(t, nil, pol, gate, cursor)

	for range 2 {
		if _, err := gate.Acquire(t.Context(), "history"); err != nil {
			t.Fatal(err)
		}
	}
	w.track(100, "history")
	w.track(200, "history")

	if err := pol.Ingest(t.Context(), entry(16, 100)); err != nil {
		t.Fatal(err)
	}
	w.advance(t.Context())

	if got := gate.Stats().Outstanding["history"]; got != 1 {
		t.Errorf("outstanding after first commit = %d, want 1", got)
	}
	if got := cursor.last(); got != 100 {
		t.Errorf("persisted cursor = %d, want 100", got)
	}

	if err := pol.Ingest(t.Context(), entry(100, 200)); err != nil {
		t.Fatal(err)
	}
	w.advance(t.Context())

	if got := gate.Stats().Outstanding["history"]; got != 0 {
		t.Errorf("outstanding after second commit = %d, want 0", got)
	}
	if got := w.Committed(); got != 200 {
		t.Errorf("Committed = %d, want 200", got)
	}
}

func TestSyncWorker_TrackBehindCursorReleasesAtOnce(t *testing.T) {
	gate := policy.NewFlowGate(map[string]int{"stats": 1})
	pol := policy.NewNoopPolicy()
	w := newTestWorker(t, nil, pol, gate, nil)

	if err := pol.Ingest(t.Context(), entry(16, 64)); err != nil {
		t.Fatal(err)
	}
	w.advance(t.Context())

	if _, err := gate.Acquire(t.Context(), "stats"); err != nil {
		t.Fatal(err)
	}
	w.track(64, "stats")

	if got := gate.Stats().Outstanding["stats"]; got != 0 {
		t.Errorf("outstanding = %d, want 0", got)
	}
}

func TestSyncWorker_LoadCursor(t *testing.T) {
	l, err := datastore.Open(filepath.Join(t.TempDir(), "run.trkd"), datastore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	if _, err := l.Append(&types.Record{Seq: 1, UUID: "a", Payload: &types.ControlOnly{}}); err != nil {
		t.Fatal(err)
	}
	size := l.Size()

	tests := []struct {
		name   string
		cursor CursorStore
		want   int64
	}{
		{"no store", nil, 0},
		{"no cursor recorded", &stubCursor{err: checkpoint.ErrNoCursor}, 0},
		{"store failure", &stubCursor{err: errors.New("disk gone")}, 0},
		{"beyond log end", &stubCursor{offset: size + 10}, 0},
		{"valid", &stubCursor{offset: size}, size},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorker(t, l, policy.NewNoopPolicy(), nil, tt.cursor)
			if got := w.loadCursor(t.Context()); got != tt.want {
				t.Errorf("loadCursor = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSyncWorker_RunSyncsUntilSeal(t *testing.T) {
	l, err := datastore.Open(filepath.Join(t.TempDir(), "run.trkd"), datastore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	for seq := int64(1); seq <= 3; seq++ {
		if _, err := l.Append(&types.Record{Seq: seq, UUID: string(rune('a' + seq)), Payload: &types.ControlOnly{}}); err != nil {
			t.Fatal(err)
		}
	}
	lastEnd := l.Size()
	if err := l.Seal(); err != nil {
		t.Fatal(err)
	}

	sink := policy.NewStubSink()
	cursor := &stubCursor{}
	w := newTestWorker(t, l, policy.NewStrictPolicy(sink), nil, cursor)

	if err := w.run(t.Context()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	seqs := sink.Seqs()
	if len(seqs) != 3 {
		t.Fatalf("sink received %v, want 3 records", seqs)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Errorf("seqs[%d] = %d, want %d", i, seq, i+1)
		}
	}
	if got := w.Committed(); got != lastEnd {
		t.Errorf("Committed = %d, want %d", got, lastEnd)
	}
	if got := cursor.last(); got != lastEnd {
		t.Errorf("persisted cursor = %d, want %d", got, lastEnd)
	}
}

func TestSyncWorker_DrainRetriesFailedWrites(t *testing.T) {
	sink := policy.NewStubSink()
	sink.SetError(errors.New("bucket unreachable"))
	pol := policy.NewStrictPolicy(sink)
	w := newTestWorker(t, nil, pol, nil, nil)

	if err := pol.Ingest(t.Context(), entry(16, 80)); err == nil {
		t.Fatal("Ingest succeeded against a failing sink")
	}
	w.setRead(80)
	sink.SetError(nil)

	if err := w.drain(t.Context(), 80); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if got := w.Committed(); got != 80 {
		t.Errorf("Committed = %d, want 80", got)
	}
	if got := pol.Stats().BufferedRecords; got != 0 {
		t.Errorf("BufferedRecords = %d, want 0", got)
	}
}
