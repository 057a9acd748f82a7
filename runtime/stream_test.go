package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/filepusher"
	"github.com/pithecene-io/trackd/ipc"
	"github.com/pithecene-io/trackd/lode"
	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/metrics"
	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/sampler"
	"github.com/pithecene-io/trackd/types"
)

func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }

// encodeRecords frames records the way a client writes them.
func encodeRecords(t *testing.T, recs ...*types.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := ipc.NewRecordWriter(ipc.NewFrameEncoder(&buf))
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			t.Fatalf("encode record %d: %v", rec.Seq, err)
		}
	}
	return buf.Bytes()
}

// decodeResults reads every framed result written to the client.
func decodeResults(t *testing.T, data []byte) map[int64]*types.Result {
	t.Helper()
	out := make(map[int64]*types.Result)
	dec := ipc.NewFrameDecoder(bytes.NewReader(data))
	for {
		payload, err := dec.ReadFrame()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("read result frame: %v", err)
		}
		res, err := ipc.DecodeResult(payload)
		if err != nil {
			t.Fatalf("decode result: %v", err)
		}
		out[res.Seq] = res
	}
}

func asked(seq int64, slot string, p types.Payload) *types.Record {
	return &types.Record{
		Seq:     seq,
		UUID:    slot + "-uuid",
		RunID:   "run-1",
		Control: types.Control{ExpectsResponse: true, MailboxSlot: slot},
		Payload: p,
	}
}

func runStart() *types.Record {
	return asked(1, "start", &types.RunStart{Run: types.RunInfo{
		RunID:     "run-1",
		Project:   "proj",
		StartTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
}

func openStream(t *testing.T, cfg Config) *Stream {
	t.Helper()
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(t.TempDir(), "run.trkd")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	s, err := Open(t.Context(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func replay(t *testing.T, path string) []*types.Record {
	t.Helper()
	var recs []*types.Record
	err := datastore.Replay(t.Context(), path, func(_ datastore.LogEntry, rec *types.Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	return recs
}

func deferStates(recs []*types.Record) []types.DeferState {
	var out []types.DeferState
	for _, rec := range recs {
		if req, ok := rec.Payload.(*types.Request); ok && req.Kind == types.RequestDefer {
			out = append(out, req.State)
		}
	}
	return out
}

func TestServe_PersistsAnswersAndSeals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	collector := metrics.NewCollector("noop", "fs", "")
	s := openStream(t, Config{LogPath: path, Collector: collector})

	in := encodeRecords(t,
		runStart(),
		&types.Record{Seq: 2, UUID: "cfg", Payload: types.NewConfigUpdate([]types.Item{types.MustItem("lr", 0.1)}, nil)},
		&types.Record{Seq: 3, UUID: "hist", Payload: &types.HistoryUpdate{
			Items: []types.Item{types.MustItem("loss", 0.5)},
			Step:  int64Ptr(0),
			Flush: boolPtr(true),
		}},
		&types.Record{Seq: 4, UUID: "exit", Payload: &types.RunExit{ExitCode: 0, RuntimeSeconds: 12}},
		asked(5, "summary", &types.Request{Kind: types.RequestGetSummary}),
		asked(6, "poll", &types.Request{Kind: types.RequestPollExit}),
	)
	var out bytes.Buffer

	result, err := s.Serve(t.Context(), bytes.NewReader(in), &out)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if !result.Sealed() {
		t.Fatalf("run not sealed: %+v", result.Shutdown)
	}
	if result.Outcome.Status != OutcomeCompleted {
		t.Errorf("Outcome = %s (%s), want %s", result.Outcome.Status, result.Outcome.Message, OutcomeCompleted)
	}
	if result.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", result.RunID)
	}
	if result.State.DeferState != types.DeferEnd {
		t.Errorf("DeferState = %s, want END", result.State.DeferState)
	}
	if result.State.ExitCode == nil || *result.State.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", result.State.ExitCode)
	}

	results := decodeResults(t, out.Bytes())
	ack, ok := results[1].Response.(*types.Ack)
	if !ok {
		t.Fatalf("result for seq 1 = %T, want *types.Ack", results[1].Response)
	}
	if ack.Offset < datastore.HeaderSize {
		t.Errorf("RunStart offset = %d, want >= %d", ack.Offset, datastore.HeaderSize)
	}
	if results[1].Control.EndOffset <= ack.Offset {
		t.Errorf("EndOffset = %d, want > %d", results[1].Control.EndOffset, ack.Offset)
	}
	if results[1].Control.MailboxSlot != "start" {
		t.Errorf("MailboxSlot = %q, want start", results[1].Control.MailboxSlot)
	}
	summary, ok := results[5].Response.(*types.SummaryResponse)
	if !ok {
		t.Fatalf("result for seq 5 = %T, want *types.SummaryResponse", results[5].Response)
	}
	if len(summary.Items) == 0 {
		t.Error("summary is empty, want loss from the committed history row")
	}
	poll, ok := results[6].Response.(*types.PollExitResponse)
	if !ok {
		t.Fatalf("result for seq 6 = %T, want *types.PollExitResponse", results[6].Response)
	}
	if poll.Done {
		t.Error("PollExit Done = true before shutdown started")
	}

	recs := replay(t, path)
	states := deferStates(recs)
	if len(states) != len(types.DeferSequence()) {
		t.Fatalf("recorded %d defer states, want %d", len(states), len(types.DeferSequence()))
	}
	for i, want := range types.DeferSequence() {
		if states[i] != want {
			t.Errorf("defer state %d = %s, want %s", i, states[i], want)
		}
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Fatalf("log seq %d after %d", recs[i].Seq, recs[i-1].Seq)
		}
	}

	_, err = datastore.Open(path, datastore.Options{})
	if !errors.Is(err, types.ErrRunClosed) {
		t.Errorf("reopen sealed log: err = %v, want ErrRunClosed", err)
	}

	snap := collector.Snapshot()
	if snap.RunsFinalized != 1 {
		t.Errorf("RunsFinalized = %d, want 1", snap.RunsFinalized)
	}
	if snap.RecordsPersisted < 4 {
		t.Errorf("RecordsPersisted = %d, want >= 4", snap.RecordsPersisted)
	}
}

func TestServe_DuplicateUUIDIsAcknowledgedNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	s := openStream(t, Config{LogPath: path})

	cfg := func(seq int64, slot string) *types.Record {
		rec := asked(seq, slot, types.NewConfigUpdate([]types.Item{types.MustItem("a", 1)}, nil))
		rec.UUID = "same"
		return rec
	}
	var out bytes.Buffer
	in := encodeRecords(t, runStart(), cfg(2, "first"), cfg(3, "again"))
	if _, err := s.Serve(t.Context(), bytes.NewReader(in), &out); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	results := decodeResults(t, out.Bytes())
	if ack := results[2].Response.(*types.Ack); ack.Offset < 0 {
		t.Errorf("first copy offset = %d, want persisted", ack.Offset)
	}
	if ack := results[3].Response.(*types.Ack); ack.Offset != -1 {
		t.Errorf("duplicate offset = %d, want -1", ack.Offset)
	}

	configs := 0
	for _, rec := range replay(t, path) {
		if rec.Type() == types.RecordTypeConfig {
			configs++
		}
	}
	if configs != 1 {
		t.Errorf("persisted %d config records, want 1", configs)
	}
}

func TestServe_RejectsSequenceRegression(t *testing.T) {
	s := openStream(t, Config{})

	late := asked(1, "late", types.NewSummaryUpdate([]types.Item{types.MustItem("x", 1)}, nil))
	late.UUID = "late"
	first := runStart()
	first.Seq = 5

	var out bytes.Buffer
	result, err := s.Serve(t.Context(), bytes.NewReader(encodeRecords(t, first, late)), &out)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	results := decodeResults(t, out.Bytes())
	res, ok := results[1]
	if !ok {
		t.Fatal("no result for the regressed record")
	}
	e, ok := res.Response.(*types.ErrorResponse)
	if !ok {
		t.Fatalf("response = %T, want *types.ErrorResponse", res.Response)
	}
	if e.Kind != types.KindUsage {
		t.Errorf("error kind = %s, want %s", e.Kind, types.KindUsage)
	}
	if len(result.State.Summary) != 0 {
		t.Errorf("summary = %v, want empty", result.State.Summary)
	}
}

func TestServe_LocalRecordsAreAppliedNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	s := openStream(t, Config{LogPath: path})

	local := &types.Record{
		Seq:     2,
		UUID:    "local",
		Control: types.Control{IsLocal: true},
		Payload: types.NewSummaryUpdate([]types.Item{types.MustItem("best", 3)}, nil),
	}
	result, err := s.Serve(t.Context(), bytes.NewReader(encodeRecords(t, runStart(), local)), io.Discard)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if _, ok := result.State.Summary["best"]; !ok {
		t.Errorf("summary = %v, want best", result.State.Summary)
	}
	for _, rec := range replay(t, path) {
		if rec.Type() == types.RecordTypeSummary {
			t.Error("local summary update was persisted")
		}
	}
}

func TestServe_ResumesShutdownFromRecordedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")

	l, err := datastore.Open(path, datastore.Options{})
	if err != nil {
		t.Fatalf("datastore.Open failed: %v", err)
	}
	start := runStart()
	start.Control = types.Control{}
	for _, rec := range []*types.Record{
		start,
		{Seq: 2, UUID: "d1", RunID: "run-1", Payload: &types.Request{Kind: types.RequestDefer, State: types.DeferBegin}},
		{Seq: 3, UUID: "d2", RunID: "run-1", Payload: &types.Request{Kind: types.RequestDefer, State: types.DeferFlushSummary}},
	} {
		if _, err := l.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s := openStream(t, Config{LogPath: path})
	result, err := s.Serve(t.Context(), bytes.NewReader(nil), io.Discard)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if !result.Resumed {
		t.Error("Resumed = false, want true")
	}
	if !result.Sealed() {
		t.Fatal("resumed run not sealed")
	}
	if result.Shutdown.From != types.DeferFlushSummary {
		t.Errorf("From = %s, want FLUSH_SUMMARY", result.Shutdown.From)
	}
	if first := result.Shutdown.States[0].State; first != types.DeferFlushSummary {
		t.Errorf("first state = %s, want FLUSH_SUMMARY re-entered", first)
	}

	states := deferStates(replay(t, path))
	want := []types.DeferState{types.DeferBegin, types.DeferFlushSummary}
	for st := types.DeferFlushSummary; st <= types.DeferEnd; st++ {
		want = append(want, st)
	}
	if len(states) != len(want) {
		t.Fatalf("defer states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("defer state %d = %s, want %s", i, states[i], want[i])
		}
	}
	if result.State.DeferState != types.DeferEnd {
		t.Errorf("DeferState = %s, want END", result.State.DeferState)
	}
}

// failingUploader refuses every upload with a terminal error.
type failingUploader struct {
	mu    sync.Mutex
	calls int
}

func (u *failingUploader) PutFile(_ context.Context, _ string, r io.Reader) error {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
	_, _ = io.Copy(io.Discard, r)
	return types.NewError(types.KindAuthentication, "put", errors.New("access denied"))
}

func TestServe_FailedUploadsStillSeal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.pt"), []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	up := &failingUploader{}
	s := openStream(t, Config{
		LogPath:  filepath.Join(dir, "run.trkd"),
		Uploader: up,
		Files:    filepusher.Config{FilesDir: dir},
	})

	decl := &types.Record{Seq: 2, UUID: "files", Payload: &types.FileDeclaration{Files: []types.FileItem{
		{Path: "model.pt", Policy: types.FilePolicyEnd},
	}}}
	result, err := s.Serve(t.Context(), bytes.NewReader(encodeRecords(t, runStart(), decl)), io.Discard)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	if !result.Sealed() {
		t.Fatal("run with failed uploads was not sealed")
	}
	if result.Outcome.Status != OutcomeDegraded {
		t.Errorf("Outcome = %s, want %s", result.Outcome.Status, OutcomeDegraded)
	}
	found := false
	for _, name := range result.Outcome.FailedStates {
		if name == types.DeferJoinFilePusher.String() {
			found = true
		}
	}
	if !found {
		t.Errorf("FailedStates = %v, want JOIN_FILE_PUSHER", result.Outcome.FailedStates)
	}
	if got := result.Operations[types.OperationFileTransfer].TerminalFailed; got != 1 {
		t.Errorf("file_transfer TerminalFailed = %d, want 1", got)
	}
	if up.calls != 1 {
		t.Errorf("upload attempts = %d, want 1", up.calls)
	}
}

func TestServe_SamplesStatsAndSyncsToSink(t *testing.T) {
	dir := t.TempDir()
	client := lode.NewStubClient()
	pol, err := policy.NewStreamingPolicy(lode.NewSink(client), policy.StreamingConfig{FlushCount: 1000})
	if err != nil {
		t.Fatalf("NewStreamingPolicy failed: %v", err)
	}
	stub := &sampler.Stub{Sample: []types.Item{types.MustItem("system.cpu", 12.5)}}

	s := openStream(t, Config{
		LogPath: filepath.Join(dir, "run.trkd"),
		Policy:  pol,
		Sampler: stub,
	})
	result, err := s.Serve(t.Context(), bytes.NewReader(encodeRecords(t, runStart())), io.Discard)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	if result.State.StatsSamples != 1 {
		t.Errorf("StatsSamples = %d, want 1 from the final flush", result.State.StatsSamples)
	}
	if !stub.TornDown {
		t.Error("sampler not torn down")
	}
	ps := result.PolicyStats
	if ps.RecordsPersisted != ps.TotalRecords {
		t.Errorf("RecordsPersisted = %d, want all %d records synced", ps.RecordsPersisted, ps.TotalRecords)
	}
	if len(client.Batches) == 0 {
		t.Error("sink received no batches")
	}
	if result.PolicyStats.BufferedRecords != 0 {
		t.Errorf("BufferedRecords = %d, want 0 after the final flush", result.PolicyStats.BufferedRecords)
	}
}

func TestServe_CanceledLeavesRunResumable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	s := openStream(t, Config{LogPath: path})

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan *RunResult, 1)
	go func() {
		result, _ := s.Serve(ctx, pr, io.Discard)
		done <- result
	}()

	w := ipc.NewRecordWriter(ipc.NewFrameEncoder(pw))
	start := runStart()
	start.Control = types.Control{}
	if err := w.Write(start); err != nil {
		t.Fatalf("write: %v", err)
	}
	cancel()

	select {
	case result := <-done:
		if result.Sealed() {
			t.Error("cancelled run was sealed")
		}
		if result.Outcome.Status != OutcomeInterrupted {
			t.Errorf("Outcome = %s, want %s", result.Outcome.Status, OutcomeInterrupted)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	l, err := datastore.Open(path, datastore.Options{})
	if err != nil {
		t.Fatalf("reopen unsealed log: %v", err)
	}
	_ = l.Close()
}

func TestServe_TwiceIsUsageError(t *testing.T) {
	s := openStream(t, Config{})
	if _, err := s.Serve(t.Context(), bytes.NewReader(nil), io.Discard); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	_, err := s.Serve(t.Context(), bytes.NewReader(nil), io.Discard)
	if !types.IsKind(err, types.KindUsage) {
		t.Errorf("second Serve err = %v, want usage error", err)
	}
}

func TestEmit_AfterStopIsRunClosed(t *testing.T) {
	s := openStream(t, Config{})
	if _, err := s.Serve(t.Context(), bytes.NewReader(nil), io.Discard); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	err := s.Emit(t.Context(), &types.Record{UUID: "late", Payload: &types.ControlOnly{}})
	if !errors.Is(err, types.ErrRunClosed) {
		t.Errorf("Emit err = %v, want ErrRunClosed", err)
	}
}

func TestOpen_RequiresLogPath(t *testing.T) {
	_, err := Open(t.Context(), Config{})
	if !types.IsKind(err, types.KindUsage) {
		t.Errorf("err = %v, want usage error", err)
	}
}

type served struct {
	result *RunResult
	err    error
}

// serveAsync runs Serve in the background so a test can bound how long it
// takes.
func serveAsync(t *testing.T, s *Stream, r io.Reader, w io.Writer) <-chan served {
	t.Helper()
	done := make(chan served, 1)
	go func() {
		res, err := s.Serve(t.Context(), r, w)
		done <- served{res, err}
	}()
	return done
}

func waitServed(t *testing.T, done <-chan served, within time.Duration) *RunResult {
	t.Helper()
	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("Serve failed: %v", got.err)
		}
		return got.result
	case <-time.After(within):
		t.Fatalf("Serve did not return within %s", within)
		return nil
	}
}

func waitFor(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s waiting for %s", within, what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServe_ReturnsOnceSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	s := openStream(t, Config{LogPath: path, Policy: policy.NewStrictPolicy(policy.NewStubSink())})

	done := serveAsync(t, s, bytes.NewReader(encodeRecords(t, runStart())), io.Discard)
	result := waitServed(t, done, 10*time.Second)

	if !result.Sealed() {
		t.Error("run not sealed")
	}
	select {
	case <-s.Finished():
	default:
		t.Error("shutdown sequence not finished")
	}
}

// rawRecord frames an envelope the codec cannot turn into a Record.
func rawRecord(t *testing.T, env map[string]any) []byte {
	t.Helper()
	payload, err := msgpack.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var buf bytes.Buffer
	if err := ipc.NewFrameEncoder(&buf).WriteFrame(payload); err != nil {
		t.Fatalf("frame envelope: %v", err)
	}
	return buf.Bytes()
}

func TestServe_AnswersUndecodableRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	collector := metrics.NewCollector("noop", "fs", "")
	s := openStream(t, Config{LogPath: path, Collector: collector})

	var in bytes.Buffer
	in.Write(encodeRecords(t, runStart()))
	in.Write(rawRecord(t, map[string]any{
		"contract_version": types.ContractVersion,
		"seq":              2,
		"type":             "tensor",
		"control":          map[string]any{"req_resp": true, "mailbox_slot": "newer"},
	}))
	in.Write(rawRecord(t, map[string]any{
		"contract_version": "9.0.0",
		"seq":              3,
		"type":             string(types.RecordTypeControl),
		"control":          map[string]any{"req_resp": true, "mailbox_slot": "future"},
	}))
	// Without a response requested there is nobody to tell.
	in.Write(rawRecord(t, map[string]any{
		"contract_version": types.ContractVersion,
		"seq":              4,
		"type":             "tensor",
	}))
	in.Write(encodeRecords(t, asked(5, "summary", &types.Request{Kind: types.RequestGetSummary})))

	var out bytes.Buffer
	result := waitServed(t, serveAsync(t, s, &in, &out), 10*time.Second)
	if result.Outcome.Status != OutcomeCompleted {
		t.Errorf("Outcome = %s (%s), want completed", result.Outcome.Status, result.Outcome.Message)
	}

	results := decodeResults(t, out.Bytes())
	for _, tc := range []struct {
		seq  int64
		slot string
	}{{2, "newer"}, {3, "future"}} {
		res, ok := results[tc.seq]
		if !ok {
			t.Errorf("no result for seq %d", tc.seq)
			continue
		}
		if res.Control.MailboxSlot != tc.slot {
			t.Errorf("seq %d slot = %q, want %q", tc.seq, res.Control.MailboxSlot, tc.slot)
		}
		er, ok := res.Response.(*types.ErrorResponse)
		if !ok {
			t.Errorf("seq %d response = %T, want *types.ErrorResponse", tc.seq, res.Response)
			continue
		}
		if er.Kind != types.KindUnsupported {
			t.Errorf("seq %d error kind = %s, want %s", tc.seq, er.Kind, types.KindUnsupported)
		}
	}
	if _, ok := results[4]; ok {
		t.Error("seq 4 did not ask for a response but got one")
	}
	if res, ok := results[5]; !ok {
		t.Error("no result for seq 5, want the stream to keep serving")
	} else if _, ok := res.Response.(*types.SummaryResponse); !ok {
		t.Errorf("seq 5 response = %T, want *types.SummaryResponse", res.Response)
	}

	for _, rec := range replay(t, path) {
		if rec.Seq >= 2 && rec.Seq <= 4 {
			t.Errorf("undecodable record %d was persisted", rec.Seq)
		}
	}
	if got := collector.Snapshot().IPCDecodeErrors; got != 3 {
		t.Errorf("IPCDecodeErrors = %d, want 3", got)
	}
}

func TestServe_FlowControlHoldsRecordsUntilSyncRecovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	sink := policy.NewStubSink()
	sink.SetError(policy.ErrStubWrite)

	policies := retry.DefaultPolicies()
	policies[types.OperationRemoteSync] = retry.Policy{
		MinWait:        10 * time.Millisecond,
		MaxWait:        20 * time.Millisecond,
		MaxAttempts:    1000,
		AttemptTimeout: time.Second,
	}
	history := string(types.RecordTypeHistory)
	s := openStream(t, Config{
		LogPath:        path,
		Policy:         policy.NewStrictPolicy(sink),
		Retry:          retry.Options{Policies: policies},
		FlowThresholds: map[string]int{history: 1},
	})

	flowed := func(seq int64, loss float64) *types.Record {
		return &types.Record{
			Seq:     seq,
			UUID:    fmt.Sprintf("hist-%d", seq),
			Control: types.Control{RequiresFlowControl: true},
			Payload: &types.HistoryUpdate{Items: []types.Item{types.MustItem("loss", loss)}, Flush: boolPtr(true)},
		}
	}

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	done := serveAsync(t, s, pr, io.Discard)

	written := make(chan error, 1)
	go func() {
		_, err := pw.Write(encodeRecords(t, runStart(), flowed(2, 0.5), flowed(3, 0.25)))
		written <- err
	}()

	// Seq 2 holds the only history unit while its sync keeps failing, so
	// seq 3 waits at the gate.
	waitFor(t, 5*time.Second, "seq 3 to block at the flow gate", func() bool {
		return s.flow.Stats().Waits == 1
	})
	if got := s.flow.Stats().Outstanding[history]; got != 1 {
		t.Errorf("outstanding history = %d, want 1", got)
	}
	for _, rec := range replay(t, path) {
		if rec.Seq == 3 {
			t.Fatal("seq 3 was persisted while the gate was full")
		}
	}

	sink.SetError(nil)
	if err := <-written; err != nil {
		t.Fatalf("write records: %v", err)
	}
	_ = pw.Close()

	result := waitServed(t, done, 10*time.Second)
	if result.Outcome.Status != OutcomeCompleted {
		t.Errorf("Outcome = %s (%s), want completed", result.Outcome.Status, result.Outcome.Message)
	}

	var seqs []int64
	for _, rec := range replay(t, path) {
		if _, ok := rec.Payload.(*types.HistoryUpdate); ok {
			seqs = append(seqs, rec.Seq)
		}
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Errorf("persisted history seqs = %v, want [2 3]", seqs)
	}
	synced := map[int64]bool{}
	for _, seq := range sink.Seqs() {
		synced[seq] = true
	}
	if !synced[2] || !synced[3] {
		t.Errorf("synced seqs = %v, want 2 and 3 after the sink recovered", sink.Seqs())
	}
}
