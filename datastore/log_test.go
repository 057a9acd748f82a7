package datastore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/trackd/types"
)

func historyRecord(seq int64) *types.Record {
	return &types.Record{
		Seq:     seq,
		UUID:    "uuid-" + string(rune('a'+seq)),
		RunID:   "run-1",
		Payload: &types.HistoryUpdate{Items: []types.Item{types.MustItem("loss", 1.0/float64(seq))}},
	}
}

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	l, err := Open(path, Options{SyncMode: SyncAlways})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return l
}

func appendAll(t *testing.T, l *Log, seqs ...int64) []int64 {
	t.Helper()
	offsets := make([]int64, 0, len(seqs))
	for _, seq := range seqs {
		off, err := l.Append(historyRecord(seq))
		if err != nil {
			t.Fatalf("Append(seq=%d) failed: %v", seq, err)
		}
		offsets = append(offsets, off)
	}
	return offsets
}

func replaySeqs(t *testing.T, path string) []int64 {
	t.Helper()
	var seqs []int64
	err := Replay(t.Context(), path, func(_ LogEntry, rec *types.Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	return seqs
}

func TestLog_AppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	l := openTestLog(t, path)

	offsets := appendAll(t, l, 1, 2, 3)
	if offsets[0] != HeaderSize {
		t.Errorf("first offset = %d, want %d", offsets[0], HeaderSize)
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] <= offsets[i-1] {
			t.Errorf("offsets not increasing: %v", offsets)
		}
	}
	if got := l.LastSeq(); got != 3 {
		t.Errorf("LastSeq() = %d, want 3", got)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	seqs := replaySeqs(t, path)
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("replayed seqs = %v, want [1 2 3]", seqs)
	}
}

func TestLog_RejectsNonIncreasingSeq(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "run.trkd"))
	defer l.Close()

	appendAll(t, l, 5)
	for _, seq := range []int64{5, 4} {
		_, err := l.Append(historyRecord(seq))
		if !types.IsKind(err, types.KindUsage) {
			t.Errorf("Append(seq=%d) error = %v, want usage error", seq, err)
		}
	}
	appendAll(t, l, 9)
}

func TestLog_SealThenAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	l := openTestLog(t, path)
	appendAll(t, l, 1)

	if err := l.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := l.Seal(); err != nil {
		t.Errorf("second Seal = %v, want nil", err)
	}
	if !l.Sealed() {
		t.Error("Sealed() = false after Seal")
	}

	_, err := l.Append(historyRecord(2))
	if !errors.Is(err, types.ErrRunClosed) {
		t.Errorf("Append after Seal error = %v, want ErrRunClosed", err)
	}

	_, err = Open(path, Options{})
	if !errors.Is(err, types.ErrRunClosed) {
		t.Errorf("Open sealed log error = %v, want ErrRunClosed", err)
	}

	if seqs := replaySeqs(t, path); len(seqs) != 1 {
		t.Errorf("replayed seqs = %v, want [1]", seqs)
	}
}

// TestLog_RecoverTruncatedEntry simulates a crash mid-write.
func TestLog_RecoverTruncatedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	l := openTestLog(t, path)
	offsets := appendAll(t, l, 1, 2, 3)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	// Cut the third entry in half.
	cut := offsets[2] + (info.Size()-offsets[2])/2
	if err := os.Truncate(path, cut); err != nil {
		t.Fatal(err)
	}

	// A reader never sees the partial entry.
	if seqs := replaySeqs(t, path); len(seqs) != 2 {
		t.Fatalf("replay before recovery = %v, want [1 2]", seqs)
	}

	l = openTestLog(t, path)
	rec := l.Recovery()
	if rec.Entries != 2 || rec.LastSeq != 2 {
		t.Errorf("Recovery() = %+v, want 2 entries ending at seq 2", rec)
	}
	if rec.TruncatedBytes != cut-offsets[2] {
		t.Errorf("TruncatedBytes = %d, want %d", rec.TruncatedBytes, cut-offsets[2])
	}

	off, err := l.Append(historyRecord(3))
	if err != nil {
		t.Fatalf("Append after recovery failed: %v", err)
	}
	if off != offsets[2] {
		t.Errorf("append after recovery at %d, want %d", off, offsets[2])
	}
	l.Close()

	seqs := replaySeqs(t, path)
	if len(seqs) != 3 || seqs[2] != 3 {
		t.Errorf("replayed seqs = %v, want [1 2 3]", seqs)
	}
}

func TestLog_RecoverTornHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	if err := os.WriteFile(path, []byte("TRK"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := openTestLog(t, path)
	defer l.Close()
	if l.Size() != HeaderSize {
		t.Errorf("Size() = %d, want %d", l.Size(), HeaderSize)
	}
	appendAll(t, l, 1)
}

func TestReader_CorruptEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	l := openTestLog(t, path)
	offsets := appendAll(t, l, 1, 2, 3)
	l.Close()

	// Flip a payload byte of the second entry.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, offsets[1]+EntryHeaderSize+2); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r, err := OpenReader(path, ReaderOptions{})
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(t.Context()); err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	_, err = r.Next(t.Context())
	if !types.IsKind(err, types.KindCorruption) {
		t.Fatalf("second Next error = %v, want corruption", err)
	}

	// The writer treats the log as truncated at the corrupt entry.
	l = openTestLog(t, path)
	defer l.Close()
	if got := l.Recovery(); got.Entries != 1 || got.LastSeq != 1 {
		t.Errorf("Recovery() = %+v, want 1 entry ending at seq 1", got)
	}
	if l.Size() != offsets[1] {
		t.Errorf("Size() = %d, want %d", l.Size(), offsets[1])
	}
}

func TestReader_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	if err := os.WriteFile(path, []byte("NOTALOGFILE"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := OpenReader(path, ReaderOptions{})
	if !types.IsKind(err, types.KindCorruption) {
		t.Errorf("OpenReader error = %v, want corruption", err)
	}
}

func TestReader_ResumeFromOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	l := openTestLog(t, path)
	appendAll(t, l, 1, 2, 3)
	l.Close()

	r, err := OpenReader(path, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := r.Next(t.Context()); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	cursor := r.Offset()
	r.Close()

	r, err = OpenReader(path, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.ReadFrom(cursor); err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	entry, err := r.Next(t.Context())
	if err != nil {
		t.Fatalf("Next after resume failed: %v", err)
	}
	rec, err := entry.Record()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Seq != 3 {
		t.Errorf("resumed at seq %d, want 3", rec.Seq)
	}
	if _, err := r.Next(t.Context()); err != io.EOF {
		t.Errorf("Next at end = %v, want io.EOF", err)
	}

	if err := r.ReadFrom(4); !types.IsKind(err, types.KindUsage) {
		t.Errorf("ReadFrom(4) error = %v, want usage error", err)
	}
}

func TestReader_FollowUntilSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	l := openTestLog(t, path)

	r, err := OpenReader(path, ReaderOptions{Follow: true, PollInterval: time.Second, Notify: l.Changed})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	got := make(chan int64, 8)
	done := make(chan error, 1)
	go func() {
		for {
			entry, err := r.Next(ctx)
			if err != nil {
				done <- err
				return
			}
			rec, err := entry.Record()
			if err != nil {
				done <- err
				return
			}
			got <- rec.Seq
		}
	}()

	appendAll(t, l, 1, 2)
	for _, want := range []int64{1, 2} {
		select {
		case seq := <-got:
			if seq != want {
				t.Errorf("followed seq = %d, want %d", seq, want)
			}
		case <-ctx.Done():
			t.Fatal("follower did not observe append")
		}
	}

	if err := l.Seal(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != io.EOF {
			t.Errorf("follower ended with %v, want io.EOF", err)
		}
	case <-ctx.Done():
		t.Fatal("follower did not stop at seal")
	}
	if !r.Sealed() {
		t.Error("Sealed() = false after terminal entry")
	}
}

func TestReader_FollowCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trkd")
	l := openTestLog(t, path)
	defer l.Close()

	r, err := OpenReader(path, ReaderOptions{Follow: true, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next error = %v, want deadline exceeded", err)
	}
}
