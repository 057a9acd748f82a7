package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSyncCursor_NeverMovesBack(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()

	if _, err := s.SyncCursor(ctx, "run-1"); !errors.Is(err, ErrNoCursor) {
		t.Fatalf("SyncCursor on empty ledger = %v, want ErrNoCursor", err)
	}

	for _, off := range []int64{100, 250, 180} {
		if err := s.SetSyncCursor(ctx, "run-1", off); err != nil {
			t.Fatalf("SetSyncCursor(%d) failed: %v", off, err)
		}
	}
	got, err := s.SyncCursor(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != 250 {
		t.Errorf("SyncCursor = %d, want 250", got)
	}

	if _, err := s.SyncCursor(ctx, "run-2"); !errors.Is(err, ErrNoCursor) {
		t.Errorf("cursor leaked across runs: %v", err)
	}
}

func TestUploads(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	l := s.ForRun("run-1")

	ok, err := l.Uploaded(ctx, "d1")
	if err != nil || ok {
		t.Fatalf("Uploaded before record = (%v, %v), want (false, nil)", ok, err)
	}

	if err := l.RecordUpload(ctx, "d1", "media/a.png", 10); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordUpload(ctx, "d1", "media/b.png", 10); err != nil {
		t.Fatalf("duplicate RecordUpload failed: %v", err)
	}
	if err := l.RecordUpload(ctx, "d2", "config.yaml", 3); err != nil {
		t.Fatal(err)
	}

	ok, _ = l.Uploaded(ctx, "d1")
	if !ok {
		t.Error("Uploaded(d1) = false after record")
	}
	if ok, _ := s.Uploaded(ctx, "run-2", "d1"); ok {
		t.Error("upload leaked across runs")
	}

	ups, err := s.Uploads(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) != 2 {
		t.Fatalf("Uploads = %d, want 2", len(ups))
	}
	if ups[0].Destination != "config.yaml" || ups[1].Destination != "media/a.png" {
		t.Errorf("destinations = %s, %s; want config.yaml, media/a.png", ups[0].Destination, ups[1].Destination)
	}
	if ups[1].UploadedAt.IsZero() {
		t.Error("UploadedAt not stored")
	}
}

func TestReopenKeepsProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.SetSyncCursor(t.Context(), "run-1", 42)
	_ = s.ForRun("run-1").RecordUpload(t.Context(), "d", "f", 1)
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	l := s.ForRun("run-1")
	if got, _ := l.SyncCursor(t.Context()); got != 42 {
		t.Errorf("SyncCursor after reopen = %d, want 42", got)
	}
	if ok, _ := l.Uploaded(t.Context(), "d"); !ok {
		t.Error("upload lost after reopen")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("disk I/O error (522) IOERR_SHORT_READ"), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnContention(t *testing.T) {
	calls := 0
	err := retryOnContention(t.Context(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("retryOnContention = (%v, %d calls), want (nil, 3)", err, calls)
	}

	calls = 0
	permanent := errors.New("no such table")
	if err := retryOnContention(t.Context(), func() error { calls++; return permanent }); err != permanent || calls != 1 {
		t.Errorf("permanent error retried: (%v, %d calls)", err, calls)
	}
}
