package filepusher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/trackd/checkpoint"
	"github.com/pithecene-io/trackd/iox"
	"github.com/pithecene-io/trackd/lode"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/types"
)

func newScheduler(t *testing.T, attempts int) *retry.Scheduler {
	t.Helper()
	s := retry.New(retry.Options{
		Policies: map[types.OperationKind]retry.Policy{
			types.OperationFileTransfer: {MinWait: time.Millisecond, MaxWait: time.Millisecond, MaxAttempts: attempts},
		},
	})
	t.Cleanup(s.Close)
	return s
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPusher_UploadAndStats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "media/images/a.png", "png-bytes")
	writeFile(t, dir, "config.yaml", "lr: 0.1")
	writeFile(t, dir, "model.ckpt", "weights")

	up := lode.NewStubFileWriter()
	p := New(up, newScheduler(t, 1), Config{FilesDir: dir})

	p.Declare(&types.FileDeclaration{Files: []types.FileItem{
		{Path: "media/images/a.png", Policy: types.FilePolicyNow},
		{Path: "config.yaml", Policy: types.FilePolicyNow},
		{Path: "model.ckpt", Policy: types.FilePolicyNow, Category: types.FileCategoryArtifact},
	}})
	if err := p.Join(t.Context()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if got, _ := up.Get("config.yaml"); string(got) != "lr: 0.1" {
		t.Errorf("config.yaml = %q", got)
	}
	stats := p.Stats()
	want := int64(len("png-bytes") + len("lr: 0.1") + len("weights"))
	if stats.UploadedBytes != want || stats.TotalBytes != want {
		t.Errorf("bytes = uploaded %d total %d, want %d", stats.UploadedBytes, stats.TotalBytes, want)
	}
	wantCounts := types.FileCounts{Media: 1, Artifact: 1, Internal: 1}
	if stats.FileCounts != wantCounts {
		t.Errorf("FileCounts = %+v, want %+v", stats.FileCounts, wantCounts)
	}
}

func TestPusher_DedupByContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "same")
	writeFile(t, dir, "b.txt", "same")

	up := lode.NewStubFileWriter()
	p := New(up, newScheduler(t, 1), Config{FilesDir: dir})

	_ = p.EnqueueTransfer("a.txt", "a.txt").Wait(t.Context())
	_ = p.EnqueueTransfer("b.txt", "b.txt").Wait(t.Context())

	if up.Puts != 1 {
		t.Errorf("Puts = %d, want 1", up.Puts)
	}
	stats := p.Stats()
	if stats.DedupedBytes != 4 || stats.UploadedBytes != 4 {
		t.Errorf("deduped %d uploaded %d, want 4 and 4", stats.DedupedBytes, stats.UploadedBytes)
	}
	if stats.FileCounts.Other != 2 {
		t.Errorf("Other = %d, want 2", stats.FileCounts.Other)
	}
}

func TestPusher_EndPolicyWaitsForFinish(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "output.log", "line 1\n")

	up := lode.NewStubFileWriter()
	p := New(up, newScheduler(t, 1), Config{FilesDir: dir})

	p.Declare(&types.FileDeclaration{Files: []types.FileItem{{Path: "output.log", Policy: types.FilePolicyEnd}}})
	_ = p.Join(t.Context())
	if up.Puts != 0 {
		t.Fatalf("end file uploaded before Finish")
	}

	writeFile(t, dir, "output.log", "line 1\nline 2\n")
	p.Finish()
	p.Finish()
	if err := p.Join(t.Context()); err != nil {
		t.Fatal(err)
	}
	if got, _ := up.Get("output.log"); string(got) != "line 1\nline 2\n" {
		t.Errorf("output.log = %q, want final content", got)
	}
}

func TestPusher_LivePolicyUploadsTwice(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "metrics.csv", "a")

	up := lode.NewStubFileWriter()
	p := New(up, newScheduler(t, 1), Config{FilesDir: dir})

	p.Declare(&types.FileDeclaration{Files: []types.FileItem{{Path: "metrics.csv", Policy: types.FilePolicyLive}}})
	_ = p.Join(t.Context())

	writeFile(t, dir, "metrics.csv", "a,b")
	p.Finish()
	_ = p.Join(t.Context())

	if up.Puts != 2 {
		t.Errorf("Puts = %d, want 2", up.Puts)
	}
	if got, _ := up.Get("metrics.csv"); string(got) != "a,b" {
		t.Errorf("metrics.csv = %q, want a,b", got)
	}
}

// flakyUploader fails the first failures calls after reading part of the body.
type flakyUploader struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    *lode.StubFileWriter
}

func (u *flakyUploader) PutFile(ctx context.Context, name string, r io.Reader) error {
	u.mu.Lock()
	u.calls++
	fail := u.calls <= u.failures
	u.mu.Unlock()
	if fail {
		_, _ = io.CopyN(io.Discard, r, 2)
		return types.CommunicationError("put", errors.New("connection reset"))
	}
	return u.inner.PutFile(ctx, name, r)
}

func TestPusher_RetryDoesNotDoubleCountProgress(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data.bin", "0123456789")

	up := &flakyUploader{failures: 2, inner: lode.NewStubFileWriter()}
	p := New(up, newScheduler(t, 5), Config{FilesDir: dir})

	h := p.EnqueueTransfer("data.bin", "data.bin")
	if err := h.Wait(t.Context()); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if got := h.Operation().Attempts; got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}
	stats := p.Stats()
	if stats.UploadedBytes != 10 || stats.TotalBytes != 10 {
		t.Errorf("uploaded %d total %d, want 10 and 10", stats.UploadedBytes, stats.TotalBytes)
	}
}

func TestPusher_MissingFileIsTerminal(t *testing.T) {
	up := lode.NewStubFileWriter()
	p := New(up, newScheduler(t, 5), Config{FilesDir: t.TempDir()})

	err := p.EnqueueTransfer("nope.txt", "nope.txt").Wait(t.Context())
	if !types.IsKind(err, types.KindUsage) {
		t.Errorf("error kind = %s, want usage", types.KindOf(err))
	}
	if err := p.Join(t.Context()); err != nil {
		t.Errorf("Join = %v, want nil after a terminal failure", err)
	}
}

func TestPusher_Compress(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.txt", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	up := lode.NewStubFileWriter()
	p := New(up, newScheduler(t, 1), Config{FilesDir: dir, Compress: true})
	if err := p.EnqueueTransfer("big.txt", "big.txt").Wait(t.Context()); err != nil {
		t.Fatal(err)
	}

	stored, ok := up.Get("big.txt.zst")
	if !ok {
		t.Fatal("compressed upload not stored under big.txt.zst")
	}
	plain, err := iox.Decompress(stored)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("decompressed = %q", plain)
	}
}

func TestPusher_LedgerSkipsAfterRestart(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.ckpt", "weights")

	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ledger := store.ForRun("run-1")

	first := lode.NewStubFileWriter()
	p := New(first, newScheduler(t, 1), Config{FilesDir: dir, Ledger: ledger})
	_ = p.EnqueueTransfer("model.ckpt", "model.ckpt").Wait(t.Context())

	// A restarted run gets a fresh pusher over the same ledger.
	second := lode.NewStubFileWriter()
	p2 := New(second, newScheduler(t, 1), Config{FilesDir: dir, Ledger: ledger})
	_ = p2.EnqueueTransfer("model.ckpt", "model.ckpt").Wait(t.Context())

	if first.Puts != 1 || second.Puts != 0 {
		t.Errorf("Puts = %d then %d, want 1 then 0", first.Puts, second.Puts)
	}
	if got := p2.Stats().DedupedBytes; got != int64(len("weights")) {
		t.Errorf("DedupedBytes = %d, want %d", got, len("weights"))
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		want types.FileCategory
	}{
		{"media/images/x.png", types.FileCategoryMedia},
		{"artifacts/model.pt", types.FileCategoryArtifact},
		{"config.yaml", types.FileCategoryInternal},
		{"trackd-metadata.json", types.FileCategoryInternal},
		{"notes.md", types.FileCategoryOther},
		{"sub/config.yaml", types.FileCategoryOther},
	}
	for _, tt := range tests {
		if got := Categorize(tt.name); got != tt.want {
			t.Errorf("Categorize(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}
