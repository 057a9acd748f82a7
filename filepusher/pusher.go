// Package filepusher uploads declared run files through the retry
// scheduler. Content is deduplicated by BLAKE3 digest, so a file declared
// twice, or already uploaded before a restart, is transferred once.
package filepusher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pithecene-io/trackd/iox"
	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/types"
)

// Uploader stores file contents under a run-relative name.
// lode.LodeClient implements it.
type Uploader interface {
	PutFile(ctx context.Context, name string, r io.Reader) error
}

// Ledger remembers completed uploads across restarts.
// checkpoint.RunLedger implements it.
type Ledger interface {
	Uploaded(ctx context.Context, digest string) (bool, error)
	RecordUpload(ctx context.Context, digest, destination string, size int64) error
}

// compressedSuffix marks uploads stored zstd-compressed.
const compressedSuffix = ".zst"

// Config configures a Pusher.
type Config struct {
	// FilesDir resolves relative source paths.
	FilesDir string
	// Compress stores uploads zstd-compressed under name + ".zst".
	Compress bool
	// Ledger is optional.
	Ledger Ledger
	// Logger is optional.
	Logger *log.Logger
}

// Pusher schedules file transfers and tracks their progress.
type Pusher struct {
	uploader Uploader
	sched    *retry.Scheduler
	cfg      Config
	logger   *log.Logger

	mu       sync.Mutex
	stats    types.FilePusherStats
	digests  map[string]bool
	handles  []*retry.Handle
	deferred []types.FileItem
	finished bool
}

// New creates a Pusher.
func New(uploader Uploader, sched *retry.Scheduler, cfg Config) *Pusher {
	return &Pusher{
		uploader: uploader,
		sched:    sched,
		cfg:      cfg,
		logger:   cfg.Logger.Named("filepusher"),
		digests:  make(map[string]bool),
	}
}

// Declare applies a file declaration: "now" and "live" files are enqueued
// at once, "end" and "live" files are enqueued again by Finish.
func (p *Pusher) Declare(decl *types.FileDeclaration) {
	for _, f := range decl.Files {
		switch f.Policy {
		case types.FilePolicyEnd:
			p.deferFile(f)
		case types.FilePolicyLive:
			p.EnqueueFile(f)
			p.deferFile(f)
		default:
			p.EnqueueFile(f)
		}
	}
}

func (p *Pusher) deferFile(f types.FileItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	for _, d := range p.deferred {
		if d.Path == f.Path {
			return
		}
	}
	p.deferred = append(p.deferred, f)
}

// EnqueueFile enqueues a declared file under its own relative path.
func (p *Pusher) EnqueueFile(f types.FileItem) *retry.Handle {
	category := f.Category
	if category == "" {
		category = Categorize(f.Path)
	}
	return p.enqueue(p.resolve(f.Path), f.Path, category)
}

// EnqueueTransfer uploads the file at path to destination.
func (p *Pusher) EnqueueTransfer(path, destination string) *retry.Handle {
	return p.enqueue(p.resolve(path), destination, Categorize(destination))
}

func (p *Pusher) resolve(path string) string {
	if filepath.IsAbs(path) || p.cfg.FilesDir == "" {
		return path
	}
	return filepath.Join(p.cfg.FilesDir, path)
}

func (p *Pusher) enqueue(src, dest string, category types.FileCategory) *retry.Handle {
	t := &transfer{pusher: p, src: src, dest: dest, category: category}

	p.mu.Lock()
	h := p.sched.Schedule(types.OperationFileTransfer, dest, t.run)
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h
}

// Finish enqueues the files held for the end of the run. Declarations
// after Finish upload immediately and are not held again.
func (p *Pusher) Finish() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	held := p.deferred
	p.deferred = nil
	p.mu.Unlock()

	for _, f := range held {
		p.EnqueueFile(f)
	}
	p.logger.Debug("file pusher finished", map[string]any{"held_files": len(held)})
}

// Join waits until every enqueued transfer succeeded or failed for good.
// Terminal failures are reported in the scheduler's stats, not here.
func (p *Pusher) Join(ctx context.Context) error {
	for {
		p.mu.Lock()
		handles := p.handles
		p.handles = nil
		p.mu.Unlock()

		if len(handles) == 0 {
			return nil
		}
		for _, h := range handles {
			select {
			case <-h.Done():
			case <-ctx.Done():
				p.mu.Lock()
				p.handles = append(handles, p.handles...)
				p.mu.Unlock()
				return ctx.Err()
			}
		}
	}
}

// Stats returns upload progress.
func (p *Pusher) Stats() types.FilePusherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pusher) addUploaded(n int64) {
	p.mu.Lock()
	p.stats.UploadedBytes += n
	p.mu.Unlock()
}

// transfer is one scheduled upload. It is retried as a unit.
type transfer struct {
	pusher   *Pusher
	src      string
	dest     string
	category types.FileCategory

	// sized is set once TotalBytes includes this file.
	sized bool
}

func (t *transfer) run(ctx context.Context) error {
	p := t.pusher

	digest, size, err := fileDigest(t.src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.UsageError("file transfer", err)
		}
		return types.NewError(types.KindIO, "file transfer", err)
	}
	if !t.sized {
		t.sized = true
		p.mu.Lock()
		p.stats.TotalBytes += size
		p.mu.Unlock()
	}

	if done, err := t.alreadyUploaded(ctx, digest); err != nil {
		p.logger.Warn("upload ledger unavailable", map[string]any{"error": err.Error()})
	} else if done {
		p.mu.Lock()
		p.stats.DedupedBytes += size
		countFile(&p.stats.FileCounts, t.category)
		p.mu.Unlock()
		p.logger.Debug("upload deduplicated", map[string]any{"destination": t.dest, "digest": digest})
		return nil
	}

	body, name, err := t.open()
	if err != nil {
		return types.NewError(types.KindIO, "file transfer", err)
	}
	defer iox.DiscardClose(body)

	progress := &progressReader{r: body, add: p.addUploaded}
	if err := p.uploader.PutFile(ctx, name, progress); err != nil {
		// A failed attempt's bytes are counted again by the next one.
		p.addUploaded(-progress.n)
		return err
	}

	p.mu.Lock()
	p.digests[digest] = true
	countFile(&p.stats.FileCounts, t.category)
	p.mu.Unlock()

	if p.cfg.Ledger != nil {
		if err := p.cfg.Ledger.RecordUpload(context.WithoutCancel(ctx), digest, t.dest, size); err != nil {
			p.logger.Warn("record upload failed", map[string]any{"destination": t.dest, "error": err.Error()})
		}
	}
	return nil
}

func (t *transfer) alreadyUploaded(ctx context.Context, digest string) (bool, error) {
	p := t.pusher
	p.mu.Lock()
	seen := p.digests[digest]
	p.mu.Unlock()
	if seen || p.cfg.Ledger == nil {
		return seen, nil
	}
	return p.cfg.Ledger.Uploaded(ctx, digest)
}

// open returns the upload body and its stored name.
func (t *transfer) open() (io.ReadCloser, string, error) {
	if !t.pusher.cfg.Compress {
		f, err := os.Open(t.src)
		if err != nil {
			return nil, "", err
		}
		return f, t.dest, nil
	}
	data, err := os.ReadFile(t.src)
	if err != nil {
		return nil, "", err
	}
	return io.NopCloser(bytes.NewReader(iox.Compress(data))), t.dest + compressedSuffix, nil
}

// progressReader reports bytes as the uploader consumes them.
type progressReader struct {
	r   io.Reader
	n   int64
	add func(int64)
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 {
		r.n += int64(n)
		r.add(int64(n))
	}
	return n, err
}

// Categorize buckets a run-relative file name:
// media/ files are media, artifact/ files are artifacts, files written by
// the runtime itself (config.yaml, summary, logs, metadata) are internal.
func Categorize(name string) types.FileCategory {
	clean := filepath.ToSlash(filepath.Clean(name))
	switch {
	case strings.HasPrefix(clean, "media/"):
		return types.FileCategoryMedia
	case strings.HasPrefix(clean, "artifact/"), strings.HasPrefix(clean, "artifacts/"):
		return types.FileCategoryArtifact
	case isInternalFile(clean):
		return types.FileCategoryInternal
	default:
		return types.FileCategoryOther
	}
}

var internalFiles = map[string]bool{
	"config.yaml":      true,
	"summary.json":     true,
	"metadata.json":    true,
	"output.log":       true,
	"requirements.txt": true,
}

func isInternalFile(name string) bool {
	return internalFiles[name] || strings.HasPrefix(name, "trackd-")
}

func countFile(c *types.FileCounts, category types.FileCategory) {
	switch category {
	case types.FileCategoryMedia:
		c.Media++
	case types.FileCategoryArtifact:
		c.Artifact++
	case types.FileCategoryInternal:
		c.Internal++
	default:
		c.Other++
	}
}
