package datastore

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/pithecene-io/trackd/ipc"
	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/types"
)

// SyncMode controls when appends reach stable storage.
type SyncMode int

const (
	// SyncAlways fsyncs every append before returning.
	SyncAlways SyncMode = iota
	// SyncNone leaves flushing to the OS. Appends survive a process crash
	// but not a machine crash.
	SyncNone
)

// Options configures Open.
type Options struct {
	SyncMode SyncMode
	Logger   *log.Logger
}

// Recovery describes what Open found on disk.
type Recovery struct {
	// Entries is the number of committed entries.
	Entries int
	// LastSeq is the sequence number of the last committed record.
	LastSeq int64
	// TruncatedBytes is the size of the discarded partial or corrupt tail.
	TruncatedBytes int64
}

// Log is the write side of a run's persistent log.
// Exactly one Log may be open for writing per file.
type Log struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	size    int64
	lastSeq int64
	sealed  bool
	closed  bool
	opts    Options
	logger  *log.Logger

	recovery Recovery
	// changed is closed and replaced whenever the log grows or is sealed.
	changed chan struct{}
}

// Open opens or creates the log at path for writing.
//
// Any trailing partial or checksum-invalid entry is truncated so the log
// ends at the last fully committed entry. Opening a sealed log fails with
// ErrRunClosed; opening a log held by another writer fails with a
// UsageError.
func Open(path string, opts Options) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, types.NewError(types.KindIO, "open", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, types.UsageError("open", fmt.Errorf("log %s is held by another writer: %w", path, err))
	}

	l := &Log{
		path:    path,
		f:       f,
		opts:    opts,
		logger:  opts.Logger.Named("datastore"),
		changed: make(chan struct{}),
	}
	if err := l.recover(); err != nil {
		unlockFile(f)
		f.Close()
		return nil, err
	}
	return l, nil
}

// recover validates the header and truncates the tail to the last good entry.
func (l *Log) recover() error {
	info, err := l.f.Stat()
	if err != nil {
		return types.NewError(types.KindIO, "stat", err)
	}

	if info.Size() == 0 {
		if _, err := l.f.WriteAt(encodeHeader(), 0); err != nil {
			return types.NewError(types.KindIO, "write header", err)
		}
		if err := l.f.Sync(); err != nil {
			return types.NewError(types.KindIO, "sync", err)
		}
		l.size = HeaderSize
		return nil
	}
	if info.Size() < HeaderSize {
		// A crash while writing the header: nothing was ever committed.
		if err := l.f.Truncate(0); err != nil {
			return types.NewError(types.KindIO, "truncate", err)
		}
		return l.recover()
	}
	if err := readHeader(l.f); err != nil {
		return err
	}

	off := int64(HeaderSize)
	for {
		entry, status, err := probeEntry(l.f, off)
		if err != nil && status != entryCorrupt {
			return types.NewError(types.KindIO, "scan", err)
		}

		switch status {
		case entryOK:
			rec, derr := entry.Record()
			if derr != nil {
				return types.CorruptionError(off, derr)
			}
			l.lastSeq = rec.Seq
			l.recovery.Entries++
			off = entry.End()
			continue
		case entrySealed:
			return types.UsageError("open", fmt.Errorf("%w: %s is sealed", types.ErrRunClosed, l.path))
		case entryIncomplete, entryCorrupt:
		}

		if tail := info.Size() - off; tail > 0 {
			if err := l.f.Truncate(off); err != nil {
				return types.NewError(types.KindIO, "truncate", err)
			}
			if err := l.f.Sync(); err != nil {
				return types.NewError(types.KindIO, "sync", err)
			}
			l.recovery.TruncatedBytes = tail
			l.logger.Warn("truncated uncommitted log tail", map[string]any{
				"offset": off,
				"bytes":  tail,
				"reason": errString(err),
			})
		}
		break
	}

	l.size = off
	l.recovery.LastSeq = l.lastSeq
	return nil
}

// Append durably writes rec and returns its offset.
//
// Errors:
//   - UsageError wrapping ErrRunClosed after Seal or Close
//   - UsageError for a sequence number that does not increase
//   - IO error on disk failure (fatal; never retried here)
func (l *Log) Append(rec *types.Record) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed || l.closed {
		return 0, types.UsageError("append", types.ErrRunClosed)
	}
	if rec.Seq <= l.lastSeq {
		return 0, types.UsageError("append", fmt.Errorf("seq %d is not greater than last seq %d", rec.Seq, l.lastSeq))
	}

	data, err := ipc.EncodeRecord(rec)
	if err != nil {
		return 0, types.UsageError("append", err)
	}
	if len(data) > ipc.MaxPayloadSize {
		return 0, types.UsageError("append", fmt.Errorf("record of %d bytes exceeds maximum %d", len(data), ipc.MaxPayloadSize))
	}

	offset := l.size
	if err := l.write(encodeEntry(data)); err != nil {
		return 0, err
	}

	l.lastSeq = rec.Seq
	l.broadcast()
	return offset, nil
}

// write places buf at the end of the log. On failure the tail is cut back
// so a later append does not leave garbage behind it.
func (l *Log) write(buf []byte) error {
	if _, err := l.f.WriteAt(buf, l.size); err != nil {
		_ = l.f.Truncate(l.size)
		return types.NewError(types.KindIO, "append", err)
	}
	if l.opts.SyncMode == SyncAlways {
		if err := l.f.Sync(); err != nil {
			_ = l.f.Truncate(l.size)
			return types.NewError(types.KindIO, "sync", err)
		}
	}
	l.size += int64(len(buf))
	return nil
}

// Seal writes the terminal entry and releases the file. Appends fail with
// ErrRunClosed afterwards. Sealing twice is a no-op.
func (l *Log) Seal() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return nil
	}
	if l.closed {
		return types.UsageError("seal", types.ErrRunClosed)
	}

	if _, err := l.f.WriteAt(encodeSeal(), l.size); err != nil {
		return types.NewError(types.KindIO, "seal", err)
	}
	if err := l.f.Sync(); err != nil {
		return types.NewError(types.KindIO, "seal", err)
	}
	l.size += EntryHeaderSize
	l.sealed = true
	l.broadcast()
	return l.release()
}

// Close releases the file without sealing, leaving the run resumable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed || l.closed {
		return nil
	}
	l.closed = true
	l.broadcast()
	return l.release()
}

func (l *Log) release() error {
	var errs []error
	if l.opts.SyncMode == SyncNone {
		if err := l.f.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := unlockFile(l.f); err != nil {
		errs = append(errs, err)
	}
	if err := l.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// broadcast wakes in-process followers. Callers hold mu.
func (l *Log) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Changed returns a channel closed on the next append, seal or close.
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// Path returns the file path.
func (l *Log) Path() string {
	return l.path
}

// Size returns the offset at which the next entry will be written.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// LastSeq returns the sequence number of the last committed record.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Sealed reports whether the terminal entry has been written.
func (l *Log) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// Recovery returns what Open found on disk.
func (l *Log) Recovery() Recovery {
	return l.recovery
}

func errString(err error) string {
	if err == nil {
		return "incomplete entry"
	}
	return err.Error()
}
