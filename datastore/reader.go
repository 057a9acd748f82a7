package datastore

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/trackd/types"
)

// DefaultPollInterval is how often a following reader re-checks the tail
// when it has no in-process change notification.
const DefaultPollInterval = 200 * time.Millisecond

// ReaderOptions configures OpenReader.
type ReaderOptions struct {
	// Follow makes Next wait at the tail until the log is sealed.
	// Without it Next returns io.EOF at the end of committed data.
	Follow bool
	// PollInterval bounds how long a follower sleeps between tail checks.
	PollInterval time.Duration
	// Notify, when set, wakes a follower as soon as the writer appends.
	// Pass (*Log).Changed for readers in the writer's process.
	Notify func() <-chan struct{}
}

// Reader reads committed entries sequentially. Readers never take the
// writer's lock and never return a corrupt entry.
type Reader struct {
	f      *os.File
	opts   ReaderOptions
	off    int64
	sealed bool
}

// OpenReader opens path for reading from the first entry.
func OpenReader(path string, opts ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewError(types.KindIO, "open reader", err)
	}
	if err := readHeader(f); err != nil {
		f.Close()
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Reader{f: f, opts: opts, off: HeaderSize}, nil
}

// ReadFrom repositions the reader at offset, which must be an entry
// boundary previously returned as an entry's Offset or End. Zero means the
// first entry.
func (r *Reader) ReadFrom(offset int64) error {
	if offset == 0 {
		offset = HeaderSize
	}
	if offset < HeaderSize {
		return types.UsageError("read_from", fmt.Errorf("offset %d is inside the header", offset))
	}
	r.off = offset
	r.sealed = false
	return nil
}

// Offset returns the offset of the next entry to be read; persisting it
// lets a later reader resume exactly here.
func (r *Reader) Offset() int64 {
	return r.off
}

// Sealed reports whether the reader has reached the terminal entry.
func (r *Reader) Sealed() bool {
	return r.sealed
}

// Next returns the next committed entry.
//
// Errors:
//   - io.EOF at the terminal entry, or at the end of committed data when
//     not following
//   - CorruptionError for a complete entry that fails its checksum; the
//     log is considered truncated at that offset
//   - ctx.Err() when a follower is cancelled
func (r *Reader) Next(ctx context.Context) (LogEntry, error) {
	retried := false
	for {
		if r.sealed {
			return LogEntry{}, io.EOF
		}

		entry, status, err := probeEntry(r.f, r.off)
		switch status {
		case entryOK:
			r.off = entry.End()
			return entry, nil
		case entrySealed:
			r.sealed = true
			return LogEntry{}, io.EOF
		case entryCorrupt:
			// A follower may race a writer at the tail; look once more
			// before calling the bytes corrupt.
			if r.opts.Follow && !retried {
				retried = true
				if werr := r.wait(ctx); werr != nil {
					return LogEntry{}, werr
				}
				continue
			}
			return LogEntry{}, types.CorruptionError(r.off, err)
		case entryIncomplete:
			if err != nil {
				return LogEntry{}, types.NewError(types.KindIO, "read", err)
			}
			if !r.opts.Follow {
				return LogEntry{}, io.EOF
			}
			if werr := r.wait(ctx); werr != nil {
				return LogEntry{}, werr
			}
		}
	}
}

func (r *Reader) wait(ctx context.Context) error {
	var notify <-chan struct{}
	if r.opts.Notify != nil {
		notify = r.opts.Notify()
	}

	timer := time.NewTimer(r.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-notify:
		return nil
	case <-timer.C:
		return nil
	}
}

// Close releases the file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Replay decodes every committed record from the start of the log at path.
// It stops at the first error from fn or from reading.
func Replay(ctx context.Context, path string, fn func(LogEntry, *types.Record) error) error {
	r, err := OpenReader(path, ReaderOptions{})
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		entry, err := r.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := entry.Record()
		if err != nil {
			return types.CorruptionError(entry.Offset, err)
		}
		if err := fn(entry, rec); err != nil {
			return err
		}
	}
}
