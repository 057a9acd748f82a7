package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/trackd/checkpoint"
	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/lode"
	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/types"
)

// finalFlushTimeout bounds the flush after the log is sealed.
const finalFlushTimeout = 30 * time.Second

// CursorStore persists the sync cursor across restarts.
// checkpoint.RunLedger implements it.
type CursorStore interface {
	SyncCursor(ctx context.Context) (int64, error)
	SetSyncCursor(ctx context.Context, offset int64) error
}

// flowMark holds a flow-control unit until the sync cursor passes end.
type flowMark struct {
	end   int64
	class string
}

// syncWorker follows the log and feeds committed entries to the sync
// policy. It owns the sync cursor: the End of the last entry the sink
// accepted.
type syncWorker struct {
	log    *datastore.Log
	policy policy.Policy
	sched  *retry.Scheduler
	flow   *policy.FlowGate
	cursor CursorStore
	logger *log.Logger

	mu        sync.Mutex
	read      int64
	committed int64
	marks     []flowMark
	changed   chan struct{}
	cancel    context.CancelFunc
	stopped   bool

	flushMu  sync.Mutex
	flushing *retry.Handle
}

func newSyncWorker(l *datastore.Log, pol policy.Policy, sched *retry.Scheduler, flow *policy.FlowGate, cursor CursorStore, logger *log.Logger) *syncWorker {
	return &syncWorker{
		log:     l,
		policy:  pol,
		sched:   sched,
		flow:    flow,
		cursor:  cursor,
		logger:  logger.Named("sync"),
		changed: make(chan struct{}),
	}
}

// run follows the log from the stored cursor until the terminal entry,
// then flushes what is left. stop ends it early.
func (w *syncWorker) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.cancel = cancel
	w.mu.Unlock()

	start := w.loadCursor(ctx)
	r, err := datastore.OpenReader(w.log.Path(), datastore.ReaderOptions{
		Follow: true,
		Notify: w.log.Changed,
	})
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.ReadFrom(start); err != nil {
		return err
	}

	w.mu.Lock()
	w.read = r.Offset()
	if w.committed < w.read {
		w.committed = w.read
	}
	w.mu.Unlock()

	w.logger.Debug("sync started", map[string]any{"offset": r.Offset()})

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		w.tick(ctx)
	}()
	defer func() {
		cancel()
		<-tickDone
	}()

	for {
		entry, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sync read at offset %d: %w", r.Offset(), err)
		}

		rec, err := entry.Record()
		if err != nil {
			return fmt.Errorf("sync decode at offset %d: %w", entry.Offset, err)
		}
		if err := w.policy.Ingest(ctx, policy.Entry{
			Offset: entry.Offset,
			End:    entry.End(),
			Data:   entry.Data,
			Record: rec,
		}); err != nil {
			// The entry stays buffered in the policy; the retry
			// scheduler owns getting it out.
			w.logger.Warn("sync write failed, scheduling retry", map[string]any{
				"offset": entry.Offset,
				"error":  err.Error(),
			})
			w.scheduleFlush()
		}
		w.setRead(entry.End())
		w.advance(ctx)
	}

	// Sealed: push out the tail even if the run's context is gone.
	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer flushCancel()
	if err := w.policy.Flush(flushCtx); err != nil {
		w.logger.Warn("final sync flush failed (best effort)", map[string]any{"error": err.Error()})
	}
	w.advance(flushCtx)
	w.logger.Debug("sync finished", map[string]any{"committed": w.Committed()})
	return nil
}

// stop ends run without waiting for the terminal entry.
func (w *syncWorker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// tick picks up commits made by the policy's own triggers.
func (w *syncWorker) tick(ctx context.Context) {
	ticker := time.NewTicker(datastore.DefaultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.advance(ctx)
		}
	}
}

func (w *syncWorker) loadCursor(ctx context.Context) int64 {
	if w.cursor == nil {
		return 0
	}
	off, err := w.cursor.SyncCursor(ctx)
	switch {
	case err == nil:
	case errors.Is(err, checkpoint.ErrNoCursor), errors.Is(err, lode.ErrNoSyncRecords):
		return 0
	default:
		w.logger.Warn("sync cursor unavailable, syncing from start", map[string]any{"error": err.Error()})
		return 0
	}
	if size := w.log.Size(); off > size {
		w.logger.Warn("sync cursor beyond log end, syncing from start", map[string]any{
			"cursor": off,
			"size":   size,
		})
		return 0
	}
	return off
}

// scheduleFlush returns the in-flight remote_sync flush, or starts one.
func (w *syncWorker) scheduleFlush() *retry.Handle {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	if w.flushing != nil {
		select {
		case <-w.flushing.Done():
		default:
			return w.flushing
		}
	}
	w.flushing = w.sched.Schedule(types.OperationRemoteSync, "log_sync", func(ctx context.Context) error {
		err := w.policy.Flush(ctx)
		w.advance(ctx)
		return err
	})
	return w.flushing
}

// track holds a flow-control unit of class until the cursor passes end.
func (w *syncWorker) track(end int64, class string) {
	w.mu.Lock()
	if end <= w.committed {
		w.mu.Unlock()
		w.flow.Release(class)
		return
	}
	w.marks = append(w.marks, flowMark{end: end, class: class})
	w.mu.Unlock()
}

// advance moves the cursor to the policy's committed offset, releases
// flow-control units behind it and persists it.
func (w *syncWorker) advance(ctx context.Context) {
	committed := w.policy.Stats().CommittedOffset

	w.mu.Lock()
	if committed <= w.committed {
		w.mu.Unlock()
		return
	}
	w.committed = committed
	i := 0
	for i < len(w.marks) && w.marks[i].end <= committed {
		i++
	}
	released := w.marks[:i]
	w.marks = w.marks[i:]
	w.broadcastLocked()
	w.mu.Unlock()

	for _, m := range released {
		w.flow.Release(m.class)
	}
	if w.cursor != nil {
		if err := w.cursor.SetSyncCursor(ctx, committed); err != nil {
			w.logger.Warn("sync cursor not persisted", map[string]any{
				"offset": committed,
				"error":  err.Error(),
			})
		}
	}
}

func (w *syncWorker) setRead(off int64) {
	w.mu.Lock()
	w.read = off
	w.broadcastLocked()
	w.mu.Unlock()
}

func (w *syncWorker) broadcastLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// Committed returns the sync cursor.
func (w *syncWorker) Committed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// drain waits until every entry before target was read and accepted by
// the sink, flushing through the retry scheduler as needed.
func (w *syncWorker) drain(ctx context.Context, target int64) error {
	for {
		w.mu.Lock()
		read, ch := w.read, w.changed
		w.mu.Unlock()
		if read >= target {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("log sync read %d of %d bytes: %w", read, target, context.Cause(ctx))
		case <-ch:
		}
	}

	for w.Committed() < target {
		h := w.scheduleFlush()
		if err := h.Wait(ctx); err != nil {
			return fmt.Errorf("log sync flush: %w", err)
		}
		w.advance(ctx)
	}
	return nil
}
