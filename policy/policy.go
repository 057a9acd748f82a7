// Package policy controls how committed log entries are batched toward the
// remote sync sink, and how flow-controlled records are held back when
// outstanding work piles up.
//
// Policies never drop. A failed write keeps the batch buffered and the
// caller decides when to retry by calling Flush again.
package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/trackd/types"
)

// Entry is one committed log record on its way to the sink.
type Entry struct {
	// Offset is the log offset of the entry.
	Offset int64
	// End is the offset of the entry that follows; it is the sync cursor
	// once the entry is persisted.
	End int64
	// Data is the record's encoded form as stored in the log.
	Data []byte
	// Record is the decoded record.
	Record *types.Record
}

// Size returns the entry's on-disk size in bytes.
func (e Entry) Size() int64 {
	return e.End - e.Offset
}

// Policy batches entries toward a Sink.
//
// Guarantees:
//   - entries reach the sink in Ingest order
//   - no entry is ever dropped; a failed write is kept and retried by Flush
//   - Stats().CommittedOffset only moves forward, and only past entries the
//     sink accepted
type Policy interface {
	// Ingest hands an entry to the policy. An error means the entry is
	// buffered but its write failed; call Flush to retry.
	Ingest(ctx context.Context, entry Entry) error

	// Flush writes everything buffered.
	Flush(ctx context.Context) error

	// Close flushes best-effort and closes the sink.
	Close() error

	// Stats returns a consistent snapshot of policy counters.
	Stats() Stats
}

// Stats are policy counters.
type Stats struct {
	// TotalRecords is the number of entries ingested.
	TotalRecords int64
	// RecordsPersisted is the number of entries the sink accepted.
	RecordsPersisted int64
	// BufferedRecords is the number of entries waiting for a write.
	BufferedRecords int64
	// BufferSize is the on-disk size of the buffered entries in bytes.
	BufferSize int64
	// FlushCount is the number of flush operations.
	FlushCount int64
	// Errors is the number of failed writes.
	Errors int64
	// CommittedOffset is the End of the last entry the sink accepted.
	CommittedOffset int64
	// RecordsByType counts ingested entries by record type.
	RecordsByType map[types.RecordType]int64
}

// statsRecorder holds counters for a policy.
//
// Lock discipline:
//   - StrictPolicy and NoopPolicy use the locking methods
//   - StreamingPolicy uses the Locked methods only while holding its own
//     mu, so buffer state and counters change together
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		stats: Stats{RecordsByType: make(map[types.RecordType]int64)},
	}
}

func (r *statsRecorder) incTotal(rt types.RecordType) {
	r.mu.Lock()
	r.incTotalLocked(rt)
	r.mu.Unlock()
}

func (r *statsRecorder) persisted(entries []Entry) {
	r.mu.Lock()
	r.persistedLocked(entries)
	r.mu.Unlock()
}

func (r *statsRecorder) incErrors() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

func (r *statsRecorder) incFlush() {
	r.mu.Lock()
	r.stats.FlushCount++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot(buffered []Entry) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(buffered)
}

// --- Locked methods for StreamingPolicy ---

func (r *statsRecorder) incTotalLocked(rt types.RecordType) {
	r.stats.TotalRecords++
	r.stats.RecordsByType[rt]++
}

func (r *statsRecorder) persistedLocked(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	r.stats.RecordsPersisted += int64(len(entries))
	if end := entries[len(entries)-1].End; end > r.stats.CommittedOffset {
		r.stats.CommittedOffset = end
	}
}

func (r *statsRecorder) incErrorsLocked() {
	r.stats.Errors++
}

func (r *statsRecorder) incFlushLocked() {
	r.stats.FlushCount++
}

// snapshotLocked copies the counters and sizes the given buffer.
func (r *statsRecorder) snapshotLocked(buffered []Entry) Stats {
	s := r.stats
	s.BufferedRecords = int64(len(buffered))
	s.BufferSize = bufferSize(buffered)
	s.RecordsByType = make(map[types.RecordType]int64, len(r.stats.RecordsByType))
	for k, v := range r.stats.RecordsByType {
		s.RecordsByType[k] = v
	}
	return s
}

func bufferSize(entries []Entry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size()
	}
	return n
}
