package policy

import (
	"context"
	"sync"
)

// StrictPolicy writes every entry as soon as it is ingested.
//
//   - No batching: each Ingest is a write of one entry, plus any entries
//     left over from a failed write, in order
//   - No drops: a failed entry stays pending until a write succeeds
//   - Backpressure: the caller blocks on sink latency
type StrictPolicy struct {
	sink Sink

	// writeMu serializes writes so pending entries keep their order.
	writeMu sync.Mutex
	pending []Entry
	stats   *statsRecorder
}

// NewStrictPolicy creates a new strict policy writing to the given sink.
func NewStrictPolicy(sink Sink) *StrictPolicy {
	return &StrictPolicy{
		sink:  sink,
		stats: newStatsRecorder(),
	}
}

// Ingest writes the entry, together with any pending entries, immediately.
func (p *StrictPolicy) Ingest(ctx context.Context, entry Entry) error {
	p.stats.incTotal(entry.Record.Type())

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.pending = append(p.pending, entry)
	return p.writePending(ctx)
}

// Flush retries entries left pending by a failed write.
func (p *StrictPolicy) Flush(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.stats.incFlush()
	if len(p.pending) == 0 {
		return nil
	}
	return p.writePending(ctx)
}

// writePending writes p.pending. Caller holds writeMu.
func (p *StrictPolicy) writePending(ctx context.Context) error {
	batch := p.pending
	if err := p.sink.WriteEntries(ctx, batch); err != nil {
		p.stats.incErrors()
		return err
	}
	p.pending = nil
	p.stats.persisted(batch)
	return nil
}

// Close closes the underlying sink.
func (p *StrictPolicy) Close() error {
	return p.sink.Close()
}

// Stats returns policy statistics.
func (p *StrictPolicy) Stats() Stats {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stats.snapshot(p.pending)
}

var _ Policy = (*StrictPolicy)(nil)
