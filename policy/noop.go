package policy

import (
	"context"
)

// NoopPolicy accepts entries without writing them anywhere. It is the
// policy of a run with remote sync disabled: entries count as persisted
// so the sync cursor still advances and shutdown can complete.
type NoopPolicy struct {
	stats *statsRecorder
}

// NewNoopPolicy creates a new no-op policy.
func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{stats: newStatsRecorder()}
}

// Ingest counts the entry as persisted.
func (p *NoopPolicy) Ingest(_ context.Context, entry Entry) error {
	p.stats.incTotal(entry.Record.Type())
	p.stats.persisted([]Entry{entry})
	return nil
}

// Flush is a no-op.
func (p *NoopPolicy) Flush(_ context.Context) error {
	p.stats.incFlush()
	return nil
}

// Close is a no-op.
func (p *NoopPolicy) Close() error {
	return nil
}

// Stats returns the policy statistics.
func (p *NoopPolicy) Stats() Stats {
	return p.stats.snapshot(nil)
}

var _ Policy = (*NoopPolicy)(nil)
