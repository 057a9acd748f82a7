package lode

import (
	"context"

	"github.com/pithecene-io/trackd/metrics"
	"github.com/pithecene-io/trackd/policy"
)

// InstrumentedSink wraps a policy.Sink and counts each write as a success
// or failure on the metrics collector.
type InstrumentedSink struct {
	inner     policy.Sink
	collector *metrics.Collector
}

// NewInstrumentedSink wraps a sink with metrics instrumentation.
func NewInstrumentedSink(inner policy.Sink, collector *metrics.Collector) *InstrumentedSink {
	return &InstrumentedSink{inner: inner, collector: collector}
}

// WriteEntries delegates to the inner sink and records the outcome.
func (s *InstrumentedSink) WriteEntries(ctx context.Context, entries []policy.Entry) error {
	err := s.inner.WriteEntries(ctx, entries)
	if err != nil {
		s.collector.IncLodeWriteFailure()
	} else {
		s.collector.IncLodeWriteSuccess()
	}
	return err
}

// Close delegates to the inner sink.
func (s *InstrumentedSink) Close() error {
	return s.inner.Close()
}

var _ policy.Sink = (*InstrumentedSink)(nil)
