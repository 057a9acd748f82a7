package policy

import (
	"context"
	"errors"
	"sync"

	"github.com/pithecene-io/trackd/types"
)

// ErrStubWrite is the retryable failure injected by StubSink.FailNext.
var ErrStubWrite = types.CommunicationError("stub write", errors.New("injected failure"))

// Sink persists batches of log entries to the remote sync target.
type Sink interface {
	// WriteEntries persists a batch. Must preserve ordering within the batch.
	// On error nothing in the batch may be considered persisted.
	WriteEntries(ctx context.Context, entries []Entry) error

	// Close releases any resources held by the sink.
	Close() error
}

// StubSink is a test sink that keeps written entries in memory.
type StubSink struct {
	mu sync.Mutex

	// RecordsWritten is the total count of entries written.
	RecordsWritten int64
	// Batches is the number of WriteEntries calls that succeeded.
	Batches int64
	// Closed indicates whether Close was called.
	Closed bool

	// Written stores all written entries in order.
	Written []Entry

	// ErrorOnWrite, if non-nil, is returned by WriteEntries.
	ErrorOnWrite error
	// FailNext, if positive, fails that many writes with ErrStubWrite
	// before any other behavior applies.
	FailNext int
}

// NewStubSink creates a new stub sink for testing.
func NewStubSink() *StubSink {
	return &StubSink{Written: make([]Entry, 0)}
}

// WriteEntries records the batch.
func (s *StubSink) WriteEntries(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext > 0 {
		s.FailNext--
		return ErrStubWrite
	}
	if s.ErrorOnWrite != nil {
		return s.ErrorOnWrite
	}

	s.Batches++
	s.RecordsWritten += int64(len(entries))
	s.Written = append(s.Written, entries...)
	return nil
}

// Close marks the sink as closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Closed = true
	return nil
}

// SetError installs err for subsequent writes. A nil err clears it.
func (s *StubSink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorOnWrite = err
}

// Stats returns a snapshot of sink statistics.
func (s *StubSink) Stats() StubSinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StubSinkStats{
		RecordsWritten: s.RecordsWritten,
		Batches:        s.Batches,
		Closed:         s.Closed,
	}
}

// Seqs returns the sequence numbers of written entries in order.
func (s *StubSink) Seqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]int64, 0, len(s.Written))
	for _, e := range s.Written {
		seqs = append(seqs, e.Record.Seq)
	}
	return seqs
}

// StubSinkStats is a snapshot of StubSink statistics.
type StubSinkStats struct {
	RecordsWritten int64
	Batches        int64
	Closed         bool
}
