// Package lode persists synced log entries and uploaded run files in a Lode
// dataset.
//
// Records are written as JSONL with a Hive layout keyed by
// entity/project/day/run_id/record_type. Next to the records, every batch is
// also stored as a compressed segment of the exact encoded entries, so a
// run's log can be rebuilt from remote storage alone.
package lode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/trackd/policy"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "trackd"

// defaultNamespace fills empty entity and project partition values.
const defaultNamespace = "default"

// DeriveDay computes the partition day from run start time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(startTime time.Time) string {
	return startTime.UTC().Format("2006-01-02")
}

// Config holds the partition keys of one run.
type Config struct {
	// Dataset is the Lode dataset ID.
	Dataset string
	// Entity and Project namespace the run.
	Entity  string
	Project string
	// Day is derived from the run start time (YYYY-MM-DD UTC).
	Day string
	// RunID identifies the run.
	RunID string
}

// Validate checks that the required keys are present.
func (c Config) Validate() error {
	if c.RunID == "" {
		return errors.New("lode: run_id is required")
	}
	if c.Day == "" {
		return errors.New("lode: day is required")
	}
	return nil
}

// withDefaults fills the optional keys.
func (c Config) withDefaults() Config {
	if c.Dataset == "" {
		c.Dataset = DefaultDataset
	}
	if c.Entity == "" {
		c.Entity = defaultNamespace
	}
	if c.Project == "" {
		c.Project = defaultNamespace
	}
	return c
}

// Client abstracts the Lode storage client.
type Client interface {
	// WriteEntries writes a batch of synced entries.
	// Must preserve ordering within the batch.
	WriteEntries(ctx context.Context, entries []policy.Entry) error

	// Close releases client resources.
	Close() error
}

// Sink is the policy.Sink that ships entries to Lode.
type Sink struct {
	client Client
}

// NewSink creates a new Lode sink.
func NewSink(client Client) *Sink {
	return &Sink{client: client}
}

// WriteEntries implements policy.Sink. Failures are classified so the
// retry scheduler can tell transient errors from terminal ones.
func (s *Sink) WriteEntries(ctx context.Context, entries []policy.Entry) error {
	if err := s.client.WriteEntries(ctx, entries); err != nil {
		return Classify("sync", err)
	}
	return nil
}

// Close implements policy.Sink.
func (s *Sink) Close() error {
	return s.client.Close()
}

var _ policy.Sink = (*Sink)(nil)

// StubClient records writes in memory.
type StubClient struct {
	mu      sync.Mutex
	Batches [][]policy.Entry
	Err     error
	Closed  bool
}

// NewStubClient creates a new stub client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// WriteEntries implements Client.
func (c *StubClient) WriteEntries(_ context.Context, entries []policy.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Batches = append(c.Batches, entries)
	return nil
}

// Close implements Client.
func (c *StubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

var _ Client = (*StubClient)(nil)
