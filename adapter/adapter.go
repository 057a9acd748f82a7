// Package adapter is the notification boundary of a finished run.
//
// Once a run's log is sealed (or the core gives up on it), serve publishes
// one RunFinalizedEvent to a downstream system. Delivery is best effort:
// a failed publish never changes the run's outcome.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/trackd/types"
)

// EventRunFinalized is the EventType of every published event.
const EventRunFinalized = "run_finalized"

// RunFinalizedEvent is the payload published when serving a run ends.
type RunFinalizedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"`
	RunID           string `json:"run_id"`
	Project         string `json:"project,omitempty"`
	Entity          string `json:"entity,omitempty"`

	// Outcome is the core's classification (completed, degraded, ...).
	Outcome  string `json:"outcome"`
	ExitCode int    `json:"exit_code"`
	// RunExitCode is the client's own exit code, if it sent one.
	RunExitCode *int32 `json:"run_exit_code,omitempty"`

	DeferState   string   `json:"defer_state"`
	Sealed       bool     `json:"sealed"`
	Resumed      bool     `json:"resumed"`
	FailedStates []string `json:"failed_states,omitempty"`

	LastSeq    int64  `json:"last_seq"`
	SyncOffset int64  `json:"sync_offset"`
	LogPath    string `json:"log_path"`

	UploadedBytes    int64 `json:"uploaded_bytes"`
	FailedOperations int64 `json:"failed_operations"`

	Timestamp  string `json:"timestamp"` // RFC 3339
	DurationMs int64  `json:"duration_ms"`
}

// NewRunFinalizedEvent returns an event stamped with the contract
// version and the given time.
func NewRunFinalizedEvent(runID string, at time.Time) *RunFinalizedEvent {
	return &RunFinalizedEvent{
		ContractVersion: types.ContractVersion,
		EventType:       EventRunFinalized,
		RunID:           runID,
		Timestamp:       at.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes run events to a downstream system.
// An Adapter serves a single run.
type Adapter interface {
	// Publish sends the event. It must respect ctx cancellation.
	Publish(ctx context.Context, event *RunFinalizedEvent) error

	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the wait before the first retry; it doubles per retry.
const BaseBackoff = 500 * time.Millisecond

// Deliver calls attempt up to 1+retries times with exponential backoff
// between attempts. It stops early when permanent reports the error as
// not worth retrying. name prefixes returned errors.
func Deliver(ctx context.Context, name string, retries int, permanent func(error) bool, attempt func(context.Context) error) error {
	attempts := 1 + retries
	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(BaseBackoff << (i - 1)):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
