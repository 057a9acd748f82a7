// Package retry schedules bounded-retry operations against slow or flaky
// collaborators: file transfer, remote sync and metrics RPC.
package retry

import (
	"fmt"
	"time"

	"github.com/pithecene-io/trackd/types"
)

// Policy bounds the retries of one operation kind.
type Policy struct {
	// MinWait is the backoff after the first failure.
	MinWait time.Duration
	// MaxWait caps the backoff.
	MaxWait time.Duration
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// AttemptTimeout bounds a single attempt. Zero means no bound.
	AttemptTimeout time.Duration
}

// DefaultPolicies returns the built-in policy per operation kind.
func DefaultPolicies() map[types.OperationKind]Policy {
	return map[types.OperationKind]Policy{
		types.OperationFileTransfer: {MinWait: 2 * time.Second, MaxWait: 60 * time.Second, MaxAttempts: 7, AttemptTimeout: 5 * time.Minute},
		types.OperationRemoteSync:   {MinWait: time.Second, MaxWait: 30 * time.Second, MaxAttempts: 10, AttemptTimeout: time.Minute},
		types.OperationMetricsRPC:   {MinWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, MaxAttempts: 3, AttemptTimeout: 10 * time.Second},
	}
}

// Validate checks the bounds.
func (p Policy) Validate() error {
	if p.MinWait < 0 || p.MaxWait < 0 || p.AttemptTimeout < 0 {
		return fmt.Errorf("durations must be non-negative")
	}
	if p.MaxWait < p.MinWait {
		return fmt.Errorf("max_wait %s is below min_wait %s", p.MaxWait, p.MinWait)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Backoff returns the wait after the n-th failed attempt (n >= 1):
// MinWait doubled per prior failure, capped at MaxWait.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	wait := p.MinWait
	for i := 1; i < n; i++ {
		if wait >= p.MaxWait/2 {
			return p.MaxWait
		}
		wait *= 2
	}
	return min(wait, p.MaxWait)
}

// Budget is the longest an operation can spend waiting between attempts
// plus inside them.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Backoff(n)
	}
	return total + time.Duration(p.MaxAttempts)*p.AttemptTimeout
}
