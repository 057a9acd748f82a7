package types

import (
	"errors"
	"fmt"
	"time"
)

// RunInfo is the identity of a run as declared by RunStart.
type RunInfo struct {
	// RunID is the canonical run identifier.
	RunID string `msgpack:"run_id" json:"run_id"`
	// Entity and Project namespace the run.
	Entity  string `msgpack:"entity,omitempty" json:"entity,omitempty"`
	Project string `msgpack:"project,omitempty" json:"project,omitempty"`
	// DisplayName is the human-facing run name.
	DisplayName string `msgpack:"display_name,omitempty" json:"display_name,omitempty"`
	// StartTime is the client-reported start of the run.
	StartTime time.Time `msgpack:"start_time" json:"start_time"`
	// Tags is a set; order is irrelevant.
	Tags []string `msgpack:"tags,omitempty" json:"tags,omitempty"`
	// Resume references a prior run this run resumes or forks from.
	Resume *ForkPointer `msgpack:"resume,omitempty" json:"resume,omitempty"`
	// StartingStep is the history cursor for resumed and forked runs.
	StartingStep int64 `msgpack:"starting_step,omitempty" json:"starting_step,omitempty"`
}

// ForkPointer is a lookup reference to a prior run; never an ownership relation.
type ForkPointer struct {
	PriorRunID string  `msgpack:"prior_run_id" json:"prior_run_id"`
	Metric     string  `msgpack:"metric,omitempty" json:"metric,omitempty"`
	Value      float64 `msgpack:"value,omitempty" json:"value,omitempty"`
}

// Forked reports whether the pointer branches at a metric value
// rather than resuming the prior run's tail.
func (p *ForkPointer) Forked() bool {
	return p != nil && p.Metric != ""
}

// Validate checks run identity rules:
//   - run_id is non-empty
//   - a resume pointer names its prior run and is not self-referential
//   - starting_step is non-negative and only set with a resume pointer
func (r *RunInfo) Validate() error {
	if r.RunID == "" {
		return errors.New("run_id must be non-empty")
	}
	if r.StartingStep < 0 {
		return fmt.Errorf("starting_step must be >= 0, got %d", r.StartingStep)
	}
	if r.Resume == nil {
		if r.StartingStep != 0 {
			return errors.New("starting_step requires a resume pointer")
		}
		return nil
	}
	if r.Resume.PriorRunID == "" {
		return errors.New("resume pointer must name a prior run")
	}
	if r.Resume.PriorRunID == r.RunID {
		return errors.New("run cannot resume from itself")
	}
	return nil
}
