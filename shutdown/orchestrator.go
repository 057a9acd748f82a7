// Package shutdown drives a run through its ordered drain sequence, from
// BEGIN to END, and seals the persistent log at the end.
//
// Each state is entered in three steps:
//  1. the state is recorded in the log, so a restarted run resumes here
//  2. the state's Action starts its work
//  3. the state's Done predicate waits for that work under the state budget
//
// Failures are recorded in the Report and never stop the sequence: a run
// whose uploads or sync failed still finalizes locally.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/metrics"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/types"
)

// DefaultBudget bounds the Done predicate of a state.
const DefaultBudget = 2 * time.Minute

// ErrBudgetExceeded is the cause of a state whose work outlived its budget.
var ErrBudgetExceeded = errors.New("shutdown state budget exceeded")

// transitions is the only legal successor of each state.
var transitions = map[types.DeferState]types.DeferState{
	types.DeferNone:                 types.DeferBegin,
	types.DeferBegin:                types.DeferFlushRun,
	types.DeferFlushRun:             types.DeferFlushStats,
	types.DeferFlushStats:           types.DeferFlushPartialHistory,
	types.DeferFlushPartialHistory:  types.DeferFlushTensorEvents,
	types.DeferFlushTensorEvents:    types.DeferFlushSummary,
	types.DeferFlushSummary:         types.DeferFlushDebouncedWrites,
	types.DeferFlushDebouncedWrites: types.DeferFlushOutput,
	types.DeferFlushOutput:          types.DeferFlushJobMetadata,
	types.DeferFlushJobMetadata:     types.DeferFlushFileDir,
	types.DeferFlushFileDir:         types.DeferFlushFilePusher,
	types.DeferFlushFilePusher:      types.DeferJoinFilePusher,
	types.DeferJoinFilePusher:       types.DeferFlushLogSync,
	types.DeferFlushLogSync:         types.DeferFinal,
	types.DeferFinal:                types.DeferEnd,
}

// Next returns the successor of s and false for END.
func Next(s types.DeferState) (types.DeferState, bool) {
	n, ok := transitions[s]
	return n, ok
}

// Step is the work of one state. Either func may be nil.
type Step struct {
	// Action starts the state's work. It should not block on it.
	Action func(ctx context.Context) error
	// Done blocks until the state's work completed or failed for good.
	// Its context is cancelled when the state budget runs out.
	Done func(ctx context.Context) error
}

// Recorder writes a state to the log before the state acts.
type Recorder interface {
	RecordState(ctx context.Context, state types.DeferState) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, state types.DeferState) error

// RecordState implements Recorder.
func (f RecorderFunc) RecordState(ctx context.Context, state types.DeferState) error {
	return f(ctx, state)
}

// Sealer closes the log for writing. Sealing twice is a no-op.
type Sealer interface {
	Seal() error
}

// Config configures an Orchestrator.
type Config struct {
	// Steps holds the work per state. States without a step only record.
	Steps map[types.DeferState]Step
	// Recorder records each state. Required.
	Recorder Recorder
	// Sealer is called in END after END is recorded. Required.
	Sealer Sealer
	// Budget bounds each Done predicate (default 2m).
	Budget time.Duration
	// Budgets overrides Budget per state.
	Budgets map[types.DeferState]time.Duration
	// Clock times budgets. Defaults to the wall clock.
	Clock retry.Clock
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// StateResult is the outcome of one state.
type StateResult struct {
	State    types.DeferState
	Duration time.Duration
	// Err is the first failure of the state, if any.
	Err error
}

// Report describes a Run.
type Report struct {
	// From is the state the run resumed from (NONE for a fresh shutdown).
	From types.DeferState
	// States lists every state entered, in order.
	States []StateResult
	// Reached is the last state entered.
	Reached types.DeferState
	// Sealed reports whether END sealed the log.
	Sealed bool
}

// Failed returns the states that recorded an error.
func (r *Report) Failed() []StateResult {
	var out []StateResult
	for _, s := range r.States {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Orchestrator runs the shutdown sequence once.
type Orchestrator struct {
	cfg    Config
	clock  retry.Clock
	logger *log.Logger

	mu      sync.Mutex
	current types.DeferState
	running bool
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Recorder == nil {
		return nil, errors.New("shutdown requires a recorder")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("shutdown requires a sealer")
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	clock := cfg.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}
	return &Orchestrator{
		cfg:    cfg,
		clock:  clock,
		logger: cfg.Logger.Named("shutdown"),
	}, nil
}

// Current returns the state being executed, or the last one reached.
func (o *Orchestrator) Current() types.DeferState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Run executes the sequence. from is the last state recovered from the
// log: that state is entered again, since its work may not have finished,
// and the sequence continues to END. A fresh shutdown passes DeferNone.
//
// Run returns an error only for misuse (invalid from, concurrent Run) or
// when ctx is cancelled; state failures are in the Report.
func (o *Orchestrator) Run(ctx context.Context, from types.DeferState) (*Report, error) {
	if !from.Valid() {
		return nil, types.UsageError("shutdown", fmt.Errorf("invalid defer state %d", int(from)))
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, types.UsageError("shutdown", errors.New("shutdown already running"))
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	report := &Report{From: from}
	state := from
	if state == types.DeferNone {
		state = types.DeferBegin
	}

	o.logger.Info("shutdown started", map[string]any{"from": from.String(), "entering": state.String()})

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res := o.enter(ctx, state)
		report.States = append(report.States, res)
		report.Reached = state

		if state == types.DeferEnd {
			report.Sealed = res.Err == nil
			break
		}
		next, ok := Next(state)
		if !ok {
			return report, fmt.Errorf("no transition from %s", state)
		}
		state = next
	}

	o.logger.Info("shutdown complete", map[string]any{
		"states": len(report.States),
		"failed": len(report.Failed()),
		"sealed": report.Sealed,
	})
	return report, nil
}

// enter executes one state.
func (o *Orchestrator) enter(ctx context.Context, state types.DeferState) StateResult {
	o.mu.Lock()
	o.current = state
	o.mu.Unlock()

	start := o.clock.Now()
	res := StateResult{State: state}
	fail := func(stage string, err error) {
		if err == nil {
			return
		}
		o.logger.Warn("shutdown state failed", map[string]any{
			"state": state.String(),
			"stage": stage,
			"error": err.Error(),
		})
		if res.Err == nil {
			res.Err = fmt.Errorf("%s %s: %w", state, stage, err)
		}
	}

	fail("record", o.cfg.Recorder.RecordState(ctx, state))

	step := o.cfg.Steps[state]
	if step.Action != nil {
		fail("action", step.Action(ctx))
	}
	if step.Done != nil {
		fail("wait", o.wait(ctx, state, step.Done))
	}
	if state == types.DeferEnd {
		fail("seal", o.cfg.Sealer.Seal())
	}

	res.Duration = o.clock.Now().Sub(start)
	o.cfg.Collector.ObserveShutdownState(state.String(), res.Duration.Milliseconds(), res.Err != nil)
	o.logger.Debug("shutdown state done", map[string]any{
		"state":       state.String(),
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

// wait runs done until it returns or the state budget runs out.
func (o *Orchestrator) wait(ctx context.Context, state types.DeferState, done func(context.Context) error) error {
	budget := o.cfg.Budget
	if b, ok := o.cfg.Budgets[state]; ok && b > 0 {
		budget = b
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-o.clock.After(budget):
			cancel(ErrBudgetExceeded)
		case <-stop:
		}
	}()

	err := done(waitCtx)
	if err != nil && errors.Is(context.Cause(waitCtx), ErrBudgetExceeded) {
		return fmt.Errorf("%w after %s", ErrBudgetExceeded, budget)
	}
	return err
}
