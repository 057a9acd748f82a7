package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/types"
)

// DefaultConcurrency bounds attempts in flight across all kinds.
const DefaultConcurrency = 8

// Op is one attempt of an operation. Its context carries the attempt
// timeout.
type Op func(ctx context.Context) error

// PendingOperation is the bookkeeping view of a scheduled operation.
type PendingOperation struct {
	ID          string
	Kind        types.OperationKind
	Name        string
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	LastError   string
}

// TerminalFunc is told about every operation that failed for good.
type TerminalFunc func(op PendingOperation, err error)

// Options configures a Scheduler.
type Options struct {
	Policies    map[types.OperationKind]Policy
	Concurrency int64
	Clock       Clock
	Logger      *log.Logger
	OnTerminal  TerminalFunc
}

// Scheduler runs operations with per-kind retry policies. Each operation
// has its own lock; the index of live operations is the only shared table.
type Scheduler struct {
	opts   Options
	clock  Clock
	sem    *semaphore.Weighted
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	ops     map[string]*operation
	counts  map[types.OperationKind]*types.OperationCounts
	changed chan struct{}
	closed  bool
}

// New creates a Scheduler. Kinds without a policy use DefaultPolicies.
func New(opts Options) *Scheduler {
	policies := DefaultPolicies()
	for k, p := range opts.Policies {
		policies[k] = p
	}
	opts.Policies = policies
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:    opts,
		clock:   opts.Clock,
		sem:     semaphore.NewWeighted(opts.Concurrency),
		logger:  opts.Logger.Named("retry"),
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(map[string]*operation),
		counts:  make(map[types.OperationKind]*types.OperationCounts),
		changed: make(chan struct{}),
	}
	for _, k := range types.OperationKinds() {
		s.counts[k] = &types.OperationCounts{}
	}
	return s
}

// Policy returns the policy for kind.
func (s *Scheduler) Policy(kind types.OperationKind) Policy {
	return s.opts.Policies[kind]
}

// Schedule starts op under kind's policy and returns its handle.
// Scheduling on a closed scheduler returns a handle that is already
// failed with ErrRunClosed.
func (s *Scheduler) Schedule(kind types.OperationKind, name string, fn Op) *Handle {
	policy := s.Policy(kind)
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	op := &operation{
		id:     uuid.NewString(),
		kind:   kind,
		name:   name,
		fn:     fn,
		policy: policy,
		handle: &Handle{done: make(chan struct{})},
	}
	op.handle.op = op

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		op.handle.finish(types.UsageError("schedule", types.ErrRunClosed))
		return op.handle
	}
	s.ops[op.id] = op
	c := s.countsLocked(kind)
	c.Scheduled++
	c.Pending++
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(op)
	return op.handle
}

func (s *Scheduler) countsLocked(kind types.OperationKind) *types.OperationCounts {
	c, ok := s.counts[kind]
	if !ok {
		c = &types.OperationCounts{}
		s.counts[kind] = c
	}
	return c
}

func (s *Scheduler) run(op *operation) {
	defer s.wg.Done()

	for {
		err := s.attempt(op)
		if err == nil {
			s.finish(op, nil)
			return
		}

		attempts := op.recordFailure(err)
		if !types.IsRetryable(err) || attempts >= op.policy.MaxAttempts || s.ctx.Err() != nil {
			s.finish(op, err)
			return
		}

		wait := op.policy.Backoff(attempts)
		op.setNextRetry(s.clock.Now().Add(wait))
		s.logger.Warn("operation failed, retrying", map[string]any{
			"kind":         string(op.kind),
			"name":         op.name,
			"attempt":      attempts,
			"max_attempts": op.policy.MaxAttempts,
			"backoff":      wait.String(),
			"error":        err.Error(),
		})

		select {
		case <-s.clock.After(wait):
		case <-s.ctx.Done():
			s.finish(op, fmt.Errorf("%s %q abandoned: %w", op.kind, op.name, s.ctx.Err()))
			return
		}
	}
}

func (s *Scheduler) attempt(op *operation) error {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	op.startAttempt()
	s.mu.Lock()
	s.countsLocked(op.kind).Attempts++
	s.mu.Unlock()

	ctx := s.ctx
	if op.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, op.policy.AttemptTimeout)
		defer cancel()
	}
	return op.fn(ctx)
}

func (s *Scheduler) finish(op *operation, err error) {
	s.mu.Lock()
	delete(s.ops, op.id)
	c := s.countsLocked(op.kind)
	c.Pending--
	if err == nil {
		c.Succeeded++
	} else {
		c.TerminalFailed++
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if err != nil {
		view := op.view()
		s.logger.Error("operation failed terminally", map[string]any{
			"kind":     string(op.kind),
			"name":     op.name,
			"attempts": view.Attempts,
			"error":    err.Error(),
		})
		if s.opts.OnTerminal != nil {
			s.opts.OnTerminal(view, err)
		}
	}
	op.handle.finish(err)
}

// WaitIdle blocks until no operation of the given kinds is pending.
// With no kinds it waits for every kind.
func (s *Scheduler) WaitIdle(ctx context.Context, kinds ...types.OperationKind) error {
	for {
		s.mu.Lock()
		busy := false
		for kind, c := range s.counts {
			if c.Pending > 0 && (len(kinds) == 0 || containsKind(kinds, kind)) {
				busy = true
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Idle reports whether no operation of the given kinds is pending.
func (s *Scheduler) Idle(kinds ...types.OperationKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, c := range s.counts {
		if c.Pending > 0 && (len(kinds) == 0 || containsKind(kinds, kind)) {
			return false
		}
	}
	return true
}

// Pending lists the live operations.
func (s *Scheduler) Pending() []PendingOperation {
	s.mu.Lock()
	ops := make([]*operation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	s.mu.Unlock()

	out := make([]PendingOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.view())
	}
	return out
}

// Stats returns lifetime counters per kind.
func (s *Scheduler) Stats() types.OperationStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(types.OperationStats, len(s.counts))
	for k, c := range s.counts {
		out[k] = *c
	}
	return out
}

// Close abandons pending operations and waits for their goroutines.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func containsKind(kinds []types.OperationKind, k types.OperationKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// operation is a scheduled Op and its retry state.
type operation struct {
	id     string
	kind   types.OperationKind
	name   string
	fn     Op
	policy Policy
	handle *Handle

	mu          sync.Mutex
	attempts    int
	nextRetryAt time.Time
	lastErr     error
}

func (o *operation) startAttempt() {
	o.mu.Lock()
	o.attempts++
	o.mu.Unlock()
}

func (o *operation) recordFailure(err error) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = err
	return o.attempts
}

func (o *operation) setNextRetry(t time.Time) {
	o.mu.Lock()
	o.nextRetryAt = t
	o.mu.Unlock()
}

func (o *operation) view() PendingOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := PendingOperation{
		ID:          o.id,
		Kind:        o.kind,
		Name:        o.name,
		Attempts:    o.attempts,
		MaxAttempts: o.policy.MaxAttempts,
		NextRetryAt: o.nextRetryAt,
	}
	if o.lastErr != nil {
		v.LastError = o.lastErr.Error()
	}
	return v
}

// Handle observes one scheduled operation.
type Handle struct {
	op   *operation
	done chan struct{}
	err  error
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed when the operation succeeds or fails terminally.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error, or nil on success or while pending.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Operation returns the operation's bookkeeping view.
func (h *Handle) Operation() PendingOperation {
	if h.op == nil {
		return PendingOperation{}
	}
	return h.op.view()
}
