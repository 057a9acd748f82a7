// Package runtime hosts one run of the trackd core.
//
// A Stream owns the run's persistent log and aggregator. Serve ingests the
// client's record stream on a single goroutine, answers requests through
// the mailbox or the client connection, follows the log toward the remote
// sync sink, samples system stats, and drives the shutdown sequence to the
// sealed end of the run. Opening an existing log resumes the run where its
// shutdown sequence left off.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/filepusher"
	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/mailbox"
	"github.com/pithecene-io/trackd/metrics"
	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/sampler"
	"github.com/pithecene-io/trackd/shutdown"
	"github.com/pithecene-io/trackd/state"
	"github.com/pithecene-io/trackd/types"
)

// DefaultAwaitTimeout bounds how long a recorded shutdown state waits for
// its acknowledgement.
const DefaultAwaitTimeout = 30 * time.Second

// resultQueue is the depth of the queue toward the client writer.
const resultQueue = 256

// Config configures a Stream.
type Config struct {
	// LogPath is the run's persistent log. An existing log is resumed.
	LogPath string
	// SyncMode is the log's fsync discipline.
	SyncMode datastore.SyncMode
	// State configures the aggregator.
	State state.Options

	// Policy batches committed entries toward the remote sink.
	// Nil disables remote sync; the cursor still advances.
	Policy policy.Policy
	// Retry configures the operation scheduler. Clock and Logger default
	// to the stream's.
	Retry retry.Options
	// FlowThresholds bounds outstanding flow-controlled records per
	// record type.
	FlowThresholds map[string]int
	// Cursor persists the sync cursor. Optional.
	Cursor CursorStore

	// Sampler is the system monitor. Nil disables stats sampling.
	Sampler sampler.Client
	// Poller configures sampling. RunID, Clock and Logger are filled in.
	Poller sampler.PollerConfig

	// Uploader receives pushed files. Nil disables uploads.
	Uploader filepusher.Uploader
	// Files configures the file pusher.
	Files filepusher.Config

	// ShutdownBudget bounds each shutdown state (default 2m).
	ShutdownBudget time.Duration
	// ShutdownBudgets overrides ShutdownBudget per state.
	ShutdownBudgets map[types.DeferState]time.Duration
	// AwaitTimeout bounds the acknowledgement of each recorded state.
	AwaitTimeout time.Duration

	// Clock drives retries, sampling and shutdown budgets.
	Clock retry.Clock
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional; all methods are nil-safe.
	Collector *metrics.Collector
}

// RunResult describes a served run.
type RunResult struct {
	// RunID is the run's identifier, empty if RunStart never arrived.
	RunID string
	// Outcome classifies how the run ended.
	Outcome *Outcome
	// Duration is the wall time of Serve.
	Duration time.Duration
	// Resumed reports whether an existing log was picked up.
	Resumed bool
	// Shutdown is the shutdown report; nil if shutdown never started.
	Shutdown *shutdown.Report
	// State is the final aggregated state.
	State state.RunState
	// PolicyStats are the sync policy counters.
	PolicyStats policy.Stats
	// Operations are the retry scheduler counters.
	Operations types.OperationStats
	// FilePusher is the upload progress.
	FilePusher types.FilePusherStats
	// SyncOffset is the final sync cursor.
	SyncOffset int64
}

// Stream is one run of the core.
type Stream struct {
	cfg       Config
	logger    *log.Logger
	collector *metrics.Collector

	log      *datastore.Log
	agg      *state.Aggregator
	mailbox  *mailbox.Mailbox
	sched    *retry.Scheduler
	flow     *policy.FlowGate
	policy   policy.Policy
	pusher   *filepusher.Pusher
	poller   *sampler.Poller
	syncer   *syncWorker
	shutdown *shutdown.Orchestrator
	resumed  bool

	// lastClientSeq is owned by the ingestion goroutine.
	lastClientSeq int64

	internal chan *inbound
	results  chan *types.Result

	shutdownOnce sync.Once
	// shutdownCh is closed when shutdown is requested.
	shutdownCh chan struct{}
	// finished is closed when the shutdown sequence returned.
	finished chan struct{}
	// stopCh is closed when the ingestion loop returned.
	stopCh chan struct{}

	mu     sync.Mutex
	served bool
	report *shutdown.Report
}

// Open opens the run's log, folds whatever it already holds, and wires
// the run's collaborators. A sealed log cannot be reopened.
func Open(ctx context.Context, cfg Config) (*Stream, error) {
	if cfg.LogPath == "" {
		return nil, types.UsageError("open", errors.New("log path must not be empty"))
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultAwaitTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = retry.RealClock{}
	}
	logger := cfg.Logger.Named("runtime")

	l, err := datastore.Open(cfg.LogPath, datastore.Options{SyncMode: cfg.SyncMode, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	agg, _, err := state.Rebuild(ctx, cfg.LogPath, cfg.State)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("rebuild state: %w", err)
	}

	s := &Stream{
		cfg:        cfg,
		logger:     logger,
		collector:  cfg.Collector,
		log:        l,
		agg:        agg,
		mailbox:    mailbox.New(cfg.Logger),
		flow:       policy.NewFlowGate(cfg.FlowThresholds),
		policy:     cfg.Policy,
		resumed:    l.Recovery().Entries > 0,
		internal:   make(chan *inbound),
		results:    make(chan *types.Result, resultQueue),
		shutdownCh: make(chan struct{}),
		finished:   make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
	if s.policy == nil {
		s.policy = policy.NewNoopPolicy()
	}

	retryOpts := cfg.Retry
	if retryOpts.Clock == nil {
		retryOpts.Clock = cfg.Clock
	}
	if retryOpts.Logger == nil {
		retryOpts.Logger = cfg.Logger
	}
	s.sched = retry.New(retryOpts)

	if cfg.Uploader != nil {
		files := cfg.Files
		if files.Logger == nil {
			files.Logger = cfg.Logger
		}
		s.pusher = filepusher.New(cfg.Uploader, s.sched, files)
	}
	if cfg.Sampler != nil {
		pc := cfg.Poller
		pc.RunID = agg.RunID()
		pc.Clock = cfg.Clock
		if pc.Logger == nil {
			pc.Logger = cfg.Logger
		}
		s.poller = sampler.NewPoller(cfg.Sampler, s.sched, s.Emit, pc)
	}
	s.syncer = newSyncWorker(l, s.policy, s.sched, s.flow, cfg.Cursor, cfg.Logger)

	s.shutdown, err = shutdown.New(shutdown.Config{
		Steps:     s.shutdownSteps(),
		Recorder:  shutdown.RecorderFunc(s.recordState),
		Sealer:    l,
		Budget:    cfg.ShutdownBudget,
		Budgets:   cfg.ShutdownBudgets,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
		Collector: cfg.Collector,
	})
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	if runID := agg.RunID(); runID != "" {
		s.collector.SetRunID(runID)
	}
	if s.resumed {
		s.collector.IncRunResumed()
		rec := l.Recovery()
		logger.Info("resuming run", map[string]any{
			"run_id":          agg.RunID(),
			"entries":         rec.Entries,
			"last_seq":        rec.LastSeq,
			"truncated_bytes": rec.TruncatedBytes,
			"defer_state":     agg.DeferState().String(),
		})
	} else {
		s.collector.IncRunStarted()
	}
	return s, nil
}

// Serve runs the stream over a client connection: records are read from
// r and results written to w. It returns once the client stream ended
// and the shutdown sequence finished, or when ctx is cancelled. A run
// resumed mid-shutdown continues its shutdown at once.
//
// A nil error with an Outcome is the normal return; the error is set for
// misuse and for failures that left the run unsealed.
func (s *Stream) Serve(ctx context.Context, r io.Reader, w io.Writer) (*RunResult, error) {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return nil, types.UsageError("serve", errors.New("stream already served"))
	}
	s.served = true
	s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The reader may block in Read past cancellation, so it is not part
	// of the group; its error is collected without waiting for it.
	frames := make(chan *inbound)
	readErr := make(chan error, 1)
	go func() { readErr <- s.readFrames(ctx, r, frames) }()

	if s.agg.DeferState() != types.DeferNone {
		s.RequestShutdown()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingest(gctx, frames) })
	g.Go(func() error { return s.writeResults(gctx, w) })
	g.Go(func() error { return s.syncer.run(gctx) })
	g.Go(func() error { return s.runShutdown(gctx) })
	if s.poller != nil {
		g.Go(func() error { return s.poller.Run(gctx) })
	}

	err := g.Wait()

	var streamErr error
	select {
	case streamErr = <-readErr:
	default:
	}
	if streamErr != nil && !IsCanceledError(streamErr) {
		s.logger.Error("client stream broke", map[string]any{"error": streamErr.Error()})
	}

	result := s.buildResult(start, firstError(err, streamErr))
	if err != nil && !result.Sealed() {
		return result, err
	}
	return result, nil
}

// RequestShutdown starts the shutdown sequence once. It never blocks.
func (s *Stream) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutdown requested", nil)
		close(s.shutdownCh)
	})
}

// Finished is closed once the shutdown sequence returned.
func (s *Stream) Finished() <-chan struct{} {
	return s.finished
}

// Emit sends a core-generated record through the ingestion path and
// waits until it was handled. A rejected record returns its error.
func (s *Stream) Emit(ctx context.Context, rec *types.Record) error {
	in := &inbound{rec: rec, done: make(chan error, 1)}
	select {
	case s.internal <- in:
	case <-s.stopCh:
		return types.UsageError("emit", types.ErrRunClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordState writes a Defer request for state through the ingestion
// path and waits for its acknowledgement on the mailbox.
func (s *Stream) recordState(ctx context.Context, st types.DeferState) error {
	slot := mailbox.NewSlot()
	h, err := s.mailbox.Register(slot)
	if err != nil {
		return err
	}
	rec := &types.Record{
		UUID:    uuid.NewString(),
		Control: types.Control{ExpectsResponse: true, MailboxSlot: slot},
		Payload: &types.Request{Kind: types.RequestDefer, State: st},
	}
	if err := s.Emit(ctx, rec); err != nil {
		_ = s.mailbox.Cancel(slot)
		return err
	}

	res, err := s.mailbox.Await(ctx, h, s.cfg.AwaitTimeout)
	if err != nil {
		return err
	}
	switch r := res.Response.(type) {
	case *types.ErrorResponse:
		return types.NewError(r.Kind, "record state", errors.New(r.Message))
	case *types.Cancelled:
		return types.UsageError("record state", fmt.Errorf("slot %s cancelled", r.Slot))
	}
	return nil
}

// runShutdown waits for a shutdown request and drives the sequence from
// the last state the log recorded.
func (s *Stream) runShutdown(ctx context.Context) error {
	defer close(s.finished)

	select {
	case <-ctx.Done():
		s.syncer.stop()
		return nil
	case <-s.shutdownCh:
	}

	report, err := s.shutdown.Run(ctx, s.agg.DeferState())

	s.mu.Lock()
	s.report = report
	s.mu.Unlock()

	if s.poller != nil {
		// A resumed shutdown may have started past FLUSH_STATS.
		if stopErr := s.poller.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			s.logger.Debug("sampler teardown failed", map[string]any{"error": stopErr.Error()})
		}
	}
	if report == nil || !report.Sealed {
		// Nothing will seal the log; stop following it.
		s.syncer.stop()
	}
	if report != nil && report.Sealed {
		s.collector.IncRunFinalized()
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Close releases the run's resources. An unsealed log stays resumable.
func (s *Stream) Close() error {
	s.flow.Close()
	if s.poller != nil {
		_ = s.poller.Stop(context.Background())
	}
	s.sched.Close()
	s.mailbox.Close()

	var errs []error
	if err := s.policy.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close policy: %w", err))
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	return errors.Join(errs...)
}

// Snapshot returns the current aggregated state.
func (s *Stream) Snapshot() state.RunState {
	return s.agg.Snapshot()
}

func (s *Stream) buildResult(start time.Time, err error) *RunResult {
	s.mu.Lock()
	report := s.report
	s.mu.Unlock()

	result := &RunResult{
		RunID:       s.agg.RunID(),
		Duration:    time.Since(start),
		Resumed:     s.resumed,
		Shutdown:    report,
		State:       s.agg.Snapshot(),
		PolicyStats: s.policy.Stats(),
		Operations:  s.sched.Stats(),
		SyncOffset:  s.syncer.Committed(),
	}
	if s.pusher != nil {
		result.FilePusher = s.pusher.Stats()
	}
	result.Outcome = DetermineOutcome(report, err)
	s.absorbStats(result)

	s.logger.Info("run served", map[string]any{
		"run_id":   result.RunID,
		"outcome":  string(result.Outcome.Status),
		"duration": result.Duration.String(),
		"sealed":   result.Sealed(),
	})
	return result
}

// absorbStats folds policy and scheduler counters into the collector.
func (s *Stream) absorbStats(result *RunResult) {
	ps := result.PolicyStats
	var triggers map[string]int64
	if sp, ok := s.policy.(*policy.StreamingPolicy); ok {
		triggers = make(map[string]int64)
		for k, v := range sp.FlushTriggerStats() {
			triggers[string(k)] = v
		}
	}
	s.collector.AbsorbPolicyStats(ps.TotalRecords, ps.RecordsPersisted, ps.FlushCount, triggers)

	ops := make(map[string]metrics.OperationCounts, len(result.Operations))
	for k, c := range result.Operations {
		ops[string(k)] = metrics.OperationCounts{
			Scheduled:      c.Scheduled,
			Attempts:       c.Attempts,
			Succeeded:      c.Succeeded,
			TerminalFailed: c.TerminalFailed,
		}
	}
	s.collector.AbsorbOperationStats(ops)
}

// Sealed reports whether the run reached END and sealed its log.
func (r *RunResult) Sealed() bool {
	return r.Shutdown != nil && r.Shutdown.Sealed
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
