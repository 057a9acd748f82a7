package sampler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/types"
)

// DefaultInterval is the time between polls.
const DefaultInterval = 15 * time.Second

// EmitFunc hands a core-generated record to the ingestion path.
type EmitFunc func(ctx context.Context, rec *types.Record) error

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Interval is the time between polls (default 15s).
	Interval time.Duration
	// PID is the client process to sample.
	PID int
	// DeviceIDs limits accelerator figures.
	DeviceIDs []int
	// RunID stamps emitted records.
	RunID string
	// Clock drives the poll loop. Defaults to the wall clock.
	Clock retry.Clock
	// Logger is optional.
	Logger *log.Logger
}

// PollerStats counts poll outcomes.
type PollerStats struct {
	Polls       int64
	Samples     int64
	Unavailable int64
}

// Poller samples the monitor on an interval. Each poll is a metrics_rpc
// operation on the retry scheduler and each sample becomes a
// SystemStatsSample record on the ingestion path.
type Poller struct {
	client Client
	sched  *retry.Scheduler
	emit   EmitFunc
	cfg    PollerConfig
	logger *log.Logger

	mu      sync.Mutex
	stats   PollerStats
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPoller creates a poller. Call Run to start the loop.
func NewPoller(client Client, sched *retry.Scheduler, emit EmitFunc, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = retry.RealClock{}
	}
	return &Poller{
		client: client,
		sched:  sched,
		emit:   emit,
		cfg:    cfg,
		logger: cfg.Logger.Named("sampler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run polls until ctx is done or Stop is called. Monitor outages are
// logged and counted, never returned.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.doneCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-p.cfg.Clock.After(p.cfg.Interval):
		}
		p.Poll(ctx)
	}
}

// Poll schedules one reading and returns its handle.
func (p *Poller) Poll(ctx context.Context) *retry.Handle {
	p.mu.Lock()
	p.stats.Polls++
	p.mu.Unlock()

	return p.sched.Schedule(types.OperationMetricsRPC, "system_stats", func(attemptCtx context.Context) error {
		sample, err := p.client.GetStats(attemptCtx, p.cfg.PID, p.cfg.DeviceIDs)
		if err != nil {
			if errors.Is(err, types.ErrUnavailable) {
				p.mu.Lock()
				p.stats.Unavailable++
				p.mu.Unlock()
			}
			return err
		}

		rec := &types.Record{
			UUID:    uuid.NewString(),
			RunID:   p.cfg.RunID,
			Payload: sample,
		}
		// Emission runs under the caller's context so a slow ingestion
		// path does not consume the RPC attempt budget.
		if err := p.emit(context.WithoutCancel(ctx), rec); err != nil {
			return types.UsageError("emit stats", err)
		}

		p.mu.Lock()
		p.stats.Samples++
		p.mu.Unlock()
		return nil
	})
}

// Flush takes a final reading and waits for it. An unavailable monitor
// is not an error.
func (p *Poller) Flush(ctx context.Context) error {
	err := p.Poll(ctx).Wait(ctx)
	if err != nil && errors.Is(err, types.ErrUnavailable) {
		p.logger.Debug("final sample skipped", map[string]any{"error": err.Error()})
		return nil
	}
	return err
}

// Stop ends the loop started by Run and tears down the client.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	return p.client.TearDown(ctx)
}

// Done is closed when Run returns.
func (p *Poller) Done() <-chan struct{} {
	return p.doneCh
}

// Stats returns poll counters.
func (p *Poller) Stats() PollerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
