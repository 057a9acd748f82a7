package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/trackd/log"
)

// StreamingConfig configures a StreamingPolicy.
type StreamingConfig struct {
	// FlushCount triggers a flush after N entries accumulate.
	// Zero means count-based flush is disabled.
	FlushCount int

	// FlushInterval triggers a flush every interval.
	// Zero means interval-based flush is disabled.
	FlushInterval time.Duration

	// Logger is an optional logger for policy observability.
	Logger *log.Logger
}

// FlushTrigger identifies which trigger caused a flush.
type FlushTrigger string

const (
	// FlushTriggerCount indicates a count-threshold flush.
	FlushTriggerCount FlushTrigger = "count"
	// FlushTriggerInterval indicates an interval-based flush.
	FlushTriggerInterval FlushTrigger = "interval"
	// FlushTriggerTermination indicates an explicit flush (log sync drain).
	FlushTriggerTermination FlushTrigger = "termination"
)

// ErrStreamingInvalidConfig is returned when StreamingConfig is invalid.
var ErrStreamingInvalidConfig = errors.New("invalid streaming config: at least one of FlushCount or FlushInterval must be set")

// StreamingPolicy batches entries and writes them when a trigger fires.
//
//   - No drops: a failed batch is restored ahead of newer entries and
//     written again by the next trigger
//   - Ordering: batches reach the sink in ingest order
//
// Thread safety:
//   - mu guards the buffer and stats
//   - flushMu serializes flushes from the interval goroutine, the count
//     trigger and explicit Flush calls
//   - the buffer is swapped under mu and written outside it, so Ingest
//     never waits on the sink
type StreamingPolicy struct {
	sink   Sink
	config StreamingConfig
	logger *log.Logger

	mu     sync.Mutex
	buffer []Entry
	stats  *statsRecorder

	flushMu sync.Mutex

	// Per-trigger flush counts. Guarded by mu.
	flushByCount       int64
	flushByInterval    int64
	flushByTermination int64

	stopCh  chan struct{}
	stopped bool
}

// NewStreamingPolicy creates a new streaming policy.
func NewStreamingPolicy(sink Sink, config StreamingConfig) (*StreamingPolicy, error) {
	if config.FlushCount <= 0 && config.FlushInterval <= 0 {
		return nil, ErrStreamingInvalidConfig
	}

	p := &StreamingPolicy{
		sink:   sink,
		config: config,
		logger: config.Logger.Named("policy"),
		buffer: make([]Entry, 0, 128),
		stats:  newStatsRecorder(),
		stopCh: make(chan struct{}),
	}

	if config.FlushInterval > 0 {
		go p.intervalLoop()
	}

	return p, nil
}

// Ingest buffers the entry and flushes when the count threshold is reached.
func (p *StreamingPolicy) Ingest(ctx context.Context, entry Entry) error {
	p.mu.Lock()
	p.stats.incTotalLocked(entry.Record.Type())
	p.buffer = append(p.buffer, entry)
	shouldFlush := p.config.FlushCount > 0 && len(p.buffer) >= p.config.FlushCount
	p.mu.Unlock()

	if shouldFlush {
		return p.triggerFlush(ctx, FlushTriggerCount)
	}
	return nil
}

// Flush writes everything buffered.
func (p *StreamingPolicy) Flush(ctx context.Context) error {
	return p.triggerFlush(ctx, FlushTriggerTermination)
}

func (p *StreamingPolicy) triggerFlush(ctx context.Context, trigger FlushTrigger) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	switch trigger {
	case FlushTriggerCount:
		p.flushByCount++
	case FlushTriggerInterval:
		p.flushByInterval++
	case FlushTriggerTermination:
		p.flushByTermination++
	}
	p.stats.incFlushLocked()

	batch := p.buffer
	if len(batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	p.buffer = make([]Entry, 0, 128)
	p.mu.Unlock()

	if err := p.sink.WriteEntries(ctx, batch); err != nil {
		p.mu.Lock()
		p.stats.incErrorsLocked()
		p.buffer = append(batch, p.buffer...)
		p.mu.Unlock()
		p.logger.Error("streaming flush failed", map[string]any{
			"trigger": string(trigger),
			"records": len(batch),
			"error":   err.Error(),
		})
		return err
	}

	p.mu.Lock()
	p.stats.persistedLocked(batch)
	p.mu.Unlock()

	p.logger.Debug("streaming flush", map[string]any{
		"trigger":    string(trigger),
		"records":    len(batch),
		"end_offset": batch[len(batch)-1].End,
	})
	return nil
}

// Close stops the interval goroutine, flushes best-effort, and closes the sink.
func (p *StreamingPolicy) Close() error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
	p.mu.Unlock()

	_ = p.Flush(context.Background())
	return p.sink.Close()
}

// Stats returns a snapshot consistent with the buffer.
func (p *StreamingPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.snapshotLocked(p.buffer)
}

// FlushTriggerStats returns per-trigger flush counts.
func (p *StreamingPolicy) FlushTriggerStats() map[FlushTrigger]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return map[FlushTrigger]int64{
		FlushTriggerCount:       p.flushByCount,
		FlushTriggerInterval:    p.flushByInterval,
		FlushTriggerTermination: p.flushByTermination,
	}
}

func (p *StreamingPolicy) intervalLoop() {
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			hasData := len(p.buffer) > 0
			p.mu.Unlock()

			if hasData {
				// Failures stay buffered for the next trigger.
				_ = p.triggerFlush(context.Background(), FlushTriggerInterval)
			}
		case <-p.stopCh:
			return
		}
	}
}

var _ Policy = (*StreamingPolicy)(nil)
