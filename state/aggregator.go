// Package state folds the record stream into live run state.
//
// The Aggregator is owned by the ingestion path: it is the only caller of
// Apply. Folding never reads the wall clock, so applying the same log twice
// yields identical snapshots.
package state

import (
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/pithecene-io/trackd/types"
)

const (
	// DefaultDedupWindow is how many recent record UUIDs are remembered.
	DefaultDedupWindow = 4096
	// DefaultSampleSize bounds the per-key sampled history.
	DefaultSampleSize = 48
)

// Options configures an Aggregator.
type Options struct {
	DedupWindow int
	SampleSize  int
}

// Aggregator holds the derived state of one run.
type Aggregator struct {
	mu   sync.Mutex
	opts Options

	run            *types.RunInfo
	config         map[string]any
	summary        map[string]any
	exitCode       *int32
	runtimeSeconds float64
	deferState     types.DeferState
	lastSeq        int64
	applied        int64

	metrics *metricIndex
	history *historyState

	files        []types.FileItem
	statsSamples int64
	lastStats    map[string]any

	warnings   []string
	stepWarned bool

	dedup *dedupWindow
}

// New creates an empty Aggregator.
func New(opts Options) *Aggregator {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	return &Aggregator{
		opts:    opts,
		config:  make(map[string]any),
		summary: make(map[string]any),
		metrics: newMetricIndex(),
		history: newHistoryState(opts.SampleSize),
		dedup:   newDedupWindow(opts.DedupWindow),
	}
}

// Seen reports whether a record with this UUID was applied within the
// dedup window.
func (a *Aggregator) Seen(uuid string) bool {
	if uuid == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dedup.contains(uuid)
}

// Check validates rec against the current state without applying it.
// The ingestion path checks before persisting so that the log only ever
// holds records that fold cleanly.
func (a *Aggregator) Check(rec *types.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check(rec)
}

func (a *Aggregator) check(rec *types.Record) error {
	if err := rec.Control.Validate(); err != nil {
		return types.UsageError("check", err)
	}
	if a.run != nil && rec.RunID != "" && rec.RunID != a.run.RunID {
		return types.UsageError("check", fmt.Errorf("record for run %q on run %q", rec.RunID, a.run.RunID))
	}

	switch p := rec.Payload.(type) {
	case *types.HistoryUpdate:
		if p.Step != nil && *p.Step < 0 {
			return types.UsageError("check", fmt.Errorf("negative step %d", *p.Step))
		}
		return checkItems(p.Items)
	case *types.SummaryUpdate:
		return checkOps(p.Ops)
	case *types.ConfigUpdate:
		return checkOps(p.Ops)
	case *types.MetricDefinition:
		return checkDefinition(p)
	case *types.FileDeclaration:
		for _, f := range p.Files {
			if f.Path == "" {
				return types.UsageError("check", errors.New("file declaration with empty path"))
			}
		}
	case *types.SystemStatsSample:
		return checkItems(p.Items)
	case *types.RunStart:
		if err := p.Run.Validate(); err != nil {
			return types.UsageError("check", err)
		}
		if a.run != nil && a.run.RunID != p.Run.RunID {
			return types.UsageError("check", fmt.Errorf("run already started as %q", a.run.RunID))
		}
	case *types.Request:
		if p.Kind == types.RequestDefer && !p.State.Valid() {
			return types.UsageError("check", fmt.Errorf("invalid defer state %d", p.State))
		}
		if p.Kind == types.RequestCancel && p.CancelSlot == "" {
			return types.UsageError("check", errors.New("cancel without a slot"))
		}
	case *types.RunExit, *types.ControlOnly, nil:
	default:
		return types.NewError(types.KindUnsupported, "check", fmt.Errorf("unknown payload %T", p))
	}
	return nil
}

// Apply folds rec into the state. It returns false without error for a
// duplicate UUID. Sequence numbers must increase.
func (a *Aggregator) Apply(rec *types.Record) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.UUID != "" && a.dedup.contains(rec.UUID) {
		return false, nil
	}
	if rec.Seq <= a.lastSeq {
		return false, types.UsageError("apply", fmt.Errorf("seq %d is not greater than last seq %d", rec.Seq, a.lastSeq))
	}
	if err := a.check(rec); err != nil {
		return false, err
	}

	switch p := rec.Payload.(type) {
	case *types.HistoryUpdate:
		a.applyHistory(p)
	case *types.SummaryUpdate:
		applyOps(a.summary, p.Ops)
	case *types.ConfigUpdate:
		applyOps(a.config, p.Ops)
	case *types.MetricDefinition:
		a.metrics.define(p)
	case *types.FileDeclaration:
		a.applyFiles(p)
	case *types.SystemStatsSample:
		a.statsSamples++
		a.lastStats = itemsToMap(p.Items)
	case *types.RunStart:
		a.applyRunStart(p)
	case *types.RunExit:
		code := p.ExitCode
		a.exitCode = &code
		a.runtimeSeconds = p.RuntimeSeconds
	case *types.Request:
		a.applyRequest(p)
	case *types.ControlOnly, nil:
	}

	a.lastSeq = rec.Seq
	a.applied++
	if rec.UUID != "" {
		a.dedup.add(rec.UUID)
	}
	return true, nil
}

func (a *Aggregator) applyRunStart(p *types.RunStart) {
	run := p.Run
	run.Tags = append([]string(nil), p.Run.Tags...)
	if p.Run.Resume != nil {
		ptr := *p.Run.Resume
		run.Resume = &ptr
		a.history.resetCursor(run.StartingStep)
	}
	a.run = &run
}

func (a *Aggregator) applyRequest(p *types.Request) {
	if p.Kind != types.RequestDefer {
		return
	}
	// Re-entering a state after a restart is a no-op.
	if p.State <= a.deferState {
		return
	}
	a.deferState = p.State
	if p.State == types.DeferFlushPartialHistory {
		a.flushPartial()
	}
}

func (a *Aggregator) applyFiles(p *types.FileDeclaration) {
	for _, f := range p.Files {
		replaced := false
		for i := range a.files {
			if a.files[i].Path == f.Path {
				a.files[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			a.files = append(a.files, f)
		}
	}
}

func (a *Aggregator) warn(format string, args ...any) {
	a.warnings = append(a.warnings, fmt.Sprintf(format, args...))
}

func checkItems(items []types.Item) error {
	for _, it := range items {
		if len(it.Path()) == 0 || it.Path()[0] == "" {
			return types.UsageError("check", errors.New("item with empty key"))
		}
		if _, err := it.Value(); err != nil {
			return types.UsageError("check", err)
		}
	}
	return nil
}

func checkOps(ops []types.KeyOp) error {
	for _, op := range ops {
		switch op.Op {
		case types.OpUpdate, types.OpRemove:
		default:
			return types.UsageError("check", fmt.Errorf("unknown op %q", op.Op))
		}
	}
	items := make([]types.Item, 0, len(ops))
	for _, op := range ops {
		if op.Op == types.OpUpdate {
			items = append(items, op.Item)
		}
	}
	return checkItems(items)
}

func checkDefinition(d *types.MetricDefinition) error {
	if (d.Name == "") == (d.GlobName == "") {
		return types.UsageError("check", errors.New("metric definition needs exactly one of name and glob_name"))
	}
	if d.IsGlob() {
		if _, err := path.Match(d.GlobName, ""); err != nil {
			return types.UsageError("check", fmt.Errorf("glob %q: %w", d.GlobName, err))
		}
	}
	switch d.Goal {
	case types.GoalUnset, types.GoalMinimize, types.GoalMaximize:
	default:
		return types.UsageError("check", fmt.Errorf("unknown goal %q", d.Goal))
	}
	for _, agg := range d.Summary {
		switch agg {
		case types.AggregateMin, types.AggregateMax, types.AggregateMean, types.AggregateLast,
			types.AggregateBest, types.AggregateCopy, types.AggregateNone:
		default:
			return types.UsageError("check", fmt.Errorf("unknown aggregation %q", agg))
		}
	}
	return nil
}

// applyOps applies update/remove ops in order. Values were validated by check.
func applyOps(m map[string]any, ops []types.KeyOp) {
	for _, op := range ops {
		p := op.Item.Path()
		switch op.Op {
		case types.OpUpdate:
			v, _ := op.Item.Value()
			setPath(m, p, v)
		case types.OpRemove:
			removePath(m, p)
		}
	}
}

func itemsToMap(items []types.Item) map[string]any {
	m := make(map[string]any, len(items))
	for _, it := range items {
		v, _ := it.Value()
		setPath(m, it.Path(), v)
	}
	return m
}
