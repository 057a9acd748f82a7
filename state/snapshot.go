package state

import (
	"context"
	"sort"

	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/types"
)

// RunState is a point-in-time copy of the aggregated run.
type RunState struct {
	Run     *types.RunInfo `json:"run,omitempty"`
	Config  map[string]any `json:"config"`
	Summary map[string]any `json:"summary"`

	// Metrics holds exact definitions, including implied step metrics.
	Metrics map[string]types.MetricDefinition `json:"metrics,omitempty"`
	Globs   []types.MetricDefinition          `json:"globs,omitempty"`
	// Resolved maps history keys to the glob that defined them.
	Resolved map[string]string `json:"resolved,omitempty"`

	HistoryStep int64    `json:"history_step"`
	HistoryRows int64    `json:"history_rows"`
	PartialKeys []string `json:"partial_keys,omitempty"`

	LastSeq        int64            `json:"last_seq"`
	Applied        int64            `json:"applied"`
	ExitCode       *int32           `json:"exit_code,omitempty"`
	RuntimeSeconds float64          `json:"runtime_seconds,omitempty"`
	DeferState     types.DeferState `json:"defer_state"`

	Files        []types.FileItem `json:"files,omitempty"`
	StatsSamples int64            `json:"stats_samples"`
	LastStats    map[string]any   `json:"last_stats,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
}

// Finished reports whether the shutdown sequence reached END.
func (s *RunState) Finished() bool {
	return s.DeferState == types.DeferEnd
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregator) Snapshot() RunState {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := RunState{
		Config:         copyMap(a.config),
		Summary:        copyMap(a.summary),
		Metrics:        make(map[string]types.MetricDefinition, len(a.metrics.exact)),
		HistoryStep:    a.history.step,
		HistoryRows:    a.history.rows,
		PartialKeys:    sortedKeys(a.history.partial),
		LastSeq:        a.lastSeq,
		Applied:        a.applied,
		RuntimeSeconds: a.runtimeSeconds,
		DeferState:     a.deferState,
		Files:          append([]types.FileItem(nil), a.files...),
		StatsSamples:   a.statsSamples,
		Warnings:       append([]string(nil), a.warnings...),
	}
	if a.run != nil {
		run := *a.run
		run.Tags = append([]string(nil), a.run.Tags...)
		if a.run.Resume != nil {
			ptr := *a.run.Resume
			run.Resume = &ptr
		}
		s.Run = &run
	}
	if a.exitCode != nil {
		code := *a.exitCode
		s.ExitCode = &code
	}
	for name, d := range a.metrics.exact {
		s.Metrics[name] = *d.Clone()
	}
	for _, g := range a.metrics.globs {
		s.Globs = append(s.Globs, *g.Clone())
	}
	if len(a.metrics.resolvedFrom) > 0 {
		s.Resolved = make(map[string]string, len(a.metrics.resolvedFrom))
		for k, g := range a.metrics.resolvedFrom {
			s.Resolved[k] = g
		}
	}
	if a.lastStats != nil {
		s.LastStats = copyMap(a.lastStats)
	}
	return s
}

// HistoryStep returns the history cursor.
func (a *Aggregator) HistoryStep() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.step
}

// HasPartialHistory reports whether an uncommitted row is pending.
func (a *Aggregator) HasPartialHistory() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history.partial) > 0
}

// DeferState returns the last shutdown state recorded.
func (a *Aggregator) DeferState() types.DeferState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deferState
}

// LastSeq returns the sequence number of the last applied record.
func (a *Aggregator) LastSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// RunID returns the run's id, or "" before RunStart.
func (a *Aggregator) RunID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run == nil {
		return ""
	}
	return a.run.RunID
}

// ExitCode returns the recorded exit code, or nil.
func (a *Aggregator) ExitCode() *int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exitCode == nil {
		return nil
	}
	code := *a.exitCode
	return &code
}

// Files returns the declared files.
func (a *Aggregator) Files() []types.FileItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.FileItem(nil), a.files...)
}

// SummaryItems returns the summary as items sorted by key.
func (a *Aggregator) SummaryItems() []types.Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := make([]types.Item, 0, len(a.summary))
	for _, k := range sortedKeys(a.summary) {
		it, err := types.NewItem(k, a.summary[k])
		if err != nil {
			// NaN and Inf do not encode; they are reported as null.
			it = types.Item{Key: k, ValueJSON: "null"}
		}
		items = append(items, it)
	}
	return items
}

// SampledHistory returns the sampled series of every numeric history key.
func (a *Aggregator) SampledHistory() []types.SampledHistoryItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.SampledHistoryItem, 0, len(a.history.sampled))
	for k, buf := range a.history.sampled {
		out = append(out, types.SampledHistoryItem{Key: k, Values: buf.snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// DrainWarnings returns the pending warnings and clears them.
func (a *Aggregator) DrainWarnings() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.warnings
	a.warnings = nil
	return w
}

// Rebuild folds every committed record of the log at path into a new
// Aggregator. It returns the offset just past the last record.
func Rebuild(ctx context.Context, path string, opts Options) (*Aggregator, int64, error) {
	a := New(opts)
	var end int64
	err := datastore.Replay(ctx, path, func(entry datastore.LogEntry, rec *types.Record) error {
		if _, err := a.Apply(rec); err != nil {
			return err
		}
		end = entry.End()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return a, end, nil
}
