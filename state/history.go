package state

import (
	"strings"

	"github.com/pithecene-io/trackd/types"
)

// historyState is the step cursor, the uncommitted row and the sampled
// values of committed rows.
type historyState struct {
	step       int64
	rows       int64
	partial    map[string]any
	sampleSize int
	sampled    map[string]*sampleBuffer
}

func newHistoryState(sampleSize int) *historyState {
	return &historyState{
		partial:    make(map[string]any),
		sampleSize: sampleSize,
		sampled:    make(map[string]*sampleBuffer),
	}
}

func (h *historyState) resetCursor(step int64) {
	h.step = step
	h.partial = make(map[string]any)
}

func (h *historyState) sample(key string, v float64) {
	buf, ok := h.sampled[key]
	if !ok {
		buf = newSampleBuffer(h.sampleSize)
		h.sampled[key] = buf
	}
	buf.add(v)
}

// applyHistory merges an update into the partial row. A step below the
// cursor drops the update; a step above it commits the pending row first.
func (a *Aggregator) applyHistory(p *types.HistoryUpdate) {
	h := a.history
	if p.Step != nil {
		step := *p.Step
		if step < h.step {
			a.dropHistory(step, p.Items)
			return
		}
		if step > h.step {
			a.flushPartial()
			h.step = step
		}
	}

	for _, it := range p.Items {
		v, _ := it.Value()
		keys := it.Path()
		setPath(h.partial, keys, v)
		a.observe(keys[0])
		if len(keys) > 1 {
			a.observe(metricKey(keys))
		}
	}

	if p.ShouldFlush() {
		a.flushPartial()
	}
}

func (a *Aggregator) dropHistory(step int64, items []types.Item) {
	if !a.stepWarned {
		a.stepWarned = true
		a.warn("history step must increase monotonically; define a step metric for a custom x axis")
	}
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, metricKey(it.Path()))
	}
	a.warn("dropped history at step %d below current step %d (keys: %s)", step, a.history.step, strings.Join(keys, ", "))
}

// flushPartial commits the pending row at the cursor and advances it.
// An empty row is not committed.
func (a *Aggregator) flushPartial() {
	h := a.history
	if len(h.partial) == 0 {
		return
	}
	row := h.partial
	h.partial = make(map[string]any)

	row["_step"] = float64(h.step)
	h.step++
	a.commitRow(row)
}

func (a *Aggregator) commitRow(row map[string]any) {
	a.assignRuntime(row)
	a.syncSteps(row)

	for k, v := range row {
		if f, ok := asFloat(v); ok {
			a.history.sample(k, f)
		}
	}
	a.history.rows++

	for _, k := range sortedKeys(row) {
		a.summarize([]string{k}, row[k], a.metrics.lookup(k))
	}
}

// assignRuntime derives _runtime from the row's _timestamp and the run's
// start time. Both come from records, never from the local clock.
func (a *Aggregator) assignRuntime(row map[string]any) {
	if _, ok := row["_runtime"]; ok {
		return
	}
	if a.run == nil || a.run.StartTime.IsZero() {
		return
	}
	ts, ok := asFloat(row["_timestamp"])
	if !ok {
		return
	}
	start := float64(a.run.StartTime.UnixNano()) / 1e9
	row["_runtime"] = ts - start
}

// syncSteps fills a missing step metric from its last observed value for
// keys whose definition asks for it.
func (a *Aggregator) syncSteps(row map[string]any) {
	for _, k := range sortedKeys(row) {
		d := a.metrics.lookup(k)
		if d == nil || !d.StepSync || d.StepMetric == "" {
			continue
		}
		if _, ok := row[d.StepMetric]; ok {
			continue
		}
		if v, ok := a.metrics.copies[d.StepMetric]; ok {
			row[d.StepMetric] = deepCopy(v)
		}
	}
}

// sampleBuffer keeps a bounded, evenly spaced subset of a series. When
// full it keeps every other value and doubles its stride.
type sampleBuffer struct {
	size   int
	stride int
	seen   int
	values []float64
	last   float64
	lastIn bool
}

func newSampleBuffer(size int) *sampleBuffer {
	return &sampleBuffer{size: size, stride: 1}
}

func (s *sampleBuffer) add(v float64) {
	s.last = v
	s.lastIn = s.seen%s.stride == 0
	if s.lastIn {
		s.values = append(s.values, v)
		if len(s.values) >= 2*s.size {
			kept := s.values[:0]
			for i := 0; i < len(s.values); i += 2 {
				kept = append(kept, s.values[i])
			}
			s.values = kept
			s.stride *= 2
			s.lastIn = (s.seen % s.stride) == 0
		}
	}
	s.seen++
}

// snapshot returns the sample, always ending with the most recent value.
func (s *sampleBuffer) snapshot() []float64 {
	out := make([]float64, len(s.values), len(s.values)+1)
	copy(out, s.values)
	if s.seen > 0 && !s.lastIn {
		out = append(out, s.last)
	}
	return out
}
