package state

import (
	"path"
	"slices"
	"strings"

	"github.com/pithecene-io/trackd/types"
)

// metricIndex holds metric definitions and the per-key glob resolutions.
type metricIndex struct {
	exact map[string]*types.MetricDefinition
	// globs are matched in definition order.
	globs []*types.MetricDefinition
	// resolved caches glob matches for the run's lifetime.
	resolved     map[string]*types.MetricDefinition
	resolvedFrom map[string]string
	// unmatched caches misses until a new glob is defined.
	unmatched map[string]struct{}
	// copies is the last value seen for each top-level history key.
	copies map[string]any
	// track holds running aggregates keyed by metric key and aggregation.
	track map[string]float64
}

func newMetricIndex() *metricIndex {
	return &metricIndex{
		exact:        make(map[string]*types.MetricDefinition),
		resolved:     make(map[string]*types.MetricDefinition),
		resolvedFrom: make(map[string]string),
		unmatched:    make(map[string]struct{}),
		copies:       make(map[string]any),
		track:        make(map[string]float64),
	}
}

func (m *metricIndex) define(d *types.MetricDefinition) {
	if d.IsGlob() {
		m.defineGlob(d)
		return
	}
	if cur, ok := m.exact[d.Name]; ok && !d.Overwrite {
		mergeDefinition(cur, d)
	} else {
		m.exact[d.Name] = d.Clone()
	}
	m.implyStepMetric(m.exact[d.Name])
}

func (m *metricIndex) defineGlob(d *types.MetricDefinition) {
	i := slices.IndexFunc(m.globs, func(g *types.MetricDefinition) bool { return g.GlobName == d.GlobName })
	switch {
	case i < 0:
		m.globs = append(m.globs, d.Clone())
	case d.Overwrite:
		m.globs[i] = d.Clone()
	default:
		mergeDefinition(m.globs[i], d)
	}
	clear(m.unmatched)
}

// implyStepMetric defines a step metric that has no definition of its own.
func (m *metricIndex) implyStepMetric(d *types.MetricDefinition) {
	if d.StepMetric == "" {
		return
	}
	if _, ok := m.exact[d.StepMetric]; !ok {
		m.exact[d.StepMetric] = &types.MetricDefinition{Name: d.StepMetric}
	}
}

// lookup returns the definition governing key. Exact names win over globs.
func (m *metricIndex) lookup(key string) *types.MetricDefinition {
	if d, ok := m.exact[key]; ok {
		return d
	}
	return m.resolved[key]
}

// observe resolves key against the glob definitions the first time it is
// seen. Internal keys (leading underscore) never match a glob.
func (a *Aggregator) observe(key string) {
	m := a.metrics
	if _, ok := m.exact[key]; ok {
		return
	}
	if _, ok := m.resolved[key]; ok {
		return
	}
	if _, ok := m.unmatched[key]; ok {
		return
	}
	if strings.HasPrefix(key, "_") {
		return
	}
	for _, g := range m.globs {
		if ok, _ := path.Match(g.GlobName, key); !ok {
			continue
		}
		d := g.Clone()
		d.GlobName = ""
		d.Name = key
		m.resolved[key] = d
		m.resolvedFrom[key] = g.GlobName
		m.implyStepMetric(d)
		return
	}
	m.unmatched[key] = struct{}{}
}

// mergeDefinition folds src into dst: set fields override, aggregations
// accumulate.
func mergeDefinition(dst, src *types.MetricDefinition) {
	if src.StepMetric != "" {
		dst.StepMetric = src.StepMetric
	}
	if src.StepSync {
		dst.StepSync = true
	}
	if src.Hidden {
		dst.Hidden = true
	}
	if src.Goal != types.GoalUnset {
		dst.Goal = src.Goal
	}
	for _, agg := range src.Summary {
		if !dst.Has(agg) {
			dst.Summary = append(dst.Summary, agg)
		}
	}
}
