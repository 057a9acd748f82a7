package types

// Aggregation selects how history values roll into the summary.
type Aggregation string

const (
	AggregateMin  Aggregation = "min"
	AggregateMax  Aggregation = "max"
	AggregateMean Aggregation = "mean"
	AggregateLast Aggregation = "last"
	AggregateBest Aggregation = "best"
	AggregateCopy Aggregation = "copy"
	AggregateNone Aggregation = "none"
)

// Goal directs the "best" aggregation.
type Goal string

const (
	GoalUnset    Goal = ""
	GoalMinimize Goal = "minimize"
	GoalMaximize Goal = "maximize"
)

// MetricDefinition binds a metric name or glob to display and summary rules.
// Exactly one of Name and GlobName is set.
type MetricDefinition struct {
	Name     string `msgpack:"name,omitempty" json:"name,omitempty"`
	GlobName string `msgpack:"glob_name,omitempty" json:"glob_name,omitempty"`
	// StepMetric is the key used as the x-axis.
	StepMetric string `msgpack:"step_metric,omitempty" json:"step_metric,omitempty"`
	// StepSync fills a missing step metric from its last observed value.
	StepSync bool `msgpack:"step_sync,omitempty" json:"step_sync,omitempty"`
	Hidden   bool `msgpack:"hidden,omitempty" json:"hidden,omitempty"`
	// Summary is the set of aggregations applied; empty means copy.
	Summary []Aggregation `msgpack:"summary,omitempty" json:"summary,omitempty"`
	Goal    Goal          `msgpack:"goal,omitempty" json:"goal,omitempty"`
	// Overwrite replaces an existing definition instead of merging into it.
	Overwrite bool `msgpack:"overwrite,omitempty" json:"overwrite,omitempty"`
}

// IsGlob reports whether the definition matches by pattern.
func (m *MetricDefinition) IsGlob() bool {
	return m.GlobName != ""
}

// Has reports whether agg is among the definition's aggregations.
func (m *MetricDefinition) Has(agg Aggregation) bool {
	for _, a := range m.Summary {
		if a == agg {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (m *MetricDefinition) Clone() *MetricDefinition {
	c := *m
	c.Summary = append([]Aggregation(nil), m.Summary...)
	return &c
}
