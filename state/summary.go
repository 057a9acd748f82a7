package state

import (
	"math"
	"slices"

	"github.com/pithecene-io/trackd/types"
)

// summarize rolls a committed history value into the summary. Nested maps
// are walked; a nested key with its own definition overrides the parent's.
func (a *Aggregator) summarize(keys []string, v any, d *types.MetricDefinition) {
	if nested, ok := v.(map[string]any); ok {
		for _, k := range sortedKeys(nested) {
			child := append(slices.Clone(keys), k)
			cd := d
			if exact, ok := a.metrics.exact[metricKey(child)]; ok {
				cd = exact
			}
			a.summarize(child, nested[k], cd)
		}
		return
	}

	hasPolicy := d != nil && len(d.Summary) > 0
	if len(keys) == 1 {
		a.metrics.copies[keys[0]] = deepCopy(v)
	}
	if !hasPolicy || d.Has(types.AggregateCopy) {
		setPath(a.summary, keys, deepCopy(v))
		return
	}
	if d.Has(types.AggregateNone) {
		return
	}
	f, ok := asFloat(v)
	if !ok || math.IsNaN(f) {
		return
	}
	a.aggregate(keys, f, d)
}

// aggregate updates the min/max/mean/last/best entries under keys.
// "best" follows max when the goal is maximize and min otherwise.
func (a *Aggregator) aggregate(keys []string, f float64, d *types.MetricDefinition) {
	name := metricKey(keys)
	track := a.metrics.track
	best := d.Has(types.AggregateBest)
	maximize := d.Goal == types.GoalMaximize

	if d.Has(types.AggregateLast) {
		a.setAggregate(keys, "last", f)
	}
	if d.Has(types.AggregateMax) || (best && maximize) {
		k := name + "\x00max"
		if old, ok := track[k]; !ok || f > old {
			track[k] = f
			if d.Has(types.AggregateMax) {
				a.setAggregate(keys, "max", f)
			}
			if best {
				a.setAggregate(keys, "best", f)
			}
		}
	}
	if d.Has(types.AggregateMin) || (best && !maximize) {
		k := name + "\x00min"
		if old, ok := track[k]; !ok || f < old {
			track[k] = f
			if d.Has(types.AggregateMin) {
				a.setAggregate(keys, "min", f)
			}
			if best {
				a.setAggregate(keys, "best", f)
			}
		}
	}
	if d.Has(types.AggregateMean) {
		tot := track[name+"\x00tot"] + f
		num := track[name+"\x00num"] + 1
		track[name+"\x00tot"] = tot
		track[name+"\x00num"] = num
		a.setAggregate(keys, "mean", tot/num)
	}
}

func (a *Aggregator) setAggregate(keys []string, agg string, v float64) {
	setPath(a.summary, append(slices.Clone(keys), agg), v)
}
