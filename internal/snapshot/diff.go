package snapshot

import "sort"

// CategoryDelta describes how one category moved between two snapshots.
type CategoryDelta struct {
	Category Category `json:"category"`

	Baseline int64 `json:"baseline"`
	Current  int64 `json:"current"`

	// AbsoluteDelta is current minus baseline.
	AbsoluteDelta int64 `json:"absolute_delta"`

	// PercentDelta is the relative change. A category appearing from a
	// zero baseline reports +100; zero to zero reports 0.
	PercentDelta float64 `json:"percent_delta"`

	// NewlyAppeared is true when the category exists only in current.
	NewlyAppeared bool `json:"newly_appeared"`

	// Disappeared is true when the category exists only in baseline.
	Disappeared bool `json:"disappeared"`
}

// DiffResult holds per-component and fleet-wide category deltas.
type DiffResult struct {
	// PerComponent maps agent ID to its category deltas.
	PerComponent map[string][]CategoryDelta `json:"per_component"`

	// Totals are deltas summed across the fleet.
	Totals []CategoryDelta `json:"totals"`
}

// Total returns the fleet-wide delta for a category, if present.
func (d *DiffResult) Total(cat Category) (CategoryDelta, bool) {
	for _, cd := range d.Totals {
		if cd.Category == cat {
			return cd, true
		}
	}
	return CategoryDelta{}, false
}

// Diff computes per-category deltas between two snapshots. Pure: no I/O,
// no mutation of either input.
func Diff(baseline, current *Snapshot) *DiffResult {
	result := &DiffResult{
		PerComponent: make(map[string][]CategoryDelta),
	}

	ids := make(map[string]bool)
	for id := range baseline.Components {
		ids[id] = true
	}
	for id := range current.Components {
		ids[id] = true
	}

	baseTotals := make(map[Category]int64)
	currTotals := make(map[Category]int64)

	for id := range ids {
		b := baseline.Component(id)
		c := current.Component(id)
		result.PerComponent[id] = diffMetricSets(b, c)
		for cat, n := range b.Counts {
			baseTotals[cat] += n
		}
		for cat, n := range c.Counts {
			currTotals[cat] += n
		}
	}

	result.Totals = diffCounts(baseTotals, currTotals)
	return result
}

func diffMetricSets(b, c *MetricSet) []CategoryDelta {
	return diffCounts(b.Counts, c.Counts)
}

func diffCounts(base, curr map[Category]int64) []CategoryDelta {
	cats := make(map[Category]bool)
	for cat := range base {
		cats[cat] = true
	}
	for cat := range curr {
		cats[cat] = true
	}

	deltas := make([]CategoryDelta, 0, len(cats))
	for cat := range cats {
		bv := base[cat]
		cv := curr[cat]
		_, inBase := base[cat]
		_, inCurr := curr[cat]

		deltas = append(deltas, CategoryDelta{
			Category:      cat,
			Baseline:      bv,
			Current:       cv,
			AbsoluteDelta: cv - bv,
			PercentDelta:  percentDelta(bv, cv),
			NewlyAppeared: !inBase && inCurr,
			Disappeared:   inBase && !inCurr,
		})
	}

	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].Category < deltas[j].Category
	})
	return deltas
}

// percentDelta handles the zero-baseline edge cases: 0→N is +100%,
// 0→0 is 0%.
func percentDelta(baseline, current int64) float64 {
	if baseline == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return float64(current-baseline) / float64(baseline) * 100
}
