package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapWith(counts map[string]map[Category]int64) *Snapshot {
	s := &Snapshot{Components: make(map[string]*MetricSet)}
	for id, cs := range counts {
		ms := NewMetricSet()
		for cat, n := range cs {
			ms.Counts[cat] = n
		}
		s.Components[id] = ms
	}
	return s
}

func TestDiff_PercentDeltaEdgeCases(t *testing.T) {
	tests := []struct {
		name     string
		baseline int64
		current  int64
		want     float64
	}{
		{"zero baseline, nonzero current", 0, 5, 100},
		{"zero baseline, zero current", 0, 0, 0},
		{"halved", 100, 50, -50},
		{"doubled", 50, 100, 100},
		{"unchanged", 42, 42, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, percentDelta(tt.baseline, tt.current))
		})
	}
}

func TestDiff_NewlyAppearedAndDisappeared(t *testing.T) {
	baseline := snapWith(map[string]map[Category]int64{
		"scraper-a": {CategoryBlocked: 10, CategoryModelReadError: 2},
	})
	current := snapWith(map[string]map[Category]int64{
		"scraper-a": {CategoryBlocked: 4, CategoryRateLimited: 7},
	})

	result := Diff(baseline, current)
	require.Contains(t, result.PerComponent, "scraper-a")

	byCat := make(map[Category]CategoryDelta)
	for _, d := range result.PerComponent["scraper-a"] {
		byCat[d.Category] = d
	}

	blocked := byCat[CategoryBlocked]
	assert.Equal(t, int64(-6), blocked.AbsoluteDelta)
	assert.Equal(t, float64(-60), blocked.PercentDelta)
	assert.False(t, blocked.NewlyAppeared)
	assert.False(t, blocked.Disappeared)

	rate := byCat[CategoryRateLimited]
	assert.True(t, rate.NewlyAppeared)
	assert.Equal(t, float64(100), rate.PercentDelta)

	model := byCat[CategoryModelReadError]
	assert.True(t, model.Disappeared)
	assert.Equal(t, int64(-2), model.AbsoluteDelta)
}

func TestDiff_Totals(t *testing.T) {
	baseline := snapWith(map[string]map[Category]int64{
		"scraper-a": {CategoryBlocked: 60},
		"scraper-b": {CategoryBlocked: 40},
	})
	current := snapWith(map[string]map[Category]int64{
		"scraper-a": {CategoryBlocked: 30},
		"scraper-b": {CategoryBlocked: 20},
	})

	result := Diff(baseline, current)
	total, ok := result.Total(CategoryBlocked)
	require.True(t, ok)
	assert.Equal(t, int64(100), total.Baseline)
	assert.Equal(t, int64(50), total.Current)
	assert.Equal(t, float64(-50), total.PercentDelta)
}

func TestDiff_ComponentOnlyInOneSnapshot(t *testing.T) {
	baseline := snapWith(map[string]map[Category]int64{
		"scraper-a": {CategoryBlocked: 5},
	})
	current := snapWith(map[string]map[Category]int64{
		"scraper-b": {CategoryURLFetchError: 3},
	})

	result := Diff(baseline, current)
	assert.Len(t, result.PerComponent, 2)

	scraperA := result.PerComponent["scraper-a"]
	require.Len(t, scraperA, 1)
	assert.True(t, scraperA[0].Disappeared)

	scraperB := result.PerComponent["scraper-b"]
	require.Len(t, scraperB, 1)
	assert.True(t, scraperB[0].NewlyAppeared)
}

func TestDiff_DoesNotMutateInputs(t *testing.T) {
	baseline := snapWith(map[string]map[Category]int64{
		"scraper-a": {CategoryBlocked: 5},
	})
	current := snapWith(map[string]map[Category]int64{})

	Diff(baseline, current)
	assert.Equal(t, int64(5), baseline.Components["scraper-a"].Counts[CategoryBlocked])
	assert.Empty(t, current.Components)
}
