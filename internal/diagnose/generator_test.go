package diagnose

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendloop/internal/lessons"
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

func newTestGenerator(t *testing.T) *RuleGenerator {
	t.Helper()
	g, err := NewRuleGenerator(&RuleGeneratorConfig{
		ComponentsDir: t.TempDir(),
		ArtifactName:  "agent.py",
		MinFailures:   5,
	}, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestRuleGenerator_Generate(t *testing.T) {
	g := newTestGenerator(t)
	snap := snapshotWith(map[string]map[snapshot.Category]int64{
		"scraper-a": {snapshot.CategoryBlocked: 100, snapshot.CategoryTitleMatchFailure: 40},
		"scraper-b": {snapshot.CategoryBlocked: 10},
	})

	batch, err := g.Generate(context.Background(), snap, nil)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	// Ordered by impact descending.
	assert.Equal(t, 100, batch[0].Priority)
	assert.Equal(t, "scraper-a", batch[0].TargetComponent())
	assert.Equal(t, StatusPending, batch[0].Status)

	// Blocked rule predicts a bounded reduction and a rate-limit guard.
	blocked := batch[0]
	r, ok := blocked.Prediction.ExpectedDeltas[snapshot.CategoryBlocked]
	require.True(t, ok)
	assert.Equal(t, int64(0), r.Min)
	assert.Equal(t, int64(70), r.Max)
	require.NotNil(t, blocked.Prediction.FailurePredicate)
	assert.Equal(t, snapshot.CategoryRateLimited, blocked.Prediction.FailurePredicate.Category)
}

func TestRuleGenerator_MinFailuresThreshold(t *testing.T) {
	g := newTestGenerator(t)
	snap := snapshotWith(map[string]map[snapshot.Category]int64{
		"scraper-a": {snapshot.CategoryBlocked: 3},
	})

	batch, err := g.Generate(context.Background(), snap, nil)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestRuleGenerator_AvoidComponentDirective(t *testing.T) {
	g := newTestGenerator(t)
	snap := snapshotWith(map[string]map[snapshot.Category]int64{
		"scraper-a": {snapshot.CategoryBlocked: 100},
		"scraper-b": {snapshot.CategoryBlocked: 50},
	})

	avoid := []*lessons.Lesson{{
		ID:          "l1",
		Scope:       lessons.ScopeComponent,
		ComponentID: "scraper-a",
		Category:    lessons.CategoryMissedPrecondition,
		Directive: lessons.Directive{
			Kind:        lessons.DirectiveAvoidComponent,
			ComponentID: "scraper-a",
		},
	}}

	batch, err := g.Generate(context.Background(), snap, avoid)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "scraper-b", batch[0].TargetComponent())
}

func TestRuleGenerator_RequirePredictionDirective(t *testing.T) {
	g := newTestGenerator(t)
	snap := snapshotWith(map[string]map[snapshot.Category]int64{
		"scraper-a": {snapshot.CategoryBlocked: 100},
	})

	global := []*lessons.Lesson{{
		ID:    "l1",
		Scope: lessons.ScopeGlobal,
		Directive: lessons.Directive{
			Kind:     lessons.DirectiveRequirePrediction,
			Category: snapshot.CategoryRateLimited,
		},
	}}

	batch, err := g.Generate(context.Background(), snap, global)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, ok := batch[0].Prediction.ExpectedDeltas[snapshot.CategoryRateLimited]
	assert.True(t, ok, "directive must force the prediction to cover rate_limited")
	assert.Contains(t, batch[0].Prediction.Introduces, snapshot.CategoryRateLimited)
}

func TestRuleGenerator_TemperExpectationDirective(t *testing.T) {
	g := newTestGenerator(t)
	snap := snapshotWith(map[string]map[snapshot.Category]int64{
		"scraper-a": {snapshot.CategoryBlocked: 100},
	})

	temper := []*lessons.Lesson{{
		ID:    "l1",
		Scope: lessons.ScopeGlobal,
		Directive: lessons.Directive{
			Kind:       lessons.DirectiveTemperExpectation,
			Category:   snapshot.CategoryBlocked,
			MinCeiling: 90,
		},
	}}

	batch, err := g.Generate(context.Background(), snap, temper)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(90), batch[0].Prediction.ExpectedDeltas[snapshot.CategoryBlocked].Max)
}

func TestRuleGenerator_ConflictingLessons(t *testing.T) {
	g := newTestGenerator(t)
	snap := snapshotWith(map[string]map[snapshot.Category]int64{
		"scraper-a": {snapshot.CategoryBlocked: 100},
	})

	conflicting := []*lessons.Lesson{
		{
			ID:    "l-req",
			Scope: lessons.ScopeGlobal,
			Directive: lessons.Directive{
				Kind:     lessons.DirectiveRequirePrediction,
				Category: snapshot.CategoryRateLimited,
			},
		},
		{
			ID:    "l-forbid",
			Scope: lessons.ScopeGlobal,
			Directive: lessons.Directive{
				Kind:     lessons.DirectiveForbidPrediction,
				Category: snapshot.CategoryRateLimited,
			},
		},
	}

	_, err := g.Generate(context.Background(), snap, conflicting)
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestNewRuleGenerator_RequiresComponentsDir(t *testing.T) {
	_, err := NewRuleGenerator(&RuleGeneratorConfig{}, zap.NewNop())
	assert.Error(t, err)
}
