package loop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendloop/internal/decide"
	"github.com/fyrsmithlabs/mendloop/internal/diagnose"
	"github.com/fyrsmithlabs/mendloop/internal/extract"
	"github.com/fyrsmithlabs/mendloop/internal/lessons"
	"github.com/fyrsmithlabs/mendloop/internal/mutate"
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
	"github.com/fyrsmithlabs/mendloop/internal/statestore"
	"github.com/fyrsmithlabs/mendloop/internal/verify"
)

// scriptedSource emits a scripted number of blocked events per read,
// optionally alongside search operations for the same window.
type scriptedSource struct {
	counts   []int
	searches []int
	calls    int
	err      error
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Read(_ context.Context, w snapshot.Window) ([]snapshot.Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls
	if idx >= len(s.counts) {
		idx = len(s.counts) - 1
	}
	s.calls++
	var events []snapshot.Event
	for i := 0; i < s.counts[idx]; i++ {
		events = append(events, snapshot.Event{
			ComponentID: "title-fetcher",
			Timestamp:   w.Start,
			Message:     "request blocked by upstream",
		})
	}
	if len(s.searches) > 0 {
		sidx := idx
		if sidx >= len(s.searches) {
			sidx = len(s.searches) - 1
		}
		for i := 0; i < s.searches[sidx]; i++ {
			events = append(events, snapshot.Event{
				ComponentID: "title-fetcher",
				Timestamp:   w.Start,
				Message:     "search issued for pending title",
			})
		}
	}
	return events, nil
}

type blockedClassifier struct{}

func (blockedClassifier) Classify(ev snapshot.Event) (snapshot.Category, bool) {
	if strings.Contains(ev.Message, "search") {
		return snapshot.CategorySearchOp, true
	}
	return snapshot.CategoryBlocked, true
}

// scriptedGenerator returns its candidate batches in call order.
type scriptedGenerator struct {
	batches [][]*diagnose.Candidate
	calls   int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ *snapshot.Snapshot, _ []*lessons.Lesson) ([]*diagnose.Candidate, error) {
	if g.calls >= len(g.batches) {
		return nil, nil
	}
	batch := g.batches[g.calls]
	g.calls++
	return batch, nil
}

// fakeExecutor tracks lifecycle calls without touching files.
type fakeExecutor struct {
	applied      int
	reverted     int
	kept         int
	resolveCalls int
	applyErr     error
}

func (f *fakeExecutor) Apply(_ context.Context, c *diagnose.Candidate) (*mutate.MutationRecord, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied++
	return &mutate.MutationRecord{
		ID:          "rec-" + c.ID,
		CandidateID: c.ID,
		ComponentID: c.TargetComponent(),
		Status:      mutate.StatusApplied,
	}, nil
}

func (f *fakeExecutor) Revert(_ context.Context, rec *mutate.MutationRecord) error {
	f.reverted++
	rec.Status = mutate.StatusRolledBack
	return nil
}

func (f *fakeExecutor) MarkKept(_ context.Context, rec *mutate.MutationRecord) error {
	f.kept++
	rec.Status = mutate.StatusKept
	return nil
}

func (f *fakeExecutor) ResolveUnfinished(_ context.Context) ([]*mutate.MutationRecord, error) {
	f.resolveCalls++
	return nil, nil
}

// fakeVerifier returns a post snapshot with scripted counts.
type fakeVerifier struct {
	postCounts map[snapshot.Category]int64
	err        error
	calls      int
}

func (f *fakeVerifier) Verify(_ context.Context, baseline *snapshot.Snapshot, componentID string, _ []snapshot.Source) (*verify.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ms := snapshot.NewMetricSet()
	for cat, n := range f.postCounts {
		ms.Counts[cat] = n
	}
	return &verify.Result{
		BaselineID:  baseline.ID,
		ComponentID: componentID,
		Post: &snapshot.Snapshot{
			ID:         "post-1",
			Components: map[string]*snapshot.MetricSet{componentID: ms},
			CreatedAt:  time.Now(),
		},
	}, nil
}

type denyGate struct{}

func (denyGate) Approve(_ context.Context, _ *diagnose.Candidate) (bool, error) {
	return false, nil
}

func blockedCandidate() *diagnose.Candidate {
	return &diagnose.Candidate{
		ID:   "cand-1",
		Name: "harden request headers",
		Mutation: diagnose.MutationSpec{
			ComponentID:  "title-fetcher",
			ArtifactPath: "/etc/mendloop/title-fetcher.yaml",
			Find:         "headers: default",
			Replace:      "headers: hardened",
		},
		Prediction: diagnose.Prediction{
			ExpectedDeltas: map[snapshot.Category]diagnose.TargetRange{
				snapshot.CategoryBlocked: {Min: 0, Max: 70},
			},
			FailurePredicate: &diagnose.Predicate{
				Category:    snapshot.CategoryRateLimited,
				GreaterThan: 50,
			},
		},
		Priority: 1,
		Risk:     1,
		Status:   diagnose.StatusPending,
	}
}

type controllerFixture struct {
	controller *Controller
	store      *statestore.Store
	executor   *fakeExecutor
	verifier   *fakeVerifier
	generator  *scriptedGenerator
	source     *scriptedSource
}

func newFixture(t *testing.T, cfg *Config, gen *scriptedGenerator, ver *fakeVerifier, src *scriptedSource, gate ApprovalGate) *controllerFixture {
	t.Helper()

	store, err := statestore.OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agg, err := snapshot.NewAggregator(snapshot.DefaultAggregatorConfig(), blockedClassifier{}, zap.NewNop())
	require.NoError(t, err)

	exec := &fakeExecutor{}
	ctrl, err := NewController(cfg, Deps{
		Aggregator: agg,
		Sources:    []snapshot.Source{src},
		Generator:  gen,
		Executor:   exec,
		Verifier:   ver,
		Extractor:  extract.NewExtractor(zap.NewNop()),
		Policy:     decide.DefaultPolicy(),
		Store:      store,
		Gate:       gate,
	}, zap.NewNop())
	require.NoError(t, err)

	return &controllerFixture{
		controller: ctrl,
		store:      store,
		executor:   exec,
		verifier:   ver,
		generator:  gen,
		source:     src,
	}
}

func TestRunKeepsSuccessfulCandidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1

	fix := newFixture(t, cfg,
		&scriptedGenerator{batches: [][]*diagnose.Candidate{{blockedCandidate()}}},
		&fakeVerifier{postCounts: map[snapshot.Category]int64{
			snapshot.CategoryBlocked:     60,
			snapshot.CategoryRateLimited: 5,
		}},
		&scriptedSource{counts: []int{100}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitMaxIterations, report.ExitReason)
	assert.Equal(t, 1, report.Kept)
	assert.Equal(t, 0, report.RolledBack)
	assert.Equal(t, int64(100), report.FirstBaselineFailures)
	assert.Equal(t, 1, fix.executor.applied)
	assert.Equal(t, 1, fix.executor.kept)
	assert.Equal(t, 1, fix.executor.resolveCalls)

	require.Len(t, report.History, 1)
	require.Len(t, report.History[0].Candidates, 1)
	assert.Equal(t, string(decide.OutcomeKeep), report.History[0].Candidates[0].Outcome)
}

func TestRunRollsBackAndExtractsLessons(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1

	// Post counts unchanged: prediction unmet, no improvement.
	fix := newFixture(t, cfg,
		&scriptedGenerator{batches: [][]*diagnose.Candidate{{blockedCandidate()}}},
		&fakeVerifier{postCounts: map[snapshot.Category]int64{
			snapshot.CategoryBlocked: 100,
		}},
		&scriptedSource{counts: []int{100}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.RolledBack)
	assert.Equal(t, 1, fix.executor.reverted)

	persisted, err := fix.store.List("lesson/")
	require.NoError(t, err)
	assert.NotEmpty(t, persisted)
}

func TestRunSkipsUnapprovedCandidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1

	fix := newFixture(t, cfg,
		&scriptedGenerator{batches: [][]*diagnose.Candidate{{blockedCandidate()}}},
		&fakeVerifier{},
		&scriptedSource{counts: []int{100}},
		denyGate{})

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, fix.executor.applied)
	assert.Equal(t, 0, fix.verifier.calls)
}

func TestRunContinuesAfterApplyFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1

	fix := newFixture(t, cfg,
		&scriptedGenerator{batches: [][]*diagnose.Candidate{{blockedCandidate()}}},
		&fakeVerifier{},
		&scriptedSource{counts: []int{100}},
		nil)
	fix.executor.applyErr = mutate.ErrValidationFailure

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.History[0].Candidates, 1)
	assert.Equal(t, outcomeApplyFailed, report.History[0].Candidates[0].Outcome)
	assert.Equal(t, 0, fix.verifier.calls)
}

func TestRunDefersOnTotalTriggerFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1

	fix := newFixture(t, cfg,
		&scriptedGenerator{batches: [][]*diagnose.Candidate{{blockedCandidate()}}},
		&fakeVerifier{err: verify.ErrTriggerFailure},
		&scriptedSource{counts: []int{100}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	// One retry, then fail closed: mutation reverted, decision deferred.
	assert.Equal(t, 2, fix.verifier.calls)
	assert.Equal(t, 1, fix.executor.reverted)
	assert.Equal(t, outcomeDeferred, report.History[0].Candidates[0].Outcome)
}

func TestPlateauFiresAtTrailingWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 10
	cfg.ExhaustedStreak = 10

	// Improvements per iteration: 50%, 8%, 0%. Trailing pair averages
	// 29 then 4; plateau must fire exactly on the second pair.
	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{100, 50, 46, 46}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitPlateau, report.ExitReason)
	assert.Equal(t, 4, report.Iterations)
}

func TestExhaustedAfterConsecutiveEmptyIterations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 10

	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{100}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitExhausted, report.ExitReason)
	assert.Equal(t, 2, report.Iterations)
}

func TestRegressionBeatsLaterConditions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 5
	cfg.ExhaustedStreak = 5

	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{50, 60}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitRegression, report.ExitReason)
	assert.Equal(t, 2, report.Iterations)
}

func TestRegressionOnWorseningFailureRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 5
	cfg.ExhaustedStreak = 5

	// Fewer failures in absolute terms, but search volume halved, so
	// the failure rate climbs from 0.25 to 0.40.
	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{50, 40}, searches: []int{200, 100}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitRegression, report.ExitReason)
	assert.Equal(t, 2, report.Iterations)
}

func TestNoRegressionWhenRateImprovesDespiteHigherTotals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	cfg.ExhaustedStreak = 5

	// Failure totals rise 50 to 60, but search volume triples, so the
	// rate drops from 0.5 to 0.2 and the run is allowed to continue.
	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{50, 60}, searches: []int{100, 300}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, ExitRegression, report.ExitReason)
	assert.Equal(t, 3, report.Iterations)
}

func TestTargetReachedExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 10
	cfg.ExhaustedStreak = 10

	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{100, 5}},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitTargetReached, report.ExitReason)
	assert.InDelta(t, 95.0, report.ReductionPct, 0.001)
}

func TestDataUnavailableExitsDistinctly(t *testing.T) {
	fix := newFixture(t, DefaultConfig(),
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{err: errors.New("log directory unreadable")},
		nil)

	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitDataUnavailable, report.ExitReason)
}

func TestManualStopHonoredAtExitCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 10
	cfg.ExhaustedStreak = 5

	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{100}},
		nil)

	fix.controller.Stop()
	report, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitManual, report.ExitReason)
	assert.Equal(t, 1, report.Iterations)
}

func TestResumeContinuesPersistedRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 3

	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{40}},
		nil)

	prior := &IterationState{
		RunID:                 "run-prior",
		Revision:              12,
		State:                 StateExitCheck,
		Iteration:             2,
		FirstBaselineFailures: 100,
		LastFailures:          50,
		StartedAt:             time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, fix.store.Put("loop/state/current", prior))

	report, err := fix.controller.Resume(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-prior", report.RunID)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, ExitMaxIterations, report.ExitReason)
	assert.Equal(t, 1, fix.executor.resolveCalls)
}

func TestStatePersistedEveryTransition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1

	fix := newFixture(t, cfg,
		&scriptedGenerator{batches: [][]*diagnose.Candidate{{blockedCandidate()}}},
		&fakeVerifier{postCounts: map[snapshot.Category]int64{snapshot.CategoryBlocked: 60}},
		&scriptedSource{counts: []int{100}},
		nil)

	_, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	revisions, err := fix.store.List("loop/state/rev/")
	require.NoError(t, err)
	// INIT, AGGREGATING, DIAGNOSING, MUTATING, VERIFYING, DECIDING,
	// EXIT_CHECK, EXIT.
	assert.Len(t, revisions, 8)

	var current IterationState
	require.NoError(t, fix.store.Get("loop/state/current", &current))
	assert.Equal(t, StateExit, current.State)
	assert.Equal(t, ExitMaxIterations, current.ExitReason)
}

func TestStateAccessorReturnsCopy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1

	fix := newFixture(t, cfg,
		&scriptedGenerator{},
		&fakeVerifier{},
		&scriptedSource{counts: []int{10}},
		nil)

	assert.Nil(t, fix.controller.State())

	_, err := fix.controller.Run(context.Background())
	require.NoError(t, err)

	st := fix.controller.State()
	require.NotNil(t, st)
	assert.Equal(t, StateExit, st.State)
	assert.NotNil(t, fix.controller.Report())
}
