package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
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

const instrumentationName = "github.com/fyrsmithlabs/mendloop/internal/loop"

// state store key layout
const (
	stateKeyCurrent = "loop/state/current"
	stateKeyRevFmt  = "loop/state/rev/%010d"
	lessonPrefix    = "lesson/"
	reportKeyFmt    = "loop/report/%s"
)

// Config carries the operator-configurable loop constants.
type Config struct {
	// MaxIterations caps the run (default: 10).
	MaxIterations int

	// PlateauThresholdPct is the improvement percentage below which the
	// trailing window counts as a plateau (default: 5).
	PlateauThresholdPct float64

	// PlateauWindow is how many trailing iterations the plateau check
	// averages over (default: 2).
	PlateauWindow int

	// ExhaustedStreak is how many consecutive no-candidate iterations
	// exhaust the run (default: 2).
	ExhaustedStreak int

	// TargetReductionPct ends the run early once cumulative failure
	// reduction reaches it (default: 90).
	TargetReductionPct float64

	// ObservationWindow is the lookback span of each baseline
	// aggregation (default: 10m).
	ObservationWindow time.Duration

	// IterationPause is the idle time between iterations (default: 0).
	IterationPause time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:       10,
		PlateauThresholdPct: 5,
		PlateauWindow:       2,
		ExhaustedStreak:     2,
		TargetReductionPct:  90,
		ObservationWindow:   10 * time.Minute,
	}
}

// Deps are the collaborators the controller drives.
type Deps struct {
	Aggregator *snapshot.Aggregator
	Sources    []snapshot.Source
	Generator  diagnose.Generator
	Executor   mutate.Executor
	Verifier   verify.Verifier
	Extractor  *extract.Extractor
	Policy     decide.Policy
	Store      *statestore.Store

	// Gate defaults to AutoApprove when nil.
	Gate ApprovalGate
}

// Controller runs the control loop.
type Controller struct {
	config *Config
	deps   Deps
	logger *zap.Logger

	// Telemetry
	tracer           trace.Tracer
	meter            metric.Meter
	iterationCounter metric.Int64Counter
	decisionCounter  metric.Int64Counter

	stop atomic.Bool

	mu     sync.RWMutex
	state  *IterationState
	report *Report
}

// NewController creates a controller.
func NewController(cfg *Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if len(deps.Sources) == 0 {
		return nil, errors.New("at least one event source is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if deps.Store == nil {
		return nil, errors.New("state store is required")
	}
	if err := deps.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("decision policy: %w", err)
	}
	if deps.Gate == nil {
		deps.Gate = AutoApprove{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.PlateauWindow <= 0 {
		cfg.PlateauWindow = 2
	}
	if cfg.ExhaustedStreak <= 0 {
		cfg.ExhaustedStreak = 2
	}
	if cfg.ObservationWindow <= 0 {
		cfg.ObservationWindow = 10 * time.Minute
	}

	c := &Controller{
		config: cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	c.initMetrics()

	return c, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (c *Controller) initMetrics() {
	var err error

	c.iterationCounter, err = c.meter.Int64Counter(
		"mendloop.loop.iterations_total",
		metric.WithDescription("Total number of completed loop iterations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		c.logger.Warn("failed to create iteration counter", zap.Error(err))
	}

	c.decisionCounter, err = c.meter.Int64Counter(
		"mendloop.loop.decisions_total",
		metric.WithDescription("Total number of candidate decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		c.logger.Warn("failed to create decision counter", zap.Error(err))
	}
}

// Stop requests a graceful stop. It is honored at the next exit check;
// an in-flight candidate always reaches a terminal state first.
func (c *Controller) Stop() {
	c.stop.Store(true)
}

// State returns a copy of the state as of the last transition, or nil
// before the first run.
func (c *Controller) State() *IterationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// publishState stores an immutable copy for concurrent readers.
func (c *Controller) publishState(st *IterationState) {
	cp := *st
	cp.ImprovementsPct = append([]float64(nil), st.ImprovementsPct...)
	cp.History = append([]IterationRecord(nil), st.History...)
	c.mu.Lock()
	c.state = &cp
	c.mu.Unlock()
}

// Report returns the final run report, or nil while the loop is still
// running.
func (c *Controller) Report() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// Run starts a fresh run.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	return c.start(ctx, false)
}

// Resume continues from the last persisted state. Without one it
// behaves like Run.
func (c *Controller) Resume(ctx context.Context) (*Report, error) {
	return c.start(ctx, true)
}

func (c *Controller) start(ctx context.Context, resume bool) (*Report, error) {
	ctx, span := c.tracer.Start(ctx, "loop.Run")
	defer span.End()

	// Fail closed: anything a prior run left mid-mutation is rolled
	// back before any new observation.
	resolved, err := c.deps.Executor.ResolveUnfinished(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve unfinished mutations: %w", err)
	}
	if len(resolved) > 0 {
		c.logger.Warn("rolled back unresolved mutations from prior run",
			zap.Int("count", len(resolved)))
	}

	st := &IterationState{
		RunID:     uuid.NewString(),
		State:     StateInit,
		StartedAt: time.Now().UTC(),
	}
	if resume {
		var prev IterationState
		err := c.deps.Store.Get(stateKeyCurrent, &prev)
		switch {
		case err == nil && prev.State != StateExit:
			st = &prev
			c.logger.Info("resuming run",
				zap.String("run_id", st.RunID),
				zap.Int("iteration", st.Iteration),
				zap.String("state", string(st.State)))
		case err != nil && !errors.Is(err, statestore.ErrKeyNotFound):
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("load persisted state: %w", err)
		}
	}
	span.SetAttributes(attribute.String("run.id", st.RunID))

	c.mu.Lock()
	c.report = nil
	c.mu.Unlock()

	if err := c.transition(st, StateInit); err != nil {
		return nil, err
	}

	report, err := c.runLoop(ctx, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return report, nil
}

func (c *Controller) runLoop(ctx context.Context, st *IterationState) (*Report, error) {
	for {
		st.Iteration++
		rec := IterationRecord{Number: st.Iteration, StartedAt: time.Now().UTC()}

		abort, err := c.runIteration(ctx, st, &rec)
		if err != nil {
			return nil, err
		}

		st.History = append(st.History, rec)
		if err := c.transition(st, StateExitCheck); err != nil {
			return nil, err
		}
		if c.iterationCounter != nil {
			c.iterationCounter.Add(ctx, 1)
		}

		if abort != "" {
			st.ExitReason = abort
		} else {
			st.ExitReason = c.exitReason(ctx, st)
		}
		if st.ExitReason != "" {
			break
		}

		c.logger.Info("iteration complete, continuing",
			zap.Int("iteration", st.Iteration),
			zap.Int64("failures", st.LastFailures))

		if c.config.IterationPause > 0 {
			timer := time.NewTimer(c.config.IterationPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				st.ExitReason = ExitManual
			case <-timer.C:
			}
			if st.ExitReason != "" {
				break
			}
		}
	}

	if err := c.transition(st, StateExit); err != nil {
		return nil, err
	}
	return c.finish(st)
}

// runIteration executes one full pass. A non-empty abort reason ends
// the run at the following exit check regardless of the usual ordered
// conditions.
func (c *Controller) runIteration(ctx context.Context, st *IterationState, rec *IterationRecord) (abort ExitReason, err error) {
	ctx, span := c.tracer.Start(ctx, "loop.iteration",
		trace.WithAttributes(attribute.Int("iteration", st.Iteration)))
	defer span.End()

	if err := c.transition(st, StateAggregating); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	window := snapshot.Window{Start: now.Add(-c.config.ObservationWindow), End: now}
	baseline, err := c.deps.Aggregator.Aggregate(ctx, c.deps.Sources, window)
	if err != nil {
		if errors.Is(err, snapshot.ErrDataUnavailable) {
			c.logger.Error("baseline unavailable, aborting iteration", zap.Error(err))
			return ExitDataUnavailable, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("aggregate baseline: %w", err)
	}

	failures := baseline.FailureTotal()
	rate := baseline.FailureRate()
	rec.SnapshotID = baseline.ID
	rec.Failures = failures
	if st.Iteration == 1 {
		st.FirstBaselineFailures = failures
		st.FirstBaselineRate = rate
	} else {
		imp := improvementPct(st.LastFailures, failures)
		rec.ImprovementPct = imp
		st.ImprovementsPct = append(st.ImprovementsPct, imp)
	}
	st.LastFailures = failures
	st.LastFailureRate = rate

	if err := c.transition(st, StateDiagnosing); err != nil {
		return "", err
	}

	accumulated, err := c.loadLessons()
	if err != nil {
		return "", err
	}
	if err := diagnose.CheckLessonConflicts(accumulated); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	cands, err := c.deps.Generator.Generate(ctx, baseline, accumulated)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("generate candidates: %w", err)
	}
	if err := diagnose.ValidateBatch(baseline, accumulated, cands); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if len(cands) == 0 {
		st.NoCandidateStreak++
		c.logger.Info("no candidates this iteration",
			zap.Int("streak", st.NoCandidateStreak))
		return "", nil
	}
	st.NoCandidateStreak = 0

	for _, cand := range cands {
		outcome, abortReason, err := c.runCandidate(ctx, st, baseline, cand)
		if err != nil {
			return "", err
		}
		rec.Candidates = append(rec.Candidates, outcome)
		if abortReason != "" {
			return abortReason, nil
		}
	}

	return "", nil
}

// runCandidate takes one candidate through mutate → verify → decide →
// extract. Candidate-local failures are recorded and swallowed; only
// contract violations and persistence failures propagate.
func (c *Controller) runCandidate(ctx context.Context, st *IterationState, baseline *snapshot.Snapshot, cand *diagnose.Candidate) (CandidateOutcome, ExitReason, error) {
	out := CandidateOutcome{
		CandidateID: cand.ID,
		Name:        cand.Name,
		ComponentID: cand.TargetComponent(),
	}

	approved, err := c.deps.Gate.Approve(ctx, cand)
	if err != nil {
		return out, "", fmt.Errorf("approval gate: %w", err)
	}
	if !approved {
		out.Outcome = outcomeSkipped
		st.Skipped++
		c.logger.Info("candidate not approved",
			zap.String("candidate_id", cand.ID), zap.String("name", cand.Name))
		return out, "", nil
	}

	if err := c.transition(st, StateMutating); err != nil {
		return out, "", err
	}
	mrec, err := c.deps.Executor.Apply(ctx, cand)
	if err != nil {
		if errors.Is(err, mutate.ErrValidationFailure) ||
			errors.Is(err, mutate.ErrRestartTimeout) ||
			errors.Is(err, mutate.ErrMutationInFlight) {
			c.logger.Warn("candidate apply failed, continuing",
				zap.String("candidate_id", cand.ID), zap.Error(err))
			out.Outcome = outcomeApplyFailed
			out.Detail = err.Error()
			return out, "", nil
		}
		return out, "", fmt.Errorf("apply candidate %s: %w", cand.ID, err)
	}

	if err := c.transition(st, StateVerifying); err != nil {
		return out, "", err
	}
	vres, err := c.verifyWithRetry(ctx, baseline, cand)
	if err != nil {
		// Fail closed: an unverified mutation never survives.
		if rerr := c.deps.Executor.Revert(ctx, mrec); rerr != nil {
			return out, "", fmt.Errorf("revert after verification failure: %w", errors.Join(err, rerr))
		}
		if errors.Is(err, verify.ErrTriggerFailure) {
			c.logger.Warn("verification triggers failed, decision deferred",
				zap.String("candidate_id", cand.ID), zap.Error(err))
			out.Outcome = outcomeDeferred
			out.Detail = err.Error()
			return out, "", nil
		}
		if errors.Is(err, snapshot.ErrDataUnavailable) {
			c.logger.Error("settle window unavailable, aborting iteration", zap.Error(err))
			out.Outcome = outcomeDeferred
			out.Detail = err.Error()
			return out, ExitDataUnavailable, nil
		}
		return out, "", fmt.Errorf("verify candidate %s: %w", cand.ID, err)
	}

	if err := c.transition(st, StateDeciding); err != nil {
		return out, "", err
	}
	decision, err := decide.Decide(cand, baseline, vres.Post, c.deps.Policy)
	if err != nil {
		if rerr := c.deps.Executor.Revert(ctx, mrec); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return out, "", fmt.Errorf("decide candidate %s: %w", cand.ID, err)
	}

	out.Outcome = string(decision.Outcome)
	out.SuccessRatio = decision.SuccessRatio

	switch decision.Outcome {
	case decide.OutcomeKeep:
		if err := c.deps.Executor.MarkKept(ctx, mrec); err != nil {
			return out, "", err
		}
		st.Kept++
	case decide.OutcomeMonitor:
		if err := c.deps.Executor.MarkKept(ctx, mrec); err != nil {
			return out, "", err
		}
		st.Monitored++
	case decide.OutcomeRollback:
		if err := c.deps.Executor.Revert(ctx, mrec); err != nil {
			return out, "", fmt.Errorf("rollback candidate %s: %w", cand.ID, err)
		}
		st.RolledBack++
	}

	if c.decisionCounter != nil {
		c.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(decision.Outcome))))
	}
	c.logger.Info("candidate decided",
		zap.String("candidate_id", cand.ID),
		zap.String("outcome", string(decision.Outcome)),
		zap.Float64("success_ratio", decision.SuccessRatio),
		zap.Bool("failure_predicate", decision.FailurePredicateTriggered))

	for _, l := range c.deps.Extractor.Extract(cand, decision, baseline, vres.Post) {
		if err := c.deps.Store.Put(lessonPrefix+l.ID, l); err != nil {
			return out, "", fmt.Errorf("persist lesson %s: %w", l.ID, err)
		}
	}

	return out, "", nil
}

// verifyWithRetry retries total trigger failure once before giving up.
func (c *Controller) verifyWithRetry(ctx context.Context, baseline *snapshot.Snapshot, cand *diagnose.Candidate) (*verify.Result, error) {
	res, err := c.deps.Verifier.Verify(ctx, baseline, cand.TargetComponent(), c.deps.Sources)
	if err == nil || !errors.Is(err, verify.ErrTriggerFailure) {
		return res, err
	}
	c.logger.Warn("all triggers failed, retrying once",
		zap.String("candidate_id", cand.ID))
	return c.deps.Verifier.Verify(ctx, baseline, cand.TargetComponent(), c.deps.Sources)
}

// exitReason evaluates the ordered exit conditions. The target-reached
// check runs after the ordered set.
func (c *Controller) exitReason(ctx context.Context, st *IterationState) ExitReason {
	if n := c.config.PlateauWindow; len(st.ImprovementsPct) >= n {
		var sum float64
		for _, imp := range st.ImprovementsPct[len(st.ImprovementsPct)-n:] {
			sum += imp
		}
		if avg := sum / float64(n); avg < c.config.PlateauThresholdPct {
			c.logger.Info("improvement plateaued",
				zap.Float64("trailing_avg_pct", avg),
				zap.Float64("threshold_pct", c.config.PlateauThresholdPct))
			return ExitPlateau
		}
	}

	if st.NoCandidateStreak >= c.config.ExhaustedStreak {
		return ExitExhausted
	}

	if st.Iteration >= c.config.MaxIterations {
		return ExitMaxIterations
	}

	if c.regressed(st) {
		c.logger.Error("ALERT: fleet regressed past the first baseline",
			zap.Float64("first_baseline_rate", st.FirstBaselineRate),
			zap.Float64("current_rate", st.LastFailureRate),
			zap.Int64("first_baseline", st.FirstBaselineFailures),
			zap.Int64("current", st.LastFailures))
		return ExitRegression
	}

	if c.stop.Load() || ctx.Err() != nil {
		return ExitManual
	}

	if st.FirstBaselineFailures > 0 {
		reduction := float64(st.FirstBaselineFailures-st.LastFailures) /
			float64(st.FirstBaselineFailures) * 100
		if reduction >= c.config.TargetReductionPct {
			return ExitTargetReached
		}
	}

	return ""
}

// regressed reports whether the fleet is worse off than the very first
// baseline, measured as failures per search operation. Sources that
// emit no search operations report a zero rate, so both rates at zero
// falls back to comparing raw failure totals.
func (c *Controller) regressed(st *IterationState) bool {
	if st.FirstBaselineRate == 0 && st.LastFailureRate == 0 {
		return st.LastFailures > st.FirstBaselineFailures
	}
	return st.LastFailureRate > st.FirstBaselineRate
}

// transition moves the state machine and persists the new state before
// returning. The revision key keeps an append-only history next to the
// current entry.
func (c *Controller) transition(st *IterationState, to State) error {
	st.State = to
	st.Revision++
	st.UpdatedAt = time.Now().UTC()

	if err := c.deps.Store.Put(stateKeyCurrent, st); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if err := c.deps.Store.Put(fmt.Sprintf(stateKeyRevFmt, st.Revision), st); err != nil {
		return fmt.Errorf("persist state revision %d: %w", st.Revision, err)
	}

	c.publishState(st)

	c.logger.Debug("state transition",
		zap.String("state", string(to)),
		zap.Uint64("revision", st.Revision),
		zap.Int("iteration", st.Iteration))
	return nil
}

// loadLessons returns every persisted lesson.
func (c *Controller) loadLessons() ([]*lessons.Lesson, error) {
	entries, err := c.deps.Store.List(lessonPrefix)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	out := make([]*lessons.Lesson, 0, len(entries))
	for key, raw := range entries {
		var l lessons.Lesson
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("decode lesson %s: %w", key, err)
		}
		out = append(out, &l)
	}
	return out, nil
}

// finish builds the final report and persists it.
func (c *Controller) finish(st *IterationState) (*Report, error) {
	report := &Report{
		RunID:                 st.RunID,
		ExitReason:            st.ExitReason,
		Iterations:            st.Iteration,
		FirstBaselineFailures: st.FirstBaselineFailures,
		FinalFailures:         st.LastFailures,
		Kept:                  st.Kept,
		Monitored:             st.Monitored,
		RolledBack:            st.RolledBack,
		Skipped:               st.Skipped,
		History:               st.History,
		StartedAt:             st.StartedAt,
		FinishedAt:            time.Now().UTC(),
	}
	if st.FirstBaselineFailures > 0 {
		report.ReductionPct = float64(st.FirstBaselineFailures-st.LastFailures) /
			float64(st.FirstBaselineFailures) * 100
	}

	if err := c.deps.Store.Put(fmt.Sprintf(reportKeyFmt, st.RunID), report); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()

	c.logger.Info("run finished",
		zap.String("run_id", report.RunID),
		zap.String("exit_reason", string(report.ExitReason)),
		zap.Int("iterations", report.Iterations),
		zap.Int64("first_baseline_failures", report.FirstBaselineFailures),
		zap.Int64("final_failures", report.FinalFailures),
		zap.Float64("reduction_pct", report.ReductionPct),
		zap.Int("kept", report.Kept),
		zap.Int("monitored", report.Monitored),
		zap.Int("rolled_back", report.RolledBack))

	return report, nil
}

// improvementPct is how much failures dropped relative to the previous
// iteration, in percent. A zero previous total counts as no change.
func improvementPct(prev, current int64) float64 {
	if prev == 0 {
		return 0
	}
	return float64(prev-current) / float64(prev) * 100
}
