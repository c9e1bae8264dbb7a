package loop

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/mendloop/internal/diagnose"
)

// State labels a position in the control loop state machine.
type State string

const (
	StateInit        State = "INIT"
	StateAggregating State = "AGGREGATING"
	StateDiagnosing  State = "DIAGNOSING"
	StateMutating    State = "MUTATING"
	StateVerifying   State = "VERIFYING"
	StateDeciding    State = "DECIDING"
	StateExitCheck   State = "EXIT_CHECK"
	StateExit        State = "EXIT"
)

// ExitReason explains why the loop stopped.
type ExitReason string

const (
	// ExitPlateau fires when trailing improvement falls below the
	// configured threshold.
	ExitPlateau ExitReason = "PLATEAU"

	// ExitExhausted fires after consecutive iterations with no
	// candidates.
	ExitExhausted ExitReason = "EXHAUSTED"

	// ExitMaxIterations fires at the iteration cap.
	ExitMaxIterations ExitReason = "MAX_ITERATIONS"

	// ExitRegression fires when the fleet measures worse than the very
	// first baseline. It is logged as an alert.
	ExitRegression ExitReason = "REGRESSION"

	// ExitManual fires on an operator stop request.
	ExitManual ExitReason = "MANUAL"

	// ExitTargetReached fires when cumulative failure reduction meets
	// the configured target.
	ExitTargetReached ExitReason = "TARGET_REACHED"

	// ExitDataUnavailable fires when an aggregation found zero readable
	// sources. It never counts as plateau or regression.
	ExitDataUnavailable ExitReason = "DATA_UNAVAILABLE"
)

// CandidateOutcome summarizes what happened to one candidate within an
// iteration.
type CandidateOutcome struct {
	CandidateID string `json:"candidate_id"`
	Name        string `json:"name"`
	ComponentID string `json:"component_id"`

	// Outcome is a decide.Outcome, or one of the local dispositions
	// "skipped", "apply_failed", "deferred".
	Outcome string `json:"outcome"`

	SuccessRatio float64 `json:"success_ratio,omitempty"`
	Detail       string  `json:"detail,omitempty"`
}

// IterationRecord is the audit entry for one completed iteration.
type IterationRecord struct {
	Number         int                `json:"number"`
	SnapshotID     string             `json:"snapshot_id"`
	Failures       int64              `json:"failures"`
	ImprovementPct float64            `json:"improvement_pct"`
	Candidates     []CandidateOutcome `json:"candidates,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
}

// IterationState is the persisted loop state. It is written after
// every state transition with a monotonically increasing revision;
// history revisions are retained alongside the current entry.
type IterationState struct {
	RunID    string `json:"run_id"`
	Revision uint64 `json:"revision"`

	State      State      `json:"state"`
	Iteration  int        `json:"iteration"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`

	// FirstBaselineFailures anchors regression and target detection.
	FirstBaselineFailures int64 `json:"first_baseline_failures"`

	// FirstBaselineRate is the failure rate of the very first baseline,
	// failures per observed search operation. Zero when the sources
	// report no search operations.
	FirstBaselineRate float64 `json:"first_baseline_rate"`

	// LastFailures is the most recent baseline failure total.
	LastFailures int64 `json:"last_failures"`

	// LastFailureRate is the most recent baseline failure rate.
	LastFailureRate float64 `json:"last_failure_rate"`

	// ImprovementsPct holds per-iteration improvement percentages,
	// starting from the second iteration.
	ImprovementsPct []float64 `json:"improvements_pct,omitempty"`

	// NoCandidateStreak counts consecutive iterations without
	// candidates.
	NoCandidateStreak int `json:"no_candidate_streak"`

	Kept       int `json:"kept"`
	Monitored  int `json:"monitored"`
	RolledBack int `json:"rolled_back"`
	Skipped    int `json:"skipped"`

	History []IterationRecord `json:"history,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Report summarizes a finished run.
type Report struct {
	RunID      string     `json:"run_id"`
	ExitReason ExitReason `json:"exit_reason"`
	Iterations int        `json:"iterations"`

	FirstBaselineFailures int64   `json:"first_baseline_failures"`
	FinalFailures         int64   `json:"final_failures"`
	ReductionPct          float64 `json:"reduction_pct"`

	Kept       int `json:"kept"`
	Monitored  int `json:"monitored"`
	RolledBack int `json:"rolled_back"`
	Skipped    int `json:"skipped"`

	History []IterationRecord `json:"history,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ApprovalGate sits between diagnosis and mutation. The state machine
// does not care whether approval is automatic or human.
type ApprovalGate interface {
	// Approve reports whether the candidate may be applied.
	Approve(ctx context.Context, c *diagnose.Candidate) (bool, error)
}

// AutoApprove approves every candidate.
type AutoApprove struct{}

// Approve implements ApprovalGate.
func (AutoApprove) Approve(_ context.Context, _ *diagnose.Candidate) (bool, error) {
	return true, nil
}

// local candidate dispositions recorded alongside decide outcomes
const (
	outcomeSkipped     = "skipped"
	outcomeApplyFailed = "apply_failed"
	outcomeDeferred    = "deferred"
)
