package decide

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mendloop/internal/diagnose"
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

// Outcome is a decision on an applied mutation.
type Outcome string

const (
	// OutcomeKeep retains the mutation.
	OutcomeKeep Outcome = "KEEP"
	// OutcomeRollback reverts the mutation.
	OutcomeRollback Outcome = "ROLLBACK"
	// OutcomeMonitor retains the mutation under observation.
	OutcomeMonitor Outcome = "MONITOR"
)

// Default policy thresholds. Preserved from the operating history that
// produced them; override via Policy, not by editing these.
const (
	DefaultKeepThreshold    = 0.75
	DefaultMonitorThreshold = 0.50
)

// Policy carries the operator-configurable decision boundaries.
type Policy struct {
	// KeepThreshold is the minimum success ratio for KEEP. Inclusive:
	// a ratio exactly at the threshold keeps.
	KeepThreshold float64

	// MonitorThreshold is the minimum success ratio for MONITOR.
	// Inclusive. Below it the outcome is ROLLBACK.
	MonitorThreshold float64
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		KeepThreshold:    DefaultKeepThreshold,
		MonitorThreshold: DefaultMonitorThreshold,
	}
}

// Validate checks policy invariants.
func (p Policy) Validate() error {
	if p.KeepThreshold < p.MonitorThreshold {
		return fmt.Errorf("keep threshold %.2f below monitor threshold %.2f", p.KeepThreshold, p.MonitorThreshold)
	}
	if p.KeepThreshold < 0 || p.KeepThreshold > 1 || p.MonitorThreshold < 0 || p.MonitorThreshold > 1 {
		return fmt.Errorf("thresholds must be in [0,1]: keep=%.2f monitor=%.2f", p.KeepThreshold, p.MonitorThreshold)
	}
	return nil
}

// Decision records the outcome for one applied candidate.
type Decision struct {
	CandidateID        string `json:"candidate_id"`
	BaselineSnapshotID string `json:"baseline_snapshot_id"`
	PostSnapshotID     string `json:"post_snapshot_id"`

	Outcome Outcome `json:"outcome"`

	// SuccessRatio is met expected deltas over total expected deltas.
	SuccessRatio float64 `json:"success_ratio"`

	// MetDeltas and TotalDeltas break the ratio down.
	MetDeltas   int `json:"met_deltas"`
	TotalDeltas int `json:"total_deltas"`

	// FailurePredicateTriggered is true when the candidate's declared
	// failure condition fired, forcing ROLLBACK.
	FailurePredicateTriggered bool `json:"failure_predicate_triggered"`

	// UnmetCategories lists expected-delta categories whose post counts
	// fell outside the predicted range.
	UnmetCategories []snapshot.Category `json:"unmet_categories,omitempty"`

	DecidedAt time.Time `json:"decided_at"`
}

// Decide evaluates a candidate's prediction against post-mutation
// measurements of its target component. A prediction with zero expected
// deltas is a generator defect and returns ErrContractViolation from the
// diagnose package.
func Decide(c *diagnose.Candidate, baseline, post *snapshot.Snapshot, policy Policy) (*Decision, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	total := len(c.Prediction.ExpectedDeltas)
	if total == 0 {
		return nil, fmt.Errorf("%w: candidate %q reached decision with no expected deltas",
			diagnose.ErrContractViolation, c.ID)
	}

	postMetrics := post.Component(c.TargetComponent())

	d := &Decision{
		CandidateID:        c.ID,
		BaselineSnapshotID: baseline.ID,
		PostSnapshotID:     post.ID,
		TotalDeltas:        total,
		DecidedAt:          time.Now(),
	}

	for cat, want := range c.Prediction.ExpectedDeltas {
		if want.Contains(postMetrics.Counts[cat]) {
			d.MetDeltas++
		} else {
			d.UnmetCategories = append(d.UnmetCategories, cat)
		}
	}
	d.SuccessRatio = float64(d.MetDeltas) / float64(total)

	if c.Prediction.FailurePredicate.Matches(postMetrics) {
		d.FailurePredicateTriggered = true
		d.Outcome = OutcomeRollback
		return d, nil
	}

	switch {
	case d.SuccessRatio >= policy.KeepThreshold:
		d.Outcome = OutcomeKeep
	case d.SuccessRatio >= policy.MonitorThreshold:
		d.Outcome = OutcomeMonitor
	default:
		d.Outcome = OutcomeRollback
	}
	return d, nil
}
