package diagnose

import (
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

// Status tracks a candidate through its lifecycle.
type Status string

const (
	// StatusPending means the candidate has not been attempted.
	StatusPending Status = "pending"
	// StatusApplied means the mutation is in place, awaiting a decision.
	StatusApplied Status = "applied"
	// StatusKept means the mutation was verified and retained.
	StatusKept Status = "kept"
	// StatusRolledBack means the mutation was reverted.
	StatusRolledBack Status = "rolled_back"
	// StatusSkipped means the candidate was never applied.
	StatusSkipped Status = "skipped"
)

// TargetRange bounds where a category's post-mutation count is predicted
// to land, inclusive on both ends.
type TargetRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Contains reports whether v falls inside the range.
func (r TargetRange) Contains(v int64) bool {
	return v >= r.Min && v <= r.Max
}

// Predicate is a threshold condition over a post-mutation category count.
type Predicate struct {
	Category    snapshot.Category `json:"category"`
	GreaterThan int64             `json:"greater_than"`
}

// Matches reports whether the predicate fires against the metric set.
func (p *Predicate) Matches(ms *snapshot.MetricSet) bool {
	if p == nil {
		return false
	}
	return ms.Counts[p.Category] > p.GreaterThan
}

// Prediction is a candidate's explicit claim about its own effect.
// The success predicate is the conjunction of ExpectedDeltas: each entry
// is satisfied when the post-mutation count lands in its target range.
type Prediction struct {
	// ExpectedDeltas maps category to the predicted post-mutation range.
	// Must be non-empty; an empty prediction is a contract violation.
	ExpectedDeltas map[snapshot.Category]TargetRange `json:"expected_deltas"`

	// Introduces lists categories the candidate expects to appear that
	// the snapshot does not yet contain. Only these may be referenced in
	// ExpectedDeltas beyond the snapshot's own categories.
	Introduces []snapshot.Category `json:"introduces,omitempty"`

	// FailurePredicate, when it matches any post-mutation category,
	// forces ROLLBACK regardless of how well the expected deltas did.
	FailurePredicate *Predicate `json:"failure_predicate,omitempty"`
}

// MutationSpec describes the single bounded mutation a candidate proposes.
type MutationSpec struct {
	// ComponentID is the agent whose artifact is mutated.
	ComponentID string `json:"component_id"`

	// ArtifactPath is the file the patch applies to.
	ArtifactPath string `json:"artifact_path"`

	// Find must match the artifact exactly once; zero or multiple
	// matches abort the mutation before any write.
	Find string `json:"find"`

	// Replace is the replacement text.
	Replace string `json:"replace"`

	// RequiresRestart indicates the host must restart the component for
	// the mutation to take effect.
	RequiresRestart bool `json:"requires_restart"`
}

// Candidate is one proposed remediation with an explicit predicted effect.
type Candidate struct {
	// ID uniquely identifies the candidate.
	ID string `json:"id"`

	// Name is a short human-readable label.
	Name string `json:"name"`

	// Mutation is the proposed change. Target components are derived
	// from it; a candidate mutates exactly one component.
	Mutation MutationSpec `json:"mutation"`

	// Prediction is the claimed effect.
	Prediction Prediction `json:"prediction"`

	// Priority ranks expected impact; higher is more impactful.
	Priority int `json:"priority"`

	// Risk ranks blast radius; lower is safer.
	Risk int `json:"risk"`

	// Status tracks the lifecycle.
	Status Status `json:"status"`

	// Rationale is free-text reasoning, for audit only.
	Rationale string `json:"rationale,omitempty"`
}

// TargetComponent returns the component the candidate mutates.
func (c *Candidate) TargetComponent() string {
	return c.Mutation.ComponentID
}
