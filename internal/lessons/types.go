package lessons

import (
	"time"

	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

// Category classifies why a prediction missed.
type Category string

const (
	// CategoryUnderestimatedEffect means the targeted category improved,
	// but not enough to land in the predicted range.
	CategoryUnderestimatedEffect Category = "underestimated_effect"
	// CategoryUnexpectedSideEffect means a post-mutation category appeared
	// that the prediction never mentioned.
	CategoryUnexpectedSideEffect Category = "unexpected_side_effect"
	// CategoryMissedPrecondition means the mutation violated a precondition
	// nobody stated.
	CategoryMissedPrecondition Category = "missed_precondition"
)

// Scope bounds where a lesson's directive applies.
type Scope string

const (
	// ScopeGlobal directives bind every qualifying candidate.
	ScopeGlobal Scope = "global"
	// ScopeComponent directives bind only candidates targeting the
	// lesson's component.
	ScopeComponent Scope = "component"
)

// DirectiveKind enumerates the mechanically-enforceable directive types.
type DirectiveKind string

const (
	// DirectiveRequirePrediction requires qualifying candidates to carry
	// an expected delta for the directive's category.
	DirectiveRequirePrediction DirectiveKind = "require_prediction"
	// DirectiveForbidPrediction forbids qualifying candidates from
	// predicting effects on the directive's category.
	DirectiveForbidPrediction DirectiveKind = "forbid_prediction"
	// DirectiveTemperExpectation caps how low a candidate may predict the
	// directive's category to fall: the predicted maximum must be at
	// least MinCeiling.
	DirectiveTemperExpectation DirectiveKind = "temper_expectation"
	// DirectiveAvoidComponent forbids mutating the directive's component.
	DirectiveAvoidComponent DirectiveKind = "avoid_component"
)

// Directive is the structured, enforceable half of a lesson.
type Directive struct {
	Kind DirectiveKind `json:"kind"`

	// Category qualifies prediction-shaped directives.
	Category snapshot.Category `json:"category,omitempty"`

	// ComponentID qualifies component-shaped directives.
	ComponentID string `json:"component_id,omitempty"`

	// MinCeiling is used by temper_expectation: predicted range maxima
	// for Category must be >= this value.
	MinCeiling int64 `json:"min_ceiling,omitempty"`
}

// Lesson records one prediction/outcome mismatch and the constraint it
// imposes on future candidates.
type Lesson struct {
	// ID uniquely identifies the lesson.
	ID string `json:"id"`

	// OriginCandidateID is the candidate whose outcome produced the lesson.
	OriginCandidateID string `json:"origin_candidate_id"`

	// Category classifies the mismatch.
	Category Category `json:"category"`

	// Scope bounds where the directive applies.
	Scope Scope `json:"scope"`

	// ComponentID is set for component-scoped lessons.
	ComponentID string `json:"component_id,omitempty"`

	// Directive is the enforceable constraint.
	Directive Directive `json:"directive"`

	// Rationale is free-text explanation, retained for audit only.
	Rationale string `json:"rationale,omitempty"`

	// CreatedAt is when the lesson was extracted.
	CreatedAt time.Time `json:"created_at"`
}
