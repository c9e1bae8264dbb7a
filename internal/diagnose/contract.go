package diagnose

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/mendloop/internal/lessons"
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

// ErrContractViolation marks a defect in a generator's output or in the
// lesson set it was given. It halts the offending candidate batch loudly
// and is never silently defaulted.
var ErrContractViolation = errors.New("generator contract violation")

// Generator proposes ranked candidates from a snapshot under the
// accumulated lessons. Implementations are unconstrained internally but
// their output must pass ValidateBatch.
type Generator interface {
	Generate(ctx context.Context, snap *snapshot.Snapshot, accumulated []*lessons.Lesson) ([]*Candidate, error)
}

// ValidateBatch enforces the generator contract on a candidate batch.
// Any breach returns an error wrapping ErrContractViolation.
func ValidateBatch(snap *snapshot.Snapshot, accumulated []*lessons.Lesson, batch []*Candidate) error {
	if err := CheckLessonConflicts(accumulated); err != nil {
		return err
	}

	known := snap.Categories()

	for i, c := range batch {
		if len(c.Prediction.ExpectedDeltas) == 0 {
			return fmt.Errorf("%w: candidate %q has empty expected deltas", ErrContractViolation, c.ID)
		}

		introduced := make(map[snapshot.Category]bool)
		for _, cat := range c.Prediction.Introduces {
			introduced[cat] = true
		}
		for cat := range c.Prediction.ExpectedDeltas {
			if !known[cat] && !introduced[cat] {
				return fmt.Errorf("%w: candidate %q predicts category %q absent from snapshot and not introduced",
					ErrContractViolation, c.ID, cat)
			}
		}

		for _, l := range accumulated {
			if l.Scope != lessons.ScopeGlobal && l.ComponentID != c.TargetComponent() {
				continue
			}
			if !directiveSatisfied(l.Directive, c) {
				return fmt.Errorf("%w: candidate %q violates %s directive from lesson %s",
					ErrContractViolation, c.ID, l.Directive.Kind, l.ID)
			}
		}

		if i > 0 {
			prev := batch[i-1]
			if prev.Priority < c.Priority || (prev.Priority == c.Priority && prev.Risk > c.Risk) {
				return fmt.Errorf("%w: batch not ordered impact-desc risk-asc at candidate %q",
					ErrContractViolation, c.ID)
			}
		}
	}

	if err := checkMutualExclusion(batch); err != nil {
		return err
	}
	return nil
}

// directiveSatisfied reports whether a candidate honors one directive.
func directiveSatisfied(d lessons.Directive, c *Candidate) bool {
	switch d.Kind {
	case lessons.DirectiveRequirePrediction:
		_, ok := c.Prediction.ExpectedDeltas[d.Category]
		return ok
	case lessons.DirectiveForbidPrediction:
		_, ok := c.Prediction.ExpectedDeltas[d.Category]
		return !ok
	case lessons.DirectiveTemperExpectation:
		r, ok := c.Prediction.ExpectedDeltas[d.Category]
		if !ok {
			return true
		}
		return r.Max >= d.MinCeiling
	case lessons.DirectiveAvoidComponent:
		return c.TargetComponent() != d.ComponentID
	default:
		// Unknown directive kinds cannot be enforced mechanically.
		return false
	}
}

// checkMutualExclusion rejects batches where two candidates mutate the
// same artifact region in different ways.
func checkMutualExclusion(batch []*Candidate) error {
	type target struct {
		component, artifact, find string
	}
	seen := make(map[target]*Candidate)
	for _, c := range batch {
		key := target{c.Mutation.ComponentID, c.Mutation.ArtifactPath, c.Mutation.Find}
		if prev, ok := seen[key]; ok && prev.Mutation.Replace != c.Mutation.Replace {
			return fmt.Errorf("%w: candidates %q and %q mutate the same target of component %q in mutually exclusive ways",
				ErrContractViolation, prev.ID, c.ID, c.Mutation.ComponentID)
		}
		seen[key] = c
	}
	return nil
}

// CheckLessonConflicts surfaces directive pairs where one forbids what
// another requires. Intent for adjudicating such conflicts was never
// specified, so they halt the batch as a contract violation.
func CheckLessonConflicts(accumulated []*lessons.Lesson) error {
	for i, a := range accumulated {
		for _, b := range accumulated[i+1:] {
			if !scopesOverlap(a, b) {
				continue
			}
			if directivesConflict(a.Directive, b.Directive) {
				return fmt.Errorf("%w: lessons %s and %s carry conflicting directives (%s vs %s)",
					ErrContractViolation, a.ID, b.ID, a.Directive.Kind, b.Directive.Kind)
			}
		}
	}
	return nil
}

func scopesOverlap(a, b *lessons.Lesson) bool {
	if a.Scope == lessons.ScopeGlobal || b.Scope == lessons.ScopeGlobal {
		return true
	}
	return a.ComponentID == b.ComponentID
}

func directivesConflict(a, b lessons.Directive) bool {
	if a.Category != b.Category {
		return false
	}
	require := lessons.DirectiveRequirePrediction
	forbid := lessons.DirectiveForbidPrediction
	return (a.Kind == require && b.Kind == forbid) || (a.Kind == forbid && b.Kind == require)
}
