package extract

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendloop/internal/decide"
	"github.com/fyrsmithlabs/mendloop/internal/diagnose"
	"github.com/fyrsmithlabs/mendloop/internal/lessons"
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

// Extractor compares a candidate's prediction to the verified outcome and
// emits lessons constraining future candidate batches.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates a lesson extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract derives lessons from one decided candidate.
//
// Per unmet expected delta: a category that improved against baseline but
// missed its target range yields underestimated_effect; one that failed to
// improve yields missed_precondition. Any failure category that appeared
// on the target component without being predicted yields
// unexpected_side_effect.
func (e *Extractor) Extract(c *diagnose.Candidate, d *decide.Decision, baseline, post *snapshot.Snapshot) []*lessons.Lesson {
	baseMetrics := baseline.Component(c.TargetComponent())
	postMetrics := post.Component(c.TargetComponent())

	var out []*lessons.Lesson

	for _, cat := range d.UnmetCategories {
		before := baseMetrics.Counts[cat]
		after := postMetrics.Counts[cat]

		if after < before {
			out = append(out, e.newLesson(c, lessons.CategoryUnderestimatedEffect, lessons.ScopeComponent, lessons.Directive{
				Kind:       lessons.DirectiveTemperExpectation,
				Category:   cat,
				MinCeiling: after,
			}, fmt.Sprintf("%s improved %d -> %d but missed the predicted range; future predictions must allow at least %d remaining",
				cat, before, after, after)))
		} else {
			out = append(out, e.newLesson(c, lessons.CategoryMissedPrecondition, lessons.ScopeComponent, lessons.Directive{
				Kind:        lessons.DirectiveAvoidComponent,
				ComponentID: c.TargetComponent(),
			}, fmt.Sprintf("%s did not improve (%d -> %d); the mutation assumed a precondition %s does not satisfy",
				cat, before, after, c.TargetComponent())))
		}
	}

	predicted := make(map[snapshot.Category]bool)
	for cat := range c.Prediction.ExpectedDeltas {
		predicted[cat] = true
	}
	if fp := c.Prediction.FailurePredicate; fp != nil {
		predicted[fp.Category] = true
	}

	for cat, after := range postMetrics.Counts {
		if !cat.IsFailure() || predicted[cat] {
			continue
		}
		if baseMetrics.Counts[cat] == 0 && after > 0 {
			out = append(out, e.newLesson(c, lessons.CategoryUnexpectedSideEffect, lessons.ScopeGlobal, lessons.Directive{
				Kind:     lessons.DirectiveRequirePrediction,
				Category: cat,
			}, fmt.Sprintf("%s appeared post-mutation (%d) without being predicted; future candidates must declare a position on it",
				cat, after)))
		}
	}

	if len(out) > 0 {
		e.logger.Info("extracted lessons",
			zap.String("candidate_id", c.ID),
			zap.Int("count", len(out)),
		)
	}
	return out
}

func (e *Extractor) newLesson(c *diagnose.Candidate, cat lessons.Category, scope lessons.Scope, directive lessons.Directive, rationale string) *lessons.Lesson {
	l := &lessons.Lesson{
		ID:                uuid.New().String(),
		OriginCandidateID: c.ID,
		Category:          cat,
		Scope:             scope,
		Directive:         directive,
		Rationale:         rationale,
		CreatedAt:         time.Now(),
	}
	if scope == lessons.ScopeComponent {
		l.ComponentID = c.TargetComponent()
	}
	return l
}
