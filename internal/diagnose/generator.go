package diagnose

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendloop/internal/lessons"
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

const instrumentationName = "github.com/fyrsmithlabs/mendloop/internal/diagnose"

// RuleGeneratorConfig configures the rule-table generator.
type RuleGeneratorConfig struct {
	// ComponentsDir is the root directory holding one subdirectory per
	// agent, each with its artifact files.
	ComponentsDir string

	// ArtifactName is the mutable artifact file inside each agent
	// directory (default: agent.py).
	ArtifactName string

	// MinFailures is the minimum category count before a rule fires
	// (default: 5).
	MinFailures int64
}

// DefaultRuleGeneratorConfig returns sensible defaults.
func DefaultRuleGeneratorConfig() *RuleGeneratorConfig {
	return &RuleGeneratorConfig{
		ArtifactName: "agent.py",
		MinFailures:  5,
	}
}

// remedyRule maps one failure category to a concrete bounded mutation.
type remedyRule struct {
	category snapshot.Category
	name     string
	risk     int
	find     string
	replace  string
	// reductionCeiling is the fraction of the baseline count the rule
	// predicts will remain, at worst.
	reductionCeiling float64
	// sideEffect, when non-nil, is declared as the failure predicate.
	sideEffect func(baseline *snapshot.MetricSet) *Predicate
	rationale  string
}

// RuleGenerator is the default Generator: a fixed table mapping failure
// categories to known agent-side fixes, each with an explicit predicted
// effect. One candidate is proposed per (rule, affected component).
type RuleGenerator struct {
	config *RuleGeneratorConfig
	rules  []remedyRule
	logger *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	candidateCounter metric.Int64Counter
}

// NewRuleGenerator creates the default rule-table generator.
func NewRuleGenerator(cfg *RuleGeneratorConfig, logger *zap.Logger) (*RuleGenerator, error) {
	if cfg == nil {
		cfg = DefaultRuleGeneratorConfig()
	}
	if cfg.ComponentsDir == "" {
		return nil, errors.New("components directory is required")
	}
	if cfg.ArtifactName == "" {
		cfg.ArtifactName = "agent.py"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &RuleGenerator{
		config: cfg,
		rules:  buildRemedyRules(),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	g.candidateCounter, err = g.meter.Int64Counter(
		"mendloop.diagnose.candidates_total",
		metric.WithDescription("Total candidates proposed"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		logger.Warn("failed to create candidate counter", zap.Error(err))
	}

	return g, nil
}

// buildRemedyRules is the fixed remediation table. Each entry encodes a
// known failure mode of scraping agents against unstable external sites.
func buildRemedyRules() []remedyRule {
	return []remedyRule{
		{
			category:         snapshot.CategoryBlocked,
			name:             "harden request headers",
			risk:             1,
			find:             `HEADERS = {"User-Agent": "MendAgent/1.0"}`,
			replace:          `HEADERS = {"User-Agent": "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)", "Accept-Language": "en-US,en;q=0.9", "Referer": BASE_URL}`,
			reductionCeiling: 0.7,
			sideEffect: func(baseline *snapshot.MetricSet) *Predicate {
				// Browser-like headers can trip upstream throttling.
				return &Predicate{
					Category:    snapshot.CategoryRateLimited,
					GreaterThan: baseline.Counts[snapshot.CategoryRateLimited] + 50,
				}
			},
			rationale: "Upstream returns 403 to the default library user agent; browser-equivalent headers restore access.",
		},
		{
			category:         snapshot.CategoryTitleMatchFailure,
			name:             "update title selectors",
			risk:             2,
			find:             `TITLE_XPATH = "//div[@class='title']/a"`,
			replace:          `TITLE_XPATH = "//h1[contains(@class,'entry-title')]//a | //div[@class='title']/a"`,
			reductionCeiling: 0.75,
			rationale:        "External layout drift breaks structural selectors; widened selector covers both layouts.",
		},
		{
			category:         snapshot.CategoryURLFetchError,
			name:             "retry transient fetch failures",
			risk:             2,
			find:             `response = fetch(url)`,
			replace:          `response = fetch_with_retry(url, attempts=3, backoff=2.0)`,
			reductionCeiling: 0.5,
			rationale:        "Connection resets and timeouts are transient; bounded retry absorbs them.",
		},
		{
			category:         snapshot.CategoryModelReadError,
			name:             "guard model reads",
			risk:             3,
			find:             `model = load_model(item_id)`,
			replace:          `model = load_model_safe(item_id, rebuild_on_corrupt=True)`,
			reductionCeiling: 0.4,
			rationale:        "Corrupt stored models crash reads; safe loader rebuilds from source metadata.",
		},
	}
}

// Generate implements Generator. Candidates are ordered impact-descending
// then risk-ascending and adjusted to satisfy every binding lesson
// directive; the returned batch always passes ValidateBatch.
func (g *RuleGenerator) Generate(ctx context.Context, snap *snapshot.Snapshot, accumulated []*lessons.Lesson) ([]*Candidate, error) {
	ctx, span := g.tracer.Start(ctx, "diagnose.generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("snapshot_id", snap.ID),
		attribute.Int("lesson_count", len(accumulated)),
	)

	if err := CheckLessonConflicts(accumulated); err != nil {
		span.RecordError(err)
		return nil, err
	}

	var batch []*Candidate
	for componentID, ms := range snap.Components {
		if g.componentForbidden(componentID, accumulated) {
			g.logger.Debug("skipping component under avoid directive",
				zap.String("component", componentID))
			continue
		}
		for _, rule := range g.rules {
			count := ms.Counts[rule.category]
			if count < g.config.MinFailures {
				continue
			}
			batch = append(batch, g.buildCandidate(rule, componentID, ms, count))
		}
	}

	// A forbid_prediction directive can strip a candidate's only target
	// category; such candidates are dropped rather than emitted vacuous.
	kept := batch[:0]
	for _, c := range batch {
		g.applyDirectives(c, snap, accumulated)
		if len(c.Prediction.ExpectedDeltas) > 0 {
			kept = append(kept, c)
		}
	}
	batch = kept

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].Risk < batch[j].Risk
	})

	if err := ValidateBatch(snap, accumulated, batch); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if g.candidateCounter != nil {
		g.candidateCounter.Add(ctx, int64(len(batch)))
	}
	g.logger.Info("generated candidates",
		zap.String("snapshot_id", snap.ID),
		zap.Int("count", len(batch)),
	)

	span.SetAttributes(attribute.Int("candidate_count", len(batch)))
	return batch, nil
}

func (g *RuleGenerator) buildCandidate(rule remedyRule, componentID string, baseline *snapshot.MetricSet, count int64) *Candidate {
	ceiling := int64(float64(count) * rule.reductionCeiling)

	prediction := Prediction{
		ExpectedDeltas: map[snapshot.Category]TargetRange{
			rule.category: {Min: 0, Max: ceiling},
		},
	}
	if rule.sideEffect != nil {
		prediction.FailurePredicate = rule.sideEffect(baseline)
	}

	return &Candidate{
		ID:   uuid.New().String(),
		Name: fmt.Sprintf("%s: %s", componentID, rule.name),
		Mutation: MutationSpec{
			ComponentID:     componentID,
			ArtifactPath:    filepath.Join(g.config.ComponentsDir, componentID, g.config.ArtifactName),
			Find:            rule.find,
			Replace:         rule.replace,
			RequiresRestart: true,
		},
		Prediction: prediction,
		Priority:   int(count),
		Risk:       rule.risk,
		Status:     StatusPending,
		Rationale:  rule.rationale,
	}
}

func (g *RuleGenerator) componentForbidden(componentID string, accumulated []*lessons.Lesson) bool {
	for _, l := range accumulated {
		if l.Directive.Kind != lessons.DirectiveAvoidComponent {
			continue
		}
		if l.Scope == lessons.ScopeGlobal || l.ComponentID == componentID {
			if l.Directive.ComponentID == componentID {
				return true
			}
		}
	}
	return false
}

// applyDirectives reshapes a candidate's prediction so each binding lesson
// directive holds.
func (g *RuleGenerator) applyDirectives(c *Candidate, snap *snapshot.Snapshot, accumulated []*lessons.Lesson) {
	known := snap.Categories()
	for _, l := range accumulated {
		if l.Scope != lessons.ScopeGlobal && l.ComponentID != c.TargetComponent() {
			continue
		}
		switch l.Directive.Kind {
		case lessons.DirectiveRequirePrediction:
			if _, ok := c.Prediction.ExpectedDeltas[l.Directive.Category]; ok {
				continue
			}
			current := snap.Component(c.TargetComponent()).Counts[l.Directive.Category]
			c.Prediction.ExpectedDeltas[l.Directive.Category] = TargetRange{Min: 0, Max: current}
			if !known[l.Directive.Category] {
				c.Prediction.Introduces = append(c.Prediction.Introduces, l.Directive.Category)
			}
		case lessons.DirectiveForbidPrediction:
			delete(c.Prediction.ExpectedDeltas, l.Directive.Category)
		case lessons.DirectiveTemperExpectation:
			r, ok := c.Prediction.ExpectedDeltas[l.Directive.Category]
			if ok && r.Max < l.Directive.MinCeiling {
				r.Max = l.Directive.MinCeiling
				c.Prediction.ExpectedDeltas[l.Directive.Category] = r
			}
		}
	}
}
