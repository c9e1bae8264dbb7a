package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

const instrumentationName = "github.com/fyrsmithlabs/mendloop/internal/verify"

// ErrTriggerFailure means every trigger in the sample failed, so the
// settle window would only measure silence. The caller should retry
// rather than decide on it.
var ErrTriggerFailure = errors.New("all verification triggers failed")

// Verifier runs active verification passes.
type Verifier interface {
	// Verify re-triggers failed items for the component and returns a
	// snapshot covering the settle window.
	Verify(ctx context.Context, baseline *snapshot.Snapshot, componentID string, sources []snapshot.Source) (*Result, error)
}

// Config configures the verifier.
type Config struct {
	// SampleSize caps how many failed items are re-triggered
	// (default: 20).
	SampleSize int

	// Concurrency bounds in-flight triggers (default: 4).
	Concurrency int

	// TriggersPerSecond rate-limits trigger issue (default: 2).
	TriggersPerSecond float64

	// SettleWait is how long effects are given to surface before the
	// post snapshot is taken (default: 30s).
	SettleWait time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SampleSize:        20,
		Concurrency:       4,
		TriggersPerSecond: 2,
		SettleWait:        30 * time.Second,
	}
}

// verifier implements the Verifier interface.
type verifier struct {
	config     *Config
	trigger    Trigger
	aggregator *snapshot.Aggregator
	logger     *zap.Logger

	// Telemetry
	tracer         trace.Tracer
	meter          metric.Meter
	triggerCounter metric.Int64Counter
	passCounter    metric.Int64Counter

	limiter *rate.Limiter
}

// NewVerifier creates a verifier.
func NewVerifier(cfg *Config, trigger Trigger, aggregator *snapshot.Aggregator, logger *zap.Logger) (Verifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if trigger == nil {
		return nil, errors.New("trigger is required")
	}
	if aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.TriggersPerSecond <= 0 {
		cfg.TriggersPerSecond = 2
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 30 * time.Second
	}

	v := &verifier{
		config:     cfg,
		trigger:    trigger,
		aggregator: aggregator,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		limiter:    rate.NewLimiter(rate.Limit(cfg.TriggersPerSecond), 1),
	}

	v.initMetrics()

	return v, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (v *verifier) initMetrics() {
	var err error

	v.triggerCounter, err = v.meter.Int64Counter(
		"mendloop.verify.triggers_total",
		metric.WithDescription("Total number of verification triggers issued"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		v.logger.Warn("failed to create trigger counter", zap.Error(err))
	}

	v.passCounter, err = v.meter.Int64Counter(
		"mendloop.verify.passes_total",
		metric.WithDescription("Total number of verification passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		v.logger.Warn("failed to create pass counter", zap.Error(err))
	}
}

// Verify re-triggers sampled failed items, waits the settle period,
// and aggregates a snapshot over exactly that period.
func (v *verifier) Verify(ctx context.Context, baseline *snapshot.Snapshot, componentID string, sources []snapshot.Source) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "verify.Verify",
		trace.WithAttributes(
			attribute.String("baseline.id", baseline.ID),
			attribute.String("component.id", componentID),
		))
	defer span.End()

	items := v.sampleItems(baseline, componentID)
	span.SetAttributes(attribute.Int("sample.size", len(items)))

	var triggers []TriggerRecord
	if len(items) > 0 {
		var err error
		triggers, err = v.fireAll(ctx, componentID, items)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		landed := 0
		for _, t := range triggers {
			if t.Succeeded() {
				landed++
			}
		}
		if landed == 0 {
			err := fmt.Errorf("%w: 0 of %d landed for %s", ErrTriggerFailure, len(triggers), componentID)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		v.logger.Info("verification triggers issued",
			zap.String("component_id", componentID),
			zap.Int("sampled", len(items)),
			zap.Int("landed", landed))
	} else {
		// Nothing to re-trigger; fall back to passively observing the
		// settle window.
		v.logger.Warn("no failed items with IDs in baseline, verifying passively",
			zap.String("component_id", componentID))
	}

	window := snapshot.Window{
		Start: time.Now().UTC(),
		End:   time.Now().UTC().Add(v.config.SettleWait),
	}
	if err := v.waitSettle(ctx, window.End); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	post, err := v.aggregator.Aggregate(ctx, sources, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("aggregate settle window: %w", err)
	}

	if v.passCounter != nil {
		v.passCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", componentID)))
	}

	return &Result{
		BaselineID:   baseline.ID,
		ComponentID:  componentID,
		Triggers:     triggers,
		SettleWindow: window,
		Post:         post,
	}, nil
}

// sampleItems collects distinct item IDs from the baseline's failure
// evidence for the component, in deterministic category order, up to
// the sample size.
func (v *verifier) sampleItems(baseline *snapshot.Snapshot, componentID string) []string {
	ms := baseline.Component(componentID)
	cats := make([]snapshot.Category, 0, len(ms.Evidence))
	for cat := range ms.Evidence {
		if cat.IsFailure() {
			cats = append(cats, cat)
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	seen := make(map[string]bool)
	var items []string
	for _, cat := range cats {
		for _, ev := range ms.Evidence[cat] {
			if ev.ItemID == "" || seen[ev.ItemID] {
				continue
			}
			seen[ev.ItemID] = true
			items = append(items, ev.ItemID)
			if len(items) >= v.config.SampleSize {
				return items
			}
		}
	}
	return items
}

// fireAll issues triggers with bounded concurrency and a shared rate
// limit. Individual failures are recorded, not returned; only context
// cancellation aborts the fan-out.
func (v *verifier) fireAll(ctx context.Context, componentID string, items []string) ([]TriggerRecord, error) {
	records := make([]TriggerRecord, len(items))
	sem := make(chan struct{}, v.config.Concurrency)

	var wg sync.WaitGroup
	for i, itemID := range items {
		if err := v.limiter.Wait(ctx); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("trigger rate wait: %w", err)
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, itemID string) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			err := v.trigger.Fire(ctx, componentID, itemID)
			rec := TriggerRecord{
				ItemID:   itemID,
				FiredAt:  start.UTC(),
				Duration: time.Since(start),
			}
			if err != nil {
				rec.Error = err.Error()
				v.logger.Debug("trigger failed",
					zap.String("item_id", itemID), zap.Error(err))
			}
			if v.triggerCounter != nil {
				v.triggerCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("component", componentID),
					attribute.Bool("ok", err == nil)))
			}
			records[i] = rec
		}(i, itemID)
	}
	wg.Wait()

	return records, nil
}

// waitSettle blocks until the settle window closes or the context ends.
func (v *verifier) waitSettle(ctx context.Context, until time.Time) error {
	d := time.Until(until)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
