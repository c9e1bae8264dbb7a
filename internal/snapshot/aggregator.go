package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/mendloop/internal/snapshot"

// ErrDataUnavailable is returned when zero sources could be read.
// A single unreadable source only degrades the snapshot.
var ErrDataUnavailable = errors.New("no readable event sources")

// AggregatorConfig configures the aggregator.
type AggregatorConfig struct {
	// EvidenceLimit bounds retained evidence samples per category per agent
	// (default: 25).
	EvidenceLimit int
}

// DefaultAggregatorConfig returns sensible defaults.
func DefaultAggregatorConfig() *AggregatorConfig {
	return &AggregatorConfig{
		EvidenceLimit: 25,
	}
}

// Aggregator builds snapshots from event sources.
type Aggregator struct {
	config     *AggregatorConfig
	classifier Classifier
	logger     *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	eventCounter  metric.Int64Counter
	sourceCounter metric.Int64Counter
}

// NewAggregator creates an aggregator with the given classifier.
func NewAggregator(cfg *AggregatorConfig, classifier Classifier, logger *zap.Logger) (*Aggregator, error) {
	if cfg == nil {
		cfg = DefaultAggregatorConfig()
	}
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EvidenceLimit <= 0 {
		return nil, fmt.Errorf("evidence limit must be positive, got %d", cfg.EvidenceLimit)
	}

	a := &Aggregator{
		config:     cfg,
		classifier: classifier,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}

	a.initMetrics()

	return a, nil
}

func (a *Aggregator) initMetrics() {
	var err error

	a.eventCounter, err = a.meter.Int64Counter(
		"mendloop.snapshot.events_total",
		metric.WithDescription("Total events classified into snapshots"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		a.logger.Warn("failed to create event counter", zap.Error(err))
	}

	a.sourceCounter, err = a.meter.Int64Counter(
		"mendloop.snapshot.degraded_sources_total",
		metric.WithDescription("Total sources skipped as unreadable"),
		metric.WithUnit("{source}"),
	)
	if err != nil {
		a.logger.Warn("failed to create source counter", zap.Error(err))
	}
}

// Aggregate reads every source for the window and returns an immutable
// snapshot. Unreadable sources are recorded as degraded and skipped; if
// no source at all could be read, ErrDataUnavailable is returned.
func (a *Aggregator) Aggregate(ctx context.Context, sources []Source, window Window) (*Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "snapshot.aggregate")
	defer span.End()

	span.SetAttributes(
		attribute.Int("source_count", len(sources)),
		attribute.String("window_start", window.Start.Format(time.RFC3339)),
		attribute.String("window_end", window.End.Format(time.RFC3339)),
	)

	if len(sources) == 0 {
		span.SetStatus(codes.Error, ErrDataUnavailable.Error())
		return nil, ErrDataUnavailable
	}
	if !window.End.After(window.Start) {
		err := fmt.Errorf("invalid window: end %s not after start %s", window.End, window.Start)
		span.RecordError(err)
		return nil, err
	}

	snap := &Snapshot{
		ID:         uuid.New().String(),
		Window:     window,
		Components: make(map[string]*MetricSet),
		CreatedAt:  time.Now(),
	}

	readable := 0
	seen := make(map[string]struct{})
	for _, src := range sources {
		events, err := src.Read(ctx, window)
		if err != nil {
			a.logger.Warn("event source unreadable, skipping",
				zap.String("source", src.Name()),
				zap.Error(err),
			)
			snap.DegradedSources = append(snap.DegradedSources, src.Name())
			if a.sourceCounter != nil {
				a.sourceCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("source", src.Name()),
				))
			}
			continue
		}
		readable++
		a.ingest(ctx, snap, events, window, seen)
	}

	if readable == 0 {
		span.SetStatus(codes.Error, ErrDataUnavailable.Error())
		return nil, fmt.Errorf("%w: all %d sources unreadable", ErrDataUnavailable, len(sources))
	}

	a.logger.Info("aggregated snapshot",
		zap.String("id", snap.ID),
		zap.Int("components", len(snap.Components)),
		zap.Int64("failures", snap.FailureTotal()),
		zap.Strings("degraded_sources", snap.DegradedSources),
	)

	span.SetAttributes(
		attribute.String("snapshot_id", snap.ID),
		attribute.Int("component_count", len(snap.Components)),
	)
	return snap, nil
}

// ingest classifies events into the snapshot, bounding evidence per
// category. Evidence keeps one sample per normalized pattern, so a noisy
// repeated failure cannot crowd distinct failures out of the bound.
func (a *Aggregator) ingest(ctx context.Context, snap *Snapshot, events []Event, window Window, seen map[string]struct{}) {
	for _, ev := range events {
		if !window.Contains(ev.Timestamp) {
			continue
		}
		cat, ok := a.classifier.Classify(ev)
		if !ok {
			continue
		}

		ms, exists := snap.Components[ev.ComponentID]
		if !exists {
			ms = NewMetricSet()
			snap.Components[ev.ComponentID] = ms
		}

		ms.Counts[cat]++
		if cat.IsFailure() && len(ms.Evidence[cat]) < a.config.EvidenceLimit {
			key := PatternKey(ev.Message)
			dedup := ev.ComponentID + "\x00" + string(cat) + "\x00" + key
			if _, dup := seen[dedup]; !dup {
				seen[dedup] = struct{}{}
				ms.Evidence[cat] = append(ms.Evidence[cat], Evidence{
					ItemID:     ev.ItemID,
					Message:    ev.Message,
					PatternKey: key,
					ObservedAt: ev.Timestamp,
				})
			}
		}

		if a.eventCounter != nil {
			a.eventCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("category", string(cat)),
				attribute.String("component", ev.ComponentID),
			))
		}
	}
}
