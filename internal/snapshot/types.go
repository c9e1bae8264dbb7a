package snapshot

import (
	"context"
	"time"
)

// Category classifies an observed event into the failure taxonomy.
type Category string

const (
	// CategorySearchOp counts search operations issued by an agent.
	CategorySearchOp Category = "search_op"
	// CategoryTitleFound counts successful title matches.
	CategoryTitleFound Category = "title_found"
	// CategoryTitleMatchFailure counts searches that found no usable title.
	CategoryTitleMatchFailure Category = "title_match_failure"
	// CategoryURLFetchError counts failed fetches against the external source.
	CategoryURLFetchError Category = "url_fetch_error"
	// CategoryModelReadError counts failures reading the agent's stored model.
	CategoryModelReadError Category = "model_read_error"
	// CategoryRateLimited counts requests rejected by upstream throttling.
	CategoryRateLimited Category = "rate_limited"
	// CategoryBlocked counts requests refused outright (403 and kin).
	CategoryBlocked Category = "blocked"
)

// successCategories are counted but never treated as failures.
var successCategories = map[Category]bool{
	CategorySearchOp:   true,
	CategoryTitleFound: true,
}

// IsFailure reports whether the category counts toward failure totals.
func (c Category) IsFailure() bool {
	return !successCategories[c]
}

// Event is a single timestamped observation from an agent's event stream.
type Event struct {
	// ComponentID identifies the agent that produced the event.
	ComponentID string `json:"component_id"`

	// ItemID identifies the work item the event concerns, if known.
	ItemID string `json:"item_id,omitempty"`

	// Timestamp is when the event was observed.
	Timestamp time.Time `json:"timestamp"`

	// Message is the raw event text.
	Message string `json:"message"`
}

// Window bounds an aggregation in time. Both ends are caller-supplied;
// the aggregator keeps no hidden "since last run" state.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window (start inclusive,
// end exclusive).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Source is an opaque, window-bounded event stream for one or more agents.
// Transport and on-disk format are external concerns.
type Source interface {
	// Name identifies the source for degradation reporting.
	Name() string

	// Read returns all events the source observed inside the window.
	Read(ctx context.Context, window Window) ([]Event, error)
}

// Classifier maps raw events into the category taxonomy.
// Returning ok=false excludes the event from the snapshot entirely.
type Classifier interface {
	Classify(ev Event) (Category, bool)
}

// Evidence is a retained sample backing a category count.
type Evidence struct {
	ItemID     string    `json:"item_id,omitempty"`
	Message    string    `json:"message"`
	PatternKey string    `json:"pattern_key"`
	ObservedAt time.Time `json:"observed_at"`
}

// MetricSet holds per-category counts and bounded evidence for one agent.
type MetricSet struct {
	Counts   map[Category]int64      `json:"counts"`
	Evidence map[Category][]Evidence `json:"evidence,omitempty"`
}

// NewMetricSet returns an empty metric set.
func NewMetricSet() *MetricSet {
	return &MetricSet{
		Counts:   make(map[Category]int64),
		Evidence: make(map[Category][]Evidence),
	}
}

// FailureTotal sums counts across failure categories.
func (m *MetricSet) FailureTotal() int64 {
	var total int64
	for cat, n := range m.Counts {
		if cat.IsFailure() {
			total += n
		}
	}
	return total
}

// Snapshot is an immutable aggregation of per-agent metrics for one window.
// Snapshots are created by the Aggregator and never mutated afterwards.
type Snapshot struct {
	// ID uniquely identifies the snapshot.
	ID string `json:"id"`

	// Window is the time range the snapshot covers.
	Window Window `json:"window"`

	// Components maps agent ID to its metric set.
	Components map[string]*MetricSet `json:"components"`

	// DegradedSources lists sources that could not be read. A snapshot
	// with degraded sources is usable but incomplete.
	DegradedSources []string `json:"degraded_sources,omitempty"`

	// CreatedAt is when the aggregation ran.
	CreatedAt time.Time `json:"created_at"`
}

// Component returns the metric set for an agent, or an empty one if the
// agent produced no events in the window.
func (s *Snapshot) Component(id string) *MetricSet {
	if ms, ok := s.Components[id]; ok {
		return ms
	}
	return NewMetricSet()
}

// FailureTotal sums failure counts across every agent.
func (s *Snapshot) FailureTotal() int64 {
	var total int64
	for _, ms := range s.Components {
		total += ms.FailureTotal()
	}
	return total
}

// FailureRate returns failures per search operation across the fleet.
// Returns 0 when no search operations were observed.
func (s *Snapshot) FailureRate() float64 {
	var ops int64
	for _, ms := range s.Components {
		ops += ms.Counts[CategorySearchOp]
	}
	if ops == 0 {
		return 0
	}
	return float64(s.FailureTotal()) / float64(ops)
}

// Categories returns the set of categories present anywhere in the snapshot.
func (s *Snapshot) Categories() map[Category]bool {
	cats := make(map[Category]bool)
	for _, ms := range s.Components {
		for cat := range ms.Counts {
			cats[cat] = true
		}
	}
	return cats
}
