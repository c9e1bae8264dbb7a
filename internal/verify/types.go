package verify

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
)

// Trigger re-executes one work item against a component.
// Implementations own transport, auth, and per-call timeouts.
type Trigger interface {
	// Fire asks the component to reprocess the item.
	Fire(ctx context.Context, componentID, itemID string) error
}

// TriggerRecord is the audit entry for one trigger attempt.
type TriggerRecord struct {
	// ItemID is the work item that was re-triggered.
	ItemID string `json:"item_id"`

	// FiredAt is when the trigger was issued.
	FiredAt time.Time `json:"fired_at"`

	// Duration is how long the trigger call took.
	Duration time.Duration `json:"duration"`

	// Error holds the failure message when the trigger did not land.
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the trigger landed.
func (r TriggerRecord) Succeeded() bool {
	return r.Error == ""
}

// Result is the outcome of one verification pass.
type Result struct {
	// BaselineID is the snapshot the sample was drawn from.
	BaselineID string `json:"baseline_id"`

	// ComponentID is the component under verification.
	ComponentID string `json:"component_id"`

	// Triggers records every trigger attempt, in issue order.
	Triggers []TriggerRecord `json:"triggers"`

	// SettleWindow is the exact window the post snapshot covers.
	SettleWindow snapshot.Window `json:"settle_window"`

	// Post is the snapshot aggregated over the settle window.
	Post *snapshot.Snapshot `json:"post"`
}

// TriggeredCount returns how many triggers landed.
func (r *Result) TriggeredCount() int {
	var n int
	for _, t := range r.Triggers {
		if t.Succeeded() {
			n++
		}
	}
	return n
}
