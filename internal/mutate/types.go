package mutate

import (
	"context"
	"time"
)

// RecordStatus tracks a mutation through its lifecycle.
type RecordStatus string

const (
	// StatusInFlight means the journal entry exists but the mutation
	// has not reached a terminal state. On resume these are rolled back.
	StatusInFlight RecordStatus = "in_flight"

	// StatusApplied means the artifact was mutated and validated, and
	// the component restarted where required.
	StatusApplied RecordStatus = "applied"

	// StatusKept means the decision engine accepted the mutation.
	StatusKept RecordStatus = "kept"

	// StatusRolledBack means the artifact was restored from backup.
	StatusRolledBack RecordStatus = "rolled_back"
)

// Terminal reports whether the status needs no further resolution.
func (s RecordStatus) Terminal() bool {
	return s == StatusKept || s == StatusRolledBack
}

// BackupInfo describes the pre-mutation copy of an artifact.
type BackupInfo struct {
	// Path is the location of the backup file.
	Path string `json:"path"`

	// OriginalChecksum is the SHA-256 of the artifact before mutation.
	OriginalChecksum string `json:"original_checksum"`

	// CreatedAt is when the backup was written.
	CreatedAt time.Time `json:"created_at"`
}

// MutationRecord is the journal entry for one applied mutation. It is
// persisted before the artifact is modified and updated at every
// status transition.
type MutationRecord struct {
	// ID uniquely identifies this mutation attempt.
	ID string `json:"id"`

	// CandidateID is the diagnostic candidate that produced it.
	CandidateID string `json:"candidate_id"`

	// ComponentID is the component whose artifact was changed.
	ComponentID string `json:"component_id"`

	// ArtifactPath is the mutated file.
	ArtifactPath string `json:"artifact_path"`

	// Find and Replace are the applied substitution.
	Find    string `json:"find"`
	Replace string `json:"replace"`

	// RequiresRestart records whether the component must restart for
	// the change (and its rollback) to take effect.
	RequiresRestart bool `json:"requires_restart"`

	// Backup describes the pre-mutation copy.
	Backup BackupInfo `json:"backup"`

	// MutatedChecksum is the SHA-256 of the artifact after mutation.
	MutatedChecksum string `json:"mutated_checksum"`

	// Status is the current lifecycle state.
	Status RecordStatus `json:"status"`

	// AppliedAt is when the mutation was written to the artifact.
	AppliedAt time.Time `json:"applied_at,omitempty"`

	// ResolvedAt is when the record reached a terminal status.
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// HostController restarts components and reports their readiness.
// Implementations talk to whatever supervises the component processes.
type HostController interface {
	// Restart asks the supervisor to restart the component.
	Restart(ctx context.Context, componentID string) error

	// Ready reports whether the component is serving again.
	Ready(ctx context.Context, componentID string) (bool, error)
}
