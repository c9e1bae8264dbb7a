package mutate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendloop/internal/diagnose"
	"github.com/fyrsmithlabs/mendloop/internal/statestore"
)

const instrumentationName = "github.com/fyrsmithlabs/mendloop/internal/mutate"

// journalPrefix is the state store namespace for mutation records.
const journalPrefix = "mutation/"

var (
	// ErrValidationFailure means a safety gate rejected the mutation.
	// The artifact is unchanged (or restored) when this is returned.
	ErrValidationFailure = errors.New("mutation validation failure")

	// ErrRestartTimeout means the component did not become ready within
	// the restart deadline. The artifact has been restored from backup.
	ErrRestartTimeout = errors.New("component restart timeout")

	// ErrMutationInFlight means another mutation for the same component
	// has not yet been resolved.
	ErrMutationInFlight = errors.New("mutation already in flight for component")
)

// Executor applies and reverts candidate mutations.
type Executor interface {
	// Apply runs the gated mutation sequence for a candidate.
	Apply(ctx context.Context, c *diagnose.Candidate) (*MutationRecord, error)

	// Revert restores the artifact from backup. It is idempotent.
	Revert(ctx context.Context, rec *MutationRecord) error

	// MarkKept records that the decision engine accepted the mutation.
	MarkKept(ctx context.Context, rec *MutationRecord) error

	// ResolveUnfinished rolls back every journaled mutation that never
	// reached a terminal status. Called once on resume.
	ResolveUnfinished(ctx context.Context) ([]*MutationRecord, error)
}

// Config configures the executor.
type Config struct {
	// BackupDir is where pre-mutation copies are stored.
	BackupDir string

	// RestartTimeout bounds the readiness wait after a restart
	// (default: 60s).
	RestartTimeout time.Duration

	// ReadyPollInterval is how often readiness is checked during the
	// restart wait (default: 2s).
	ReadyPollInterval time.Duration

	// DisallowedPatterns are substrings that must not appear in
	// replacement text. Defaults cover destructive shell operations.
	DisallowedPatterns []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(backupDir string) *Config {
	return &Config{
		BackupDir:         backupDir,
		RestartTimeout:    60 * time.Second,
		ReadyPollInterval: 2 * time.Second,
		DisallowedPatterns: []string{
			"sudo ",
			"rm -rf",
			"dd if=",
			"mkfs",
		},
	}
}

// executor implements the Executor interface.
type executor struct {
	config  *Config
	journal *statestore.Store
	host    HostController
	logger  *zap.Logger

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	applyCounter    metric.Int64Counter
	rollbackCounter metric.Int64Counter
	gateCounter     metric.Int64Counter

	mu       sync.Mutex
	inFlight map[string]string // componentID -> record ID
}

// NewExecutor creates a mutation executor.
func NewExecutor(cfg *Config, journal *statestore.Store, host HostController, logger *zap.Logger) (Executor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.BackupDir == "" {
		return nil, errors.New("backup directory is required")
	}
	if journal == nil {
		return nil, errors.New("journal store is required")
	}
	if host == nil {
		return nil, errors.New("host controller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 60 * time.Second
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = 2 * time.Second
	}

	if err := os.MkdirAll(cfg.BackupDir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	e := &executor{
		config:   cfg,
		journal:  journal,
		host:     host,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		inFlight: make(map[string]string),
	}

	e.initMetrics()

	return e, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (e *executor) initMetrics() {
	var err error

	e.applyCounter, err = e.meter.Int64Counter(
		"mendloop.mutate.applies_total",
		metric.WithDescription("Total number of mutations applied"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		e.logger.Warn("failed to create apply counter", zap.Error(err))
	}

	e.rollbackCounter, err = e.meter.Int64Counter(
		"mendloop.mutate.rollbacks_total",
		metric.WithDescription("Total number of mutations rolled back"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		e.logger.Warn("failed to create rollback counter", zap.Error(err))
	}

	e.gateCounter, err = e.meter.Int64Counter(
		"mendloop.mutate.gate_failures_total",
		metric.WithDescription("Total number of safety gate rejections"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		e.logger.Warn("failed to create gate counter", zap.Error(err))
	}
}

// Apply runs the gated mutation sequence: reserve the component,
// journal intent, preflight, backup, apply, validate, restart.
func (e *executor) Apply(ctx context.Context, c *diagnose.Candidate) (*MutationRecord, error) {
	ctx, span := e.tracer.Start(ctx, "mutate.Apply",
		trace.WithAttributes(
			attribute.String("candidate.id", c.ID),
			attribute.String("component.id", c.Mutation.ComponentID),
			attribute.String("artifact.path", c.Mutation.ArtifactPath),
		))
	defer span.End()

	if err := e.reserve(c.Mutation.ComponentID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	// An applied record keeps the component claimed until it resolves
	// via MarkKept or Revert; failure paths end terminal, so release.
	applied := false
	defer func() {
		if !applied {
			e.release(c.Mutation.ComponentID)
		}
	}()

	// Safety gates that need no artifact I/O run first.
	if err := e.scanReplacement(c.Mutation.Replace); err != nil {
		e.countGate(ctx, "disallowed_pattern")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	original, err := os.ReadFile(c.Mutation.ArtifactPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read artifact %s: %w", c.Mutation.ArtifactPath, err)
	}

	if n := strings.Count(string(original), c.Mutation.Find); n != 1 {
		err := fmt.Errorf("%w: find text matched %d times in %s, need exactly 1",
			ErrValidationFailure, n, c.Mutation.ArtifactPath)
		e.countGate(ctx, "preflight_match")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rec := &MutationRecord{
		ID:              uuid.NewString(),
		CandidateID:     c.ID,
		ComponentID:     c.Mutation.ComponentID,
		ArtifactPath:    c.Mutation.ArtifactPath,
		Find:            c.Mutation.Find,
		Replace:         c.Mutation.Replace,
		RequiresRestart: c.Mutation.RequiresRestart,
		Status:          StatusInFlight,
	}

	backup, err := e.writeBackup(rec.ID, c.Mutation.ArtifactPath, original)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	rec.Backup = *backup

	// Journal before the artifact changes so a crash mid-apply is
	// resolvable from the record alone.
	if err := e.putRecord(rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	mutated := strings.Replace(string(original), c.Mutation.Find, c.Mutation.Replace, 1)
	if err := writeFilePreserveMode(c.Mutation.ArtifactPath, []byte(mutated)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, e.failAndRestore(ctx, rec, original,
			fmt.Errorf("write artifact %s: %w", c.Mutation.ArtifactPath, err))
	}
	rec.MutatedChecksum = checksum([]byte(mutated))
	rec.AppliedAt = time.Now().UTC()

	if err := e.validateApplied(rec); err != nil {
		e.countGate(ctx, "post_apply")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, e.failAndRestore(ctx, rec, original, err)
	}

	if rec.RequiresRestart {
		if err := e.restartAndWait(ctx, rec.ComponentID); err != nil {
			e.countGate(ctx, "restart")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, e.failAndRestore(ctx, rec, original, err)
		}
	}

	rec.Status = StatusApplied
	if err := e.putRecord(rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, e.failAndRestore(ctx, rec, original, err)
	}

	e.retain(rec.ComponentID, rec.ID)
	applied = true

	if e.applyCounter != nil {
		e.applyCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", rec.ComponentID)))
	}
	e.logger.Info("mutation applied",
		zap.String("record_id", rec.ID),
		zap.String("candidate_id", rec.CandidateID),
		zap.String("component_id", rec.ComponentID),
		zap.String("artifact", rec.ArtifactPath),
		zap.Bool("restarted", rec.RequiresRestart))

	return rec, nil
}

// Revert restores the artifact from backup and journals the rollback.
// Calling it on an already-reverted record is a no-op.
func (e *executor) Revert(ctx context.Context, rec *MutationRecord) error {
	ctx, span := e.tracer.Start(ctx, "mutate.Revert",
		trace.WithAttributes(
			attribute.String("record.id", rec.ID),
			attribute.String("component.id", rec.ComponentID),
		))
	defer span.End()

	if rec.Status == StatusRolledBack {
		return nil
	}

	backup, err := os.ReadFile(rec.Backup.Path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("read backup %s: %w", rec.Backup.Path, err)
	}
	if sum := checksum(backup); sum != rec.Backup.OriginalChecksum {
		err := fmt.Errorf("backup %s checksum mismatch: have %s, want %s",
			rec.Backup.Path, sum, rec.Backup.OriginalChecksum)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	current, err := os.ReadFile(rec.ArtifactPath)
	if err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("read artifact %s: %w", rec.ArtifactPath, err)
	}

	restored := err == nil && checksum(current) == rec.Backup.OriginalChecksum
	if !restored {
		if err := writeFilePreserveMode(rec.ArtifactPath, backup); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("restore artifact %s: %w", rec.ArtifactPath, err)
		}
		if rec.RequiresRestart {
			if err := e.restartAndWait(ctx, rec.ComponentID); err != nil {
				e.logger.Error("component restart after rollback failed",
					zap.String("component_id", rec.ComponentID), zap.Error(err))
			}
		}
	}

	rec.Status = StatusRolledBack
	rec.ResolvedAt = time.Now().UTC()
	if err := e.putRecord(rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.release(rec.ComponentID)

	if e.rollbackCounter != nil {
		e.rollbackCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", rec.ComponentID)))
	}
	e.logger.Info("mutation rolled back",
		zap.String("record_id", rec.ID),
		zap.String("component_id", rec.ComponentID),
		zap.Bool("artifact_restored", !restored))

	return nil
}

// MarkKept records acceptance of the mutation.
func (e *executor) MarkKept(ctx context.Context, rec *MutationRecord) error {
	_, span := e.tracer.Start(ctx, "mutate.MarkKept",
		trace.WithAttributes(attribute.String("record.id", rec.ID)))
	defer span.End()

	rec.Status = StatusKept
	rec.ResolvedAt = time.Now().UTC()
	if err := e.putRecord(rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.release(rec.ComponentID)
	return nil
}

// ResolveUnfinished rolls back every non-terminal journal record.
// Unresolved records mean a prior run died mid-mutation; the safe
// assumption is that the mutation was never verified.
func (e *executor) ResolveUnfinished(ctx context.Context) ([]*MutationRecord, error) {
	ctx, span := e.tracer.Start(ctx, "mutate.ResolveUnfinished")
	defer span.End()

	entries, err := e.journal.List(journalPrefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list mutation journal: %w", err)
	}

	var resolved []*MutationRecord
	for key := range entries {
		var rec MutationRecord
		if err := e.journal.Get(key, &rec); err != nil {
			return resolved, err
		}
		if rec.Status.Terminal() {
			continue
		}
		e.logger.Warn("resolving unfinished mutation from prior run",
			zap.String("record_id", rec.ID),
			zap.String("component_id", rec.ComponentID),
			zap.String("status", string(rec.Status)))
		if err := e.Revert(ctx, &rec); err != nil {
			return resolved, fmt.Errorf("revert unfinished mutation %s: %w", rec.ID, err)
		}
		resolved = append(resolved, &rec)
	}

	span.SetAttributes(attribute.Int("resolved.count", len(resolved)))
	return resolved, nil
}

// reserve claims the component. The claim outlives the Apply call: it
// stands until the record reaches a terminal status, so a second
// mutation against a component with an unresolved record is rejected
// before any file I/O.
func (e *executor) reserve(componentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if recID, ok := e.inFlight[componentID]; ok {
		return fmt.Errorf("%w: %s (record %s)", ErrMutationInFlight, componentID, recID)
	}
	e.inFlight[componentID] = "pending"
	return nil
}

// retain binds the claim to the applied record's ID.
func (e *executor) retain(componentID, recordID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[componentID] = recordID
}

func (e *executor) release(componentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, componentID)
}

// scanReplacement rejects replacement text containing disallowed
// operations.
func (e *executor) scanReplacement(replace string) error {
	for _, pat := range e.config.DisallowedPatterns {
		if strings.Contains(replace, pat) {
			return fmt.Errorf("%w: replacement contains disallowed pattern %q",
				ErrValidationFailure, pat)
		}
	}
	return nil
}

// validateApplied re-reads the artifact and confirms the substitution
// landed intact.
func (e *executor) validateApplied(rec *MutationRecord) error {
	data, err := os.ReadFile(rec.ArtifactPath)
	if err != nil {
		return fmt.Errorf("%w: re-read artifact: %v", ErrValidationFailure, err)
	}
	if checksum(data) != rec.MutatedChecksum {
		return fmt.Errorf("%w: artifact changed underneath the mutation", ErrValidationFailure)
	}
	if !strings.Contains(string(data), rec.Replace) {
		return fmt.Errorf("%w: replacement text missing after apply", ErrValidationFailure)
	}
	return nil
}

// restartAndWait restarts the component and polls readiness until the
// deadline.
func (e *executor) restartAndWait(ctx context.Context, componentID string) error {
	if err := e.host.Restart(ctx, componentID); err != nil {
		return fmt.Errorf("restart %s: %w", componentID, err)
	}

	deadline := time.Now().Add(e.config.RestartTimeout)
	ticker := time.NewTicker(e.config.ReadyPollInterval)
	defer ticker.Stop()

	for {
		ready, err := e.host.Ready(ctx, componentID)
		if err != nil {
			e.logger.Debug("readiness probe failed",
				zap.String("component_id", componentID), zap.Error(err))
		} else if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not ready after %s",
				ErrRestartTimeout, componentID, e.config.RestartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// failAndRestore restores the original content, journals the rollback,
// and returns the causing error.
func (e *executor) failAndRestore(ctx context.Context, rec *MutationRecord, original []byte, cause error) error {
	if err := writeFilePreserveMode(rec.ArtifactPath, original); err != nil {
		e.logger.Error("restore after gate failure failed",
			zap.String("artifact", rec.ArtifactPath), zap.Error(err))
		return errors.Join(cause, err)
	}
	rec.Status = StatusRolledBack
	rec.ResolvedAt = time.Now().UTC()
	if err := e.putRecord(rec); err != nil {
		e.logger.Error("journal rollback failed",
			zap.String("record_id", rec.ID), zap.Error(err))
	}
	if e.rollbackCounter != nil {
		e.rollbackCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", rec.ComponentID)))
	}
	return cause
}

// writeBackup stores a timestamped, checksummed copy of the artifact
// and verifies it restorable before the artifact is touched.
func (e *executor) writeBackup(recordID, artifactPath string, content []byte) (*BackupInfo, error) {
	now := time.Now().UTC()
	name := fmt.Sprintf("%s.%s.%s.bak",
		filepath.Base(artifactPath), now.Format("20060102T150405"), recordID[:8])
	path := filepath.Join(e.config.BackupDir, name)

	sum := checksum(content)
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return nil, fmt.Errorf("write backup %s: %w", path, err)
	}
	if err := verifyBackup(path, sum); err != nil {
		return nil, err
	}

	return &BackupInfo{
		Path:             path,
		OriginalChecksum: sum,
		CreatedAt:        now,
	}, nil
}

// verifyBackup re-reads a written backup and confirms it matches the
// artifact checksum, catching torn or short writes while the original
// content is still on disk.
func verifyBackup(path, wantSum string) error {
	written, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("verify backup %s: %w", path, err)
	}
	if sum := checksum(written); sum != wantSum {
		return fmt.Errorf("%w: backup %s checksum %s does not match artifact %s",
			ErrValidationFailure, path, sum, wantSum)
	}
	return nil
}

func (e *executor) putRecord(rec *MutationRecord) error {
	if err := e.journal.Put(journalPrefix+rec.ID, rec); err != nil {
		return fmt.Errorf("journal mutation %s: %w", rec.ID, err)
	}
	return nil
}

func (e *executor) countGate(ctx context.Context, gate string) {
	if e.gateCounter != nil {
		e.gateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeFilePreserveMode writes content keeping the file's existing
// permissions when it exists.
func writeFilePreserveMode(path string, content []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}
	return os.WriteFile(path, content, mode)
}
