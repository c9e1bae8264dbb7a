// Package integration exercises the full remediation pipeline: real
// state store on disk, real artifact mutation with backups, and an
// HTTP component host stub serving restart, readiness and re-trigger
// endpoints.
package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendloop/internal/decide"
	"github.com/fyrsmithlabs/mendloop/internal/diagnose"
	"github.com/fyrsmithlabs/mendloop/internal/extract"
	"github.com/fyrsmithlabs/mendloop/internal/loop"
	"github.com/fyrsmithlabs/mendloop/internal/mutate"
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
	"github.com/fyrsmithlabs/mendloop/internal/statestore"
	"github.com/fyrsmithlabs/mendloop/internal/verify"
)

const agentArtifact = `import requests

BASE_URL = "https://example.org"
HEADERS = {"User-Agent": "MendAgent/1.0"}

def fetch_titles():
    response = fetch(url)
    return response
`

// agentMetrics is the live failure state of the stub agent. The restart
// endpoint rewrites the blocked count, simulating the mutated artifact
// taking effect.
type agentMetrics struct {
	mu          sync.Mutex
	blocked     int64
	rateLimited int64
}

func (m *agentMetrics) setBlocked(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = n
}

// metricsSource emits one event per outstanding failure, stamped inside
// the requested window.
type metricsSource struct {
	metrics *agentMetrics
}

func (s *metricsSource) Name() string { return "stub-agent" }

func (s *metricsSource) Read(_ context.Context, w snapshot.Window) ([]snapshot.Event, error) {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()

	var events []snapshot.Event
	for i := int64(0); i < s.metrics.blocked; i++ {
		events = append(events, snapshot.Event{
			ComponentID: "alpha",
			ItemID:      fmt.Sprintf("item-%03d", i),
			Timestamp:   w.Start,
			Message:     "GET /titles -> HTTP 403 access denied",
		})
	}
	for i := int64(0); i < s.metrics.rateLimited; i++ {
		events = append(events, snapshot.Event{
			ComponentID: "alpha",
			Timestamp:   w.Start,
			Message:     "HTTP 429 too many requests",
		})
	}
	return events, nil
}

type harness struct {
	controller   *loop.Controller
	store        *statestore.Store
	artifactPath string
	backupDir    string
}

// newHarness wires the full pipeline against a temp directory and a
// stub component host. postBlocked is what the blocked count drops to
// once the mutated component restarts.
func newHarness(t *testing.T, postBlocked int64, maxIterations int) *harness {
	t.Helper()
	tmp := t.TempDir()
	logger := zap.NewNop()

	metrics := &agentMetrics{blocked: 100, rateLimited: 5}

	agentDir := filepath.Join(tmp, "agents", "alpha")
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	artifactPath := filepath.Join(agentDir, "agent.py")
	require.NoError(t, os.WriteFile(artifactPath, []byte(agentArtifact), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/restart"):
			metrics.setBlocked(postBlocked)
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/ready"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ready":true}`))
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/refresh"):
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	store, err := statestore.Open(statestore.DefaultConfig(filepath.Join(tmp, "state")), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	aggregator, err := snapshot.NewAggregator(snapshot.DefaultAggregatorConfig(), snapshot.NewRuleClassifier(), logger)
	require.NoError(t, err)

	generator, err := diagnose.NewRuleGenerator(&diagnose.RuleGeneratorConfig{
		ComponentsDir: filepath.Join(tmp, "agents"),
		ArtifactName:  "agent.py",
		MinFailures:   5,
	}, logger)
	require.NoError(t, err)

	host, err := mutate.NewHTTPHost(&mutate.HTTPHostConfig{BaseURL: srv.URL}, logger)
	require.NoError(t, err)

	backupDir := filepath.Join(tmp, "backups")
	executor, err := mutate.NewExecutor(&mutate.Config{
		BackupDir:         backupDir,
		RestartTimeout:    2 * time.Second,
		ReadyPollInterval: 5 * time.Millisecond,
	}, store, host, logger)
	require.NoError(t, err)

	trigger, err := verify.NewHTTPTrigger(&verify.HTTPTriggerConfig{BaseURL: srv.URL}, logger)
	require.NoError(t, err)

	verifier, err := verify.NewVerifier(&verify.Config{
		SampleSize:        5,
		Concurrency:       4,
		TriggersPerSecond: 500,
		SettleWait:        10 * time.Millisecond,
	}, trigger, aggregator, logger)
	require.NoError(t, err)

	controller, err := loop.NewController(&loop.Config{
		MaxIterations:       maxIterations,
		PlateauThresholdPct: 5,
		PlateauWindow:       2,
		ExhaustedStreak:     2,
		TargetReductionPct:  90,
		ObservationWindow:   time.Minute,
	}, loop.Deps{
		Aggregator: aggregator,
		Sources:    []snapshot.Source{&metricsSource{metrics: metrics}},
		Generator:  generator,
		Executor:   executor,
		Verifier:   verifier,
		Extractor:  extract.NewExtractor(logger),
		Policy:     decide.Policy{KeepThreshold: 0.75, MonitorThreshold: 0.50},
		Store:      store,
	}, logger)
	require.NoError(t, err)

	return &harness{
		controller:   controller,
		store:        store,
		artifactPath: artifactPath,
		backupDir:    backupDir,
	}
}

func TestLoopKeepsSuccessfulMutation(t *testing.T) {
	// Restarting with the hardened headers drops blocked 100 -> 40,
	// inside the rule's predicted ceiling of 70.
	h := newHarness(t, 40, 2)

	report, err := h.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, loop.ExitMaxIterations, report.ExitReason)
	assert.Equal(t, 1, report.Kept)
	assert.Equal(t, 0, report.RolledBack)
	assert.Equal(t, int64(105), report.FirstBaselineFailures)
	assert.Equal(t, int64(45), report.FinalFailures)
	assert.Len(t, report.History, 2)

	data, err := os.ReadFile(h.artifactPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Mozilla/5.0")
	assert.NotContains(t, string(data), "MendAgent/1.0")

	// The pre-mutation copy survives the kept mutation.
	backups, err := filepath.Glob(filepath.Join(h.backupDir, "*.bak"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	original, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Contains(t, string(original), "MendAgent/1.0")

	// Loop state including the exit transition is on disk.
	var st loop.IterationState
	require.NoError(t, h.store.Get("loop/state/current", &st))
	assert.Equal(t, loop.StateExit, st.State)
}

func TestLoopRollsBackMissedPrediction(t *testing.T) {
	// blocked only drops 100 -> 90, above the predicted ceiling: the
	// mutation is rolled back and a tempering lesson is recorded.
	h := newHarness(t, 90, 1)

	report, err := h.controller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, loop.ExitMaxIterations, report.ExitReason)
	assert.Equal(t, 0, report.Kept)
	assert.Equal(t, 1, report.RolledBack)

	data, err := os.ReadFile(h.artifactPath)
	require.NoError(t, err)
	assert.Equal(t, agentArtifact, string(data))

	lessonDocs, err := h.store.List("lesson/")
	require.NoError(t, err)
	assert.NotEmpty(t, lessonDocs)
}
