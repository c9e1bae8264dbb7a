package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeHomeConfig drops a config file under a fake home directory and
// points HOME at it.
func writeHomeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "mendloop")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

const minimalYAML = `
snapshot:
  log_dir: /var/log/agents
diagnose:
  components_dir: /opt/agents
mutate:
  backup_dir: /var/lib/mendloop/backups
store:
  path: /var/lib/mendloop/state
verify:
  trigger_base_url: http://host.internal:8080
host:
  base_url: http://host.internal:8081
`

func TestLoadWithFileAppliesDefaults(t *testing.T) {
	path := writeHomeConfig(t, minimalYAML, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9340, cfg.Server.Port)
	assert.Equal(t, "/var/log/agents", cfg.Snapshot.LogDir)
	assert.Equal(t, 10, cfg.Loop.MaxIterations)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeHomeConfig(t, `
snapshot:
  log_dir: /var/log/agents
diagnose:
  components_dir: /opt/agents
mutate:
  backup_dir: /var/lib/mendloop/backups
store:
  path: /var/lib/mendloop/state
host:
  base_url: http://host.internal:8081
loop:
  max_iterations: 3
  observation_window: 5m
verify:
  trigger_base_url: http://host.internal:8080
  sample_size: 7
  trigger_token: sekrit
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Loop.MaxIterations)
	assert.Equal(t, "5m0s", cfg.Loop.ObservationWindow.Duration().String())
	assert.Equal(t, 7, cfg.Verify.SampleSize)
	assert.Equal(t, "sekrit", cfg.Verify.TriggerToken.Value())
	assert.Equal(t, "[REDACTED]", cfg.Verify.TriggerToken.String())
}

func TestLoadWithFileEnvWins(t *testing.T) {
	path := writeHomeConfig(t, minimalYAML+`
loop:
  max_iterations: 3
`, 0600)
	t.Setenv("LOOP_MAX_ITERATIONS", "6")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Loop.MaxIterations)
}

func TestLoadWithFileRejectsLoosePermissions(t *testing.T) {
	path := writeHomeConfig(t, minimalYAML, 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFileRejectsOutsideAllowedDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte(minimalYAML), 0600))

	_, err := LoadWithFile(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be in")
}

func TestLoadWithFileMissingFileUsesEnvAndDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SNAPSHOT_LOG_DIR", "/var/log/agents")
	t.Setenv("DIAGNOSE_COMPONENTS_DIR", "/opt/agents")
	t.Setenv("MUTATE_BACKUP_DIR", "/var/lib/mendloop/backups")
	t.Setenv("STORE_PATH", "/var/lib/mendloop/state")
	t.Setenv("VERIFY_TRIGGER_BASE_URL", "http://host.internal:8080")
	t.Setenv("HOST_BASE_URL", "http://host.internal:8081")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mendloop/state", cfg.Store.Path)
}
