package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefsm/latticefsm/config"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidSchedulerConfig(t *testing.T) {
	path := writeTemp(t, "scheduler.yaml", `
iterations: 50
max_steps: 200
strategy: Random
cache_program_state: true
liveness_checking: true
cycle_detection: true
must_handle_by_default: false
seed: 7
report_activity_coverage: true
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 50, cfg.Iterations)
	assert.EqualValues(t, 200, cfg.MaxSteps)
	assert.Equal(t, config.StrategyRandom, cfg.StrategyName)
	assert.True(t, cfg.CacheProgramState)
	assert.True(t, cfg.ReportActivityCoverage)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	path := writeTemp(t, "bad.yaml", `
iterations: 10
strategy: Bogus
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsPCTWithoutBugDepth(t *testing.T) {
	path := writeTemp(t, "pct.yaml", `
iterations: 10
strategy: PCT
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsZeroIterations(t *testing.T) {
	path := writeTemp(t, "zero.yaml", `
iterations: 0
strategy: Random
`)
	_, err := config.Load(path)
	require.Error(t, err)
}
