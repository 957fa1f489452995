package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	n, err := cfg.Cycle.CycleType()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gmg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cycle:
  type: W
  smoother:
    type: gauss-seidel
problem:
  processes: 4
  cells: 8
  partition: graph
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	n, err := cfg.Cycle.CycleType()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "gauss-seidel", cfg.Cycle.Smoother.Type)
	assert.Equal(t, 4, cfg.Problem.Processes)
	assert.Equal(t, 8, cfg.Problem.Cells)
	assert.Equal(t, "graph", cfg.Problem.Partition)
	// untouched keys keep their defaults
	assert.Equal(t, 2, cfg.Cycle.PreSmooth)
	assert.Equal(t, "lu", cfg.Cycle.BaseSolver.Type)
	assert.Equal(t, 5, cfg.Problem.Levels)
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cycle: [1, 2"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("cycle:\n  type: F\n"), 0o644))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, `unknown cycle type "F"`)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Cycle.BaseLevel = 9
	cfg.Cycle.Smoother.Damping = 0
	cfg.Problem.Partition = "metis"
	cfg.Solve.Tolerance = 2
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"base level 9", "jacobi damping", `"metis"`, "tolerance 2"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.DebugDir = "/tmp/gmg"
	require.NoError(t, cfg.Save(path))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
