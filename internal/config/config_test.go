package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidation(t *testing.T) {
	cfg := Default()
	require.Equal(t, 10000, cfg.MonteCarlo.DefaultIterations)
	require.Equal(t, "all_days", cfg.General.Calendar)
	require.NoError(t, validate(cfg))
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planloom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[general]
log_level = "debug"

[montecarlo]
default_iterations = 500
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.General.LogLevel)
	require.Equal(t, 500, cfg.MonteCarlo.DefaultIterations)
	require.Equal(t, 0.25, cfg.MonteCarlo.QueuingDelayK)
}

func TestLoadRejectsInvalidCalendar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planloom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[general]
calendar = "lunar"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestManagerReloadSwapsConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planloom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[montecarlo]
default_iterations = 100
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	mgr := NewManager(cfg)
	require.Equal(t, 100, mgr.Get().MonteCarlo.DefaultIterations)

	require.NoError(t, os.WriteFile(path, []byte(`[montecarlo]
default_iterations = 200
`), 0o644))
	require.NoError(t, mgr.Reload(path))
	require.Equal(t, 200, mgr.Get().MonteCarlo.DefaultIterations)
}
