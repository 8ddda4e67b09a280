package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "toolmend", cfg.Name)
	assert.Equal(t, 0.6, cfg.Detector.RequiredConfidenceFloor)
	assert.Equal(t, 20, cfg.Detector.EnumStableAfter)
	assert.Equal(t, 10, cfg.Detector.RangeMinObservations)
	assert.Equal(t, int64(8), cfg.Sandbox.MaxConcurrent)
	assert.Equal(t, 256, cfg.Feedback.QueueSize)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "toolmend.yaml")

	cfg := DefaultConfig()
	cfg.Store.DatabasePath = "custom/knowledge.db"
	cfg.Detector.RequiredConfidenceFloor = 0.75
	cfg.Repair.ModelTimeout = "30s"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom/knowledge.db", got.Store.DatabasePath)
	assert.Equal(t, 0.75, got.Detector.RequiredConfidenceFloor)
	assert.Equal(t, 30*time.Second, got.ModelTimeout())
}

func TestLoadRejectsInvalidThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector:\n  required_confidence_floor: 2.5\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.WallClockTimeout = "not a duration"
	cfg.Feedback.ConfidenceDecayHalfLife = ""

	assert.Equal(t, 5*time.Second, cfg.SandboxWallClock())
	assert.Equal(t, 720*time.Hour, cfg.ConfidenceHalfLife())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOOLMEND_DB", "/tmp/override.db")
	t.Setenv("TOOLMEND_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Store.DatabasePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
