package haarcascade

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DefaultIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 24, cfg.WindowSize)
	assert.Equal(t, 1.25, cfg.ScaleFactor)
	assert.Equal(t, TieBreakMin, cfg.TieBreak)
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
	}{
		{"window", func(c *Config) { c.WindowSize = 1 }},
		{"scale factor", func(c *Config) { c.ScaleFactor = 1 }},
		{"shift factor", func(c *Config) { c.ShiftFactor = -0.1 }},
		{"status", func(c *Config) { c.StatusEvery = 0 }},
		{"max false positive", func(c *Config) { c.MaxFalsePositive = 0 }},
		{"max false positive of one", func(c *Config) { c.MaxFalsePositive = 1 }},
		{"min detection", func(c *Config) { c.MinDetection = 1.5 }},
		{"target", func(c *Config) { c.TargetFalsePositive = -1 }},
		{"threshold step", func(c *Config) { c.ThresholdStep = 0 }},
		{"faces", func(c *Config) { c.Faces = 0 }},
		{"validation", func(c *Config) { c.ValidationBackgrounds = 0 }},
		{"crop", func(c *Config) { c.FacesCropTop = -2 }},
		{"stages", func(c *Config) { c.MaxStages = 0 }},
		{"epsilon", func(c *Config) { c.ErrorEpsilon = 0 }},
		{"tie break", func(c *Config) { c.TieBreak = 7 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfig)
		})
	}
}

func TestConfig_LoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"window_size": 19, "tie_break": 1, "seed": 42}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 19, cfg.WindowSize)
	assert.Equal(t, TieBreakLegacy, cfg.TieBreak)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, DefaultConfig().ScaleFactor, cfg.ScaleFactor)
}

func TestConfig_LoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "train.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"window_size": `), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"window_size": 1}`), 0o644))
	_, err = LoadConfig(invalid)
	assert.ErrorIs(t, err, ErrConfig)
}
