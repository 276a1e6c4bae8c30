package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.hcl"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.OCR.Concurrency)
	assert.Equal(t, time.Second, cfg.OCR.RetryDelayDuration())
	assert.Equal(t, 30*time.Second, cfg.OCR.CallTimeoutDuration())
	assert.Equal(t, 70.0, cfg.Matcher.ScoredThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unmask.hcl")
	content := `
ocr {
  concurrency = 4
  retry_delay = "250ms"
}

matcher {
  scored_threshold = 80
}

limits {
  max_screenshots = 20
}

storage {
  output_dir = "/tmp/unmask-out"
}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.OCR.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.OCR.RetryDelayDuration())
	assert.Equal(t, 30*time.Second, cfg.OCR.CallTimeoutDuration(), "unset values fall back")
	assert.Equal(t, 80.0, cfg.Matcher.ScoredThreshold)
	assert.Equal(t, 0.25, cfg.Matcher.StackToleranceHero)
	assert.Equal(t, 20, cfg.Limits.MaxScreenshots)
	assert.Equal(t, 50, cfg.Limits.MaxHandFiles)
	assert.Equal(t, "/tmp/unmask-out", cfg.Storage.OutputDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unmask.hcl")
	content := `
ocr {
  retry_delay = "soon"
}
matcher {}
limits {}
storage {}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OCR.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Matcher.ScoredThreshold = 150
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Matcher.StackAlignmentRatio = 0
	assert.Error(t, cfg.Validate())
}
