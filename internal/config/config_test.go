package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"confidence_threshold": 0.8, "burst_duration": "6s"}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// explicit values
	assert.Equal(t, 0.8, cfg.GetConfidenceThreshold())
	assert.Equal(t, 6*time.Second, cfg.GetBurstDuration())

	// omitted fields fall back to defaults
	assert.Equal(t, 2, cfg.GetBaselineFPSMin())
	assert.Equal(t, 12, cfg.GetBurstFPSMax())
	assert.Equal(t, 2*time.Minute, cfg.GetAlertCooldown())
	assert.Equal(t, 48*time.Hour, cfg.GetMonitoringWindow())
	assert.Equal(t, 100, cfg.GetReviewQueueBound())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		json string
	}{
		{"confidence out of range", `{"confidence_threshold": 1.5}`},
		{"negative motion threshold", `{"motion_threshold": -0.1}`},
		{"rollout fraction over 100", `{"rollout_fraction": 150}`},
		{"inverted fps range", `{"burst_fps_min": 12, "burst_fps_max": 8}`},
		{"unparseable duration", `{"alert_cooldown": "two minutes"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, tc.json)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultsOnEmptyConfig(t *testing.T) {
	t.Parallel()

	cfg := &EngineConfig{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.7, cfg.GetConfidenceThreshold())
	assert.Equal(t, 0.6, cfg.GetMotionThreshold())
	assert.Equal(t, 8*time.Second, cfg.GetBurstDuration())
	assert.Equal(t, 10, cfg.GetRolloutFraction())
	assert.Equal(t, 5, cfg.GetMinActionSupport())
}
