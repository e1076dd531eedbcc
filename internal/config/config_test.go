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
	path := filepath.Join(t.TempDir(), "relaybot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadPartialOverride(t *testing.T) {
	path := writeConfig(t, `
warehouse: {x: 5.0, y: 3.0}
particle_count: 50
state_timeouts:
  delivering: 15
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.ParticleCount)
	assert.Equal(t, XY{5, 3}, cfg.Warehouse)
	// Untouched fields keep defaults.
	assert.Equal(t, 0.10, cfg.PositionTolerance)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.For("Resetting"))
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero particles", "particle_count: 0"},
		{"negative tolerance", "position_tolerance_m: -0.1"},
		{"bad motor speed", "max_motor_speed: 300"},
		{"bad servo angle", "servo_open_angle: 200"},
		{"zero wheel base", "wheel_base_m: 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsNonYAMLExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaybot.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestStateTimeoutWaitingUnlimited(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Duration(0), cfg.Timeouts.For("Waiting"))
	assert.Equal(t, 15*time.Second, cfg.Timeouts.For("Delivering"))
}

func TestTickPeriod(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100*time.Millisecond, cfg.TickPeriod())
}
