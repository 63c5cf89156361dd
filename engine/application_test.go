package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultApplicationConfig(t *testing.T) {
	cfg := DefaultApplicationConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DEFAULT_NAME, cfg.Name)
	assert.Equal(t, BACKEND_SIMULATED, cfg.Backend)
	assert.Equal(t, DEFAULT_FRAME_RATE, cfg.FrameRate)
	assert.Equal(t, DEFAULT_RETRY_DELAY, cfg.Mesh.RetryDelay.Duration)
	assert.Equal(t, 1, cfg.Simulation.Cameras)
	assert.True(t, cfg.Simulation.Stereo)
}

func TestDecodeApplicationConfig(t *testing.T) {
	dir := t.TempDir()
	doc := `
name = "soak"
log_level = "warn"
backend = "Simulated"
frames = 120
frame_rate = 90.0
max_camera_count = 4

[adapter]
preferred_id = "sim-software-0"
power_preference = "high_performance"
required_features = ["ShaderFloat64", "shaderf16"]

[mesh]
watch_dir = "` + filepath.ToSlash(dir) + `"
retry_delay = "250ms"

[simulation]
cameras = 2
stereo = false
width = 800
height = 600
device_loss_every = 40
resize_every = 30
tracking_loss_every = 7
`
	cfg, err := DecodeApplicationConfig(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, "soak", cfg.Name)
	assert.Equal(t, BACKEND_SIMULATED, cfg.Backend)
	assert.EqualValues(t, 120, cfg.Frames)
	assert.Equal(t, 90.0, cfg.FrameRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Mesh.RetryDelay.Duration)
	assert.Equal(t, dir, filepath.FromSlash(cfg.Mesh.WatchDir))

	pref, err := cfg.AdapterPreference()
	require.NoError(t, err)
	assert.Equal(t, "sim-software-0", pref.PreferredID)
	assert.Equal(t, gputypes.PowerPreferenceHighPerformance, pref.PowerPreference)
	assert.True(t, pref.Requirements.Features.Contains(gputypes.FeatureShaderF16))
	assert.True(t, pref.Requirements.Features.Contains(gputypes.FeatureShaderFloat64))

	space := cfg.SpaceConfig()
	assert.Equal(t, 2, space.Cameras)
	assert.False(t, space.Stereo)
	assert.EqualValues(t, 800, space.Width)
	assert.EqualValues(t, 40, space.DeviceLossEvery)
	assert.EqualValues(t, 30, space.ResizeEvery)
	assert.EqualValues(t, 7, space.TrackingLossEvery)

	sm := cfg.SystemManagerConfig()
	assert.EqualValues(t, 4, sm.MaxCameraCount)
	assert.Equal(t, 250*time.Millisecond, sm.Mesh.RetryDelay)
}

func TestDecodeApplicationConfigRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeApplicationConfig(strings.NewReader("nmae = \"typo\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration keys")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultApplicationConfig()
	cfg.LogLevel = "loud"
	cfg.Backend = "opengl"
	cfg.Adapter.PowerPreference = "turbo"
	cfg.Simulation.Cameras = -1
	cfg.Mesh.WatchDir = filepath.Join(t.TempDir(), "missing")

	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"log_level", "backend", "adapter", "simulation.cameras", "mesh.watch_dir"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidateRejectsUnknownFeature(t *testing.T) {
	cfg := DefaultApplicationConfig()
	cfg.Adapter.RequiredFeatures = []string{"RayTracing"}
	assert.ErrorContains(t, cfg.Validate(), "unknown device feature")
}

func TestValidateCameraLimit(t *testing.T) {
	cfg := DefaultApplicationConfig()
	cfg.MaxCameraCount = 2
	cfg.Simulation.Cameras = 3
	assert.ErrorContains(t, cfg.Validate(), "exceeds max_camera_count")
}

func TestLoadApplicationConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holostream.toml")
	require.NoError(t, os.WriteFile(path, []byte("backend = \"vulkan\"\n[simulation]\ncameras = 3\n"), 0o644))

	cfg, err := LoadApplicationConfig(path)
	require.NoError(t, err)
	assert.Equal(t, BACKEND_VULKAN, cfg.Backend)
	assert.Equal(t, 3, cfg.Simulation.Cameras)
	// Unset keys keep their defaults.
	assert.True(t, cfg.Simulation.Stereo)

	_, err = LoadApplicationConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
