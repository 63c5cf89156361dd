package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/simulated"
)

const triangleOBJ = "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"

func testConfig(t *testing.T) *ApplicationConfig {
	t.Helper()
	cfg := DefaultApplicationConfig()
	cfg.LogLevel = "error"
	cfg.FrameRate = 1000
	cfg.Simulation.Cameras = 2
	return cfg
}

func TestEngineRunsThroughDeviceLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.obj"), []byte(triangleOBJ), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.obj"), []byte(triangleOBJ), 0o644))

	cfg := testConfig(t)
	cfg.Frames = 30
	cfg.Simulation.DeviceLossEvery = 10
	cfg.Simulation.ResizeEvery = 7
	cfg.Mesh.WatchDir = dir

	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))

	assert.Equal(t, []string{"a", "b"}, e.SystemManager().MeshStreamSystem.Names())
	assert.Equal(t, []uint32{1, 2}, e.SystemManager().CameraSystem.Attached())

	require.NoError(t, e.Run(context.Background()))
	assert.EqualValues(t, 30, e.Frames())

	m := e.Metrics()
	assert.EqualValues(t, 3, m.Recoveries)
	assert.EqualValues(t, 30, m.Presented+m.Dropped)
	assert.EqualValues(t, 4, e.DeviceManager().Epoch())

	sim, ok := e.Backend().(*simulated.Backend)
	require.True(t, ok)
	assert.Positive(t, sim.Counters().Presents)

	require.NoError(t, e.Shutdown())
	require.NoError(t, e.Shutdown())
}

func TestEngineStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	defer e.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.Positive(t, e.Frames())
}

func TestEngineStopsOnQuitEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	defer e.Shutdown()

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.NoError(t, ctx.Err(), "quit should end the run before the deadline")
}

func TestEngineResizeEventReachesSpace(t *testing.T) {
	e, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	defer e.Shutdown()

	e.events.Fire(core.EventContext{Type: core.EVENT_CODE_RESIZED, U32: 640<<16 | 480})
	frame := e.Space().NextFrame()
	require.NotEmpty(t, frame.Cameras)
	assert.EqualValues(t, 640, frame.Cameras[0].Surface.Width)
	assert.EqualValues(t, 480, frame.Cameras[0].Surface.Height)
}

func TestEngineStageOrdering(t *testing.T) {
	e, err := New(testConfig(t))
	require.NoError(t, err)
	defer e.Shutdown()

	assert.Error(t, e.Run(context.Background()))
	require.NoError(t, e.Initialize(context.Background()))
	assert.Error(t, e.Initialize(context.Background()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "metal"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestInitializeFailsWithoutCompatibleAdapter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Adapter.RequiredFeatures = []string{"TimestampQuery"}
	e, err := New(cfg)
	require.NoError(t, err)
	defer e.Shutdown()

	assert.ErrorIs(t, e.Initialize(context.Background()), core.ErrNoCompatibleAdapter)
}

func TestEngineTrimsWhenMinimized(t *testing.T) {
	e, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	defer e.Shutdown()

	sim := e.Backend().(*simulated.Backend)
	before := sim.Counters().Flushes
	e.events.Fire(core.EventContext{Type: core.EVENT_CODE_RESIZED, U32: 0})
	assert.Greater(t, sim.Counters().Flushes, before)
}
