package renderer

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer/components"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

func TestEnsureBackBufferResourcesCachesBySurface(t *testing.T) {
	r := newTestRig(t)
	dev := r.dm.Device()
	c := NewCameraResources(r.backend, stereoCamera(1, 1440, 936))
	assert.Equal(t, CameraStateResourcesUninitialized, c.State())

	surfaceA := surface(100, 1440, 936)
	require.NoError(t, c.EnsureBackBufferResources(dev, surfaceA))
	assert.Equal(t, CameraStateBackBufferReady, c.State())
	require.NoError(t, c.EnsureDepthBuffer(dev))
	assert.Equal(t, CameraStateReady, c.State())
	assert.Equal(t, gputypes.TextureFormatBGRA8Unorm, c.Format())

	before := r.backend.Counters()
	assert.Equal(t, uint64(1), before.ViewsCreated)
	assert.Equal(t, uint64(1), before.TexturesCreated)

	depth, ok := r.backend.Texture(dev.Handle, c.DepthBuffer())
	require.True(t, ok)
	assert.Equal(t, uint32(2), depth.Size.DepthOrArrayLayers)
	assert.Equal(t, DEPTH_BUFFER_FORMAT, depth.Format)

	// Same surface again: nothing is created.
	for i := 0; i < 5; i++ {
		require.NoError(t, c.EnsureBackBufferResources(dev, surfaceA))
		require.NoError(t, c.EnsureDepthBuffer(dev))
	}
	assert.Equal(t, before, r.backend.Counters())

	// A bigger surface rebinds the view and invalidates the depth buffer.
	surfaceB := surface(101, 2048, 1080)
	oldDepth := c.DepthBuffer()
	oldView := c.RenderTarget()
	require.NoError(t, c.EnsureBackBufferResources(dev, surfaceB))
	assert.Equal(t, CameraStateBackBufferReady, c.State())
	assert.False(t, r.backend.HasView(dev.Handle, oldView))
	_, stillThere := r.backend.Texture(dev.Handle, oldDepth)
	assert.False(t, stillThere)

	require.NoError(t, c.EnsureDepthBuffer(dev))
	after := r.backend.Counters()
	assert.Equal(t, uint64(2), after.ViewsCreated)
	assert.Equal(t, uint64(2), after.TexturesCreated)
	assert.True(t, r.backend.HasView(dev.Handle, c.RenderTarget()))

	depth, ok = r.backend.Texture(dev.Handle, c.DepthBuffer())
	require.True(t, ok)
	assert.Equal(t, uint32(2048), depth.Size.Width)
	assert.Equal(t, uint32(1080), depth.Size.Height)
	assert.Equal(t, gputypes.NewExtent2D(2048, 1080), c.RenderTargetSize())
	assert.Equal(t, float32(2048), c.Viewport().Width)
}

func TestNewSurfaceWithSameSizeKeepsDepthBuffer(t *testing.T) {
	r := newTestRig(t)
	dev := r.dm.Device()
	c := NewCameraResources(r.backend, stereoCamera(1, 800, 600))

	require.NoError(t, c.EnsureBackBufferResources(dev, surface(1, 800, 600)))
	require.NoError(t, c.EnsureDepthBuffer(dev))
	depth := c.DepthBuffer()
	view := c.RenderTarget()

	require.NoError(t, c.EnsureBackBufferResources(dev, surface(2, 800, 600)))
	assert.Equal(t, depth, c.DepthBuffer())
	assert.NotEqual(t, view, c.RenderTarget())
	assert.Equal(t, CameraStateReady, c.State())
	assert.Equal(t, uint64(1), r.backend.Counters().TexturesCreated)
}

func TestMonoCameraDepthHasOneLayer(t *testing.T) {
	r := newTestRig(t)
	dev := r.dm.Device()
	props := stereoCamera(4, 640, 480)
	props.Stereo = false
	c := NewCameraResources(r.backend, props)

	require.NoError(t, c.EnsureBackBufferResources(dev, surface(9, 640, 480)))
	require.NoError(t, c.EnsureDepthBuffer(dev))
	depth, ok := r.backend.Texture(dev.Handle, c.DepthBuffer())
	require.True(t, ok)
	assert.Equal(t, uint32(1), depth.Size.DepthOrArrayLayers)
}

func TestPerFrameConstantResourceIsCreatedOnce(t *testing.T) {
	r := newTestRig(t)
	dev := r.dm.Device()
	c := NewCameraResources(r.backend, stereoCamera(1, 64, 64))

	require.NoError(t, c.EnsurePerFrameConstantResource(dev))
	buf := c.ConstantBuffer()
	require.NotZero(t, buf)
	require.NoError(t, c.EnsurePerFrameConstantResource(dev))
	assert.Equal(t, buf, c.ConstantBuffer())
	assert.Equal(t, uint64(1), r.backend.Counters().BuffersCreated)
}

func TestUpdatePerFrameDataGatesAttach(t *testing.T) {
	r := newTestRig(t)
	require.NoError(t, r.graph.AddFrame("head", stage, math.NewMat4Translation(math.NewVec3(0, 1.6, 0))))
	dev := r.dm.Device()
	c := NewCameraResources(r.backend, stereoCamera(1, 64, 64))
	s := surface(5, 64, 64)
	require.NoError(t, c.EnsureBackBufferResources(dev, s))
	require.NoError(t, c.EnsureDepthBuffer(dev))
	require.NoError(t, c.EnsurePerFrameConstantResource(dev))

	rig := components.NewCameraRig("head")
	pose := rig.Pose(true, 64, 64)

	// No attach without a successful update.
	assert.False(t, c.Attach(dev))

	require.True(t, c.UpdatePerFrameData(dev, pose, stage, r.graph))
	assert.True(t, c.FramePending())
	writes := r.backend.Counters().BufferWrites
	assert.Equal(t, uint64(1), writes)

	data, ok := r.backend.BufferData(dev.Handle, c.ConstantBuffer())
	require.True(t, ok)
	assert.Len(t, data, int(PER_FRAME_CONSTANTS_SIZE))

	assert.True(t, c.Attach(dev))
	assert.False(t, c.FramePending())
	assert.False(t, c.Attach(dev), "pending flag is consumed once")

	// Lose tracking of the head: the camera is skipped and nothing is uploaded.
	require.NoError(t, r.graph.SetTracked("head", false))
	assert.False(t, c.UpdatePerFrameData(dev, pose, stage, r.graph))
	assert.False(t, c.FramePending())
	assert.Equal(t, writes, r.backend.Counters().BufferWrites)
	assert.False(t, c.Attach(dev))
}

func TestUpdatePerFrameDataNeedsConstantBuffer(t *testing.T) {
	r := newTestRig(t)
	dev := r.dm.Device()
	c := NewCameraResources(r.backend, stereoCamera(1, 64, 64))
	pose := components.NewCameraRig(stage).Pose(true, 64, 64)
	assert.False(t, c.UpdatePerFrameData(dev, pose, stage, r.graph))
}

func TestReleaseClearsTargetsAndDetaches(t *testing.T) {
	r := newTestRig(t)
	dev := r.dm.Device()
	c := NewCameraResources(r.backend, stereoCamera(1, 64, 64))
	require.NoError(t, c.EnsureBackBufferResources(dev, surface(5, 64, 64)))
	require.NoError(t, c.EnsureDepthBuffer(dev))
	require.NoError(t, c.EnsurePerFrameConstantResource(dev))

	before := r.backend.Counters()
	c.Release(dev)
	after := r.backend.Counters()

	assert.Equal(t, CameraStateDetached, c.State())
	assert.Equal(t, before.ClearTargets+1, after.ClearTargets)
	assert.Equal(t, before.Flushes+1, after.Flushes)
	assert.Equal(t, uint64(1), after.ViewsReleased)
	assert.Equal(t, uint64(1), after.TexturesReleased)
	assert.Equal(t, uint64(1), after.BuffersReleased)
	assert.Zero(t, c.RenderTarget())
	assert.Zero(t, c.DepthBuffer())
	assert.Zero(t, c.ConstantBuffer())
}

func TestEnsureWithoutDevice(t *testing.T) {
	r := newTestRig(t)
	c := NewCameraResources(r.backend, stereoCamera(1, 64, 64))
	var dev *metadata.GraphicsDevice
	assert.Error(t, c.EnsureBackBufferResources(dev, surface(1, 64, 64)))
	assert.Error(t, c.EnsureDepthBuffer(dev))
	assert.Error(t, c.EnsurePerFrameConstantResource(dev))
}
