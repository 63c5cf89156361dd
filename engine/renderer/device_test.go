package renderer

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
	"github.com/spaghettifunk/holostream/engine/renderer/simulated"
)

func adapterIDs(adapters []metadata.Adapter) []string {
	ids := make([]string, 0, len(adapters))
	for _, a := range adapters {
		ids = append(ids, a.ID)
	}
	return ids
}

func testAdapters() []metadata.Adapter {
	adapters := simulated.DefaultAdapters()
	integrated := adapters[0]
	integrated.ID = "sim-integrated-0"
	integrated.Info.DeviceType = gputypes.DeviceTypeIntegratedGPU
	return append([]metadata.Adapter{integrated}, adapters...)
}

func TestSelectAdapterCandidates(t *testing.T) {
	adapters := testAdapters()

	tests := []struct {
		name string
		pref metadata.AdapterPreference
		want []string
	}{
		{"no preference", metadata.AdapterPreference{}, []string{"sim-integrated-0", "sim-software-0"}},
		{"high performance", metadata.AdapterPreference{PowerPreference: gputypes.PowerPreferenceHighPerformance}, []string{"sim-discrete-0", "sim-software-0"}},
		{"low power", metadata.AdapterPreference{PowerPreference: gputypes.PowerPreferenceLowPower}, []string{"sim-integrated-0", "sim-software-0"}},
		{"preferred first", metadata.AdapterPreference{PreferredID: "sim-discrete-0"}, []string{"sim-discrete-0", "sim-integrated-0", "sim-software-0"}},
		{"preferred is deduplicated", metadata.AdapterPreference{PreferredID: "sim-software-0"}, []string{"sim-software-0", "sim-integrated-0"}},
		{"unknown preferred", metadata.AdapterPreference{PreferredID: "nope"}, []string{"sim-integrated-0", "sim-software-0"}},
		{"force software", metadata.AdapterPreference{PreferredID: "sim-discrete-0", ForceSoftware: true}, []string{"sim-software-0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, adapterIDs(SelectAdapterCandidates(adapters, tt.pref)))
		})
	}
}

func TestInitializePrefersHardware(t *testing.T) {
	r := newTestRig(t)
	dev := r.dm.Device()
	require.NotNil(t, dev)
	assert.Equal(t, "sim-discrete-0", dev.Adapter.ID)
	assert.True(t, dev.Capabilities.ViewportArrayIndexFromVertexShader)
	assert.Equal(t, uint64(1), dev.Epoch)

	// A second Initialize keeps the device.
	require.NoError(t, r.dm.Initialize(metadata.AdapterPreference{ForceSoftware: true}))
	assert.Same(t, dev, r.dm.Device())
}

func TestInitializeFallsBackToSoftware(t *testing.T) {
	be := simulated.New()
	be.FailDeviceCreation("sim-discrete-0", errBoom)
	dm := NewDeviceManager(be, nil)

	require.NoError(t, dm.Initialize(metadata.AdapterPreference{}))
	dev := dm.Device()
	assert.Equal(t, "sim-software-0", dev.Adapter.ID)
	assert.True(t, dev.Adapter.IsSoftware())
	assert.False(t, dev.Capabilities.ViewportArrayIndexFromVertexShader)
}

func TestInitializeSkipsAdaptersMissingFeatures(t *testing.T) {
	be := simulated.New()
	dm := NewDeviceManager(be, nil)

	var f16 gputypes.Features
	f16.Insert(gputypes.FeatureShaderF16)
	require.NoError(t, dm.Initialize(metadata.AdapterPreference{
		PreferredID:  "sim-software-0",
		Requirements: metadata.DeviceRequirements{Features: f16},
	}))
	assert.Equal(t, "sim-discrete-0", dm.Device().Adapter.ID)
}

func TestInitializeWithoutCompatibleAdapter(t *testing.T) {
	be := simulated.New()
	dm := NewDeviceManager(be, nil)

	var timestamps gputypes.Features
	timestamps.Insert(gputypes.FeatureTimestampQuery)
	err := dm.Initialize(metadata.AdapterPreference{Requirements: metadata.DeviceRequirements{Features: timestamps}})
	assert.ErrorIs(t, err, core.ErrNoCompatibleAdapter)
	assert.Nil(t, dm.Device())
	assert.Equal(t, uint64(0), be.Counters().DevicesCreated)

	assert.ErrorIs(t, dm.WithDevice(func(*metadata.GraphicsDevice) error { return nil }), core.ErrDeviceNotInitialized)
	_, err = dm.Present(1)
	assert.ErrorIs(t, err, core.ErrDeviceNotInitialized)
}

func TestAttachAndDetachCamera(t *testing.T) {
	r := newTestRig(t)

	var added, removed []uint32
	r.events.Register(core.EVENT_CODE_CAMERA_ADDED, t, func(ctx core.EventContext) bool {
		added = append(added, ctx.U32)
		return true
	})
	r.events.Register(core.EVENT_CODE_CAMERA_REMOVED, t, func(ctx core.EventContext) bool {
		removed = append(removed, ctx.U32)
		return true
	})

	require.NoError(t, r.dm.AttachCamera(stereoCamera(7, 64, 64)))
	assert.ErrorIs(t, r.dm.AttachCamera(stereoCamera(7, 64, 64)), core.ErrCameraExists)
	require.NoError(t, r.dm.AttachCamera(stereoCamera(3, 64, 64)))

	var ids []uint32
	require.NoError(t, r.dm.WithCameraRegistry(func(dev *metadata.GraphicsDevice, reg *CameraRegistry) error {
		ids = reg.IDs()
		c, ok := reg.Get(7)
		require.True(t, ok)
		return c.EnsureBackBufferResources(dev, surface(1, 64, 64))
	}))
	assert.Equal(t, []uint32{3, 7}, ids)

	before := r.backend.Counters()
	require.NoError(t, r.dm.DetachCamera(7))
	after := r.backend.Counters()
	assert.Equal(t, before.ClearTargets+1, after.ClearTargets)
	assert.Equal(t, before.Flushes+1, after.Flushes)
	assert.Equal(t, before.ViewsReleased+1, after.ViewsReleased)

	assert.ErrorIs(t, r.dm.DetachCamera(7), core.ErrCameraNotFound)
	assert.Equal(t, []uint32{7, 3}, added)
	assert.Equal(t, []uint32{7}, removed)
}

// The device is removed at present while two cameras are attached.
func TestDeviceRecoveryAtPresent(t *testing.T) {
	r := newTestRig(t)
	notify := &recordingNotify{}
	r.dm.RegisterDeviceNotify(notify)

	var lost, restored []*metadata.GraphicsDevice
	r.events.Register(core.EVENT_CODE_DEVICE_LOST, t, func(ctx core.EventContext) bool {
		lost = append(lost, ctx.Data.(*metadata.GraphicsDevice))
		return true
	})
	r.events.Register(core.EVENT_CODE_DEVICE_RESTORED, t, func(ctx core.EventContext) bool {
		restored = append(restored, ctx.Data.(*metadata.GraphicsDevice))
		return true
	})

	old := r.dm.Device()
	require.NoError(t, r.dm.AttachCamera(stereoCamera(1, 64, 64)))
	require.NoError(t, r.dm.AttachCamera(stereoCamera(2, 32, 32)))
	require.NoError(t, r.dm.WithCameraRegistry(func(dev *metadata.GraphicsDevice, reg *CameraRegistry) error {
		return reg.Each(func(c *CameraResources) error {
			if err := c.EnsureBackBufferResources(dev, surface(metadata.SurfaceIdentity(c.ID()), 64, 64)); err != nil {
				return err
			}
			if err := c.EnsureDepthBuffer(dev); err != nil {
				return err
			}
			return c.EnsurePerFrameConstantResource(dev)
		})
	}))

	r.backend.LoseDeviceAtPresent(1)
	outcome, err := r.dm.Present(1)
	require.NoError(t, err)
	assert.False(t, outcome.Presented)
	assert.True(t, outcome.DeviceRecovered)

	dev := r.dm.Device()
	require.NotNil(t, dev)
	assert.Equal(t, uint64(2), dev.Epoch)
	assert.NotEqual(t, old.Handle, dev.Handle)
	assert.False(t, r.backend.IsLive(old.Handle))
	assert.True(t, r.backend.IsLive(dev.Handle))

	assert.Equal(t, []string{"lost", "restored"}, notify.events)
	assert.Same(t, old, notify.lost[0])
	assert.Same(t, dev, notify.found[0])
	assert.Equal(t, []*metadata.GraphicsDevice{old}, lost)
	assert.Equal(t, []*metadata.GraphicsDevice{dev}, restored)

	// Cameras stay registered with their resources dropped.
	require.NoError(t, r.dm.WithCameraRegistry(func(d *metadata.GraphicsDevice, reg *CameraRegistry) error {
		assert.Equal(t, 2, reg.Len())
		return reg.Each(func(c *CameraResources) error {
			assert.Equal(t, CameraStateResourcesUninitialized, c.State())
			assert.Zero(t, c.RenderTarget())
			assert.Zero(t, c.DepthBuffer())
			assert.Zero(t, c.ConstantBuffer())
			return nil
		})
	}))

	counters := r.backend.Counters()
	assert.Equal(t, counters.ViewsCreated, counters.ViewsReleased)
	assert.Equal(t, counters.TexturesCreated, counters.TexturesReleased)
	assert.Equal(t, counters.BuffersCreated, counters.BuffersReleased)

	// The next frame presents on the new device.
	outcome, err = r.dm.Present(2)
	require.NoError(t, err)
	assert.True(t, outcome.Presented)
}

func TestStaleRecoveryIsSkipped(t *testing.T) {
	r := newTestRig(t)
	notify := &recordingNotify{}
	r.dm.RegisterDeviceNotify(notify)

	require.NoError(t, r.dm.RecoverFromLoss())
	assert.Equal(t, uint64(2), r.dm.Epoch())

	// A second report of the epoch 1 loss is a no-op.
	require.NoError(t, r.dm.recoverFromLoss(1))
	assert.Equal(t, uint64(2), r.dm.Epoch())
	assert.Equal(t, []string{"lost", "restored"}, notify.events)

	r.dm.UnregisterDeviceNotify(notify)
	require.NoError(t, r.dm.RecoverFromLoss())
	assert.Len(t, notify.events, 2)
}

func TestRecoveryFailureIsReturned(t *testing.T) {
	r := newTestRig(t)
	r.backend.FailDeviceCreation("sim-discrete-0", errBoom)
	r.backend.FailDeviceCreation("sim-software-0", errBoom)
	r.backend.LoseDeviceAtPresent(1)

	outcome, err := r.dm.Present(1)
	assert.ErrorIs(t, err, core.ErrNoCompatibleAdapter)
	assert.False(t, outcome.Presented)
	assert.Nil(t, r.dm.Device())
}

func TestRemovedDeviceRecoversOnNextPresent(t *testing.T) {
	r := newTestRig(t)
	old := r.dm.Device()
	r.backend.RemoveDevice()

	err := r.dm.WithDevice(func(dev *metadata.GraphicsDevice) error {
		_, err := r.backend.CreateBuffer(dev.Handle, gputypes.BufferDescriptor{Label: "late", Size: 4}, nil)
		return err
	})
	assert.ErrorIs(t, err, core.ErrDeviceRemoved)

	outcome, err := r.dm.Present(1)
	require.NoError(t, err)
	assert.True(t, outcome.DeviceRecovered)
	assert.NotEqual(t, old.Handle, r.dm.Device().Handle)
}

func TestShutdownReleasesEverything(t *testing.T) {
	r := newTestRig(t)
	notify := &recordingNotify{}
	r.dm.RegisterDeviceNotify(notify)
	require.NoError(t, r.dm.AttachCamera(stereoCamera(1, 64, 64)))

	require.NoError(t, r.dm.Shutdown())
	assert.Nil(t, r.dm.Device())
	assert.Equal(t, []string{"lost"}, notify.events)
	assert.Equal(t, uint64(1), r.backend.Counters().DevicesDestroyed)
	require.NoError(t, r.dm.WithCameraRegistry(func(_ *metadata.GraphicsDevice, reg *CameraRegistry) error {
		assert.Zero(t, reg.Len())
		return nil
	}))
}
