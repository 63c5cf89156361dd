package systems

import (
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
	"github.com/spaghettifunk/holostream/engine/renderer/simulated"
	"github.com/spaghettifunk/holostream/engine/spatial"
)

type rig struct {
	backend   *simulated.Backend
	dm        *renderer.DeviceManager
	presenter *renderer.FrameResourcePresenter
	events    *core.EventBus
}

func newRig(t *testing.T) *rig {
	t.Helper()
	be := simulated.New()
	events := core.NewEventBus()
	dm := renderer.NewDeviceManager(be, events)
	require.NoError(t, dm.Initialize(metadata.AdapterPreference{}))

	g := spatial.NewGraph()
	require.NoError(t, g.AddRoot("stage"))
	return &rig{
		backend:   be,
		dm:        dm,
		presenter: renderer.NewFrameResourcePresenter(dm, g, nil),
		events:    events,
	}
}

func (r *rig) registryIDs(t *testing.T) []uint32 {
	t.Helper()
	var ids []uint32
	require.NoError(t, r.dm.WithCameraRegistry(func(_ *metadata.GraphicsDevice, reg *renderer.CameraRegistry) error {
		ids = reg.IDs()
		return nil
	}))
	return ids
}

func props(id uint32) metadata.CameraProperties {
	return metadata.CameraProperties{ID: id, RenderTargetSize: gputypes.NewExtent3D(640, 480, 1), Stereo: true}
}

func triangle(name string, ts metadata.UpdateTimestamp) *metadata.StaticSourceMesh {
	positions := []math.Vec3{math.NewVec3(0, 0, 0), math.NewVec3(1, 0, 0), math.NewVec3(0, 1, 0)}
	normals := []math.Vec3{math.NewVec3(0, 0, 1), math.NewVec3(0, 0, 1), math.NewVec3(0, 0, 1)}
	return &metadata.StaticSourceMesh{
		MeshName:  name,
		Vertices:  math.Vec3sToBytes(positions),
		Normals:   math.Vec3sToBytes(normals),
		Indices:   []byte{0, 0, 1, 0, 2, 0},
		VStride:   12,
		NStride:   12,
		Format:    gputypes.IndexFormatUint16,
		System:    "stage",
		Timestamp: ts,
	}
}

func TestCameraSystemRejectsZeroLimit(t *testing.T) {
	_, err := NewCameraSystem(&CameraSystemConfig{}, nil)
	assert.Error(t, err)
}

func TestCameraSystemAttachDetach(t *testing.T) {
	r := newRig(t)
	cs, err := NewCameraSystem(&CameraSystemConfig{MaxCameraCount: 2}, r.dm)
	require.NoError(t, err)

	require.NoError(t, cs.OnCameraAdded(props(2)))
	require.NoError(t, cs.OnCameraAdded(props(1)))
	assert.ErrorIs(t, cs.OnCameraAdded(props(1)), core.ErrCameraExists)
	assert.Error(t, cs.OnCameraAdded(props(3)), "limit reached")

	assert.Equal(t, []uint32{1, 2}, cs.Attached())
	assert.Equal(t, []uint32{1, 2}, r.registryIDs(t))

	require.NoError(t, cs.OnCameraRemoved(2))
	assert.ErrorIs(t, cs.OnCameraRemoved(2), core.ErrCameraNotFound)
	assert.Equal(t, []uint32{1}, r.registryIDs(t))
}

func TestCameraSystemReconcile(t *testing.T) {
	r := newRig(t)
	cs, err := NewCameraSystem(&CameraSystemConfig{MaxCameraCount: 8}, r.dm)
	require.NoError(t, err)

	require.NoError(t, cs.Reconcile([]metadata.CameraProperties{props(1), props(2)}))
	assert.Equal(t, []uint32{1, 2}, r.registryIDs(t))

	require.NoError(t, cs.Reconcile([]metadata.CameraProperties{props(2), props(3)}))
	assert.Equal(t, []uint32{2, 3}, cs.Attached())
	assert.Equal(t, []uint32{2, 3}, r.registryIDs(t))

	require.NoError(t, cs.Shutdown())
	assert.Empty(t, r.registryIDs(t))
}

func TestMeshStreamSystemStreamsFromEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newRig(t)
	sm, err := NewSystemManager(SystemManagerConfig{Mesh: MeshStreamSystemConfig{RetryDelay: time.Millisecond}}, r.dm, r.presenter, r.events)
	require.NoError(t, err)

	r.events.Fire(core.EventContext{Type: core.EVENT_CODE_MESH_SOURCE_CHANGED, Name: "tri", Data: triangle("tri", 1)})
	r.events.Fire(core.EventContext{Type: core.EVENT_CODE_MESH_SOURCE_CHANGED, Name: "tri", Data: triangle("tri", 2)})

	mesh, ok := sm.MeshStreamSystem.Mesh("tri")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return mesh.Stats().LastCommitted == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"tri"}, sm.MeshStreamSystem.Names())
	assert.Len(t, r.presenter.Meshes(), 1)

	r.events.Fire(core.EventContext{Type: core.EVENT_CODE_MESH_SOURCE_REMOVED, Name: "tri"})
	assert.True(t, mesh.IsInactive())
	assert.False(t, sm.MeshStreamSystem.Deactivate("missing"))

	// A newer source brings the mesh back.
	r.events.Fire(core.EventContext{Type: core.EVENT_CODE_MESH_SOURCE_CHANGED, Name: "tri", Data: triangle("tri", 3)})
	require.Eventually(t, func() bool {
		return !mesh.IsInactive() && mesh.Stats().LastCommitted == 3
	}, time.Second, time.Millisecond)

	require.NoError(t, sm.Shutdown())
	assert.Empty(t, r.presenter.Meshes())
	assert.Zero(t, r.backend.LiveBuffers(r.dm.Device().Handle), "retired meshes release their buffers")
	assert.False(t, r.events.Fire(core.EventContext{Type: core.EVENT_CODE_MESH_SOURCE_CHANGED, Name: "x", Data: triangle("x", 1)}))
	_, ok = sm.MeshStreamSystem.Mesh("x")
	assert.False(t, ok)
}

func TestMeshStreamSystemPlacesMeshesApart(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newRig(t)
	js := NewJobSystem()
	defer js.Shutdown()
	ms, err := NewMeshStreamSystem(MeshStreamSystemConfig{Spacing: 2}, r.dm, r.presenter, js, nil)
	require.NoError(t, err)

	a := ms.Stream(triangle("a", 1))
	b := ms.Stream(triangle("b", 1))
	assert.Same(t, a, ms.Stream(triangle("a", 2)))

	require.Eventually(t, func() bool {
		return a.Stats().LastCommitted == 2 && b.Stats().LastCommitted == 1
	}, time.Second, time.Millisecond)
	a.RenderThreadTick(r.dm.Device())
	b.RenderThreadTick(r.dm.Device())

	require.True(t, a.Update(spatialStage(t), "stage"))
	require.True(t, b.Update(spatialStage(t), "stage"))
	pa := math.NewVec3Zero().Transform(a.ModelTransform())
	pb := math.NewVec3Zero().Transform(b.ModelTransform())
	assert.InDelta(t, 2.0, pb.X-pa.X, 1e-5)
}

func spatialStage(t *testing.T) *spatial.Graph {
	t.Helper()
	g := spatial.NewGraph()
	require.NoError(t, g.AddRoot("stage"))
	return g
}

func TestNewMeshStreamSystemRequiresCollaborators(t *testing.T) {
	_, err := NewMeshStreamSystem(MeshStreamSystemConfig{}, nil, nil, nil, nil)
	assert.Error(t, err)
}
