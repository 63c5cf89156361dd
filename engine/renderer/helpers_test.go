package renderer

import (
	"context"
	"encoding/binary"
	"errors"
	stdmath "math"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer/components"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
	"github.com/spaghettifunk/holostream/engine/renderer/simulated"
	"github.com/spaghettifunk/holostream/engine/spatial"
)

const stage metadata.CoordinateSystem = "stage"

// manualScheduler queues tasks until the test runs them.
type manualScheduler struct {
	mu      sync.Mutex
	tasks   []metadata.JobTask
	delayed []metadata.JobTask
}

func (s *manualScheduler) Submit(task metadata.JobTask) *metadata.JobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return metadata.NewJobHandle()
}

func (s *manualScheduler) SubmitAfter(delay time.Duration, task metadata.JobTask) *metadata.JobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed = append(s.delayed, task)
	return metadata.NewJobHandle()
}

// RunAll runs queued tasks, including ones they queue, and returns how
// many ran. Delayed tasks stay queued.
func (s *manualScheduler) RunAll() int {
	ran := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return ran
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		_ = task(context.Background())
		ran++
	}
}

// ReleaseDelayed moves delayed tasks to the run queue.
func (s *manualScheduler) ReleaseDelayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.delayed)
	s.tasks = append(s.tasks, s.delayed...)
	s.delayed = nil
	return n
}

func (s *manualScheduler) Queued() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks), len(s.delayed)
}

// goScheduler runs every task on its own goroutine.
type goScheduler struct {
	wg sync.WaitGroup
}

func (s *goScheduler) Submit(task metadata.JobTask) *metadata.JobHandle {
	h := metadata.NewJobHandle()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.Complete(task(context.Background()))
	}()
	return h
}

func (s *goScheduler) SubmitAfter(delay time.Duration, task metadata.JobTask) *metadata.JobHandle {
	h := metadata.NewJobHandle()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(delay)
		h.Complete(task(context.Background()))
	}()
	return h
}

type recordingNotify struct {
	mu     sync.Mutex
	events []string
	lost   []*metadata.GraphicsDevice
	found  []*metadata.GraphicsDevice
}

func (r *recordingNotify) OnDeviceLost(dev *metadata.GraphicsDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "lost")
	r.lost = append(r.lost, dev)
}

func (r *recordingNotify) OnDeviceRestored(dev *metadata.GraphicsDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "restored")
	r.found = append(r.found, dev)
}

type testRig struct {
	backend *simulated.Backend
	dm      *DeviceManager
	graph   *spatial.Graph
	events  *core.EventBus
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	be := simulated.New()
	events := core.NewEventBus()
	dm := NewDeviceManager(be, events)
	require.NoError(t, dm.Initialize(metadata.AdapterPreference{}))

	g := spatial.NewGraph()
	require.NoError(t, g.AddRoot(stage))
	return &testRig{backend: be, dm: dm, graph: g, events: events}
}

func stereoCamera(id uint32, w, h uint32) metadata.CameraProperties {
	return metadata.CameraProperties{
		ID:               id,
		RenderTargetSize: gputypes.NewExtent2D(w, h),
		Stereo:           true,
		NearPlane:        0.1,
		FarPlane:         20,
	}
}

func surface(identity metadata.SurfaceIdentity, w, h uint32) metadata.Surface {
	return metadata.Surface{Identity: identity, Width: w, Height: h, Layers: 2, Format: gputypes.TextureFormatBGRA8Unorm}
}

func cameraFrame(id uint32, s metadata.Surface) components.CameraFrame {
	rig := components.NewCameraRig(stage)
	rig.SetPosition(math.NewVec3(0, 0, 2))
	return components.CameraFrame{CameraID: id, Surface: s, Pose: rig.Pose(true, s.Width, s.Height)}
}

// indexCountFor varies the index count with the timestamp so a buffer set
// mixing two updates is detectable.
func indexCountFor(ts metadata.UpdateTimestamp) int {
	return 3 * (1 + int(ts%3))
}

// sourceMesh builds a mesh whose vertex X and normal Z components carry ts.
func sourceMesh(name string, ts metadata.UpdateTimestamp, vertexCount int) *metadata.StaticSourceMesh {
	positions := make([]math.Vec3, vertexCount)
	normals := make([]math.Vec3, vertexCount)
	for i := range positions {
		positions[i] = math.NewVec3(float32(ts), float32(i), 0)
		normals[i] = math.NewVec3(0, 0, float32(ts))
	}
	indices := make([]byte, 0, indexCountFor(ts)*4)
	for i := 0; i < indexCountFor(ts); i++ {
		indices = binary.LittleEndian.AppendUint32(indices, uint32(i%vertexCount))
	}
	return &metadata.StaticSourceMesh{
		MeshName:  name,
		Vertices:  math.Vec3sToBytes(positions),
		Normals:   math.Vec3sToBytes(normals),
		Indices:   indices,
		VStride:   12,
		NStride:   12,
		Format:    gputypes.IndexFormatUint32,
		System:    stage,
		Timestamp: ts,
	}
}

func firstFloat(b []byte, offset int) float32 {
	return stdmath.Float32frombits(binary.LittleEndian.Uint32(b[offset:]))
}

// requireSingleSource checks the set's buffers all come from update ts.
func requireSingleSource(t *testing.T, be *simulated.Backend, dev *metadata.GraphicsDevice, set metadata.MeshBufferSet) {
	t.Helper()
	vertices, ok := be.BufferData(dev.Handle, set.Vertex)
	require.True(t, ok, "vertex buffer is not live")
	normals, ok := be.BufferData(dev.Handle, set.Normal)
	require.True(t, ok, "normal buffer is not live")
	_, ok = be.BufferData(dev.Handle, set.Index)
	require.True(t, ok, "index buffer is not live")

	ts := float32(set.Timestamp)
	require.Equal(t, ts, firstFloat(vertices, 0))
	require.Equal(t, ts, firstFloat(normals, 8))
	require.Equal(t, uint32(indexCountFor(set.Timestamp)), set.IndexCount)
}

var errBoom = errors.New("boom")
