package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

const (
	DEFAULT_RETRY_DELAY time.Duration = 50 * time.Millisecond
	MIN_INDEX_COUNT     int           = 3
	MIN_VERTEX_COUNT    int           = 3
	STEREO_INSTANCES    uint32        = 2
)

type MeshOptions struct {
	Name string
	// RetryDelay is how long a build waits when the source buffers are not
	// populated yet.
	RetryDelay time.Duration
	Effect     Effect
	// Placement is applied before the coordinate system transform.
	Placement *math.Transform
}

/** @brief Counters describing what a mesh resource has done so far. */
type MeshStats struct {
	Builds        uint64
	Commits       uint64
	Discards      uint64
	Retries       uint64
	Swaps         uint64
	Draws         uint64
	Degenerate    uint64
	LastCommitted metadata.UpdateTimestamp
}

/**
 * @brief Double buffered GPU buffers fed by background builds.
 *
 * The background task owns the pending slot until it commits; the render
 * goroutine owns the active slot. The swap lock guards the slots, the ready
 * flag and the bookkeeping below it and is never held across a GPU call.
 */
type StreamingMeshResource struct {
	name       string
	dm         *DeviceManager
	backend    Backend
	scheduler  TaskScheduler
	retryDelay time.Duration
	effect     Effect
	placement  *math.Transform

	mu            sync.Mutex
	active        *metadata.MeshBufferSet
	pending       *metadata.MeshBufferSet
	ready         bool
	lastCommitted metadata.UpdateTimestamp
	latest        metadata.SourceMesh
	inFlight      bool
	rebuild       bool
	stats         MeshStats
	// Sets at or below this timestamp were requested before the last
	// Deactivate and are never committed.
	deactivatedAt metadata.UpdateTimestamp
	// Set by Retire. Late builds release their own sets.
	retired bool

	inactive atomic.Bool

	// Render goroutine only.
	activeForFrame bool
	model          math.Mat4
	normal         math.Mat4
}

func NewStreamingMeshResource(dm *DeviceManager, scheduler TaskScheduler, opts MeshOptions) *StreamingMeshResource {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DEFAULT_RETRY_DELAY
	}
	if opts.Effect == nil {
		opts.Effect = NewStereoEffect("default")
	}
	return &StreamingMeshResource{
		name:       opts.Name,
		dm:         dm,
		backend:    dm.Backend(),
		scheduler:  scheduler,
		retryDelay: opts.RetryDelay,
		effect:     opts.Effect,
		placement:  opts.Placement,
		model:      math.NewMat4Identity(),
		normal:     math.NewMat4Identity(),
	}
}

func (m *StreamingMeshResource) Name() string { return m.name }
func (m *StreamingMeshResource) Effect() Effect { return m.effect }

// IsInactive reports whether the last source was rejected as degenerate or
// the mesh was deactivated.
func (m *StreamingMeshResource) IsInactive() bool {
	return m.inactive.Load()
}

/**
 * @brief Stops drawing the mesh until a source newer than every one seen so
 * far commits. The last source is forgotten, so device recovery does not
 * bring the mesh back, and builds already queued are discarded.
 */
func (m *StreamingMeshResource) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark := m.lastCommitted
	if m.latest != nil && m.latest.UpdateTime() > mark {
		mark = m.latest.UpdateTime()
	}
	if mark > m.deactivatedAt {
		m.deactivatedAt = mark
	}
	m.latest = nil
	m.inactive.Store(true)
}

/**
 * @brief Permanently drops the mesh: both buffer sets are released and any
 * build still running releases its set instead of committing it.
 */
func (m *StreamingMeshResource) Retire(dev *metadata.GraphicsDevice) {
	m.mu.Lock()
	m.retired = true
	m.latest = nil
	active, pending := m.active, m.pending
	m.active, m.pending = nil, nil
	m.ready = false
	m.mu.Unlock()

	m.releaseSet(dev, active)
	m.releaseSet(dev, pending)
	m.activeForFrame = false
	m.inactive.Store(true)
}

// ActiveForFrame reports whether the last Update resolved a transform.
func (m *StreamingMeshResource) ActiveForFrame() bool {
	return m.activeForFrame
}

// ModelTransform is the model-to-base matrix computed by the last Update.
func (m *StreamingMeshResource) ModelTransform() math.Mat4 {
	return m.model
}

func (m *StreamingMeshResource) Stats() MeshStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.LastCommitted = m.lastCommitted
	return s
}

// ActiveTimestamp returns the timestamp of the set Render draws, or zero.
// Render goroutine only.
func (m *StreamingMeshResource) ActiveTimestamp() metadata.UpdateTimestamp {
	if m.active == nil {
		return 0
	}
	return m.active.Timestamp
}

// ActiveBuffers returns a copy of the active buffer set. Render goroutine only.
func (m *StreamingMeshResource) ActiveBuffers() (metadata.MeshBufferSet, bool) {
	if m.active == nil {
		return metadata.MeshBufferSet{}, false
	}
	return *m.active, true
}

/**
 * @brief Records src as the source to build and makes sure a build is
 * scheduled. Never blocks. While a build is in flight the request is
 * coalesced into its next run, keeping the source with the greatest update
 * time.
 */
func (m *StreamingMeshResource) RequestUpdate(src metadata.SourceMesh) {
	if src == nil {
		return
	}
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return
	}
	if m.latest == nil || src.UpdateTime() >= m.latest.UpdateTime() {
		m.latest = src
	}
	if m.inFlight {
		m.rebuild = true
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.mu.Unlock()

	m.scheduler.Submit(m.buildTask)
}

func (m *StreamingMeshResource) buildTask(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			m.mu.Lock()
			m.inFlight = false
			m.mu.Unlock()
			return err
		}

		m.mu.Lock()
		src := m.latest
		m.rebuild = false
		if src == nil {
			// Deactivated or retired while queued.
			m.inFlight = false
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		err := m.build(src)
		if errors.Is(err, core.ErrSourceNotReady) {
			m.mu.Lock()
			m.stats.Retries++
			m.mu.Unlock()
			core.LogDebug("mesh `%s`: %s, retrying in %s", m.name, err.Error(), m.retryDelay)
			m.scheduler.SubmitAfter(m.retryDelay, m.buildTask)
			return nil
		}

		m.mu.Lock()
		if !m.rebuild {
			m.inFlight = false
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()
	}
}

// build turns one source snapshot into a buffer set and tries to commit it.
func (m *StreamingMeshResource) build(src metadata.SourceMesh) error {
	vertices := src.VertexData()
	normals := src.NormalData()
	indices := src.IndexData()
	if vertices == nil || normals == nil || indices == nil {
		return core.ErrSourceNotReady
	}

	indexFormat := src.IndexFormat()
	vertexStride := src.VertexStride()
	normalStride := src.NormalStride()
	indexCount, vertexCount := 0, 0
	if indexFormat.Size() > 0 {
		indexCount = len(indices) / int(indexFormat.Size())
	}
	if vertexStride > 0 {
		vertexCount = len(vertices) / int(vertexStride)
	}
	if indexCount < MIN_INDEX_COUNT || vertexCount < MIN_VERTEX_COUNT || normalStride == 0 {
		m.inactive.Store(true)
		m.mu.Lock()
		m.stats.Degenerate++
		m.mu.Unlock()
		err := fmt.Errorf("%w: `%s` has %d indices and %d vertices", core.ErrDegenerateMesh, m.name, indexCount, vertexCount)
		core.LogWarn("%s", err)
		return err
	}

	return m.dm.WithDevice(func(dev *metadata.GraphicsDevice) error {
		set, err := m.createBufferSet(dev, src, vertices, normals, indices, uint32(indexCount))
		if err != nil {
			return err
		}

		m.mu.Lock()
		m.stats.Builds++
		committed, replaced := m.commitLocked(set)
		m.mu.Unlock()

		if !committed {
			core.LogDebug("mesh `%s`: update %d is stale or the mesh was removed, discarded", m.name, set.Timestamp)
			m.releaseSet(dev, set)
		}
		if replaced != nil {
			m.releaseSet(dev, replaced)
		}
		return nil
	})
}

/**
 * @brief Moves set into the pending slot if it is strictly newer than the
 * last commit and than the last deactivation. Returns the superseded,
 * never-swapped pending set so the caller can release it outside the lock.
 * Swap lock must be held.
 */
func (m *StreamingMeshResource) commitLocked(set *metadata.MeshBufferSet) (bool, *metadata.MeshBufferSet) {
	if m.retired || set.Timestamp <= m.lastCommitted || set.Timestamp <= m.deactivatedAt {
		m.stats.Discards++
		return false, nil
	}
	replaced := m.pending
	m.pending = set
	m.lastCommitted = set.Timestamp
	m.ready = true
	m.stats.Commits++
	m.inactive.Store(false)
	return true, replaced
}

func (m *StreamingMeshResource) createBufferSet(dev *metadata.GraphicsDevice, src metadata.SourceMesh, vertices, normals, indices []byte, indexCount uint32) (*metadata.MeshBufferSet, error) {
	set := &metadata.MeshBufferSet{
		VertexStride:     src.VertexStride(),
		NormalStride:     src.NormalStride(),
		IndexCount:       indexCount,
		IndexFormat:      src.IndexFormat(),
		Timestamp:        src.UpdateTime(),
		CoordinateSystem: src.CoordinateSystem(),
		Epoch:            dev.Epoch,
	}

	var err error
	if set.Vertex, err = m.createBuffer(dev, "vertices", gputypes.BufferUsageVertex, vertices); err != nil {
		m.releaseSet(dev, set)
		return nil, err
	}
	if set.Normal, err = m.createBuffer(dev, "normals", gputypes.BufferUsageVertex, normals); err != nil {
		m.releaseSet(dev, set)
		return nil, err
	}
	if set.Index, err = m.createBuffer(dev, "indices", gputypes.BufferUsageIndex, indices[:int(indexCount)*int(set.IndexFormat.Size())]); err != nil {
		m.releaseSet(dev, set)
		return nil, err
	}
	return set, nil
}

func (m *StreamingMeshResource) createBuffer(dev *metadata.GraphicsDevice, kind string, usage gputypes.BufferUsage, data []byte) (metadata.BufferHandle, error) {
	desc := gputypes.BufferDescriptor{
		Label: fmt.Sprintf("%s-%s", m.name, kind),
		Size:  metadata.GetAligned(uint64(len(data)), 4),
		Usage: usage | gputypes.BufferUsageCopyDst,
	}
	buf, err := m.backend.CreateBuffer(dev.Handle, desc, data)
	if err != nil {
		err = fmt.Errorf("mesh `%s`: failed to create %s buffer: %w", m.name, kind, err)
		core.LogError("%s", err)
		return 0, err
	}
	return buf, nil
}

func (m *StreamingMeshResource) releaseSet(dev *metadata.GraphicsDevice, set *metadata.MeshBufferSet) {
	if set == nil || dev == nil {
		return
	}
	for _, b := range []metadata.BufferHandle{set.Vertex, set.Normal, set.Index} {
		if b != 0 {
			m.backend.ReleaseBuffer(dev.Handle, b)
		}
	}
}

/**
 * @brief Promotes a committed pending set to active. This is the only place
 * the set Render draws changes. The replaced active set is released after
 * the swap lock is dropped.
 */
func (m *StreamingMeshResource) RenderThreadTick(dev *metadata.GraphicsDevice) {
	m.mu.Lock()
	var old *metadata.MeshBufferSet
	if m.ready {
		old = m.active
		m.active = m.pending
		m.pending = nil
		m.ready = false
		m.stats.Swaps++
	}
	m.mu.Unlock()

	if old != nil {
		m.releaseSet(dev, old)
	}
}

/**
 * @brief Recomputes the model and normal transforms for this frame. When
 * the mesh's coordinate system cannot reach base the mesh sits out the
 * frame; its buffers are kept.
 */
func (m *StreamingMeshResource) Update(resolver metadata.CoordinateResolver, base metadata.CoordinateSystem) bool {
	m.activeForFrame = false
	if m.active == nil || resolver == nil {
		return false
	}
	localToBase, ok := resolver.TryGetTransform(m.active.CoordinateSystem, base)
	if !ok {
		core.LogDebug("mesh `%s` skipped this frame: %s (%s -> %s)", m.name, core.ErrTransformUnresolved, m.active.CoordinateSystem, base)
		return false
	}
	m.model = m.placement.Local().Mul(localToBase)
	m.normal = m.model.NormalMatrix()
	m.activeForFrame = true
	return true
}

/**
 * @brief Issues one indexed draw of the active set with two instances, one
 * per eye. Returns false when nothing was drawn.
 */
func (m *StreamingMeshResource) Render(dev *metadata.GraphicsDevice, usingArrayIndexFromVertexShader bool) (bool, error) {
	if dev == nil || !m.activeForFrame || m.inactive.Load() {
		return false, nil
	}
	set := m.active
	if !set.Valid() || set.Epoch != dev.Epoch {
		return false, nil
	}

	constants := make([]byte, 0, 128)
	constants = m.model.Transposed().AppendBytes(constants)
	constants = m.normal.Transposed().AppendBytes(constants)

	call := metadata.DrawCall{
		VertexBuffer:      set.Vertex,
		NormalBuffer:      set.Normal,
		IndexBuffer:       set.Index,
		VertexStride:      set.VertexStride,
		NormalStride:      set.NormalStride,
		IndexCount:        set.IndexCount,
		IndexFormat:       set.IndexFormat,
		InstanceCount:     STEREO_INSTANCES,
		UseGeometryShader: !usingArrayIndexFromVertexShader,
		ModelConstants:    constants,
		EffectName:        m.effect.Name(),
		StereoEffect:      m.effect.Kind() == EffectKindStereo,
	}
	if err := m.backend.DrawIndexedInstanced(dev.Handle, call); err != nil {
		return false, err
	}
	m.mu.Lock()
	m.stats.Draws++
	m.mu.Unlock()
	return true, nil
}

/**
 * @brief Drops both buffer sets of a device that is going away. The last
 * source is kept so CreateDeviceDependentResources can rebuild it.
 */
func (m *StreamingMeshResource) ReleaseDeviceDependentResources(dev *metadata.GraphicsDevice) {
	m.mu.Lock()
	active, pending := m.active, m.pending
	m.active, m.pending = nil, nil
	m.ready = false
	m.lastCommitted = 0
	m.mu.Unlock()

	m.releaseSet(dev, active)
	m.releaseSet(dev, pending)
	m.activeForFrame = false
}

// CreateDeviceDependentResources schedules a rebuild from the last source.
func (m *StreamingMeshResource) CreateDeviceDependentResources() {
	m.mu.Lock()
	src := m.latest
	m.mu.Unlock()
	if src != nil {
		m.RequestUpdate(src)
	}
}

func (m *StreamingMeshResource) OnDeviceLost(dev *metadata.GraphicsDevice) {
	m.ReleaseDeviceDependentResources(dev)
}

func (m *StreamingMeshResource) OnDeviceRestored(dev *metadata.GraphicsDevice) {
	m.CreateDeviceDependentResources()
}
