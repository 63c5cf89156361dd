package systems

import (
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

const DEFAULT_MESH_SPACING float32 = 1.5

type MeshStreamSystemConfig struct {
	RetryDelay time.Duration
	// Distance along x between consecutive meshes.
	Spacing float32
}

/**
 * @brief Streams mesh sources into StreamingMeshResources, one per source
 * name. Sources arrive through the event bus from any goroutine.
 */
type MeshStreamSystem struct {
	config    MeshStreamSystemConfig
	dm        *renderer.DeviceManager
	presenter *renderer.FrameResourcePresenter
	scheduler renderer.TaskScheduler
	events    *core.EventBus

	mu     sync.Mutex
	meshes map[string]*renderer.StreamingMeshResource
	order  []string
}

func NewMeshStreamSystem(config MeshStreamSystemConfig, dm *renderer.DeviceManager, presenter *renderer.FrameResourcePresenter, scheduler renderer.TaskScheduler, events *core.EventBus) (*MeshStreamSystem, error) {
	if presenter == nil || scheduler == nil {
		err := fmt.Errorf("func NewMeshStreamSystem - presenter and scheduler are required")
		core.LogError("%s", err)
		return nil, err
	}
	if config.Spacing == 0 {
		config.Spacing = DEFAULT_MESH_SPACING
	}
	ms := &MeshStreamSystem{
		config:    config,
		dm:        dm,
		presenter: presenter,
		scheduler: scheduler,
		events:    events,
		meshes:    make(map[string]*renderer.StreamingMeshResource),
	}
	if events != nil {
		events.Register(core.EVENT_CODE_MESH_SOURCE_CHANGED, ms, ms.onSourceChanged)
		events.Register(core.EVENT_CODE_MESH_SOURCE_REMOVED, ms, ms.onSourceRemoved)
	}
	return ms, nil
}

func (ms *MeshStreamSystem) onSourceChanged(ctx core.EventContext) bool {
	src, ok := ctx.Data.(metadata.SourceMesh)
	if !ok {
		core.LogWarn("mesh source event for `%s` carries no source", ctx.Name)
		return false
	}
	ms.Stream(src)
	return false
}

func (ms *MeshStreamSystem) onSourceRemoved(ctx core.EventContext) bool {
	ms.Deactivate(ctx.Name)
	return false
}

/**
 * @brief Requests an update of the mesh named after src, creating and
 * registering the mesh on first sight.
 */
func (ms *MeshStreamSystem) Stream(src metadata.SourceMesh) *renderer.StreamingMeshResource {
	ms.mu.Lock()
	mesh, ok := ms.meshes[src.Name()]
	if !ok {
		offset := float32(len(ms.order)) * ms.config.Spacing
		mesh = renderer.NewStreamingMeshResource(ms.dm, ms.scheduler, renderer.MeshOptions{
			Name:       src.Name(),
			RetryDelay: ms.config.RetryDelay,
			Effect:     renderer.NewStereoEffect(src.Name()),
			Placement:  math.NewTransformFromPosition(math.NewVec3(offset, 0, 0)),
		})
		ms.meshes[src.Name()] = mesh
		ms.order = append(ms.order, src.Name())
	}
	ms.mu.Unlock()

	if !ok {
		core.LogInfo("streaming new mesh `%s`", src.Name())
		ms.presenter.AddMesh(mesh)
	}
	mesh.RequestUpdate(src)
	return mesh
}

// Deactivate stops drawing the named mesh until a new source arrives.
func (ms *MeshStreamSystem) Deactivate(name string) bool {
	ms.mu.Lock()
	mesh, ok := ms.meshes[name]
	ms.mu.Unlock()
	if !ok {
		return false
	}
	core.LogInfo("mesh `%s` deactivated", name)
	mesh.Deactivate()
	return true
}

func (ms *MeshStreamSystem) Mesh(name string) (*renderer.StreamingMeshResource, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.meshes[name]
	return m, ok
}

// Names returns the mesh names in the order they were first streamed.
func (ms *MeshStreamSystem) Names() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.order...)
}

// Shutdown stops listening for sources and retires every mesh. Builds still
// running release what they produce.
func (ms *MeshStreamSystem) Shutdown() error {
	if ms.events != nil {
		ms.events.Unregister(core.EVENT_CODE_MESH_SOURCE_CHANGED, ms)
		ms.events.Unregister(core.EVENT_CODE_MESH_SOURCE_REMOVED, ms)
	}
	ms.mu.Lock()
	meshes := make([]*renderer.StreamingMeshResource, 0, len(ms.order))
	for _, name := range ms.order {
		meshes = append(meshes, ms.meshes[name])
	}
	ms.mu.Unlock()

	for _, mesh := range meshes {
		ms.presenter.RemoveMesh(mesh)
	}
	return nil
}
