package renderer

import (
	"errors"
	"sync"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/components"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

/**
 * @brief Sequences one frame across the device manager and the streaming
 * meshes: BeginFrame, Tick and EndFrame, all on the render goroutine.
 * Cameras are drawn in ascending id order, meshes in registration order.
 */
type FrameResourcePresenter struct {
	dm       *DeviceManager
	resolver metadata.CoordinateResolver
	metrics  *core.FrameMetrics
	clock    *core.Clock

	meshMu sync.Mutex
	meshes []*StreamingMeshResource
}

// NewFrameResourcePresenter registers the presenter as a device observer so
// meshes follow device loss. metrics may be nil.
func NewFrameResourcePresenter(dm *DeviceManager, resolver metadata.CoordinateResolver, metrics *core.FrameMetrics) *FrameResourcePresenter {
	if metrics == nil {
		metrics = core.NewFrameMetrics()
	}
	p := &FrameResourcePresenter{
		dm:       dm,
		resolver: resolver,
		metrics:  metrics,
		clock:    core.NewClock(),
	}
	dm.RegisterDeviceNotify(p)
	return p
}

func (p *FrameResourcePresenter) Metrics() *core.FrameMetrics {
	return p.metrics
}

func (p *FrameResourcePresenter) AddMesh(m *StreamingMeshResource) {
	p.meshMu.Lock()
	defer p.meshMu.Unlock()
	for _, existing := range p.meshes {
		if existing == m {
			return
		}
	}
	p.meshes = append(p.meshes, m)
}

// RemoveMesh stops drawing m and retires it. Render goroutine only.
func (p *FrameResourcePresenter) RemoveMesh(m *StreamingMeshResource) bool {
	p.meshMu.Lock()
	found := false
	for i, existing := range p.meshes {
		if existing == m {
			p.meshes = append(p.meshes[:i], p.meshes[i+1:]...)
			found = true
			break
		}
	}
	p.meshMu.Unlock()

	if found {
		err := p.dm.WithDevice(func(dev *metadata.GraphicsDevice) error {
			m.Retire(dev)
			return nil
		})
		if err != nil {
			// No device left to own the buffers.
			m.Retire(nil)
		}
	}
	return found
}

func (p *FrameResourcePresenter) Meshes() []*StreamingMeshResource {
	p.meshMu.Lock()
	defer p.meshMu.Unlock()
	out := make([]*StreamingMeshResource, len(p.meshes))
	copy(out, p.meshes)
	return out
}

// BeginFrame makes sure every attached camera taking part in the frame has
// its back buffer bound.
func (p *FrameResourcePresenter) BeginFrame(frame *components.HolographicFrame) error {
	p.clock.Start()
	return p.dm.WithCameraRegistry(func(dev *metadata.GraphicsDevice, reg *CameraRegistry) error {
		if dev == nil {
			return core.ErrDeviceNotInitialized
		}
		for _, cf := range frame.Cameras {
			entry, ok := reg.Get(cf.CameraID)
			if !ok {
				continue
			}
			if err := entry.EnsureBackBufferResources(dev, cf.Surface); err != nil {
				if errors.Is(err, core.ErrDeviceRemoved) {
					return err
				}
			}
		}
		return nil
	})
}

/**
 * @brief Swaps in freshly built mesh buffers, updates mesh transforms and
 * draws every mesh once per ready camera. Returns the number of cameras
 * that were drawn.
 */
func (p *FrameResourcePresenter) Tick(frame *components.HolographicFrame) (int, error) {
	meshes := p.Meshes()
	drawn := 0
	err := p.dm.WithCameraRegistry(func(dev *metadata.GraphicsDevice, reg *CameraRegistry) error {
		if dev == nil {
			return core.ErrDeviceNotInitialized
		}
		for _, m := range meshes {
			m.RenderThreadTick(dev)
		}
		for _, m := range meshes {
			m.Update(p.resolver, frame.BaseCoordinates)
		}

		usingVPRT := dev.Capabilities.ViewportArrayIndexFromVertexShader
		return reg.Each(func(entry *CameraResources) error {
			cf, ok := frame.Camera(entry.ID())
			if !ok {
				return nil
			}
			if err := entry.EnsureDepthBuffer(dev); err != nil {
				return ignoreUnlessRemoved(err)
			}
			if err := entry.EnsurePerFrameConstantResource(dev); err != nil {
				return ignoreUnlessRemoved(err)
			}
			if !entry.UpdatePerFrameData(dev, cf.Pose, frame.BaseCoordinates, p.resolver) {
				p.metrics.CameraSkipped()
				return nil
			}
			if !entry.Attach(dev) {
				return nil
			}

			vp := entry.ViewProjection()
			for _, m := range meshes {
				if stereo, ok := m.Effect().Stereo(); ok {
					stereo.SetViewProjection(entry.ID(), vp)
				}
				if _, err := m.Render(dev, usingVPRT); err != nil {
					return ignoreUnlessRemoved(err)
				}
			}
			drawn++
			return nil
		})
	})
	return drawn, err
}

// EndFrame presents. A lost device is recovered inside the device manager
// and the frame counts as dropped.
func (p *FrameResourcePresenter) EndFrame(frame *components.HolographicFrame) (PresentOutcome, error) {
	outcome, err := p.dm.Present(frame.Number)
	p.clock.Update()
	p.metrics.FrameCompleted(p.clock.Elapsed(), outcome.Presented)
	if outcome.DeviceRecovered {
		p.metrics.DeviceRecovered()
	}
	return outcome, err
}

/**
 * @brief Runs BeginFrame, Tick and EndFrame. A device removed during the
 * first two stages still reaches EndFrame, whose Present observes the loss
 * and recovers. Only fatal errors are returned.
 */
func (p *FrameResourcePresenter) RenderFrame(frame *components.HolographicFrame) (PresentOutcome, error) {
	if err := p.BeginFrame(frame); err != nil && !errors.Is(err, core.ErrDeviceRemoved) {
		return PresentOutcome{}, err
	}
	if _, err := p.Tick(frame); err != nil && !errors.Is(err, core.ErrDeviceRemoved) {
		return PresentOutcome{}, err
	}
	return p.EndFrame(frame)
}

func (p *FrameResourcePresenter) OnDeviceLost(dev *metadata.GraphicsDevice) {
	for _, m := range p.Meshes() {
		m.OnDeviceLost(dev)
	}
}

func (p *FrameResourcePresenter) OnDeviceRestored(dev *metadata.GraphicsDevice) {
	for _, m := range p.Meshes() {
		m.OnDeviceRestored(dev)
	}
}

func ignoreUnlessRemoved(err error) error {
	if errors.Is(err, core.ErrDeviceRemoved) {
		return err
	}
	return nil
}
