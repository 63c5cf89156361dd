package simulated

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/holostream/engine/containers"
	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

const DRAW_HISTORY_SIZE int = 64

/** @brief Number of GPU calls seen by the backend, by kind. */
type Counters struct {
	DevicesCreated    uint64
	DevicesDestroyed  uint64
	BuffersCreated    uint64
	BuffersReleased   uint64
	BufferWrites      uint64
	TexturesCreated   uint64
	TexturesReleased  uint64
	ViewsCreated      uint64
	ViewsReleased     uint64
	RenderTargetBinds uint64
	ClearTargets      uint64
	Flushes           uint64
	Draws             uint64
	Presents          uint64
	FailedPresents    uint64
}

type buffer struct {
	desc gputypes.BufferDescriptor
	data []byte
}

type device struct {
	adapter  metadata.Adapter
	lost     bool
	buffers  map[metadata.BufferHandle]*buffer
	textures map[metadata.TextureHandle]gputypes.TextureDescriptor
	views    map[metadata.RenderTargetViewHandle]metadata.Surface

	boundView  metadata.RenderTargetViewHandle
	boundDepth metadata.TextureHandle
	viewport   metadata.Viewport
}

/**
 * @brief In-memory GPU. Handles are tracked per device so tests can tell
 * live resources from stale ones, and device loss can be injected at will.
 */
type Backend struct {
	mu         sync.Mutex
	adapters   []metadata.Adapter
	nextHandle uint64
	devices    map[metadata.DeviceHandle]*device
	counters   Counters
	draws      *containers.RingQueue[metadata.DrawCall]

	loseOnPresent   int
	createDeviceErr map[string]error
	bufferHook      func(label string)
}

// DefaultAdapters is a discrete GPU with stereo instancing support and a
// software rasterizer without it.
func DefaultAdapters() []metadata.Adapter {
	var hw, sw gputypes.Features
	hw.Insert(gputypes.FeatureShaderF16)
	hw.Insert(gputypes.FeatureShaderFloat64)
	hw.Insert(gputypes.FeatureDepthClipControl)
	sw.Insert(gputypes.FeatureShaderFloat64)

	return []metadata.Adapter{
		{
			ID: "sim-discrete-0",
			Info: gputypes.AdapterInfo{
				Name:       "Simulated Discrete GPU",
				Vendor:     "holostream",
				VendorID:   0x1d0f,
				DeviceID:   0x0001,
				DeviceType: gputypes.DeviceTypeDiscreteGPU,
				Driver:     "sim",
				Backend:    gputypes.BackendEmpty,
			},
			Features:     hw,
			Capabilities: metadata.Capabilities{ViewportArrayIndexFromVertexShader: true, MaxTextureArrayLayers: 2048},
		},
		{
			ID: "sim-software-0",
			Info: gputypes.AdapterInfo{
				Name:       "Simulated Software Rasterizer",
				Vendor:     "holostream",
				VendorID:   0x1d0f,
				DeviceID:   0x00ff,
				DeviceType: gputypes.DeviceTypeCPU,
				Driver:     "sim",
				Backend:    gputypes.BackendEmpty,
			},
			Features:     sw,
			Capabilities: metadata.Capabilities{MaxTextureArrayLayers: 256},
		},
	}
}

// New creates a backend exposing adapters, or DefaultAdapters when none are given.
func New(adapters ...metadata.Adapter) *Backend {
	if len(adapters) == 0 {
		adapters = DefaultAdapters()
	}
	return &Backend{
		adapters:        adapters,
		devices:         make(map[metadata.DeviceHandle]*device),
		draws:           containers.NewRingQueue[metadata.DrawCall](DRAW_HISTORY_SIZE),
		createDeviceErr: make(map[string]error),
	}
}

func (b *Backend) Name() string {
	return "simulated"
}

func (b *Backend) handle() uint64 {
	b.nextHandle++
	return b.nextHandle
}

func (b *Backend) EnumerateAdapters() ([]metadata.Adapter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]metadata.Adapter, len(b.adapters))
	copy(out, b.adapters)
	return out, nil
}

func (b *Backend) CreateDevice(adapter metadata.Adapter, requirements metadata.DeviceRequirements) (metadata.DeviceHandle, metadata.Capabilities, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.createDeviceErr[adapter.ID]; err != nil {
		return 0, metadata.Capabilities{}, err
	}
	if !requirements.SatisfiedBy(adapter) {
		return 0, metadata.Capabilities{}, fmt.Errorf("adapter `%s` lacks %v", adapter.ID, requirements.Missing(adapter))
	}
	h := metadata.DeviceHandle(b.handle())
	b.devices[h] = &device{
		adapter:  adapter,
		buffers:  make(map[metadata.BufferHandle]*buffer),
		textures: make(map[metadata.TextureHandle]gputypes.TextureDescriptor),
		views:    make(map[metadata.RenderTargetViewHandle]metadata.Surface),
	}
	b.counters.DevicesCreated++
	return h, adapter.Capabilities, nil
}

func (b *Backend) DestroyDevice(dev metadata.DeviceHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[dev]; ok {
		delete(b.devices, dev)
		b.counters.DevicesDestroyed++
	}
}

// lookup returns the device, or an error when it is unknown or lost.
// Must be called with mu held.
func (b *Backend) lookup(dev metadata.DeviceHandle) (*device, error) {
	d, ok := b.devices[dev]
	if !ok {
		return nil, fmt.Errorf("unknown device %d: %w", dev, core.ErrDeviceRemoved)
	}
	if d.lost {
		return d, core.ErrDeviceRemoved
	}
	return d, nil
}

func (b *Backend) CreateBuffer(dev metadata.DeviceHandle, desc gputypes.BufferDescriptor, data []byte) (metadata.BufferHandle, error) {
	b.mu.Lock()
	hook := b.bufferHook
	b.mu.Unlock()
	if hook != nil {
		hook(desc.Label)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(dev)
	if err != nil {
		return 0, err
	}
	if uint64(len(data)) > desc.Size {
		return 0, fmt.Errorf("buffer `%s`: %d bytes do not fit in %d", desc.Label, len(data), desc.Size)
	}
	contents := make([]byte, desc.Size)
	copy(contents, data)
	h := metadata.BufferHandle(b.handle())
	d.buffers[h] = &buffer{desc: desc, data: contents}
	b.counters.BuffersCreated++
	return h, nil
}

func (b *Backend) WriteBuffer(dev metadata.DeviceHandle, buf metadata.BufferHandle, offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(dev)
	if err != nil {
		return err
	}
	target, ok := d.buffers[buf]
	if !ok {
		return fmt.Errorf("write to unknown buffer %d", buf)
	}
	if offset+uint64(len(data)) > uint64(len(target.data)) {
		return fmt.Errorf("write of %d bytes at %d overflows buffer `%s`", len(data), offset, target.desc.Label)
	}
	copy(target.data[offset:], data)
	b.counters.BufferWrites++
	return nil
}

func (b *Backend) ReleaseBuffer(dev metadata.DeviceHandle, buf metadata.BufferHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.BuffersReleased++
	if d, ok := b.devices[dev]; ok {
		delete(d.buffers, buf)
	}
}

func (b *Backend) CreateTexture(dev metadata.DeviceHandle, desc gputypes.TextureDescriptor) (metadata.TextureHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(dev)
	if err != nil {
		return 0, err
	}
	if desc.Size.Width == 0 || desc.Size.Height == 0 || desc.Size.DepthOrArrayLayers == 0 {
		return 0, fmt.Errorf("texture `%s` has an empty extent", desc.Label)
	}
	if desc.Size.DepthOrArrayLayers > max(d.adapter.Capabilities.MaxTextureArrayLayers, 1) {
		return 0, fmt.Errorf("texture `%s` has too many layers", desc.Label)
	}
	h := metadata.TextureHandle(b.handle())
	d.textures[h] = desc
	b.counters.TexturesCreated++
	return h, nil
}

func (b *Backend) ReleaseTexture(dev metadata.DeviceHandle, tex metadata.TextureHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.TexturesReleased++
	if d, ok := b.devices[dev]; ok {
		delete(d.textures, tex)
	}
}

func (b *Backend) CreateRenderTargetView(dev metadata.DeviceHandle, surface metadata.Surface) (metadata.RenderTargetViewHandle, gputypes.TextureFormat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(dev)
	if err != nil {
		return 0, gputypes.TextureFormatUndefined, err
	}
	if surface.Identity == 0 {
		return 0, gputypes.TextureFormatUndefined, fmt.Errorf("surface has no identity")
	}
	format := surface.Format
	if format == gputypes.TextureFormatUndefined {
		format = gputypes.TextureFormatBGRA8Unorm
	}
	h := metadata.RenderTargetViewHandle(b.handle())
	d.views[h] = surface
	b.counters.ViewsCreated++
	return h, format, nil
}

func (b *Backend) ReleaseRenderTargetView(dev metadata.DeviceHandle, view metadata.RenderTargetViewHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.ViewsReleased++
	if d, ok := b.devices[dev]; ok {
		delete(d.views, view)
		if d.boundView == view {
			d.boundView = 0
		}
	}
}

func (b *Backend) SetRenderTargets(dev metadata.DeviceHandle, view metadata.RenderTargetViewHandle, depth metadata.TextureHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, err := b.lookup(dev); err == nil {
		d.boundView = view
		d.boundDepth = depth
		b.counters.RenderTargetBinds++
	}
}

func (b *Backend) ClearRenderTargets(dev metadata.DeviceHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.ClearTargets++
	if d, ok := b.devices[dev]; ok {
		d.boundView = 0
		d.boundDepth = 0
	}
}

func (b *Backend) SetViewport(dev metadata.DeviceHandle, viewport metadata.Viewport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, err := b.lookup(dev); err == nil {
		d.viewport = viewport
	}
}

func (b *Backend) BindConstantBuffer(dev metadata.DeviceHandle, slot uint32, buf metadata.BufferHandle) {}

func (b *Backend) DrawIndexedInstanced(dev metadata.DeviceHandle, call metadata.DrawCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(dev)
	if err != nil {
		return err
	}
	for _, h := range []metadata.BufferHandle{call.VertexBuffer, call.NormalBuffer, call.IndexBuffer} {
		if _, ok := d.buffers[h]; !ok {
			return fmt.Errorf("draw references buffer %d which is not live on device %d", h, dev)
		}
	}
	if d.boundView == 0 {
		return fmt.Errorf("draw without a bound render target")
	}
	b.counters.Draws++
	b.draws.Push(call)
	return nil
}

func (b *Backend) Flush(dev metadata.DeviceHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.Flushes++
}

func (b *Backend) Present(dev metadata.DeviceHandle, frame uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(dev)
	if err == nil && b.loseOnPresent > 0 {
		b.loseOnPresent--
		if b.loseOnPresent == 0 {
			d.lost = true
			err = core.ErrDeviceRemoved
		}
	}
	if err != nil {
		b.counters.FailedPresents++
		return fmt.Errorf("present frame %d: %w", frame, err)
	}
	b.counters.Presents++
	return nil
}

func (b *Backend) Trim(dev metadata.DeviceHandle) {}
