package simulated

import (
	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

// RemoveDevice marks every live device as lost. Calls on them fail with
// core.ErrDeviceRemoved until they are destroyed.
func (b *Backend) RemoveDevice() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		d.lost = true
	}
}

// LoseDeviceAtPresent makes the n-th following Present lose the device.
func (b *Backend) LoseDeviceAtPresent(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loseOnPresent = n
}

// FailDeviceCreation makes CreateDevice fail on the adapter. A nil error
// clears the fault.
func (b *Backend) FailDeviceCreation(adapterID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.createDeviceErr, adapterID)
		return
	}
	b.createDeviceErr[adapterID] = err
}

// SetBufferHook installs fn to run, outside the backend lock, at the start
// of every CreateBuffer. Tests use it to hold builds at a known point.
func (b *Backend) SetBufferHook(fn func(label string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bufferHook = fn
}

func (b *Backend) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// BufferData returns a copy of a live buffer's contents.
func (b *Backend) BufferData(dev metadata.DeviceHandle, buf metadata.BufferHandle) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[dev]
	if !ok || d.lost {
		return nil, false
	}
	target, ok := d.buffers[buf]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(target.data))
	copy(out, target.data)
	return out, true
}

// IsLive reports whether the device exists and has not been lost.
func (b *Backend) IsLive(dev metadata.DeviceHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[dev]
	return ok && !d.lost
}

func (b *Backend) HasBuffer(dev metadata.DeviceHandle, buf metadata.BufferHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[dev]
	if !ok {
		return false
	}
	_, ok = d.buffers[buf]
	return ok
}

// Texture returns the descriptor of a live texture.
func (b *Backend) Texture(dev metadata.DeviceHandle, tex metadata.TextureHandle) (gputypes.TextureDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[dev]
	if !ok {
		return gputypes.TextureDescriptor{}, false
	}
	desc, ok := d.textures[tex]
	return desc, ok
}

func (b *Backend) HasView(dev metadata.DeviceHandle, view metadata.RenderTargetViewHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[dev]
	if !ok {
		return false
	}
	_, ok = d.views[view]
	return ok
}

// LiveBuffers counts the buffers alive on the device.
func (b *Backend) LiveBuffers(dev metadata.DeviceHandle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[dev]; ok {
		return len(d.buffers)
	}
	return 0
}

// Draws returns the most recent draw calls, oldest first.
func (b *Backend) Draws() []metadata.DrawCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]metadata.DrawCall, 0, b.draws.Len())
	b.draws.Each(func(c metadata.DrawCall) {
		out = append(out, c)
	})
	return out
}
