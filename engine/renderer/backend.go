package renderer

import (
	"time"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

type BackendType uint8

const (
	Simulated BackendType = iota
	Vulkan
)

/**
 * @brief The GPU API the renderer core drives. Every call that takes a
 * device handle fails with core.ErrDeviceRemoved once that device is lost;
 * Present is where loss is expected to surface.
 */
type Backend interface {
	Name() string
	EnumerateAdapters() ([]metadata.Adapter, error)
	CreateDevice(adapter metadata.Adapter, requirements metadata.DeviceRequirements) (metadata.DeviceHandle, metadata.Capabilities, error)
	DestroyDevice(dev metadata.DeviceHandle)

	CreateBuffer(dev metadata.DeviceHandle, desc gputypes.BufferDescriptor, data []byte) (metadata.BufferHandle, error)
	WriteBuffer(dev metadata.DeviceHandle, buffer metadata.BufferHandle, offset uint64, data []byte) error
	ReleaseBuffer(dev metadata.DeviceHandle, buffer metadata.BufferHandle)

	CreateTexture(dev metadata.DeviceHandle, desc gputypes.TextureDescriptor) (metadata.TextureHandle, error)
	ReleaseTexture(dev metadata.DeviceHandle, texture metadata.TextureHandle)
	// CreateRenderTargetView binds the surface's back buffer and reports its format.
	CreateRenderTargetView(dev metadata.DeviceHandle, surface metadata.Surface) (metadata.RenderTargetViewHandle, gputypes.TextureFormat, error)
	ReleaseRenderTargetView(dev metadata.DeviceHandle, view metadata.RenderTargetViewHandle)

	SetRenderTargets(dev metadata.DeviceHandle, view metadata.RenderTargetViewHandle, depth metadata.TextureHandle)
	ClearRenderTargets(dev metadata.DeviceHandle)
	SetViewport(dev metadata.DeviceHandle, viewport metadata.Viewport)
	BindConstantBuffer(dev metadata.DeviceHandle, slot uint32, buffer metadata.BufferHandle)
	DrawIndexedInstanced(dev metadata.DeviceHandle, call metadata.DrawCall) error
	Flush(dev metadata.DeviceHandle)
	Present(dev metadata.DeviceHandle, frame uint64) error
	// Trim releases driver scratch memory while the application is suspended.
	Trim(dev metadata.DeviceHandle)
}

/**
 * @brief Observer of device loss. OnDeviceLost runs before the old device
 * is destroyed and must drop every handle obtained from it; OnDeviceRestored
 * runs once the replacement exists.
 */
type DeviceNotify interface {
	OnDeviceLost(dev *metadata.GraphicsDevice)
	OnDeviceRestored(dev *metadata.GraphicsDevice)
}

/** @brief Runs background work off the render goroutine. */
type TaskScheduler interface {
	Submit(task metadata.JobTask) *metadata.JobHandle
	SubmitAfter(delay time.Duration, task metadata.JobTask) *metadata.JobHandle
}
