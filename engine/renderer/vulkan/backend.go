package vulkan

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

type Config struct {
	AppName string
	// Enables the validation layer and the debug report callback.
	Debug bool
	// Extra instance extensions, e.g. the ones a mirror window needs.
	InstanceExtensions []string
	// Loader entry point. Nil loads the system Vulkan library.
	ProcAddr unsafe.Pointer
}

/**
 * @brief Offscreen Vulkan implementation of the renderer backend. Every
 * holographic back buffer is a device local array image; frames are
 * recorded into one primary command buffer per device and submitted on
 * Present.
 */
type Backend struct {
	context *VulkanContext
	locks   *VulkanLockPool
	debug   bool
}

func New(cfg Config) (*Backend, error) {
	if cfg.ProcAddr != nil {
		vk.SetGetInstanceProcAddr(cfg.ProcAddr)
	} else if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		core.LogError("failed to load the Vulkan library: %s", err)
		return nil, err
	}
	if err := vk.Init(); err != nil {
		core.LogError("failed to initialize vk: %s", err)
		return nil, err
	}

	b := &Backend{
		context: newVulkanContext(),
		locks:   NewVulkanLockPool(),
		debug:   cfg.Debug,
	}
	if err := b.createInstance(cfg); err != nil {
		return nil, err
	}
	core.LogInfo("Vulkan backend initialized.")
	return b, nil
}

func (b *Backend) createInstance(cfg Config) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(cfg.AppName),
		PEngineName:        VulkanSafeString("holostream"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := append([]string{}, cfg.InstanceExtensions...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}

	var layers []string
	if b.debug {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		if hasInstanceLayer(validationLayer) {
			layers = append(layers, validationLayer)
		} else {
			core.LogWarn("validation layer `%s` is missing, continuing without it", validationLayer)
		}
	}
	for _, e := range extensions {
		core.LogDebug("instance extension `%s`", e)
	}

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	if res := vk.CreateInstance(&createInfo, b.context.Allocator, &b.context.Instance); res != vk.Success {
		return resultError("vkCreateInstance", res)
	}
	if err := vk.InitInstance(b.context.Instance); err != nil {
		core.LogError("%s", err)
		return err
	}
	core.LogInfo("Vulkan Instance created.")

	if b.debug {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(b.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogWarn("vk.CreateDebugReportCallback failed with %s", err)
		} else {
			b.context.debugCallback = dbg
		}
	}
	return nil
}

func hasInstanceLayer(name string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success || count == 0 {
		return false
	}
	available := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, available); res != vk.Success {
		return false
	}
	for i := range available[:count] {
		available[i].Deref()
		if cString(available[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func (b *Backend) Name() string {
	return "vulkan"
}

func (b *Backend) EnumerateAdapters() ([]metadata.Adapter, error) {
	var adapters []metadata.Adapter
	err := b.locks.SafeCall(InstanceManagement, func() error {
		physical, err := enumeratePhysicalDevices(b.context.Instance)
		if err != nil {
			return err
		}
		for i, pd := range physical {
			adapter, ok := describePhysicalDevice(i, pd)
			if !ok {
				continue
			}
			b.context.PhysicalDevices[adapter.ID] = pd
			adapters = append(adapters, adapter)
		}
		return nil
	})
	return adapters, err
}

func (b *Backend) CreateDevice(adapter metadata.Adapter, requirements metadata.DeviceRequirements) (metadata.DeviceHandle, metadata.Capabilities, error) {
	var handle metadata.DeviceHandle
	var caps metadata.Capabilities
	err := b.locks.SafeCall(DeviceManagement, func() error {
		pd, ok := b.context.PhysicalDevices[adapter.ID]
		if !ok {
			return fmt.Errorf("adapter `%s` was not enumerated by this backend", adapter.ID)
		}
		if !requirements.SatisfiedBy(adapter) {
			return fmt.Errorf("adapter `%s` lacks %v", adapter.ID, requirements.Missing(adapter))
		}
		device, err := DeviceCreate(b.context, pd, adapter, requirements)
		if err != nil {
			return err
		}
		b.locks.SetQueueFamily(device.GraphicsQueueIndex)
		return b.locks.SafeCall(ResourceManagement, func() error {
			handle = metadata.DeviceHandle(b.context.handle())
			b.context.Devices[handle] = device
			caps = device.Capabilities
			return nil
		})
	})
	return handle, caps, err
}

func (b *Backend) DestroyDevice(dev metadata.DeviceHandle) {
	_ = b.locks.SafeCall(ResourceManagement, func() error {
		device, ok := b.context.Devices[dev]
		if !ok {
			return nil
		}
		delete(b.context.Devices, dev)
		DeviceDestroy(b.context, device)
		return nil
	})
}

// withDevice runs fn under the resource lock. Lost and unknown devices
// report core.ErrDeviceRemoved; a device lost error from fn marks the device.
func (b *Backend) withDevice(dev metadata.DeviceHandle, fn func(d *VulkanDevice) error) error {
	return b.locks.SafeCall(ResourceManagement, func() error {
		device, ok := b.context.Devices[dev]
		if !ok {
			return fmt.Errorf("unknown device %d: %w", dev, core.ErrDeviceRemoved)
		}
		if device.lost {
			return fmt.Errorf("device %d: %w", dev, core.ErrDeviceRemoved)
		}
		err := fn(device)
		if errors.Is(err, core.ErrDeviceRemoved) {
			device.lost = true
		}
		return err
	})
}

// record runs fn against the frame command buffer, beginning it if needed.
func (b *Backend) record(dev metadata.DeviceHandle, fn func(d *VulkanDevice, cb *VulkanCommandBuffer) error) error {
	return b.withDevice(dev, func(d *VulkanDevice) error {
		if !d.recording {
			if err := d.frameFence.FenceWait(d, math.MaxUint64); err != nil {
				return err
			}
			if err := d.frameCommandBuffer.Reset(); err != nil {
				return err
			}
			if err := d.frameCommandBuffer.Begin(true, false); err != nil {
				return err
			}
			d.recording = true
		}
		return fn(d, d.frameCommandBuffer)
	})
}

func (b *Backend) CreateBuffer(dev metadata.DeviceHandle, desc gputypes.BufferDescriptor, data []byte) (metadata.BufferHandle, error) {
	var handle metadata.BufferHandle
	err := b.withDevice(dev, func(d *VulkanDevice) error {
		if uint64(len(data)) > desc.Size {
			return fmt.Errorf("buffer `%s`: %d bytes do not fit in %d", desc.Label, len(data), desc.Size)
		}
		buffer, err := NewVulkanBuffer(b.context, d, desc.Label, desc.Size, vkBufferUsage(desc.Usage))
		if err != nil {
			return err
		}
		if err := buffer.Upload(d, 0, data); err != nil {
			buffer.Destroy(b.context, d)
			return err
		}
		handle = metadata.BufferHandle(b.context.handle())
		d.buffers[handle] = buffer
		return nil
	})
	return handle, err
}

func (b *Backend) WriteBuffer(dev metadata.DeviceHandle, buffer metadata.BufferHandle, offset uint64, data []byte) error {
	return b.withDevice(dev, func(d *VulkanDevice) error {
		target, ok := d.buffers[buffer]
		if !ok {
			return fmt.Errorf("write to unknown buffer %d", buffer)
		}
		return target.Upload(d, offset, data)
	})
}

func (b *Backend) ReleaseBuffer(dev metadata.DeviceHandle, buffer metadata.BufferHandle) {
	b.release(dev, func(d *VulkanDevice) {
		if target, ok := d.buffers[buffer]; ok {
			target.Destroy(b.context, d)
			delete(d.buffers, buffer)
		}
	})
}

// release frees resources on lost devices too; destruction stays valid
// after VK_ERROR_DEVICE_LOST.
func (b *Backend) release(dev metadata.DeviceHandle, fn func(d *VulkanDevice)) {
	_ = b.locks.SafeCall(ResourceManagement, func() error {
		if d, ok := b.context.Devices[dev]; ok {
			if !d.lost {
				vk.QueueWaitIdle(d.GraphicsQueue)
			}
			fn(d)
		}
		return nil
	})
}

func (b *Backend) CreateTexture(dev metadata.DeviceHandle, desc gputypes.TextureDescriptor) (metadata.TextureHandle, error) {
	var handle metadata.TextureHandle
	err := b.withDevice(dev, func(d *VulkanDevice) error {
		format, ok := vkFormat(desc.Format)
		if !ok {
			return fmt.Errorf("texture `%s`: unsupported format %v", desc.Label, desc.Format)
		}
		depth := desc.Format.IsDepthStencil()
		img, err := NewVulkanImage(b.context, d, format,
			desc.Size.Width, desc.Size.Height, max(desc.Size.DepthOrArrayLayers, 1),
			vkImageUsage(desc.Usage, depth), depth)
		if err != nil {
			return fmt.Errorf("texture `%s`: %w", desc.Label, err)
		}
		handle = metadata.TextureHandle(b.context.handle())
		d.images[handle] = img
		return nil
	})
	return handle, err
}

func (b *Backend) ReleaseTexture(dev metadata.DeviceHandle, texture metadata.TextureHandle) {
	b.release(dev, func(d *VulkanDevice) {
		if img, ok := d.images[texture]; ok {
			img.Destroy(b.context, d)
			delete(d.images, texture)
		}
		if d.boundDepth == texture {
			d.boundDepth = 0
		}
	})
}

func (b *Backend) CreateRenderTargetView(dev metadata.DeviceHandle, surface metadata.Surface) (metadata.RenderTargetViewHandle, gputypes.TextureFormat, error) {
	var handle metadata.RenderTargetViewHandle
	format := surface.Format
	err := b.withDevice(dev, func(d *VulkanDevice) error {
		if surface.Identity == 0 {
			return fmt.Errorf("surface has no identity")
		}
		if format == gputypes.TextureFormatUndefined {
			format = gputypes.TextureFormatBGRA8UnormSrgb
		}
		vkf, ok := vkFormat(format)
		if !ok {
			return fmt.Errorf("surface format %v is not supported", format)
		}
		usage := vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferSrcBit)
		img, err := NewVulkanImage(b.context, d, vkf, surface.Width, surface.Height, max(surface.Layers, 1), usage, false)
		if err != nil {
			return err
		}
		handle = metadata.RenderTargetViewHandle(b.context.handle())
		d.views[handle] = img
		return nil
	})
	if err != nil {
		return 0, gputypes.TextureFormatUndefined, err
	}
	return handle, format, nil
}

func (b *Backend) ReleaseRenderTargetView(dev metadata.DeviceHandle, view metadata.RenderTargetViewHandle) {
	b.release(dev, func(d *VulkanDevice) {
		if img, ok := d.views[view]; ok {
			img.Destroy(b.context, d)
			delete(d.views, view)
		}
		if d.boundView == view {
			d.boundView = 0
		}
	})
}

func (b *Backend) SetRenderTargets(dev metadata.DeviceHandle, view metadata.RenderTargetViewHandle, depth metadata.TextureHandle) {
	err := b.withDevice(dev, func(d *VulkanDevice) error {
		if _, ok := d.views[view]; !ok {
			return fmt.Errorf("bind of unknown render target view %d", view)
		}
		if _, ok := d.images[depth]; depth != 0 && !ok {
			return fmt.Errorf("bind of unknown depth texture %d", depth)
		}
		d.boundView = view
		d.boundDepth = depth
		return nil
	})
	if err != nil {
		core.LogWarn("%s", err)
	}
}

func (b *Backend) ClearRenderTargets(dev metadata.DeviceHandle) {
	err := b.record(dev, func(d *VulkanDevice, cb *VulkanCommandBuffer) error {
		if view, ok := d.views[d.boundView]; ok {
			// Contents are discarded; the attachment load op clears them.
			view.Layout = vk.ImageLayoutUndefined
			view.TransitionLayout(cb, vk.ImageLayoutColorAttachmentOptimal,
				vk.AccessColorAttachmentWriteBit, vk.PipelineStageColorAttachmentOutputBit)
		}
		if depth, ok := d.images[d.boundDepth]; ok {
			depth.Layout = vk.ImageLayoutUndefined
			depth.TransitionLayout(cb, vk.ImageLayoutDepthStencilAttachmentOptimal,
				vk.AccessDepthStencilAttachmentWriteBit, vk.PipelineStageEarlyFragmentTestsBit)
		}
		return nil
	})
	if err != nil {
		core.LogWarn("clear render targets: %s", err)
	}
}

func (b *Backend) SetViewport(dev metadata.DeviceHandle, viewport metadata.Viewport) {
	err := b.record(dev, func(d *VulkanDevice, cb *VulkanCommandBuffer) error {
		d.viewport = viewport
		vk.CmdSetViewport(cb.Handle, 0, 1, []vk.Viewport{{
			X:        viewport.X,
			Y:        viewport.Y,
			Width:    viewport.Width,
			Height:   viewport.Height,
			MinDepth: viewport.MinDepth,
			MaxDepth: viewport.MaxDepth,
		}})
		return nil
	})
	if err != nil {
		core.LogWarn("set viewport: %s", err)
	}
}

func (b *Backend) BindConstantBuffer(dev metadata.DeviceHandle, slot uint32, buffer metadata.BufferHandle) {
	err := b.withDevice(dev, func(d *VulkanDevice) error {
		if _, ok := d.buffers[buffer]; !ok {
			return fmt.Errorf("bind of unknown constant buffer %d", buffer)
		}
		d.constants[slot] = buffer
		return nil
	})
	if err != nil {
		core.LogWarn("%s", err)
	}
}

func (b *Backend) DrawIndexedInstanced(dev metadata.DeviceHandle, call metadata.DrawCall) error {
	return b.record(dev, func(d *VulkanDevice, cb *VulkanCommandBuffer) error {
		if _, ok := d.views[d.boundView]; !ok {
			return fmt.Errorf("draw without a bound render target")
		}
		var handles [3]vk.Buffer
		for i, h := range []metadata.BufferHandle{call.VertexBuffer, call.NormalBuffer, call.IndexBuffer} {
			buffer, ok := d.buffers[h]
			if !ok {
				return fmt.Errorf("draw references buffer %d which is not live on device %d", h, dev)
			}
			handles[i] = buffer.Handle
		}
		if call.UseGeometryShader && d.Features.GeometryShader != vk.True {
			return fmt.Errorf("draw `%s` needs a geometry shader stage the device lacks", call.EffectName)
		}

		vk.CmdBindVertexBuffers(cb.Handle, 0, 2, handles[:2], []vk.DeviceSize{0, 0})
		indexType := vk.IndexTypeUint16
		if call.IndexFormat == gputypes.IndexFormatUint32 {
			indexType = vk.IndexTypeUint32
		}
		vk.CmdBindIndexBuffer(cb.Handle, handles[2], 0, indexType)
		// Effects carry no SPIR-V and no pipeline is built, so this backend
		// binds the mesh buffers and counts the draw but never records
		// vkCmdDrawIndexed. Nothing is rasterized on the Vulkan path.
		d.drawsRecorded++
		return nil
	})
}

func (b *Backend) Flush(dev metadata.DeviceHandle) {
	err := b.withDevice(dev, func(d *VulkanDevice) error {
		return b.submit(d)
	})
	if err != nil {
		core.LogWarn("flush: %s", err)
	}
}

// submit sends the recorded frame to the graphics queue and waits for it.
func (b *Backend) submit(d *VulkanDevice) error {
	if !d.recording {
		return nil
	}
	d.recording = false
	if err := d.frameFence.FenceReset(d); err != nil {
		return err
	}
	err := b.locks.SafeQueueCall(d.GraphicsQueueIndex, func() error {
		return d.frameCommandBuffer.Submit(d.GraphicsQueue, d.frameFence)
	})
	if err != nil {
		return err
	}
	return d.frameFence.FenceWait(d, math.MaxUint64)
}

func (b *Backend) Present(dev metadata.DeviceHandle, frame uint64) error {
	err := b.withDevice(dev, func(d *VulkanDevice) error {
		if err := b.submit(d); err != nil {
			return err
		}
		// Submission alone does not always surface a lost device.
		if res := vk.DeviceWaitIdle(d.LogicalDevice); res != vk.Success {
			return resultError("vkDeviceWaitIdle", res)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("present frame %d: %w", frame, err)
	}
	return nil
}

func (b *Backend) Trim(dev metadata.DeviceHandle) {
	err := b.withDevice(dev, func(d *VulkanDevice) error {
		if res := vk.DeviceWaitIdle(d.LogicalDevice); res != vk.Success {
			return resultError("vkDeviceWaitIdle", res)
		}
		if res := vk.ResetCommandPool(d.LogicalDevice, d.GraphicsCommandPool, vk.CommandPoolResetFlags(vk.CommandPoolResetReleaseResourcesBit)); res != vk.Success {
			return resultError("vkResetCommandPool", res)
		}
		d.frameCommandBuffer.State = COMMAND_BUFFER_STATE_READY
		return nil
	})
	if err != nil {
		core.LogWarn("trim: %s", err)
	}
}

// Shutdown destroys every device left and the instance.
func (b *Backend) Shutdown() {
	_ = b.locks.SafeCall(ResourceManagement, func() error {
		for h, d := range b.context.Devices {
			DeviceDestroy(b.context, d)
			delete(b.context.Devices, h)
		}
		return nil
	})
	if b.context.debugCallback != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(b.context.Instance, b.context.debugCallback, b.context.Allocator)
		b.context.debugCallback = vk.NullDebugReportCallback
	}
	if b.context.Instance != nil {
		vk.DestroyInstance(b.context.Instance, b.context.Allocator)
		b.context.Instance = nil
	}
	core.LogInfo("Vulkan backend shut down.")
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
