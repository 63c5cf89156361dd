package vulkan

import (
	"fmt"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

/**
 * @brief A logical device with a single graphics queue, plus every resource
 * the renderer created on it. Resources are looked up by the handles given
 * to the renderer core.
 */
type VulkanDevice struct {
	PhysicalDevice     vk.PhysicalDevice
	LogicalDevice      vk.Device
	GraphicsQueueIndex uint32
	GraphicsQueue      vk.Queue

	GraphicsCommandPool vk.CommandPool

	Properties vk.PhysicalDeviceProperties
	Features   vk.PhysicalDeviceFeatures
	Memory     vk.PhysicalDeviceMemoryProperties

	Capabilities metadata.Capabilities

	// Set once a call reported VK_ERROR_DEVICE_LOST.
	lost bool

	frameCommandBuffer *VulkanCommandBuffer
	frameFence         *VulkanFence
	recording          bool

	buffers map[metadata.BufferHandle]*VulkanBuffer
	images  map[metadata.TextureHandle]*VulkanImage
	views   map[metadata.RenderTargetViewHandle]*VulkanImage

	boundView     metadata.RenderTargetViewHandle
	boundDepth    metadata.TextureHandle
	viewport      metadata.Viewport
	constants     map[uint32]metadata.BufferHandle
	drawsRecorded uint64
}

func enumeratePhysicalDevices(instance vk.Instance) ([]vk.PhysicalDevice, error) {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(instance, &count, nil); res != vk.Success {
		return nil, resultError("vkEnumeratePhysicalDevices", res)
	}
	if count == 0 {
		return nil, nil
	}
	devices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(instance, &count, devices); res != vk.Success {
		return nil, resultError("vkEnumeratePhysicalDevices", res)
	}
	return devices[:count], nil
}

func deviceExtensions(pd vk.PhysicalDevice) map[string]bool {
	out := make(map[string]bool)
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil); res != vk.Success || count == 0 {
		return out
	}
	available := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, available); res != vk.Success {
		return out
	}
	for i := range available[:count] {
		available[i].Deref()
		out[cString(available[i].ExtensionName[:])] = true
	}
	return out
}

func graphicsQueueFamily(pd vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, families)
	for i := range families {
		families[i].Deref()
		if vk.QueueFlagBits(families[i].QueueFlags)&vk.QueueGraphicsBit != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

/**
 * @brief Describes a physical device as an adapter. Devices without a
 * graphics queue are reported as not usable.
 */
func describePhysicalDevice(index int, pd vk.PhysicalDevice) (metadata.Adapter, bool) {
	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &properties)
	properties.Deref()
	properties.Limits.Deref()

	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(pd, &features)
	features.Deref()

	if _, ok := graphicsQueueFamily(pd); !ok {
		core.LogInfo("physical device `%s` has no graphics queue, skipping", cString(properties.DeviceName[:]))
		return metadata.Adapter{}, false
	}

	extensions := deviceExtensions(pd)
	driver := vk.Version(properties.DriverVersion)
	api := vk.Version(properties.ApiVersion)
	adapter := metadata.Adapter{
		ID: fmt.Sprintf("vk-%04x-%04x-%d", properties.VendorID, properties.DeviceID, index),
		Info: gputypes.AdapterInfo{
			Name:       cString(properties.DeviceName[:]),
			VendorID:   properties.VendorID,
			DeviceID:   properties.DeviceID,
			DeviceType: deviceType(properties.DeviceType),
			Driver:     fmt.Sprintf("%d.%d.%d", driver.Major(), driver.Minor(), driver.Patch()),
			DriverInfo: fmt.Sprintf("Vulkan %d.%d.%d", api.Major(), api.Minor(), api.Patch()),
			Backend:    gputypes.BackendVulkan,
		},
		Features: adapterFeatures(features, properties.Limits, extensions),
		Capabilities: metadata.Capabilities{
			ViewportArrayIndexFromVertexShader: extensions[extShaderViewportIndexLayer],
			MaxTextureArrayLayers:              properties.Limits.MaxImageArrayLayers,
		},
	}
	return adapter, true
}

/**
 * @brief Creates the logical device, its graphics queue and command pool.
 * Optional extensions backing the adapter's features are enabled when
 * present.
 */
func DeviceCreate(context *VulkanContext, pd vk.PhysicalDevice, adapter metadata.Adapter, requirements metadata.DeviceRequirements) (*VulkanDevice, error) {
	queueIndex, ok := graphicsQueueFamily(pd)
	if !ok {
		err := fmt.Errorf("adapter %s has no graphics queue", adapter)
		core.LogError("%s", err)
		return nil, err
	}

	device := &VulkanDevice{
		PhysicalDevice:     pd,
		GraphicsQueueIndex: queueIndex,
		Capabilities:       adapter.Capabilities,
		buffers:            make(map[metadata.BufferHandle]*VulkanBuffer),
		images:             make(map[metadata.TextureHandle]*VulkanImage),
		views:              make(map[metadata.RenderTargetViewHandle]*VulkanImage),
		constants:          make(map[uint32]metadata.BufferHandle),
	}
	vk.GetPhysicalDeviceProperties(pd, &device.Properties)
	device.Properties.Deref()
	vk.GetPhysicalDeviceFeatures(pd, &device.Features)
	device.Features.Deref()
	vk.GetPhysicalDeviceMemoryProperties(pd, &device.Memory)
	device.Memory.Deref()

	available := deviceExtensions(pd)
	var extensionNames []string
	for _, name := range []string{extShaderViewportIndexLayer, extShaderFloat16Int8, extPortabilitySubset} {
		if available[name] {
			core.LogDebug("enabling device extension `%s`", name)
			extensionNames = append(extensionNames, name)
		}
	}

	enabled := vk.PhysicalDeviceFeatures{}
	if requirements.Features.Contains(gputypes.FeatureShaderFloat64) {
		enabled.ShaderFloat64 = vk.True
	}
	if requirements.Features.Contains(gputypes.FeatureDepthClipControl) {
		enabled.DepthClamp = vk.True
	}
	if !adapter.Capabilities.ViewportArrayIndexFromVertexShader && device.Features.GeometryShader == vk.True {
		// Stereo instancing falls back to a geometry shader stage.
		enabled.GeometryShader = vk.True
	}

	queueCreateInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: queueIndex,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}
	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    1,
		PQueueCreateInfos:       []vk.DeviceQueueCreateInfo{queueCreateInfo},
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{enabled},
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensionNames),
	}

	var logical vk.Device
	if res := vk.CreateDevice(pd, &deviceCreateInfo, context.Allocator, &logical); res != vk.Success {
		return nil, resultError("vkCreateDevice", res)
	}
	device.LogicalDevice = logical
	core.LogInfo("logical device created on `%s`", adapter.Info.Name)

	var queue vk.Queue
	vk.GetDeviceQueue(logical, queueIndex, 0, &queue)
	device.GraphicsQueue = queue

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: queueIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(logical, &poolCreateInfo, context.Allocator, &pool); res != vk.Success {
		vk.DestroyDevice(logical, context.Allocator)
		return nil, resultError("vkCreateCommandPool", res)
	}
	device.GraphicsCommandPool = pool

	cb, err := NewVulkanCommandBuffer(context, device, pool, true)
	if err != nil {
		DeviceDestroy(context, device)
		return nil, err
	}
	device.frameCommandBuffer = cb

	fence, err := NewFence(context, device, true)
	if err != nil {
		DeviceDestroy(context, device)
		return nil, err
	}
	device.frameFence = fence
	return device, nil
}

/**
 * @brief Destroys every resource still alive on the device and the device
 * itself. Works on lost devices; the driver still accepts destruction.
 */
func DeviceDestroy(context *VulkanContext, device *VulkanDevice) {
	if device.LogicalDevice == nil {
		return
	}
	if !device.lost {
		vk.DeviceWaitIdle(device.LogicalDevice)
	}

	for h, b := range device.buffers {
		b.Destroy(context, device)
		delete(device.buffers, h)
	}
	for h, img := range device.images {
		img.Destroy(context, device)
		delete(device.images, h)
	}
	for h, img := range device.views {
		img.Destroy(context, device)
		delete(device.views, h)
	}

	if device.frameFence != nil {
		device.frameFence.FenceDestroy(context, device)
		device.frameFence = nil
	}
	if device.frameCommandBuffer != nil {
		device.frameCommandBuffer.Free(context, device, device.GraphicsCommandPool)
		device.frameCommandBuffer = nil
	}
	if device.GraphicsCommandPool != vk.NullCommandPool {
		vk.DestroyCommandPool(device.LogicalDevice, device.GraphicsCommandPool, context.Allocator)
		device.GraphicsCommandPool = vk.NullCommandPool
	}

	device.GraphicsQueue = nil
	vk.DestroyDevice(device.LogicalDevice, context.Allocator)
	device.LogicalDevice = nil
	core.LogInfo("logical device destroyed")
}

// FindMemoryIndex returns the first memory type allowed by typeFilter that
// has every property flag, or -1.
func (d *VulkanDevice) FindMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlagBits) int32 {
	for i := uint32(0); i < d.Memory.MemoryTypeCount; i++ {
		d.Memory.MemoryTypes[i].Deref()
		flags := vk.MemoryPropertyFlagBits(d.Memory.MemoryTypes[i].PropertyFlags)
		if typeFilter&(1<<i) != 0 && flags&propertyFlags == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("unable to find a suitable memory type")
	return -1
}
