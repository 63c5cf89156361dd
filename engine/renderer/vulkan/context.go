package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

type VulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	debugCallback vk.DebugReportCallback

	// Physical devices by adapter id, filled by adapter enumeration.
	PhysicalDevices map[string]vk.PhysicalDevice

	// Logical devices by handle. Guarded by the ResourceManagement lock.
	Devices    map[metadata.DeviceHandle]*VulkanDevice
	nextHandle uint64
}

func newVulkanContext() *VulkanContext {
	return &VulkanContext{
		Allocator:       nil,
		PhysicalDevices: make(map[string]vk.PhysicalDevice),
		Devices:         make(map[metadata.DeviceHandle]*VulkanDevice),
	}
}

// handle hands out the next non zero handle for devices and resources.
func (vc *VulkanContext) handle() uint64 {
	vc.nextHandle++
	return vc.nextHandle
}
