package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/holostream/engine/core"
)

type VulkanFence struct {
	Handle     vk.Fence
	IsSignaled bool
}

func NewFence(context *VulkanContext, device *VulkanDevice, createSignaled bool) (*VulkanFence, error) {
	fence := &VulkanFence{
		// Make sure to signal the fence if required.
		IsSignaled: createSignaled,
	}

	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if fence.IsSignaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	var pFence vk.Fence
	if res := vk.CreateFence(device.LogicalDevice, &fenceCreateInfo, context.Allocator, &pFence); res != vk.Success {
		return nil, resultError("vkCreateFence", res)
	}
	fence.Handle = pFence
	return fence, nil
}

func (vf *VulkanFence) FenceDestroy(context *VulkanContext, device *VulkanDevice) {
	if vf.Handle != vk.NullFence {
		vk.DestroyFence(device.LogicalDevice, vf.Handle, context.Allocator)
		vf.Handle = vk.NullFence
	}
	vf.IsSignaled = false
}

// FenceWait blocks until the fence signals. Device loss surfaces as
// core.ErrDeviceRemoved.
func (vf *VulkanFence) FenceWait(device *VulkanDevice, timeoutNs uint64) error {
	if vf.IsSignaled {
		return nil
	}
	result := vk.WaitForFences(device.LogicalDevice, 1, []vk.Fence{vf.Handle}, vk.True, timeoutNs)
	switch result {
	case vk.Success:
		vf.IsSignaled = true
		return nil
	case vk.Timeout:
		core.LogWarn("vk_fence_wait - Timed out")
		return fmt.Errorf("fence wait timed out after %dns", timeoutNs)
	}
	return resultError("vkWaitForFences", result)
}

func (vf *VulkanFence) FenceReset(device *VulkanDevice) error {
	if vf.IsSignaled {
		if res := vk.ResetFences(device.LogicalDevice, 1, []vk.Fence{vf.Handle}); res != vk.Success {
			return resultError("vkResetFences", res)
		}
		vf.IsSignaled = false
	}
	return nil
}
