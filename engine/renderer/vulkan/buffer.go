package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

/** @brief A host visible buffer. Uploads are mapped writes, no staging. */
type VulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Size   uint64
	Label  string
}

func NewVulkanBuffer(context *VulkanContext, device *VulkanDevice, label string, size uint64, usage vk.BufferUsageFlags) (*VulkanBuffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("buffer `%s` has zero size", label)
	}
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}

	var buffer vk.Buffer
	if res := vk.CreateBuffer(device.LogicalDevice, &bufferInfo, context.Allocator, &buffer); res != vk.Success {
		return nil, resultError("vkCreateBuffer", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(device.LogicalDevice, buffer, &memReqs)
	memReqs.Deref()

	index := device.FindMemoryIndex(memReqs.MemoryTypeBits, vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	if index < 0 {
		vk.DestroyBuffer(device.LogicalDevice, buffer, context.Allocator)
		return nil, fmt.Errorf("buffer `%s`: no host visible memory type", label)
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: uint32(index),
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(device.LogicalDevice, &allocInfo, context.Allocator, &memory); res != vk.Success {
		vk.DestroyBuffer(device.LogicalDevice, buffer, context.Allocator)
		return nil, resultError("vkAllocateMemory", res)
	}
	if res := vk.BindBufferMemory(device.LogicalDevice, buffer, memory, 0); res != vk.Success {
		vk.FreeMemory(device.LogicalDevice, memory, context.Allocator)
		vk.DestroyBuffer(device.LogicalDevice, buffer, context.Allocator)
		return nil, resultError("vkBindBufferMemory", res)
	}

	return &VulkanBuffer{Handle: buffer, Memory: memory, Size: size, Label: label}, nil
}

// Upload copies data into the buffer starting at offset.
func (b *VulkanBuffer) Upload(device *VulkanDevice, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if offset+uint64(len(data)) > b.Size {
		return fmt.Errorf("write of %d bytes at %d overflows buffer `%s`", len(data), offset, b.Label)
	}
	var pData unsafe.Pointer
	if res := vk.MapMemory(device.LogicalDevice, b.Memory, vk.DeviceSize(offset), vk.DeviceSize(len(data)), 0, &pData); res != vk.Success {
		return resultError("vkMapMemory", res)
	}
	n := vk.Memcopy(pData, data)
	vk.UnmapMemory(device.LogicalDevice, b.Memory)
	if n != len(data) {
		return fmt.Errorf("buffer `%s`: copied %d of %d bytes", b.Label, n, len(data))
	}
	return nil
}

func (b *VulkanBuffer) Destroy(context *VulkanContext, device *VulkanDevice) {
	if b.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(device.LogicalDevice, b.Memory, context.Allocator)
		b.Memory = vk.NullDeviceMemory
	}
	if b.Handle != vk.NullBuffer {
		vk.DestroyBuffer(device.LogicalDevice, b.Handle, context.Allocator)
		b.Handle = vk.NullBuffer
	}
}
