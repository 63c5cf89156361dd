package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

/**
 * @brief A 2D array image in device local memory with a view spanning all
 * of its layers. Used for depth buffers and offscreen back buffers.
 */
type VulkanImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	View   vk.ImageView
	Format vk.Format
	Width  uint32
	Height uint32
	Layers uint32
	Depth  bool
	Layout vk.ImageLayout
}

func NewVulkanImage(context *VulkanContext, device *VulkanDevice, format vk.Format, width, height, layers uint32, usage vk.ImageUsageFlags, depth bool) (*VulkanImage, error) {
	if width == 0 || height == 0 || layers == 0 {
		return nil, fmt.Errorf("image has an empty extent %dx%dx%d", width, height, layers)
	}
	if layers > device.Capabilities.MaxTextureArrayLayers {
		return nil, fmt.Errorf("image has %d layers, device allows %d", layers, device.Capabilities.MaxTextureArrayLayers)
	}

	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   layers,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}

	img := &VulkanImage{Format: format, Width: width, Height: height, Layers: layers, Depth: depth, Layout: vk.ImageLayoutUndefined}
	if res := vk.CreateImage(device.LogicalDevice, &imageInfo, context.Allocator, &img.Handle); res != vk.Success {
		return nil, resultError("vkCreateImage", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(device.LogicalDevice, img.Handle, &memReqs)
	memReqs.Deref()

	index := device.FindMemoryIndex(memReqs.MemoryTypeBits, vk.MemoryPropertyDeviceLocalBit)
	if index < 0 {
		img.Destroy(context, device)
		return nil, fmt.Errorf("no device local memory type for image")
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: uint32(index),
	}
	if res := vk.AllocateMemory(device.LogicalDevice, &allocInfo, context.Allocator, &img.Memory); res != vk.Success {
		img.Destroy(context, device)
		return nil, resultError("vkAllocateMemory", res)
	}
	if res := vk.BindImageMemory(device.LogicalDevice, img.Handle, img.Memory, 0); res != vk.Success {
		img.Destroy(context, device)
		return nil, resultError("vkBindImageMemory", res)
	}

	if err := img.createView(context, device); err != nil {
		img.Destroy(context, device)
		return nil, err
	}
	return img, nil
}

func (img *VulkanImage) aspect() vk.ImageAspectFlags {
	if img.Depth {
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

func (img *VulkanImage) createView(context *VulkanContext, device *VulkanDevice) error {
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img.Handle,
		ViewType: vk.ImageViewType2dArray,
		Format:   img.Format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: img.aspect(),
			LevelCount: 1,
			LayerCount: img.Layers,
		},
	}
	if res := vk.CreateImageView(device.LogicalDevice, &viewInfo, context.Allocator, &img.View); res != vk.Success {
		return resultError("vkCreateImageView", res)
	}
	return nil
}

// TransitionLayout records a barrier moving every layer to newLayout.
func (img *VulkanImage) TransitionLayout(cb *VulkanCommandBuffer, newLayout vk.ImageLayout, dstAccess vk.AccessFlagBits, dstStage vk.PipelineStageFlagBits) {
	if img.Layout == newLayout {
		return
	}
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           img.Layout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: img.aspect(),
			LevelCount: 1,
			LayerCount: img.Layers,
		},
		DstAccessMask: vk.AccessFlags(dstAccess),
	}
	vk.CmdPipelineBarrier(
		cb.Handle,
		vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		vk.PipelineStageFlags(dstStage),
		0,
		0, nil,
		0, nil,
		1, []vk.ImageMemoryBarrier{barrier})
	img.Layout = newLayout
}

func (img *VulkanImage) Destroy(context *VulkanContext, device *VulkanDevice) {
	if img.View != vk.NullImageView {
		vk.DestroyImageView(device.LogicalDevice, img.View, context.Allocator)
		img.View = vk.NullImageView
	}
	if img.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(device.LogicalDevice, img.Memory, context.Allocator)
		img.Memory = vk.NullDeviceMemory
	}
	if img.Handle != vk.NullImage {
		vk.DestroyImage(device.LogicalDevice, img.Handle, context.Allocator)
		img.Handle = vk.NullImage
	}
}
