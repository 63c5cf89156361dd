package vulkan

import (
	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"
)

const (
	extShaderViewportIndexLayer = "VK_EXT_shader_viewport_index_layer"
	extShaderFloat16Int8        = "VK_KHR_shader_float16_int8"
	extPortabilitySubset        = "VK_KHR_portability_subset"
)

func vkFormat(f gputypes.TextureFormat) (vk.Format, bool) {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm:
		return vk.FormatR8g8b8a8Unorm, true
	case gputypes.TextureFormatRGBA8UnormSrgb:
		return vk.FormatR8g8b8a8Srgb, true
	case gputypes.TextureFormatBGRA8Unorm:
		return vk.FormatB8g8r8a8Unorm, true
	case gputypes.TextureFormatBGRA8UnormSrgb:
		return vk.FormatB8g8r8a8Srgb, true
	case gputypes.TextureFormatRGBA16Float:
		return vk.FormatR16g16b16a16Sfloat, true
	case gputypes.TextureFormatDepth16Unorm:
		return vk.FormatD16Unorm, true
	case gputypes.TextureFormatDepth24PlusStencil8:
		return vk.FormatD24UnormS8Uint, true
	case gputypes.TextureFormatDepth32Float:
		return vk.FormatD32Sfloat, true
	case gputypes.TextureFormatDepth32FloatStencil8:
		return vk.FormatD32SfloatS8Uint, true
	}
	return vk.FormatUndefined, false
}

func vkBufferUsage(u gputypes.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if u&gputypes.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if u&gputypes.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if u&gputypes.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if u&gputypes.BufferUsageStorage != 0 {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if u&gputypes.BufferUsageIndirect != 0 {
		flags |= vk.BufferUsageIndirectBufferBit
	}
	if u&gputypes.BufferUsageCopySrc != 0 {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if u&gputypes.BufferUsageCopyDst != 0 {
		flags |= vk.BufferUsageTransferDstBit
	}
	return vk.BufferUsageFlags(flags)
}

func vkImageUsage(u gputypes.TextureUsage, depth bool) vk.ImageUsageFlags {
	var flags vk.ImageUsageFlagBits
	if u&gputypes.TextureUsageRenderAttachment != 0 {
		if depth {
			flags |= vk.ImageUsageDepthStencilAttachmentBit
		} else {
			flags |= vk.ImageUsageColorAttachmentBit
		}
	}
	if u&gputypes.TextureUsageTextureBinding != 0 {
		flags |= vk.ImageUsageSampledBit
	}
	if u&gputypes.TextureUsageCopySrc != 0 {
		flags |= vk.ImageUsageTransferSrcBit
	}
	if u&gputypes.TextureUsageCopyDst != 0 {
		flags |= vk.ImageUsageTransferDstBit
	}
	return vk.ImageUsageFlags(flags)
}

func deviceType(t vk.PhysicalDeviceType) gputypes.DeviceType {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return gputypes.DeviceTypeIntegratedGPU
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return gputypes.DeviceTypeDiscreteGPU
	case vk.PhysicalDeviceTypeVirtualGpu:
		return gputypes.DeviceTypeVirtualGPU
	case vk.PhysicalDeviceTypeCpu:
		return gputypes.DeviceTypeCPU
	}
	return gputypes.DeviceTypeOther
}

// adapterFeatures maps the physical device features to the gputypes flags
// the renderer can require.
func adapterFeatures(f vk.PhysicalDeviceFeatures, limits vk.PhysicalDeviceLimits, extensions map[string]bool) gputypes.Features {
	var out gputypes.Features
	out.Insert(gputypes.FeaturePushConstants)
	if f.ShaderFloat64 == vk.True {
		out.Insert(gputypes.FeatureShaderFloat64)
	}
	if extensions[extShaderFloat16Int8] {
		out.Insert(gputypes.FeatureShaderF16)
	}
	if f.DepthClamp == vk.True {
		out.Insert(gputypes.FeatureDepthClipControl)
	}
	if f.TextureCompressionBC == vk.True {
		out.Insert(gputypes.FeatureTextureCompressionBC)
	}
	if f.TextureCompressionETC2 == vk.True {
		out.Insert(gputypes.FeatureTextureCompressionETC2)
	}
	if f.DrawIndirectFirstInstance == vk.True {
		out.Insert(gputypes.FeatureIndirectFirstInstance)
	}
	if f.MultiDrawIndirect == vk.True {
		out.Insert(gputypes.FeatureMultiDrawIndirect)
	}
	if f.PipelineStatisticsQuery == vk.True {
		out.Insert(gputypes.FeaturePipelineStatisticsQuery)
	}
	if limits.TimestampComputeAndGraphics == vk.True {
		out.Insert(gputypes.FeatureTimestampQuery)
	}
	return out
}
