package metadata

import "github.com/gogpu/gputypes"

/** @brief Indexed, instanced draw of one mesh. */
type DrawCall struct {
	VertexBuffer  BufferHandle
	NormalBuffer  BufferHandle
	IndexBuffer   BufferHandle
	VertexStride  uint32
	NormalStride  uint32
	IndexCount    uint32
	IndexFormat   gputypes.IndexFormat
	InstanceCount uint32
	/**
	 * @brief Route instances to array slices through an extra geometry
	 * stage, for devices that cannot set the render target array index
	 * from the vertex shader.
	 */
	UseGeometryShader bool
	/** @brief Model and normal matrices, 128 bytes. */
	ModelConstants []byte
	/** @brief Name of the effect and whether it consumes stereo matrices. */
	EffectName   string
	StereoEffect bool
}
