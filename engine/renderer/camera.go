package renderer

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer/components"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

type CameraState uint8

const (
	CameraStateDetached CameraState = iota
	CameraStateResourcesUninitialized
	// The back buffer is bound but the depth buffer still has to be created.
	CameraStateBackBufferReady
	CameraStateReady
)

func (s CameraState) String() string {
	switch s {
	case CameraStateDetached:
		return "Detached"
	case CameraStateResourcesUninitialized:
		return "ResourcesUninitialized"
	case CameraStateBackBufferReady:
		return "BackBufferReady"
	case CameraStateReady:
		return "Ready"
	}
	return "Unknown"
}

/** @brief Size of the per-frame constant buffer: one view-projection per eye. */
const PER_FRAME_CONSTANTS_SIZE uint64 = 2 * 64

const DEPTH_BUFFER_FORMAT = gputypes.TextureFormatDepth16Unorm

/**
 * @brief Device dependent resources of one holographic camera. Entries
 * live in the CameraRegistry and are only touched under its lock.
 */
type CameraResources struct {
	backend Backend

	id               uint32
	stereo           bool
	props            metadata.CameraProperties
	renderTargetSize gputypes.Extent3D

	hasSurface      bool
	surfaceIdentity metadata.SurfaceIdentity
	renderTarget    metadata.RenderTargetViewHandle
	format          gputypes.TextureFormat
	depthBuffer     metadata.TextureHandle
	constants       metadata.BufferHandle
	viewport        metadata.Viewport
	epoch           uint64

	framePending   bool
	viewProjection [2]math.Mat4
	detached       bool
}

func NewCameraResources(backend Backend, props metadata.CameraProperties) *CameraResources {
	return &CameraResources{
		backend:          backend,
		id:               props.ID,
		stereo:           props.Stereo,
		props:            props,
		renderTargetSize: gputypes.NewExtent2D(props.RenderTargetSize.Width, props.RenderTargetSize.Height),
		viewport:         metadata.NewViewport(props.RenderTargetSize.Width, props.RenderTargetSize.Height),
	}
}

func (c *CameraResources) ID() uint32 { return c.id }
func (c *CameraResources) IsStereo() bool { return c.stereo }
func (c *CameraResources) RenderTargetSize() gputypes.Extent3D { return c.renderTargetSize }
func (c *CameraResources) Format() gputypes.TextureFormat { return c.format }
func (c *CameraResources) Viewport() metadata.Viewport { return c.viewport }
func (c *CameraResources) RenderTarget() metadata.RenderTargetViewHandle { return c.renderTarget }
func (c *CameraResources) DepthBuffer() metadata.TextureHandle { return c.depthBuffer }
func (c *CameraResources) ConstantBuffer() metadata.BufferHandle { return c.constants }
func (c *CameraResources) FramePending() bool { return c.framePending }
func (c *CameraResources) ViewProjection() [2]math.Mat4 { return c.viewProjection }

func (c *CameraResources) State() CameraState {
	switch {
	case c.detached:
		return CameraStateDetached
	case c.renderTarget == 0:
		return CameraStateResourcesUninitialized
	case c.depthBuffer == 0:
		return CameraStateBackBufferReady
	}
	return CameraStateReady
}

/**
 * @brief Binds the back buffer of the surface. Nothing happens while the
 * surface identity matches the cached one. A new surface rebinds the render
 * target view; the depth buffer is only invalidated when the size changed.
 */
func (c *CameraResources) EnsureBackBufferResources(dev *metadata.GraphicsDevice, surface metadata.Surface) error {
	if dev == nil {
		return core.ErrDeviceNotInitialized
	}
	if c.hasSurface && c.renderTarget != 0 && c.epoch == dev.Epoch && c.surfaceIdentity == surface.Identity {
		return nil
	}

	if c.renderTarget != 0 {
		c.backend.ReleaseRenderTargetView(dev.Handle, c.renderTarget)
		c.renderTarget = 0
	}
	view, format, err := c.backend.CreateRenderTargetView(dev.Handle, surface)
	if err != nil {
		c.hasSurface = false
		err = fmt.Errorf("camera %d: failed to bind back buffer %d: %w", c.id, surface.Identity, err)
		core.LogError("%s", err)
		return err
	}
	c.renderTarget = view
	c.format = format
	c.surfaceIdentity = surface.Identity
	c.hasSurface = true
	c.epoch = dev.Epoch

	size := gputypes.NewExtent2D(surface.Width, surface.Height)
	if size != c.renderTargetSize {
		core.LogDebug("camera %d render target resized from %dx%d to %dx%d", c.id,
			c.renderTargetSize.Width, c.renderTargetSize.Height, size.Width, size.Height)
		c.renderTargetSize = size
		c.releaseDepthBuffer(dev)
	}
	c.viewport = metadata.NewViewport(size.Width, size.Height)
	return nil
}

/**
 * @brief Creates the depth buffer if it is missing: a single layer for mono
 * cameras, a two layer array for stereo ones.
 */
func (c *CameraResources) EnsureDepthBuffer(dev *metadata.GraphicsDevice) error {
	if dev == nil {
		return core.ErrDeviceNotInitialized
	}
	if c.depthBuffer != 0 {
		return nil
	}
	layers := uint32(1)
	if c.stereo {
		layers = 2
	}
	desc := gputypes.TextureDescriptor{
		Label:         fmt.Sprintf("camera-%d-depth", c.id),
		Size:          gputypes.NewExtent3D(c.renderTargetSize.Width, c.renderTargetSize.Height, layers),
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        DEPTH_BUFFER_FORMAT,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}
	tex, err := c.backend.CreateTexture(dev.Handle, desc)
	if err != nil {
		err = fmt.Errorf("camera %d: failed to create depth buffer: %w", c.id, err)
		core.LogError("%s", err)
		return err
	}
	c.depthBuffer = tex
	return nil
}

// EnsurePerFrameConstantResource creates the constant buffer once. It is
// only recreated after the entry's resources have been released.
func (c *CameraResources) EnsurePerFrameConstantResource(dev *metadata.GraphicsDevice) error {
	if dev == nil {
		return core.ErrDeviceNotInitialized
	}
	if c.constants != 0 {
		return nil
	}
	desc := gputypes.BufferDescriptor{
		Label: fmt.Sprintf("camera-%d-per-frame", c.id),
		Size:  PER_FRAME_CONSTANTS_SIZE,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	}
	buf, err := c.backend.CreateBuffer(dev.Handle, desc, nil)
	if err != nil {
		err = fmt.Errorf("camera %d: failed to create per-frame constants: %w", c.id, err)
		core.LogError("%s", err)
		return err
	}
	c.constants = buf
	return nil
}

/**
 * @brief Computes this frame's view-projection matrices and uploads them.
 * Returns false, leaving the frame not pending and uploading nothing, when
 * the pose cannot be expressed in the base coordinate system.
 */
func (c *CameraResources) UpdatePerFrameData(dev *metadata.GraphicsDevice, pose components.StereoPose, base metadata.CoordinateSystem, resolver metadata.CoordinateResolver) bool {
	c.framePending = false
	if dev == nil || c.constants == 0 || resolver == nil {
		return false
	}
	baseToPose, ok := resolver.TryGetTransform(base, pose.CoordinateSystem)
	if !ok {
		core.LogDebug("camera %d skipped: %s (%s -> %s)", c.id, core.ErrTransformUnresolved, base, pose.CoordinateSystem)
		return false
	}
	vp := pose.ViewProjection(baseToPose)
	if !c.stereo {
		vp[components.RIGHT_EYE] = vp[components.LEFT_EYE]
	}

	data := make([]byte, 0, PER_FRAME_CONSTANTS_SIZE)
	data = vp[0].Transposed().AppendBytes(data)
	data = vp[1].Transposed().AppendBytes(data)
	if err := c.backend.WriteBuffer(dev.Handle, c.constants, 0, data); err != nil {
		core.LogWarn("camera %d: per-frame upload failed: %s", c.id, err.Error())
		return false
	}
	c.viewProjection = vp
	c.framePending = true
	return true
}

/**
 * @brief Binds the viewport, render targets and per-frame constants.
 * Only succeeds after UpdatePerFrameData succeeded this frame; the pending
 * flag is consumed.
 */
func (c *CameraResources) Attach(dev *metadata.GraphicsDevice) bool {
	if !c.framePending || dev == nil {
		return false
	}
	c.framePending = false
	c.backend.SetRenderTargets(dev.Handle, c.renderTarget, c.depthBuffer)
	c.backend.SetViewport(dev.Handle, c.viewport)
	c.backend.BindConstantBuffer(dev.Handle, 1, c.constants)
	return true
}

/**
 * @brief Drops every device dependent resource while keeping the camera
 * attached; the next frame rebuilds them lazily. dev may be nil or lost.
 */
func (c *CameraResources) ReleaseResources(dev *metadata.GraphicsDevice) {
	if dev != nil {
		c.backend.ClearRenderTargets(dev.Handle)
		c.backend.Flush(dev.Handle)
		if c.renderTarget != 0 {
			c.backend.ReleaseRenderTargetView(dev.Handle, c.renderTarget)
		}
		c.releaseDepthBuffer(dev)
		if c.constants != 0 {
			c.backend.ReleaseBuffer(dev.Handle, c.constants)
		}
	}
	c.renderTarget = 0
	c.depthBuffer = 0
	c.constants = 0
	c.hasSurface = false
	c.surfaceIdentity = 0
	c.framePending = false
	c.epoch = 0
}

// Release drops every resource and marks the entry detached.
func (c *CameraResources) Release(dev *metadata.GraphicsDevice) {
	c.ReleaseResources(dev)
	c.detached = true
}

func (c *CameraResources) releaseDepthBuffer(dev *metadata.GraphicsDevice) {
	if c.depthBuffer != 0 && dev != nil {
		c.backend.ReleaseTexture(dev.Handle, c.depthBuffer)
	}
	c.depthBuffer = 0
}
