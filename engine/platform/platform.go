package platform

import (
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/holostream/engine/core"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

/**
 * @brief Desktop mirror window. It has no swapchain of its own; it bootstraps
 * the Vulkan loader and reports size changes and quit requests on the bus.
 */
type Platform struct {
	Window *glfw.Window

	events    *core.EventBus
	width     uint32
	height    uint32
	startTime float64
}

func New(events *core.EventBus) (*Platform, error) {
	return &Platform{
		Window: nil,
		events: events,
	}, nil
}

func (p *Platform) Startup(applicationName string, x uint32, y uint32, width uint32, height uint32) error {
	if err := glfw.Init(); err != nil {
		core.LogError("failed to initialize glfw: %s", err)
		return err
	}
	if !glfw.VulkanSupported() {
		core.LogWarn("glfw reports no Vulkan loader")
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(width), int(height), applicationName, nil, nil)
	if err != nil {
		core.LogError("failed to create window: %s", err)
		glfw.Terminate()
		return err
	}
	p.Window = window
	p.width, p.height = width, height

	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetCloseCallback(p.closeCallback)
	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetPos(int(x), int(y))
	p.Window.Show()

	p.startTime = glfw.GetTime()
	return nil
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
	}
	glfw.Terminate()
	return nil
}

// PumpMessages processes pending window events. It returns false once the
// window was asked to close.
func (p *Platform) PumpMessages() bool {
	if p.Window == nil {
		return false
	}
	glfw.PollEvents()
	return !p.Window.ShouldClose()
}

func (p *Platform) FramebufferSize() (uint32, uint32) {
	return p.width, p.height
}

// RequiredInstanceExtensions lists the instance extensions the window needs
// to present Vulkan images.
func (p *Platform) RequiredInstanceExtensions() []string {
	if p.Window == nil {
		return nil
	}
	return p.Window.GetRequiredInstanceExtensions()
}

func (p *Platform) VulkanProcAddr() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

// GetAbsoluteTime returns the seconds elapsed since Startup.
func (p *Platform) GetAbsoluteTime() float64 {
	return glfw.GetTime() - p.startTime
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if key == glfw.KeyEscape && action == glfw.Press {
		w.SetShouldClose(true)
	}
}

func (p *Platform) closeCallback(w *glfw.Window) {
	p.events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	if width <= 0 || height <= 0 {
		// Minimized.
		return
	}
	p.width, p.height = uint32(width), uint32(height)
	p.events.Fire(core.EventContext{
		Type: core.EVENT_CODE_RESIZED,
		U32:  uint32(width)<<16 | uint32(height)&0xFFFF,
	})
}
