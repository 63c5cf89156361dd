package engine

import (
	"fmt"

	"github.com/spaghettifunk/holostream/engine/platform"
	"github.com/spaghettifunk/holostream/engine/renderer"
	"github.com/spaghettifunk/holostream/engine/renderer/simulated"
	"github.com/spaghettifunk/holostream/engine/renderer/vulkan"
)

var (
	_ renderer.Backend = (*simulated.Backend)(nil)
	_ renderer.Backend = (*vulkan.Backend)(nil)
)

/**
 * @brief Creates the configured backend. When a mirror platform is running
 * the Vulkan instance is created through its loader with the extensions the
 * window needs. The returned function releases the backend.
 */
func NewBackend(config *ApplicationConfig, p *platform.Platform) (renderer.Backend, func(), error) {
	switch config.Backend {
	case BACKEND_SIMULATED:
		return simulated.New(), func() {}, nil
	case BACKEND_VULKAN:
		cfg := vulkan.Config{
			AppName: config.Name,
			Debug:   config.Debug,
		}
		if p != nil && p.Window != nil {
			cfg.InstanceExtensions = p.RequiredInstanceExtensions()
			cfg.ProcAddr = p.VulkanProcAddr()
		}
		be, err := vulkan.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return be, be.Shutdown, nil
	}
	return nil, nil, fmt.Errorf("unknown backend `%s`", config.Backend)
}
