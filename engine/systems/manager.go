package systems

import (
	"errors"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer"
)

type SystemManagerConfig struct {
	MaxCameraCount uint16
	Mesh           MeshStreamSystemConfig
}

/**
 * @brief Owns the engine systems and shuts them down in reverse order of
 * creation.
 */
type SystemManager struct {
	CameraSystem     *CameraSystem
	JobSystem        *JobSystem
	MeshStreamSystem *MeshStreamSystem
}

func NewSystemManager(config SystemManagerConfig, dm *renderer.DeviceManager, presenter *renderer.FrameResourcePresenter, events *core.EventBus) (*SystemManager, error) {
	if config.MaxCameraCount == 0 {
		config.MaxCameraCount = 16
	}
	js := NewJobSystem()

	cs, err := NewCameraSystem(&CameraSystemConfig{
		MaxCameraCount: config.MaxCameraCount,
	}, dm)
	if err != nil {
		js.Shutdown()
		return nil, err
	}
	mss, err := NewMeshStreamSystem(config.Mesh, dm, presenter, js, events)
	if err != nil {
		js.Shutdown()
		return nil, err
	}
	return &SystemManager{
		CameraSystem:     cs,
		JobSystem:        js,
		MeshStreamSystem: mss,
	}, nil
}

// Shutdown stops every system, the job system last. Call it before the
// device manager shuts down.
func (sm *SystemManager) Shutdown() error {
	var errs []error
	if err := sm.MeshStreamSystem.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := sm.CameraSystem.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := sm.JobSystem.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
