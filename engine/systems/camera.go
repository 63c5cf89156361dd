package systems

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

/**
 * @brief Keeps the device manager's camera registry in step with the
 * cameras the holographic space reports.
 */
type CameraSystem struct {
	Config *CameraSystemConfig

	dm       *renderer.DeviceManager
	mu       sync.Mutex
	attached map[uint32]metadata.CameraProperties
}

/** @brief The camera system configuration. */
type CameraSystemConfig struct {
	/** @brief The maximum number of cameras attached at once. */
	MaxCameraCount uint16
}

func NewCameraSystem(config *CameraSystemConfig, dm *renderer.DeviceManager) (*CameraSystem, error) {
	if config.MaxCameraCount == 0 {
		err := fmt.Errorf("func NewCameraSystem - config.MaxCameraCount must be > 0")
		core.LogError("%s", err)
		return nil, err
	}
	return &CameraSystem{
		Config:   config,
		dm:       dm,
		attached: make(map[uint32]metadata.CameraProperties),
	}, nil
}

/**
 * @brief Attaches a camera the space just added.
 *
 * @param props The properties fixed at attach time.
 * @return An error if the camera limit is reached or the id is taken.
 */
func (cs *CameraSystem) OnCameraAdded(props metadata.CameraProperties) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.attached[props.ID]; ok {
		return fmt.Errorf("%w: id %d", core.ErrCameraExists, props.ID)
	}
	if len(cs.attached) >= int(cs.Config.MaxCameraCount) {
		err := fmt.Errorf("camera limit of %d reached, camera %d not attached", cs.Config.MaxCameraCount, props.ID)
		core.LogError("%s", err)
		return err
	}
	if err := cs.dm.AttachCamera(props); err != nil {
		return err
	}
	cs.attached[props.ID] = props
	return nil
}

/** @brief Detaches a camera the space removed. */
func (cs *CameraSystem) OnCameraRemoved(id uint32) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.attached[id]; !ok {
		return fmt.Errorf("%w: id %d", core.ErrCameraNotFound, id)
	}
	delete(cs.attached, id)
	return cs.dm.DetachCamera(id)
}

/**
 * @brief Diffs the attached set against the cameras currently present:
 * missing ones are attached, vanished ones detached.
 */
func (cs *CameraSystem) Reconcile(present []metadata.CameraProperties) error {
	want := make(map[uint32]metadata.CameraProperties, len(present))
	for _, p := range present {
		want[p.ID] = p
	}

	var errs []error
	for _, id := range cs.Attached() {
		if _, ok := want[id]; !ok {
			if err := cs.OnCameraRemoved(id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	ids := maps.Keys(want)
	slices.Sort(ids)
	for _, id := range ids {
		cs.mu.Lock()
		_, ok := cs.attached[id]
		cs.mu.Unlock()
		if ok {
			continue
		}
		if err := cs.OnCameraAdded(want[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Attached returns the attached camera ids in ascending order.
func (cs *CameraSystem) Attached() []uint32 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ids := maps.Keys(cs.attached)
	slices.Sort(ids)
	return ids
}

/** @brief Detaches every camera still attached. */
func (cs *CameraSystem) Shutdown() error {
	return cs.Reconcile(nil)
}
