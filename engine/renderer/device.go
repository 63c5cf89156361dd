package renderer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/google/uuid"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

/** @brief What happened to a frame handed to Present. */
type PresentOutcome struct {
	Presented bool
	/** @brief The device was lost and has been replaced; the frame was dropped. */
	DeviceRecovered bool
}

/**
 * @brief Owns the graphics device, the registry of per-camera resources and
 * device loss recovery.
 *
 * Locking: the device lock is always taken before the registry lock.
 * Frame work and background builds hold the device lock shared; recovery
 * holds it exclusively, so no frame submission interleaves with it.
 */
type DeviceManager struct {
	backend Backend
	events  *core.EventBus

	deviceMu sync.RWMutex
	device   *metadata.GraphicsDevice
	pref     metadata.AdapterPreference
	epoch    uint64

	registry *CameraRegistry

	notifyMu sync.Mutex
	notify   []DeviceNotify
}

// NewDeviceManager creates a manager without a device. events may be nil.
func NewDeviceManager(backend Backend, events *core.EventBus) *DeviceManager {
	return &DeviceManager{
		backend:  backend,
		events:   events,
		registry: newCameraRegistry(),
	}
}

func (dm *DeviceManager) Backend() Backend {
	return dm.backend
}

/**
 * @brief Creates the device. Candidates are tried in order: the preferred
 * adapter, the default hardware adapter, the software adapter. Returns an
 * error wrapping core.ErrNoCompatibleAdapter when none of them satisfies
 * the requirements; that error is fatal.
 */
func (dm *DeviceManager) Initialize(pref metadata.AdapterPreference) error {
	dm.deviceMu.Lock()
	defer dm.deviceMu.Unlock()

	if dm.device != nil {
		return nil
	}
	return dm.initializeLocked(pref)
}

func (dm *DeviceManager) initializeLocked(pref metadata.AdapterPreference) error {
	adapters, err := dm.backend.EnumerateAdapters()
	if err != nil {
		err = fmt.Errorf("failed to enumerate adapters on backend `%s`: %w", dm.backend.Name(), err)
		core.LogError("%s", err)
		return err
	}

	candidates := SelectAdapterCandidates(adapters, pref)
	for _, adapter := range candidates {
		if !pref.Requirements.SatisfiedBy(adapter) {
			core.LogWarn("adapter %s lacks required features %v", adapter, pref.Requirements.Missing(adapter))
			continue
		}
		handle, caps, err := dm.backend.CreateDevice(adapter, pref.Requirements)
		if err != nil {
			core.LogWarn("failed to create device on adapter %s: %s", adapter, err.Error())
			continue
		}
		dm.epoch++
		dm.device = &metadata.GraphicsDevice{
			ID:           uuid.New(),
			Handle:       handle,
			Adapter:      adapter,
			Capabilities: caps,
			Epoch:        dm.epoch,
		}
		dm.pref = pref
		core.LogInfo("graphics device %s created on %s (epoch %d, vprt=%t)",
			dm.device.ID, adapter, dm.epoch, caps.ViewportArrayIndexFromVertexShader)
		return nil
	}

	err = fmt.Errorf("%w: %d adapters enumerated, %d candidates tried", core.ErrNoCompatibleAdapter, len(adapters), len(candidates))
	core.LogError("%s", err)
	return err
}

/**
 * @brief Orders the adapters device creation should try: the preferred one
 * by id, then the default hardware adapter for the power preference, then
 * the first software adapter. Duplicates are dropped.
 */
func SelectAdapterCandidates(adapters []metadata.Adapter, pref metadata.AdapterPreference) []metadata.Adapter {
	var out []metadata.Adapter
	seen := make(map[string]bool, len(adapters))
	add := func(a metadata.Adapter) {
		if !seen[a.ID] {
			seen[a.ID] = true
			out = append(out, a)
		}
	}

	if pref.PreferredID != "" {
		for _, a := range adapters {
			if a.ID == pref.PreferredID && !(pref.ForceSoftware && !a.IsSoftware()) {
				add(a)
				break
			}
		}
	}
	if !pref.ForceSoftware {
		if a, ok := defaultHardwareAdapter(adapters, pref.PowerPreference); ok {
			add(a)
		}
	}
	for _, a := range adapters {
		if a.IsSoftware() {
			add(a)
			break
		}
	}
	return out
}

func defaultHardwareAdapter(adapters []metadata.Adapter, power gputypes.PowerPreference) (metadata.Adapter, bool) {
	var wanted gputypes.DeviceType
	switch power {
	case gputypes.PowerPreferenceHighPerformance:
		wanted = gputypes.DeviceTypeDiscreteGPU
	case gputypes.PowerPreferenceLowPower:
		wanted = gputypes.DeviceTypeIntegratedGPU
	}
	var first *metadata.Adapter
	for i := range adapters {
		a := adapters[i]
		if a.IsSoftware() {
			continue
		}
		if power != gputypes.PowerPreferenceNone && a.Info.DeviceType == wanted {
			return a, true
		}
		if first == nil {
			first = &adapters[i]
		}
	}
	if first == nil {
		return metadata.Adapter{}, false
	}
	return *first, true
}

// Device returns the current device, or nil while none exists.
func (dm *DeviceManager) Device() *metadata.GraphicsDevice {
	dm.deviceMu.RLock()
	defer dm.deviceMu.RUnlock()
	return dm.device
}

// Epoch is the number of devices created so far.
func (dm *DeviceManager) Epoch() uint64 {
	dm.deviceMu.RLock()
	defer dm.deviceMu.RUnlock()
	return dm.epoch
}

/**
 * @brief Runs fn with shared access to the current device. Recovery cannot
 * start while fn runs, so handles created inside stay valid until it returns.
 */
func (dm *DeviceManager) WithDevice(fn func(dev *metadata.GraphicsDevice) error) error {
	dm.deviceMu.RLock()
	defer dm.deviceMu.RUnlock()
	if dm.device == nil {
		return core.ErrDeviceNotInitialized
	}
	return fn(dm.device)
}

/**
 * @brief The only way to reach the camera registry. fn runs with the device
 * lock held shared and the registry lock held; dev is nil before Initialize.
 * The registry must not be retained after fn returns.
 */
func (dm *DeviceManager) WithCameraRegistry(fn func(dev *metadata.GraphicsDevice, reg *CameraRegistry) error) error {
	dm.deviceMu.RLock()
	defer dm.deviceMu.RUnlock()

	dm.registry.mu.Lock()
	defer dm.registry.mu.Unlock()
	return fn(dm.device, dm.registry)
}

func (dm *DeviceManager) AttachCamera(props metadata.CameraProperties) error {
	err := dm.WithCameraRegistry(func(dev *metadata.GraphicsDevice, reg *CameraRegistry) error {
		if _, ok := reg.entries[props.ID]; ok {
			return fmt.Errorf("%w: id %d", core.ErrCameraExists, props.ID)
		}
		reg.entries[props.ID] = NewCameraResources(dm.backend, props)
		return nil
	})
	if err != nil {
		core.LogWarn("%s", err)
		return err
	}
	core.LogInfo("camera %d attached (stereo=%t, %dx%d)", props.ID, props.Stereo, props.RenderTargetSize.Width, props.RenderTargetSize.Height)
	dm.events.Fire(core.EventContext{Type: core.EVENT_CODE_CAMERA_ADDED, U32: props.ID})
	return nil
}

/**
 * @brief Removes the camera. Bound render targets are cleared and the
 * context flushed before its resources are released, so no reference to
 * the camera's surface outlives it.
 */
func (dm *DeviceManager) DetachCamera(id uint32) error {
	err := dm.WithCameraRegistry(func(dev *metadata.GraphicsDevice, reg *CameraRegistry) error {
		entry, ok := reg.entries[id]
		if !ok {
			return fmt.Errorf("%w: id %d", core.ErrCameraNotFound, id)
		}
		entry.Release(dev)
		delete(reg.entries, id)
		return nil
	})
	if err != nil {
		core.LogWarn("%s", err)
		return err
	}
	core.LogInfo("camera %d detached", id)
	dm.events.Fire(core.EventContext{Type: core.EVENT_CODE_CAMERA_REMOVED, U32: id})
	return nil
}

// RegisterDeviceNotify adds an observer of device loss. Observers run with
// the device lock held exclusively and must not call back into the manager.
func (dm *DeviceManager) RegisterDeviceNotify(n DeviceNotify) {
	dm.notifyMu.Lock()
	defer dm.notifyMu.Unlock()
	dm.notify = append(dm.notify, n)
}

func (dm *DeviceManager) UnregisterDeviceNotify(n DeviceNotify) {
	dm.notifyMu.Lock()
	defer dm.notifyMu.Unlock()
	for i, o := range dm.notify {
		if o == n {
			dm.notify = append(dm.notify[:i], dm.notify[i+1:]...)
			return
		}
	}
}

func (dm *DeviceManager) observers() []DeviceNotify {
	dm.notifyMu.Lock()
	defer dm.notifyMu.Unlock()
	out := make([]DeviceNotify, len(dm.notify))
	copy(out, dm.notify)
	return out
}

/**
 * @brief Submits the frame. A removed device triggers recovery and the frame
 * is dropped, not retried; that case is reported through the outcome and
 * never as an error. Only a failed re-initialization is returned.
 */
func (dm *DeviceManager) Present(frame uint64) (PresentOutcome, error) {
	dm.deviceMu.RLock()
	dev := dm.device
	if dev == nil {
		dm.deviceMu.RUnlock()
		return PresentOutcome{}, core.ErrDeviceNotInitialized
	}
	err := dm.backend.Present(dev.Handle, frame)
	dm.deviceMu.RUnlock()

	if err == nil {
		return PresentOutcome{Presented: true}, nil
	}
	if !errors.Is(err, core.ErrDeviceRemoved) {
		core.LogWarn("present of frame %d failed, frame dropped: %s", frame, err.Error())
		return PresentOutcome{}, nil
	}

	core.LogWarn("device %s removed while presenting frame %d", dev.ID, frame)
	if err := dm.recoverFromLoss(dev.Epoch); err != nil {
		return PresentOutcome{}, err
	}
	return PresentOutcome{DeviceRecovered: true}, nil
}

// RecoverFromLoss tears down the current device and every camera's resources
// and creates a new device with the last adapter preference.
func (dm *DeviceManager) RecoverFromLoss() error {
	return dm.recoverFromLoss(0)
}

// recoverFromLoss skips the work when lostEpoch is non zero and a newer
// device already replaced the lost one.
func (dm *DeviceManager) recoverFromLoss(lostEpoch uint64) error {
	dm.deviceMu.Lock()
	defer dm.deviceMu.Unlock()

	if lostEpoch != 0 && dm.epoch != lostEpoch && dm.device != nil {
		return nil
	}

	old := dm.device
	observers := dm.observers()
	for _, n := range observers {
		n.OnDeviceLost(old)
	}
	dm.events.Fire(core.EventContext{Type: core.EVENT_CODE_DEVICE_LOST, Data: old})

	dm.registry.mu.Lock()
	for _, entry := range dm.registry.entries {
		entry.ReleaseResources(old)
	}
	dm.registry.mu.Unlock()

	if old != nil {
		dm.backend.DestroyDevice(old.Handle)
	}
	dm.device = nil

	if err := dm.initializeLocked(dm.pref); err != nil {
		err = fmt.Errorf("device recovery failed: %w", err)
		core.LogError("%s", err)
		return err
	}

	for _, n := range observers {
		n.OnDeviceRestored(dm.device)
	}
	dm.events.Fire(core.EventContext{Type: core.EVENT_CODE_DEVICE_RESTORED, Data: dm.device})
	core.LogInfo("device recovered, now on epoch %d", dm.epoch)
	return nil
}

// Trim hands scratch memory back to the driver, typically on suspend.
func (dm *DeviceManager) Trim() {
	dm.deviceMu.RLock()
	defer dm.deviceMu.RUnlock()
	if dm.device != nil {
		dm.backend.ClearRenderTargets(dm.device.Handle)
		dm.backend.Flush(dm.device.Handle)
		dm.backend.Trim(dm.device.Handle)
	}
}

/**
 * @brief Releases every camera and destroys the device. Observers are told
 * the device is going away so they can drop their handles.
 */
func (dm *DeviceManager) Shutdown() error {
	dm.deviceMu.Lock()
	defer dm.deviceMu.Unlock()

	dev := dm.device
	if dev != nil {
		for _, n := range dm.observers() {
			n.OnDeviceLost(dev)
		}
	}
	dm.registry.mu.Lock()
	for id, entry := range dm.registry.entries {
		entry.Release(dev)
		delete(dm.registry.entries, id)
	}
	dm.registry.mu.Unlock()

	if dev != nil {
		dm.backend.DestroyDevice(dev.Handle)
		dm.device = nil
		core.LogInfo("graphics device %s destroyed", dev.ID)
	}
	return nil
}
