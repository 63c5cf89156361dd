package core

import (
	"errors"
)

var (
	// Fatal: no adapter satisfies the mandatory device requirements.
	ErrNoCompatibleAdapter = errors.New("no graphics adapter satisfies the device requirements")
	// Recoverable: the device was removed or reset underneath us.
	ErrDeviceRemoved        = errors.New("graphics device removed")
	ErrDeviceNotInitialized = errors.New("graphics device not initialized")

	// Soft, per-frame.
	ErrSourceNotReady      = errors.New("source mesh buffers not populated yet")
	ErrTransformUnresolved = errors.New("no transform between coordinate systems")

	// Input validation.
	ErrDegenerateMesh = errors.New("mesh has too few vertices or indices")

	ErrCameraExists   = errors.New("camera already attached")
	ErrCameraNotFound = errors.New("camera not attached")

	ErrUnknown = errors.New("unknown")
)
