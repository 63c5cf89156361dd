package renderer

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

/**
 * @brief Camera resources keyed by camera id. Only reachable through
 * DeviceManager.WithCameraRegistry, which holds mu for the whole callback.
 */
type CameraRegistry struct {
	mu      sync.Mutex
	entries map[uint32]*CameraResources
}

func newCameraRegistry() *CameraRegistry {
	return &CameraRegistry{entries: make(map[uint32]*CameraResources)}
}

func (r *CameraRegistry) Get(id uint32) (*CameraResources, bool) {
	c, ok := r.entries[id]
	return c, ok
}

func (r *CameraRegistry) Len() int {
	return len(r.entries)
}

// IDs returns the attached camera ids in ascending order.
func (r *CameraRegistry) IDs() []uint32 {
	ids := maps.Keys(r.entries)
	slices.Sort(ids)
	return ids
}

// Each visits the cameras in ascending id order and stops at the first error.
func (r *CameraRegistry) Each(fn func(c *CameraResources) error) error {
	for _, id := range r.IDs() {
		if err := fn(r.entries[id]); err != nil {
			return err
		}
	}
	return nil
}
