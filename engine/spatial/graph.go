package spatial

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/math"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

var (
	ErrFrameExists   = errors.New("coordinate system already exists")
	ErrFrameNotFound = errors.New("coordinate system not found")
	ErrFrameCycle    = errors.New("coordinate system parent would create a cycle")
)

type node struct {
	parent metadata.CoordinateSystem
	// toParent takes points in this system into the parent system.
	toParent math.Mat4
	tracked  bool
}

/**
 * @brief A forest of coordinate systems. Each system is placed relative to
 * an optional parent; systems without a parent are roots. A system whose
 * tracking is lost cannot be resolved, and neither can its descendants.
 */
type Graph struct {
	mu    sync.RWMutex
	nodes map[metadata.CoordinateSystem]*node
}

func NewGraph() *Graph {
	return &Graph{nodes: make(map[metadata.CoordinateSystem]*node)}
}

// AddRoot adds a system with no parent.
func (g *Graph) AddRoot(name metadata.CoordinateSystem) error {
	return g.AddFrame(name, "", math.NewMat4Identity())
}

/**
 * @brief Adds name, placed in parent by toParent. An empty parent makes
 * the system a root.
 */
func (g *Graph) AddFrame(name, parent metadata.CoordinateSystem, toParent math.Mat4) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[name]; ok {
		err := fmt.Errorf("%w: `%s`", ErrFrameExists, name)
		core.LogError("%s", err)
		return err
	}
	if parent != "" {
		if _, ok := g.nodes[parent]; !ok {
			err := fmt.Errorf("%w: parent `%s` of `%s`", ErrFrameNotFound, parent, name)
			core.LogError("%s", err)
			return err
		}
	}
	g.nodes[name] = &node{parent: parent, toParent: toParent, tracked: true}
	return nil
}

// SetTransform moves a system relative to its parent.
func (g *Graph) SetTransform(name metadata.CoordinateSystem, toParent math.Mat4) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("%w: `%s`", ErrFrameNotFound, name)
	}
	n.toParent = toParent
	return nil
}

// Reparent moves a system under a new parent.
func (g *Graph) Reparent(name, parent metadata.CoordinateSystem, toParent math.Mat4) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("%w: `%s`", ErrFrameNotFound, name)
	}
	for p := parent; p != ""; {
		if p == name {
			return fmt.Errorf("%w: `%s` under `%s`", ErrFrameCycle, name, parent)
		}
		pn, ok := g.nodes[p]
		if !ok {
			return fmt.Errorf("%w: `%s`", ErrFrameNotFound, p)
		}
		p = pn.parent
	}
	n.parent = parent
	n.toParent = toParent
	return nil
}

// SetTracked marks whether the system's location is currently known.
func (g *Graph) SetTracked(name metadata.CoordinateSystem, tracked bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("%w: `%s`", ErrFrameNotFound, name)
	}
	n.tracked = tracked
	return nil
}

// Remove deletes a system. Its children become unresolvable.
func (g *Graph) Remove(name metadata.CoordinateSystem) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, name)
}

// toRoot returns the transform into the root and the root's name.
// Must be called with mu held.
func (g *Graph) toRoot(name metadata.CoordinateSystem) (math.Mat4, metadata.CoordinateSystem, bool) {
	m := math.NewMat4Identity()
	current := name
	for depth := 0; depth <= len(g.nodes); depth++ {
		n, ok := g.nodes[current]
		if !ok || !n.tracked {
			return m, "", false
		}
		if n.parent == "" {
			return m, current, true
		}
		m = m.Mul(n.toParent)
		current = n.parent
	}
	return m, "", false
}

// TryGetTransform returns the matrix taking points in from into to.
func (g *Graph) TryGetTransform(from, to metadata.CoordinateSystem) (math.Mat4, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	fromRoot, rootA, ok := g.toRoot(from)
	if !ok {
		return math.NewMat4Identity(), false
	}
	if from == to {
		return math.NewMat4Identity(), true
	}
	toRoot, rootB, ok := g.toRoot(to)
	if !ok || rootA != rootB {
		return math.NewMat4Identity(), false
	}
	inv, ok := toRoot.Inverse()
	if !ok {
		return math.NewMat4Identity(), false
	}
	return fromRoot.Mul(inv), true
}
