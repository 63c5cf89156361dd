//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Soak run on the simulated backend with periodic device loss.
func (Run) Simulated() error {
	mg.Deps(Build.Binary)
	fmt.Println("Run engine...")
	_, err := executeCmd("bin/holostream", withArgs("run", "--backend", "simulated", "--config", "holostream.toml"), withStream())
	return err
}

// Renders through the Vulkan backend with a mirror window.
func (Run) Vulkan() error {
	mg.Deps(Build.Binary)
	_, err := executeCmd("bin/holostream", withArgs("run", "--backend", "vulkan", "--mirror", "--config", "holostream.toml"), withStream())
	return err
}

// Lists the Vulkan adapters of this machine.
func (Run) Adapters() error {
	mg.Deps(Build.Binary)
	_, err := executeCmd("bin/holostream", withArgs("adapters", "--backend", "vulkan"), withStream())
	return err
}
