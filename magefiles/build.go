//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Builds the holostream binary into bin/.
func (Build) Binary() error {
	_, err := executeCmd("go", withArgs("build", "-o", "bin/holostream", "."), withStream())
	return err
}

// Runs the unit tests with the race detector.
func (Build) Test() error {
	_, err := executeCmd("go", withArgs("test", "-race", "-count=1", "./..."), withStream())
	return err
}

// Runs go vet and tidies the module.
func (Build) Lint() error {
	if err := goTidy(); err != nil {
		return err
	}
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}
