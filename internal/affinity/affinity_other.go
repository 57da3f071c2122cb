//go:build !linux

package affinity

import (
	"errors"

	"quo/internal/cpuset"
)

var errUnsupported = errors.New("affinity: not supported on this platform")

type system struct{}

// NewSystem returns a controller that fails every call on this platform.
func NewSystem() Controller {
	return system{}
}

func (system) Get(pid int) (cpuset.CPUSet, error) {
	return cpuset.CPUSet{}, errUnsupported
}

func (system) Set(pid int, cpus cpuset.CPUSet) error {
	return errUnsupported
}
