// Package affinity reads and changes the CPU affinity of OS processes.
//
// Platform-specific implementations live in affinity_linux.go and
// affinity_other.go, guarded by build tags. Memory is a process-free
// implementation used for simulated jobs and tests.
package affinity

import (
	"errors"

	"quo/internal/cpuset"
)

// ErrNoSuchProcess is returned when the pid does not exist.
var ErrNoSuchProcess = errors.New("affinity: no such process")

// Controller gets and sets the affinity of a process identified by pid.
type Controller interface {
	Get(pid int) (cpuset.CPUSet, error)
	Set(pid int, cpus cpuset.CPUSet) error
}
