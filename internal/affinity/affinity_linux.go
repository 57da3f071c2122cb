//go:build linux

package affinity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"quo/internal/cpuset"

	"golang.org/x/sys/unix"
)

// maxCPUs is CPU_SETSIZE, the capacity of unix.CPUSet.
const maxCPUs = 1024

type system struct {
	procfs string
}

// NewSystem returns the controller backed by sched_getaffinity/sched_setaffinity.
func NewSystem() Controller {
	return &system{procfs: "/proc"}
}

// Get reads the affinity of the process's main thread.
func (s *system) Get(pid int) (cpuset.CPUSet, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(pid, &set); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return cpuset.CPUSet{}, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
		}
		return cpuset.CPUSet{}, fmt.Errorf("sched_getaffinity(%d): %w", pid, err)
	}
	cpus := make([]int, 0, set.Count())
	for cpu := 0; cpu < maxCPUs; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpuset.New(cpus...), nil
}

// Set applies cpus to every thread of pid. The Go runtime runs many threads
// per process, so setting only the main thread would not bind the process.
func (s *system) Set(pid int, cpus cpuset.CPUSet) error {
	if cpus.IsEmpty() {
		return fmt.Errorf("refusing to apply an empty cpuset to pid %d", pid)
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus.List() {
		if cpu >= maxCPUs {
			return fmt.Errorf("cpu %d exceeds CPU_SETSIZE", cpu)
		}
		set.Set(cpu)
	}

	tids, err := s.threads(pid)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if err := unix.SchedSetaffinity(tid, &set); err != nil {
			// Threads may exit between listing and binding.
			if errors.Is(err, unix.ESRCH) && tid != pid {
				continue
			}
			if errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
			}
			return fmt.Errorf("sched_setaffinity(%d): %w", tid, err)
		}
	}
	return nil
}

func (s *system) threads(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.procfs, strconv.Itoa(pid), "task"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
		}
		return nil, fmt.Errorf("failed to list threads of %d: %w", pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	if len(tids) == 0 {
		tids = append(tids, pid)
	}
	return tids, nil
}
