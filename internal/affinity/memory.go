package affinity

import (
	"fmt"
	"sync"

	"quo/internal/cpuset"
)

// Memory keeps per-pid affinities in a map. A registered pid starts out
// allowed on every CPU of the node.
type Memory struct {
	mu   sync.RWMutex
	all  cpuset.CPUSet
	pids map[int]cpuset.CPUSet
}

func NewMemory(all cpuset.CPUSet) *Memory {
	return &Memory{all: all, pids: make(map[int]cpuset.CPUSet)}
}

// Add registers pid with the full node affinity.
func (m *Memory) Add(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pids[pid] = m.all
}

func (m *Memory) Remove(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pids, pid)
}

func (m *Memory) Get(pid int) (cpuset.CPUSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.pids[pid]
	if !ok {
		return cpuset.CPUSet{}, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	return set, nil
}

func (m *Memory) Set(pid int, cpus cpuset.CPUSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pids[pid]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	if cpus.IsEmpty() {
		return fmt.Errorf("refusing to apply an empty cpuset to pid %d", pid)
	}
	if !cpus.IsSubsetOf(m.all) {
		return fmt.Errorf("cpuset %s is not within node cpus %s", cpus, m.all)
	}
	m.pids[pid] = cpus
	return nil
}
