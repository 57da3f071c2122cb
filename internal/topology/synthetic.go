package topology

import (
	"fmt"
	"strconv"
	"strings"
)

// Synthetic builds a regular topology with one NUMA node per socket and
// logical ids assigned socket-major.
func Synthetic(sockets, coresPerSocket, threadsPerCore int) (*Topology, error) {
	if sockets <= 0 || coresPerSocket <= 0 || threadsPerCore <= 0 {
		return nil, fmt.Errorf("invalid synthetic shape %dx%dx%d", sockets, coresPerSocket, threadsPerCore)
	}
	var cpus []CPUInfo
	logical := 0
	for socket := 0; socket < sockets; socket++ {
		for core := 0; core < coresPerSocket; core++ {
			for th := 0; th < threadsPerCore; th++ {
				cpus = append(cpus, CPUInfo{LogicalID: logical, PackageID: socket, CoreID: core, NUMANode: socket})
				logical++
			}
		}
	}
	topo, err := Build(cpus)
	if err != nil {
		return nil, err
	}
	topo.Hostname = "synthetic"
	topo.OSInfo = "synthetic"
	return topo, nil
}

// ParseShape parses "SxCxT" (sockets x cores per socket x threads per core).
// The thread count may be omitted.
func ParseShape(shape string) (*Topology, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(shape)), "x")
	if len(parts) == 2 {
		parts = append(parts, "1")
	}
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid shape %q: want SOCKETSxCORESxTHREADS", shape)
	}
	var dims [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid shape %q: %w", shape, err)
		}
		dims[i] = n
	}
	return Synthetic(dims[0], dims[1], dims[2])
}
