package topology

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"quo/internal/cpuset"
	"quo/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"
)

// Roots points discovery at a sysfs and procfs tree. Tests use temporary trees.
type Roots struct {
	Sysfs  string
	Procfs string
}

func DefaultRoots() Roots {
	return Roots{Sysfs: "/sys", Procfs: "/proc"}
}

// Discover reads the node topology from sysfs and procfs.
func Discover(roots Roots) (*Topology, error) {
	logger := logging.GetLogger()
	if roots.Sysfs == "" {
		roots.Sysfs = "/sys"
	}
	if roots.Procfs == "" {
		roots.Procfs = "/proc"
	}

	cpus, err := readCPUs(roots.Sysfs)
	if err != nil {
		return nil, fmt.Errorf("failed to read CPU topology: %w", err)
	}

	topo, err := Build(cpus)
	if err != nil {
		return nil, err
	}

	if err := topo.initSystemInfo(roots.Procfs); err != nil {
		return nil, fmt.Errorf("failed to initialize system info: %w", err)
	}
	topo.initCPUInfo(roots.Procfs)
	topo.RDTMonitoring = rdtMonSupported()

	logger.WithFields(logrus.Fields{
		"cpu_model": topo.CPUModel,
		"sockets":   topo.Count(ObjSocket),
		"cores":     topo.Count(ObjCore),
		"pus":       topo.Count(ObjPU),
		"numa":      topo.Count(ObjNUMANode),
	}).Debug("Topology discovered")

	return topo, nil
}

// goresctrl's rdt package is not safe for concurrent use.
var rdtMu sync.Mutex

// Replaced in tests.
var (
	rdtInitialize   = func() error { return rdt.Initialize("") }
	rdtMonAvailable = rdt.MonSupported
)

// rdtMonSupported reports false when resctrl cannot be initialized; missing
// RDT is not an error for discovery.
func rdtMonSupported() bool {
	rdtMu.Lock()
	defer rdtMu.Unlock()
	if err := rdtInitialize(); err != nil {
		logging.GetLogger().WithError(err).Debug("RDT not available")
		return false
	}
	return rdtMonAvailable()
}

func readCPUs(sysfs string) ([]CPUInfo, error) {
	cpuDir := filepath.Join(sysfs, "devices", "system", "cpu")
	data, err := os.ReadFile(filepath.Join(cpuDir, "online"))
	if err != nil {
		return nil, err
	}
	online, err := cpuset.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("invalid online CPU list: %w", err)
	}
	if online.IsEmpty() {
		return nil, fmt.Errorf("no online CPUs listed in %s", cpuDir)
	}

	numaOf, err := readNUMANodes(sysfs)
	if err != nil {
		return nil, err
	}

	infos := make([]CPUInfo, 0, online.Size())
	for _, id := range online.List() {
		topoDir := filepath.Join(cpuDir, fmt.Sprintf("cpu%d", id), "topology")
		pkg, err := readInt(filepath.Join(topoDir, "physical_package_id"))
		if err != nil {
			return nil, err
		}
		core, err := readInt(filepath.Join(topoDir, "core_id"))
		if err != nil {
			return nil, err
		}
		node := -1
		if n, ok := numaOf[id]; ok {
			node = n
		}
		infos = append(infos, CPUInfo{LogicalID: id, PackageID: pkg, CoreID: core, NUMANode: node})
	}
	return infos, nil
}

// readNUMANodes maps CPU -> NUMA node. Missing node directories are not an error.
func readNUMANodes(sysfs string) (map[int]int, error) {
	out := make(map[int]int)
	matches, err := filepath.Glob(filepath.Join(sysfs, "devices", "system", "node", "node[0-9]*"))
	if err != nil {
		return nil, err
	}
	for _, dir := range matches {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(dir), "node"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "cpulist"))
		if err != nil {
			continue
		}
		set, err := cpuset.Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("invalid cpulist for NUMA node %d: %w", id, err)
		}
		for _, cpu := range set.List() {
			out[cpu] = id
		}
	}
	return out, nil
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid integer in %s: %w", path, err)
	}
	return v, nil
}

func (t *Topology) initSystemInfo(procfs string) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	t.Hostname = hostname

	t.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile(filepath.Join(procfs, "version")); err == nil {
		version := strings.Fields(string(data))
		if len(version) >= 3 {
			t.KernelVersion = version[2]
		}
	}
	if t.KernelVersion == "" {
		t.KernelVersion = "unknown"
	}
	return nil
}

func (t *Topology) initCPUInfo(procfs string) {
	t.CPUVendor = "unknown"
	t.CPUModel = "unknown"

	file, err := os.Open(filepath.Join(procfs, "cpuinfo"))
	if err != nil {
		return
	}
	defer file.Close()

	var vendor, model string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() && (vendor == "" || model == "") {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		switch strings.TrimSpace(parts[0]) {
		case "vendor_id":
			if vendor == "" {
				vendor = strings.TrimSpace(parts[1])
			}
		case "model name":
			if model == "" {
				model = strings.TrimSpace(parts[1])
			}
		}
	}
	if vendor != "" {
		t.CPUVendor = vendor
	}
	if model != "" {
		t.CPUModel = model
	}
}
