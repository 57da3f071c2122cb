package topology

import (
	"fmt"
	"sort"
	"strings"

	"quo/internal/cpuset"
)

// Topology is an immutable snapshot of the node's hardware layout.
type Topology struct {
	// System Information
	Hostname      string
	OSInfo        string
	KernelVersion string
	CPUVendor     string
	CPUModel      string

	// RDT Information
	RDTMonitoring bool

	objects map[ObjType][]Object
}

type coreKey struct {
	pkg  int
	core int
}

// Build assembles the object lists from per-CPU records. Sockets are ordered by
// package id, cores by (socket, core id), PUs by logical id.
func Build(cpus []CPUInfo) (*Topology, error) {
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs in topology")
	}

	seen := make(map[int]bool, len(cpus))
	pkgCPUs := make(map[int][]int)
	coreCPUs := make(map[coreKey][]int)
	numaCPUs := make(map[int][]int)
	var all []int

	for _, c := range cpus {
		if c.LogicalID < 0 {
			return nil, fmt.Errorf("invalid logical CPU id %d", c.LogicalID)
		}
		if seen[c.LogicalID] {
			return nil, fmt.Errorf("logical CPU %d listed twice", c.LogicalID)
		}
		seen[c.LogicalID] = true
		all = append(all, c.LogicalID)
		pkgCPUs[c.PackageID] = append(pkgCPUs[c.PackageID], c.LogicalID)
		key := coreKey{pkg: c.PackageID, core: c.CoreID}
		coreCPUs[key] = append(coreCPUs[key], c.LogicalID)
		if c.NUMANode >= 0 {
			numaCPUs[c.NUMANode] = append(numaCPUs[c.NUMANode], c.LogicalID)
		}
	}
	sort.Ints(all)

	t := &Topology{objects: make(map[ObjType][]Object)}

	var machine cpuset.CPUSet
	pkgIDs := sortedKeys(pkgCPUs)
	for i, id := range pkgIDs {
		cpus := cpuset.New(pkgCPUs[id]...)
		machine = machine.Union(cpus)
		t.objects[ObjSocket] = append(t.objects[ObjSocket], Object{
			Type: ObjSocket, LogicalIndex: i, OSIndex: id, CPUs: cpus,
		})
	}
	t.objects[ObjMachine] = []Object{{Type: ObjMachine, CPUs: machine}}

	keys := make([]coreKey, 0, len(coreCPUs))
	for k := range coreCPUs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pkg != keys[j].pkg {
			return keys[i].pkg < keys[j].pkg
		}
		return keys[i].core < keys[j].core
	})
	for i, k := range keys {
		t.objects[ObjCore] = append(t.objects[ObjCore], Object{
			Type: ObjCore, LogicalIndex: i, OSIndex: k.core, CPUs: cpuset.New(coreCPUs[k]...),
		})
	}

	// Keep PUs in core order so that PU logical indices walk the tree.
	pu := 0
	for _, core := range t.objects[ObjCore] {
		for _, id := range core.CPUs.List() {
			t.objects[ObjPU] = append(t.objects[ObjPU], Object{
				Type: ObjPU, LogicalIndex: pu, OSIndex: id, CPUs: cpuset.New(id),
			})
			pu++
		}
	}

	// A machine without NUMA information is one NUMA node.
	if len(numaCPUs) == 0 {
		numaCPUs[0] = all
	}
	for i, id := range sortedKeys(numaCPUs) {
		t.objects[ObjNUMANode] = append(t.objects[ObjNUMANode], Object{
			Type: ObjNUMANode, LogicalIndex: i, OSIndex: id, CPUs: cpuset.New(numaCPUs[id]...),
		})
	}

	return t, nil
}

func sortedKeys(m map[int][]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Count returns the number of objects of type t.
func (t *Topology) Count(typ ObjType) int {
	return len(t.objects[typ])
}

// Object returns the object at logical index idx.
func (t *Topology) Object(typ ObjType, idx int) (Object, bool) {
	objs := t.objects[typ]
	if idx < 0 || idx >= len(objs) {
		return Object{}, false
	}
	return objs[idx], true
}

// Objects returns a copy of the objects of type typ.
func (t *Topology) Objects(typ ObjType) []Object {
	return append([]Object(nil), t.objects[typ]...)
}

// MachineCPUs returns every CPU on the node.
func (t *Topology) MachineCPUs() cpuset.CPUSet {
	if m := t.objects[ObjMachine]; len(m) > 0 {
		return m[0].CPUs
	}
	return cpuset.CPUSet{}
}

// CountInside returns how many objects of type typ have their CPUs inside container.
func (t *Topology) CountInside(container Object, typ ObjType) int {
	n := 0
	for _, obj := range t.objects[typ] {
		if !obj.CPUs.IsEmpty() && obj.CPUs.IsSubsetOf(container.CPUs) {
			n++
		}
	}
	return n
}

// String renders the tree Machine > Socket > Core > PU followed by the NUMA nodes.
func (t *Topology) String() string {
	var b strings.Builder
	machine := t.MachineCPUs()
	fmt.Fprintf(&b, "Machine L#0 (cpus %s)", machine)
	if t.Hostname != "" {
		fmt.Fprintf(&b, " host=%s", t.Hostname)
	}
	if t.CPUModel != "" && t.CPUModel != "unknown" {
		fmt.Fprintf(&b, " model=%q", t.CPUModel)
	}
	if t.RDTMonitoring {
		b.WriteString(" rdt=mon")
	}
	b.WriteByte('\n')

	for _, socket := range t.objects[ObjSocket] {
		fmt.Fprintf(&b, "  Socket L#%d P#%d (cpus %s)\n", socket.LogicalIndex, socket.OSIndex, socket.CPUs)
		for _, core := range t.objects[ObjCore] {
			if !core.CPUs.IsSubsetOf(socket.CPUs) {
				continue
			}
			fmt.Fprintf(&b, "    Core L#%d P#%d (cpus %s)\n", core.LogicalIndex, core.OSIndex, core.CPUs)
			for _, pu := range t.objects[ObjPU] {
				if pu.CPUs.IsSubsetOf(core.CPUs) {
					fmt.Fprintf(&b, "      PU L#%d P#%d\n", pu.LogicalIndex, pu.OSIndex)
				}
			}
		}
	}
	for _, node := range t.objects[ObjNUMANode] {
		fmt.Fprintf(&b, "  NUMANode L#%d P#%d (cpus %s)\n", node.LogicalIndex, node.OSIndex, node.CPUs)
	}
	return b.String()
}
