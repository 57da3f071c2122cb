package topology

import (
	"fmt"
	"strings"

	"quo/internal/cpuset"
)

// ObjType identifies a class of hardware container.
type ObjType int

const (
	ObjMachine ObjType = iota
	ObjNUMANode
	ObjSocket
	ObjCore
	ObjPU
)

var objTypeNames = map[ObjType]string{
	ObjMachine:  "machine",
	ObjNUMANode: "numanode",
	ObjSocket:   "socket",
	ObjCore:     "core",
	ObjPU:       "pu",
}

func (t ObjType) String() string {
	if name, ok := objTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("objtype(%d)", int(t))
}

func (t ObjType) Valid() bool {
	_, ok := objTypeNames[t]
	return ok
}

// ParseObjType accepts the lower-case names printed by String plus a few aliases.
func ParseObjType(s string) (ObjType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "machine":
		return ObjMachine, nil
	case "numanode", "numa", "node":
		return ObjNUMANode, nil
	case "socket", "package":
		return ObjSocket, nil
	case "core":
		return ObjCore, nil
	case "pu", "cpu", "thread":
		return ObjPU, nil
	}
	return 0, fmt.Errorf("unknown object type %q", s)
}

// Object is one hardware container. LogicalIndex is its dense position among
// objects of the same type; OSIndex is the identifier the kernel uses.
type Object struct {
	Type         ObjType
	LogicalIndex int
	OSIndex      int
	CPUs         cpuset.CPUSet
}

// CPUInfo describes one online logical CPU as read from sysfs.
type CPUInfo struct {
	LogicalID int
	PackageID int
	CoreID    int
	NUMANode  int
}
