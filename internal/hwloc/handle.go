package hwloc

import (
	"errors"
	"fmt"

	"quo/internal/affinity"
	"quo/internal/cpuset"
	"quo/internal/topology"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidObject is returned for an unknown object type or an index
	// outside [0, count).
	ErrInvalidObject = errors.New("invalid object address")
	// ErrEmptyBindStack is returned by BindPop when nothing was pushed.
	ErrEmptyBindStack = errors.New("bind stack is empty")
	// ErrNoEnclosingObject is returned by BindPushObj when the current
	// binding shares no CPU with any object of the requested type.
	ErrNoEnclosingObject = errors.New("no object encloses the current binding")
)

// BindPolicy selects how BindPush picks the new affinity.
type BindPolicy int

const (
	// BindPushProvided restricts the process to the addressed object.
	BindPushProvided BindPolicy = iota
	// BindPushObj moves the process into the object of the given type that
	// encloses its current binding, or failing that the one sharing the most
	// CPUs with it. The index is ignored.
	BindPushObj
)

func (p BindPolicy) String() string {
	switch p {
	case BindPushProvided:
		return "provided"
	case BindPushObj:
		return "obj"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Handle answers topology and affinity questions for one process and keeps
// that process's bind stack.
type Handle struct {
	topo   *topology.Topology
	aff    affinity.Controller
	pid    int
	stack  []cpuset.CPUSet
	logger logrus.FieldLogger
}

func New(topo *topology.Topology, aff affinity.Controller, pid int, logger logrus.FieldLogger) (*Handle, error) {
	if topo == nil {
		return nil, fmt.Errorf("topology is nil")
	}
	if aff == nil {
		return nil, fmt.Errorf("affinity controller is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handle{topo: topo, aff: aff, pid: pid, logger: logger}, nil
}

// Close drops the bind stack. The current affinity is left as is.
func (h *Handle) Close() error {
	if h == nil {
		return fmt.Errorf("handle is nil")
	}
	if len(h.stack) > 0 {
		h.logger.WithFields(logrus.Fields{
			"pid":   h.pid,
			"depth": len(h.stack),
		}).Debug("Discarding non-empty bind stack")
	}
	h.stack = nil
	return nil
}

func (h *Handle) object(typ topology.ObjType, idx int) (topology.Object, error) {
	if !typ.Valid() {
		return topology.Object{}, fmt.Errorf("%w: type %d", ErrInvalidObject, int(typ))
	}
	obj, ok := h.topo.Object(typ, idx)
	if !ok {
		return topology.Object{}, fmt.Errorf("%w: %s index %d (have %d)", ErrInvalidObject, typ, idx, h.topo.Count(typ))
	}
	return obj, nil
}

func (h *Handle) NObjsByType(typ topology.ObjType) (int, error) {
	if !typ.Valid() {
		return 0, fmt.Errorf("%w: type %d", ErrInvalidObject, int(typ))
	}
	return h.topo.Count(typ), nil
}

// NObjsInTypeByType counts objects of typ inside object (inType, inIdx).
func (h *Handle) NObjsInTypeByType(inType topology.ObjType, inIdx int, typ topology.ObjType) (int, error) {
	container, err := h.object(inType, inIdx)
	if err != nil {
		return 0, err
	}
	if !typ.Valid() {
		return 0, fmt.Errorf("%w: type %d", ErrInvalidObject, int(typ))
	}
	return h.topo.CountInside(container, typ), nil
}

// IsInCPUSetByTypeID reports whether pid's current affinity lies inside
// object (typ, idx).
func (h *Handle) IsInCPUSetByTypeID(typ topology.ObjType, pid int, idx int) (bool, error) {
	obj, err := h.object(typ, idx)
	if err != nil {
		return false, err
	}
	cur, err := h.aff.Get(pid)
	if err != nil {
		return false, err
	}
	return !cur.IsEmpty() && cur.IsSubsetOf(obj.CPUs), nil
}

// Bound reports whether pid is restricted to fewer CPUs than the node has.
func (h *Handle) Bound(pid int) (bool, error) {
	cur, err := h.aff.Get(pid)
	if err != nil {
		return false, err
	}
	machine := h.topo.MachineCPUs()
	return !machine.IsSubsetOf(cur), nil
}

func (h *Handle) NodeTopoStringify() (string, error) {
	return h.topo.String(), nil
}

// StringifyCBind renders pid's current affinity as a cpulist.
func (h *Handle) StringifyCBind(pid int) (string, error) {
	cur, err := h.aff.Get(pid)
	if err != nil {
		return "", err
	}
	return cur.String(), nil
}

// BindPush saves the current affinity of the handle's process and applies
// the one chosen by policy.
func (h *Handle) BindPush(policy BindPolicy, typ topology.ObjType, idx int) error {
	cur, err := h.aff.Get(h.pid)
	if err != nil {
		return err
	}

	var target topology.Object
	switch policy {
	case BindPushProvided:
		target, err = h.object(typ, idx)
		if err != nil {
			return err
		}
	case BindPushObj:
		target, err = h.enclosing(typ, cur)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown bind policy %d", int(policy))
	}

	if err := h.aff.Set(h.pid, target.CPUs); err != nil {
		return err
	}
	h.stack = append(h.stack, cur)

	h.logger.WithFields(logrus.Fields{
		"pid":        h.pid,
		"policy":     policy.String(),
		"obj_type":   target.Type.String(),
		"obj_index":  target.LogicalIndex,
		"old_cpuset": cur.String(),
		"new_cpuset": target.CPUs.String(),
		"depth":      len(h.stack),
	}).Info("Pushed binding")
	return nil
}

func (h *Handle) enclosing(typ topology.ObjType, cur cpuset.CPUSet) (topology.Object, error) {
	if !typ.Valid() {
		return topology.Object{}, fmt.Errorf("%w: type %d", ErrInvalidObject, int(typ))
	}
	objs := h.topo.Objects(typ)
	for _, obj := range objs {
		if cur.IsSubsetOf(obj.CPUs) {
			return obj, nil
		}
	}
	best, bestShared := -1, 0
	for i, obj := range objs {
		if shared := obj.CPUs.Intersection(cur).Size(); shared > bestShared {
			best, bestShared = i, shared
		}
	}
	if best >= 0 {
		return objs[best], nil
	}
	return topology.Object{}, fmt.Errorf("%w: %s for cpuset %s", ErrNoEnclosingObject, typ, cur)
}

// BindPop restores the affinity saved by the matching BindPush. On failure
// the stack and the current affinity are unchanged.
func (h *Handle) BindPop() error {
	if len(h.stack) == 0 {
		return ErrEmptyBindStack
	}
	prev := h.stack[len(h.stack)-1]
	if err := h.aff.Set(h.pid, prev); err != nil {
		return err
	}
	h.stack = h.stack[:len(h.stack)-1]

	h.logger.WithFields(logrus.Fields{
		"pid":    h.pid,
		"cpuset": prev.String(),
		"depth":  len(h.stack),
	}).Info("Popped binding")
	return nil
}

// Depth returns the number of saved bindings.
func (h *Handle) Depth() int {
	return len(h.stack)
}
