// Package quo binds the ranks of a parallel job to the hardware of their
// node. A Context fuses a topology handle with a node rank resolver; it is
// owned by one process and callers serialize access to it.
package quo

import (
	"context"
	"errors"
	"fmt"
	"os"

	"quo/internal/affinity"
	"quo/internal/exchange"
	"quo/internal/hwloc"
	"quo/internal/logging"
	"quo/internal/noderank"
	"quo/internal/topology"

	"github.com/sirupsen/logrus"
)

const (
	VersionMajor = 1
	VersionMinor = 3
)

// Version reports the library version.
func Version() (major, minor int) {
	return VersionMajor, VersionMinor
}

type ObjType = topology.ObjType

const (
	ObjMachine  = topology.ObjMachine
	ObjNUMANode = topology.ObjNUMANode
	ObjSocket   = topology.ObjSocket
	ObjCore     = topology.ObjCore
	ObjPU       = topology.ObjPU
)

type BindPolicy = hwloc.BindPolicy

const (
	BindPushProvided = hwloc.BindPushProvided
	BindPushObj      = hwloc.BindPushObj
)

// ErrEmptyBindStack matches the error of BindPop without a prior push.
var ErrEmptyBindStack = hwloc.ErrEmptyBindStack

// Status distinguishes a first Init from a repeated one.
type Status int

const (
	StatusFailure Status = iota
	StatusSuccess
	StatusAlreadyDone
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAlreadyDone:
		return "already done"
	}
	return "failure"
}

type Context struct {
	initialized bool
	pid         int
	hw          *hwloc.Handle
	nr          *noderank.Resolver
	logger      logrus.FieldLogger
}

var errNilContext = errors.New("context is nil")

// Construct builds the topology handle and then the node rank resolver. If
// either fails, the partial context is destructed and nil is returned.
func Construct(opts ...Option) (*Context, error) {
	o := options{
		pid:   os.Getpid(),
		roots: topology.DefaultRoots(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.GetLogger()
	}

	q := &Context{pid: o.pid, logger: o.logger.WithField("pid", o.pid)}

	hw, err := newHandle(o)
	if err != nil {
		q.logger.WithError(err).Error("hwloc construct failed. Cannot continue.")
		_ = q.Destruct()
		return nil, newError("Construct", CodeCollaborator, err)
	}
	q.hw = hw

	nr, err := newResolver(o)
	if err != nil {
		q.logger.WithError(err).Error("noderank construct failed. Cannot continue.")
		_ = q.Destruct()
		return nil, newError("Construct", CodeCollaborator, err)
	}
	q.nr = nr

	return q, nil
}

func newHandle(o options) (*hwloc.Handle, error) {
	topo := o.topo
	if topo == nil {
		var err error
		if topo, err = topology.Discover(o.roots); err != nil {
			return nil, err
		}
	}
	aff := o.aff
	if aff == nil {
		aff = affinity.NewSystem()
	}
	return hwloc.New(topo, aff, o.pid, logging.GetBindLogger().WithField("pid", o.pid))
}

func newResolver(o options) (*noderank.Resolver, error) {
	token := o.nodeToken
	if token == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		token = hostname
	}
	ex := o.ex
	if ex == nil {
		ex = exchange.Self()
	}
	return noderank.New(ex, token, o.pid, o.logger)
}

// Destruct releases both sub-handles, continuing past failures. It is safe
// on a context whose construction did not complete.
func (q *Context) Destruct() error {
	if q == nil {
		return newError("Destruct", CodeInvalidArgument, errNilContext)
	}
	nerrs := 0
	var errs []error
	if q.hw != nil {
		if err := q.hw.Close(); err != nil {
			nerrs++
			errs = append(errs, err)
		}
	}
	if q.nr != nil {
		if err := q.nr.Close(); err != nil {
			nerrs++
			errs = append(errs, err)
		}
	}
	q.hw = nil
	q.nr = nil
	q.initialized = false
	if nerrs != 0 {
		return newError("Destruct", CodeGeneric, fmt.Errorf("%d teardown failures: %w", nerrs, errors.Join(errs...)))
	}
	return nil
}

// Init runs the one-time node rank exchange. It blocks until every rank of
// the job has joined. A repeated call returns StatusAlreadyDone.
func (q *Context) Init(ctx context.Context) (Status, error) {
	if q == nil {
		return StatusFailure, newError("Init", CodeInvalidArgument, errNilContext)
	}
	if q.initialized {
		return StatusAlreadyDone, nil
	}
	if q.nr == nil || q.hw == nil {
		return StatusFailure, newError("Init", CodeInvalidArgument, errors.New("context was destructed"))
	}
	if err := q.nr.Init(ctx); err != nil {
		q.logger.WithError(err).Error("noderank init failed. Cannot continue.")
		return StatusFailure, newError("Init", CodeCollaborator, err)
	}
	q.initialized = true
	return StatusSuccess, nil
}

func (q *Context) Initialized() (bool, error) {
	if q == nil {
		return false, newError("Initialized", CodeInvalidArgument, errNilContext)
	}
	return q.initialized, nil
}

// PID returns the process identity captured at construction.
func (q *Context) PID() int {
	if q == nil {
		return 0
	}
	return q.pid
}

// ready checks the receiver and then the init state.
func (q *Context) ready(op string) error {
	if q == nil {
		return newError(op, CodeInvalidArgument, errNilContext)
	}
	if !q.initialized {
		q.logger.WithField("op", op).Error(op + " called before Init. Cannot continue.")
		return newError(op, CodeNotInitialized, nil)
	}
	return nil
}

func (q *Context) fail(op, call string, err error) error {
	out := collaboratorError(op, err)
	if CodeOf(out) == CodeCollaborator {
		q.logger.WithFields(logrus.Fields{
			"op":   op,
			"call": call,
		}).WithError(err).Error(call + " failed")
	}
	return out
}

// Finalize enforces the init precondition and otherwise does nothing yet.
func (q *Context) Finalize() error {
	return q.ready("Finalize")
}

func (q *Context) NodeTopoStringify() (string, error) {
	const op = "NodeTopoStringify"
	if err := q.ready(op); err != nil {
		return "", err
	}
	s, err := q.hw.NodeTopoStringify()
	if err != nil {
		return "", q.fail(op, "hwloc.NodeTopoStringify", err)
	}
	return s, nil
}

func (q *Context) NObjsByType(typ ObjType) (int, error) {
	const op = "NObjsByType"
	if err := q.ready(op); err != nil {
		return 0, err
	}
	n, err := q.hw.NObjsByType(typ)
	if err != nil {
		return 0, q.fail(op, "hwloc.NObjsByType", err)
	}
	return n, nil
}

// NObjsInTypeByType counts objects of typ inside object (inType, inIdx).
func (q *Context) NObjsInTypeByType(inType ObjType, inIdx int, typ ObjType) (int, error) {
	const op = "NObjsInTypeByType"
	if err := q.ready(op); err != nil {
		return 0, err
	}
	n, err := q.hw.NObjsInTypeByType(inType, inIdx, typ)
	if err != nil {
		return 0, q.fail(op, "hwloc.NObjsInTypeByType", err)
	}
	return n, nil
}

// CurCPUSetInType reports whether the caller's affinity lies inside (typ, idx).
func (q *Context) CurCPUSetInType(typ ObjType, idx int) (bool, error) {
	const op = "CurCPUSetInType"
	if err := q.ready(op); err != nil {
		return false, err
	}
	in, err := q.hw.IsInCPUSetByTypeID(typ, q.pid, idx)
	if err != nil {
		return false, q.fail(op, "hwloc.IsInCPUSetByTypeID", err)
	}
	return in, nil
}

// PIDInType reports whether pid's affinity lies inside (typ, idx).
func (q *Context) PIDInType(pid int, typ ObjType, idx int) (bool, error) {
	const op = "PIDInType"
	if err := q.ready(op); err != nil {
		return false, err
	}
	in, err := q.hw.IsInCPUSetByTypeID(typ, pid, idx)
	if err != nil {
		return false, q.fail(op, "hwloc.IsInCPUSetByTypeID", err)
	}
	return in, nil
}

// SMPRanksInType returns, in increasing order, the node ranks whose process
// currently has its affinity inside (typ, idx). Other processes may rebind
// during the scan, so the result is a point-in-time snapshot.
func (q *Context) SMPRanksInType(typ ObjType, idx int) ([]int, error) {
	const op = "SMPRanksInType"
	if err := q.ready(op); err != nil {
		return nil, err
	}
	total, err := q.nr.NNodeRanks()
	if err != nil {
		return nil, q.fail(op, "noderank.NNodeRanks", err)
	}
	var ranks []int
	for rank := 0; rank < total; rank++ {
		pid, err := q.nr.SMPRank2PID(rank)
		if err != nil {
			return nil, q.fail(op, "noderank.SMPRank2PID", err)
		}
		in, err := q.hw.IsInCPUSetByTypeID(typ, pid, idx)
		if err != nil {
			return nil, q.fail(op, "hwloc.IsInCPUSetByTypeID", err)
		}
		if in {
			ranks = append(ranks, rank)
		}
	}
	return ranks, nil
}

func (q *Context) nobjs(op string, typ ObjType) (int, error) {
	if err := q.ready(op); err != nil {
		return 0, err
	}
	n, err := q.hw.NObjsByType(typ)
	if err != nil {
		return 0, q.fail(op, "hwloc.NObjsByType", err)
	}
	return n, nil
}

func (q *Context) NSockets() (int, error)   { return q.nobjs("NSockets", ObjSocket) }
func (q *Context) NCores() (int, error)     { return q.nobjs("NCores", ObjCore) }
func (q *Context) NPUs() (int, error)       { return q.nobjs("NPUs", ObjPU) }
func (q *Context) NNUMANodes() (int, error) { return q.nobjs("NNUMANodes", ObjNUMANode) }

// Bound reports whether the caller is restricted to fewer CPUs than the node has.
func (q *Context) Bound() (bool, error) {
	const op = "Bound"
	if err := q.ready(op); err != nil {
		return false, err
	}
	bound, err := q.hw.Bound(q.pid)
	if err != nil {
		return false, q.fail(op, "hwloc.Bound", err)
	}
	return bound, nil
}

// StringifyCBind renders the caller's affinity as a cpulist.
func (q *Context) StringifyCBind() (string, error) {
	const op = "StringifyCBind"
	if err := q.ready(op); err != nil {
		return "", err
	}
	s, err := q.hw.StringifyCBind(q.pid)
	if err != nil {
		return "", q.fail(op, "hwloc.StringifyCBind", err)
	}
	return s, nil
}

func (q *Context) NNodes() (int, error) {
	const op = "NNodes"
	if err := q.ready(op); err != nil {
		return 0, err
	}
	n, err := q.nr.NNodes()
	if err != nil {
		return 0, q.fail(op, "noderank.NNodes", err)
	}
	return n, nil
}

func (q *Context) NNodeRanks() (int, error) {
	const op = "NNodeRanks"
	if err := q.ready(op); err != nil {
		return 0, err
	}
	n, err := q.nr.NNodeRanks()
	if err != nil {
		return 0, q.fail(op, "noderank.NNodeRanks", err)
	}
	return n, nil
}

func (q *Context) NodeRank() (int, error) {
	const op = "NodeRank"
	if err := q.ready(op); err != nil {
		return 0, err
	}
	n, err := q.nr.NodeRank()
	if err != nil {
		return 0, q.fail(op, "noderank.NodeRank", err)
	}
	return n, nil
}

// NodeRankPID maps a node rank to the pid of its process.
func (q *Context) NodeRankPID(noderank int) (int, error) {
	const op = "NodeRankPID"
	if err := q.ready(op); err != nil {
		return 0, err
	}
	pid, err := q.nr.SMPRank2PID(noderank)
	if err != nil {
		return 0, q.fail(op, "noderank.SMPRank2PID", err)
	}
	return pid, nil
}

// BindPush binds the caller according to policy, saving its current
// affinity for BindPop.
func (q *Context) BindPush(policy BindPolicy, typ ObjType, idx int) error {
	const op = "BindPush"
	if err := q.ready(op); err != nil {
		return err
	}
	if err := q.hw.BindPush(policy, typ, idx); err != nil {
		return q.fail(op, "hwloc.BindPush", err)
	}
	return nil
}

// BindPop restores the affinity saved by the last BindPush.
func (q *Context) BindPop() error {
	const op = "BindPop"
	if err := q.ready(op); err != nil {
		return err
	}
	if err := q.hw.BindPop(); err != nil {
		return q.fail(op, "hwloc.BindPop", err)
	}
	return nil
}

// RanksOnNode returns the job ranks sharing the caller's node, ascending.
func (q *Context) RanksOnNode() ([]int, error) {
	const op = "RanksOnNode"
	if err := q.ready(op); err != nil {
		return nil, err
	}
	ranks, err := q.nr.RanksOnNode()
	if err != nil {
		return nil, q.fail(op, "noderank.RanksOnNode", err)
	}
	return ranks, nil
}

// AutoDistrib reports whether the caller should act for a resource of type
// typ: it must sit inside some object of that type among the first
// maxPerRes node ranks found there.
func (q *Context) AutoDistrib(typ ObjType, maxPerRes int) (bool, error) {
	const op = "AutoDistrib"
	if err := q.ready(op); err != nil {
		return false, err
	}
	if maxPerRes <= 0 {
		return false, newError(op, CodeInvalidArgument, fmt.Errorf("max per resource must be >= 1, got %d", maxPerRes))
	}
	me, err := q.NodeRank()
	if err != nil {
		return false, err
	}
	nres, err := q.NObjsByType(typ)
	if err != nil {
		return false, err
	}
	for i := 0; i < nres; i++ {
		ranks, err := q.SMPRanksInType(typ, i)
		if err != nil {
			return false, err
		}
		for pos, rank := range ranks {
			if pos >= maxPerRes {
				break
			}
			if rank == me {
				return true, nil
			}
		}
	}
	return false, nil
}
