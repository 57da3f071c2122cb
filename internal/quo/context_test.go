package quo

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"quo/internal/affinity"
	"quo/internal/exchange"
	"quo/internal/hwloc"
	"quo/internal/noderank"
	"quo/internal/topology"

	"golang.org/x/sync/errgroup"
)

func makeTopology(t *testing.T, sockets int, coresPerSocket int, threadsPerCore int) *topology.Topology {
	t.Helper()
	var cpus []topology.CPUInfo
	logical := 0
	for socket := 0; socket < sockets; socket++ {
		for core := 0; core < coresPerSocket; core++ {
			for th := 0; th < threadsPerCore; th++ {
				cpus = append(cpus, topology.CPUInfo{LogicalID: logical, PackageID: socket, CoreID: core, NUMANode: socket})
				logical++
			}
		}
	}
	topo, err := topology.Build(cpus)
	if err != nil {
		t.Fatalf("build topology: %v", err)
	}
	return topo
}

// job simulates size ranks on one or more nodes sharing a memory affinity map.
type job struct {
	topo *topology.Topology
	mem  *affinity.Memory
	ctxs []*Context
}

func pidOf(rank int) int { return 7000 + rank }

func newJob(t *testing.T, topo *topology.Topology, tokens []string) *job {
	t.Helper()
	g, err := exchange.NewGroup(len(tokens))
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	j := &job{topo: topo, mem: affinity.NewMemory(topo.MachineCPUs())}
	for rank, token := range tokens {
		m, err := g.Member(rank)
		if err != nil {
			t.Fatalf("member: %v", err)
		}
		j.mem.Add(pidOf(rank))
		q, err := Construct(
			WithTopology(topo),
			WithAffinity(j.mem),
			WithExchanger(m),
			WithPID(pidOf(rank)),
			WithNodeToken(token),
		)
		if err != nil {
			t.Fatalf("construct rank %d: %v", rank, err)
		}
		j.ctxs = append(j.ctxs, q)
	}
	t.Cleanup(func() {
		for _, q := range j.ctxs {
			_ = q.Destruct()
		}
	})
	return j
}

func (j *job) initAll(t *testing.T) {
	t.Helper()
	eg, ctx := errgroup.WithContext(context.Background())
	for _, q := range j.ctxs {
		q := q
		eg.Go(func() error {
			st, err := q.Init(ctx)
			if err == nil && st != StatusSuccess {
				return errors.New("first init did not report success")
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func newSolo(t *testing.T) (*Context, *affinity.Memory) {
	t.Helper()
	topo := makeTopology(t, 2, 2, 2)
	mem := affinity.NewMemory(topo.MachineCPUs())
	mem.Add(pidOf(0))
	q, err := Construct(WithTopology(topo), WithAffinity(mem), WithPID(pidOf(0)), WithNodeToken("solo"))
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	t.Cleanup(func() { _ = q.Destruct() })
	return q, mem
}

func TestInitializedLifecycle(t *testing.T) {
	q, _ := newSolo(t)
	init, err := q.Initialized()
	if err != nil || init {
		t.Fatalf("fresh context initialized=%v err=%v", init, err)
	}
	st, err := q.Init(context.Background())
	if err != nil || st != StatusSuccess {
		t.Fatalf("init status=%v err=%v", st, err)
	}
	if init, _ := q.Initialized(); !init {
		t.Fatalf("not initialized after Init")
	}
	st, err = q.Init(context.Background())
	if err != nil || st != StatusAlreadyDone {
		t.Fatalf("second init status=%v err=%v", st, err)
	}
	if init, _ := q.Initialized(); !init {
		t.Fatalf("not initialized after second Init")
	}
	if err := q.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if q.PID() != pidOf(0) {
		t.Fatalf("pid=%d", q.PID())
	}
}

func queries(q *Context) map[string]func() error {
	return map[string]func() error{
		"Finalize":          func() error { return q.Finalize() },
		"NodeTopoStringify": func() error { _, err := q.NodeTopoStringify(); return err },
		"NObjsByType":       func() error { _, err := q.NObjsByType(ObjSocket); return err },
		"NObjsInTypeByType": func() error { _, err := q.NObjsInTypeByType(ObjSocket, 0, ObjCore); return err },
		"CurCPUSetInType":   func() error { _, err := q.CurCPUSetInType(ObjSocket, 0); return err },
		"PIDInType":         func() error { _, err := q.PIDInType(1, ObjSocket, 0); return err },
		"SMPRanksInType":    func() error { _, err := q.SMPRanksInType(ObjSocket, 0); return err },
		"NSockets":          func() error { _, err := q.NSockets(); return err },
		"NCores":            func() error { _, err := q.NCores(); return err },
		"NPUs":              func() error { _, err := q.NPUs(); return err },
		"NNUMANodes":        func() error { _, err := q.NNUMANodes(); return err },
		"Bound":             func() error { _, err := q.Bound(); return err },
		"StringifyCBind":    func() error { _, err := q.StringifyCBind(); return err },
		"NNodes":            func() error { _, err := q.NNodes(); return err },
		"NNodeRanks":        func() error { _, err := q.NNodeRanks(); return err },
		"NodeRank":          func() error { _, err := q.NodeRank(); return err },
		"NodeRankPID":       func() error { _, err := q.NodeRankPID(0); return err },
		"BindPush":          func() error { return q.BindPush(BindPushProvided, ObjSocket, 0) },
		"BindPop":           func() error { return q.BindPop() },
		"RanksOnNode":       func() error { _, err := q.RanksOnNode(); return err },
		"AutoDistrib":       func() error { _, err := q.AutoDistrib(ObjSocket, 1); return err },
	}
}

func TestQueriesBeforeInit(t *testing.T) {
	q, mem := newSolo(t)
	for name, call := range queries(q) {
		err := call()
		if !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%s: expected ErrNotInitialized, got %v", name, err)
		}
		var qe *Error
		if !errors.As(err, &qe) || qe.Op != name {
			t.Fatalf("%s: error does not name the operation: %v", name, err)
		}
	}
	cur, _ := mem.Get(pidOf(0))
	if cur.Size() != 8 {
		t.Fatalf("affinity changed before init: %s", cur)
	}
}

func TestNilContext(t *testing.T) {
	var q *Context
	for name, call := range queries(q) {
		if err := call(); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", name, err)
		}
	}
	if _, err := q.Init(context.Background()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Init: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := q.Initialized(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Initialized: expected ErrInvalidArgument, got %v", err)
	}
	if err := q.Destruct(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Destruct: expected ErrInvalidArgument, got %v", err)
	}
}

func TestScenarioFourRanksOneNode(t *testing.T) {
	j := newJob(t, makeTopology(t, 2, 2, 1), []string{"n0", "n0", "n0", "n0"})
	j.initAll(t)

	for rank, q := range j.ctxs {
		nr, err := q.NodeRank()
		if err != nil || nr != rank {
			t.Fatalf("rank %d node rank=%d err=%v", rank, nr, err)
		}
		n, _ := q.NNodeRanks()
		if n != 4 {
			t.Fatalf("nnoderanks=%d", n)
		}
		ranks, _ := q.RanksOnNode()
		if !reflect.DeepEqual(ranks, []int{0, 1, 2, 3}) {
			t.Fatalf("ranks on node=%v", ranks)
		}
		if nn, _ := q.NNodes(); nn != 1 {
			t.Fatalf("nnodes=%d", nn)
		}
		pid, err := q.NodeRankPID(rank)
		if err != nil || pid != pidOf(rank) {
			t.Fatalf("node rank %d pid=%d err=%v", rank, pid, err)
		}
	}
}

func TestScenarioTwoNodes(t *testing.T) {
	j := newJob(t, makeTopology(t, 1, 2, 1), []string{"a", "b", "a", "b", "b"})
	j.initAll(t)

	want := map[int]struct {
		noderank int
		ranks    []int
	}{
		0: {0, []int{0, 2}},
		1: {0, []int{1, 3, 4}},
		2: {1, []int{0, 2}},
		3: {1, []int{1, 3, 4}},
		4: {2, []int{1, 3, 4}},
	}
	for rank, q := range j.ctxs {
		nr, _ := q.NodeRank()
		ranks, _ := q.RanksOnNode()
		if nr != want[rank].noderank || !reflect.DeepEqual(ranks, want[rank].ranks) {
			t.Fatalf("rank %d: node rank=%d ranks=%v", rank, nr, ranks)
		}
		if nn, _ := q.NNodes(); nn != 2 {
			t.Fatalf("nnodes=%d", nn)
		}
	}
}

func TestScenarioSocketBinding(t *testing.T) {
	j := newJob(t, makeTopology(t, 2, 2, 1), []string{"n0", "n0", "n0"})
	j.initAll(t)

	// Rank 2 binds into socket 1; the others stay unbound.
	if err := j.ctxs[2].BindPush(BindPushProvided, ObjSocket, 1); err != nil {
		t.Fatalf("push: %v", err)
	}
	ranks, err := j.ctxs[0].SMPRanksInType(ObjSocket, 1)
	if err != nil {
		t.Fatalf("smpranks: %v", err)
	}
	if !reflect.DeepEqual(ranks, []int{2}) {
		t.Fatalf("ranks in socket 1=%v", ranks)
	}
	ranks, _ = j.ctxs[0].SMPRanksInType(ObjSocket, 0)
	if len(ranks) != 0 {
		t.Fatalf("ranks in socket 0=%v", ranks)
	}
	if ns, _ := j.ctxs[0].NSockets(); ns != 2 {
		t.Fatalf("nsockets=%d", ns)
	}
}

func TestSMPRanksIncreasingAndConfirmed(t *testing.T) {
	j := newJob(t, makeTopology(t, 2, 2, 1), []string{"n", "n", "n", "n", "n", "n"})
	j.initAll(t)

	// Ranks 1, 3 and 5 land on socket 0, the rest on socket 1.
	for rank, q := range j.ctxs {
		if err := q.BindPush(BindPushProvided, ObjSocket, (rank+1)%2); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	for socket := 0; socket < 2; socket++ {
		ranks, err := j.ctxs[0].SMPRanksInType(ObjSocket, socket)
		if err != nil {
			t.Fatalf("smpranks: %v", err)
		}
		if len(ranks) != 3 {
			t.Fatalf("socket %d ranks=%v", socket, ranks)
		}
		for i, r := range ranks {
			if i > 0 && ranks[i-1] >= r {
				t.Fatalf("ranks not strictly increasing: %v", ranks)
			}
			in, err := j.ctxs[r].CurCPUSetInType(ObjSocket, socket)
			if err != nil || !in {
				t.Fatalf("rank %d not confirmed in socket %d", r, socket)
			}
			pid, _ := j.ctxs[0].NodeRankPID(r)
			if in, _ := j.ctxs[0].PIDInType(pid, ObjSocket, socket); !in {
				t.Fatalf("pid %d not confirmed in socket %d", pid, socket)
			}
		}
	}

	selected := 0
	for _, q := range j.ctxs {
		ok, err := q.AutoDistrib(ObjSocket, 2)
		if err != nil {
			t.Fatalf("autodistrib: %v", err)
		}
		if ok {
			selected++
		}
	}
	if selected != 4 {
		t.Fatalf("selected %d ranks, want 2 per socket", selected)
	}
	if _, err := j.ctxs[0].AutoDistrib(ObjSocket, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestBindStackThroughContext(t *testing.T) {
	q, mem := newSolo(t)
	if _, err := q.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	before, _ := mem.Get(pidOf(0))

	if err := q.BindPop(); !errors.Is(err, ErrEmptyBindStack) || !errors.Is(err, ErrCollaborator) {
		t.Fatalf("expected empty stack collaborator error, got %v", err)
	}
	if cur, _ := mem.Get(pidOf(0)); !cur.Equals(before) {
		t.Fatalf("empty pop changed affinity")
	}

	if err := q.BindPush(BindPushProvided, ObjSocket, 1); err != nil {
		t.Fatalf("push socket: %v", err)
	}
	if err := q.BindPush(BindPushProvided, ObjPU, 6); err != nil {
		t.Fatalf("push pu: %v", err)
	}
	if bound, _ := q.Bound(); !bound {
		t.Fatalf("expected bound")
	}
	if s, _ := q.StringifyCBind(); s != "6" {
		t.Fatalf("cbind=%q", s)
	}
	if err := q.BindPush(BindPushObj, ObjCore, 0); err != nil {
		t.Fatalf("push obj: %v", err)
	}
	if s, _ := q.StringifyCBind(); s != "6-7" {
		t.Fatalf("cbind after obj push=%q", s)
	}
	for i := 0; i < 3; i++ {
		if err := q.BindPop(); err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
	}
	if cur, _ := mem.Get(pidOf(0)); !cur.Equals(before) {
		t.Fatalf("affinity after pops=%s want %s", cur, before)
	}
	if bound, _ := q.Bound(); bound {
		t.Fatalf("expected unbound after pops")
	}
}

func TestOutOfRangeIsInvalidArgument(t *testing.T) {
	q, _ := newSolo(t)
	if _, err := q.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := q.CurCPUSetInType(ObjSocket, 9); !errors.Is(err, ErrInvalidArgument) || !errors.Is(err, hwloc.ErrInvalidObject) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := q.BindPush(BindPushProvided, ObjCore, -1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := q.NodeRankPID(3); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	n, err := q.NObjsInTypeByType(ObjSocket, 1, ObjPU)
	if err != nil || n != 4 {
		t.Fatalf("pus in socket 1=%d err=%v", n, err)
	}
}

func TestConstructFailureReturnsNil(t *testing.T) {
	q, err := Construct(WithRoots(topology.Roots{Sysfs: filepath.Join(t.TempDir(), "missing")}))
	if q != nil {
		t.Fatalf("expected nil context on failure")
	}
	if !errors.Is(err, ErrCollaborator) {
		t.Fatalf("expected collaborator failure, got %v", err)
	}
}

type closeFailExchanger struct {
	noderank.Exchanger
}

func (closeFailExchanger) Close() error { return errors.New("close failed") }

func TestDestructPartialAndAggregate(t *testing.T) {
	topo := makeTopology(t, 1, 1, 1)
	mem := affinity.NewMemory(topo.MachineCPUs())
	hw, err := hwloc.New(topo, mem, 1, nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	partial := &Context{hw: hw}
	if err := partial.Destruct(); err != nil {
		t.Fatalf("destruct partial: %v", err)
	}
	if err := (&Context{}).Destruct(); err != nil {
		t.Fatalf("destruct empty: %v", err)
	}

	q, err := Construct(WithTopology(topo), WithAffinity(mem), WithPID(1), WithNodeToken("x"),
		WithExchanger(closeFailExchanger{Exchanger: exchange.Self()}))
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	err = q.Destruct()
	if !errors.Is(err, ErrGeneric) {
		t.Fatalf("expected generic teardown error, got %v", err)
	}
	if _, err := q.Init(context.Background()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("init after destruct: expected invalid argument, got %v", err)
	}
}

type failingExchanger struct {
	mu    sync.Mutex
	calls int
}

func (f *failingExchanger) Rank() int { return 0 }
func (f *failingExchanger) Size() int { return 1 }
func (f *failingExchanger) AllGather(context.Context, noderank.Identity) ([]noderank.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, errors.New("backend down")
}
func (f *failingExchanger) Close() error { return nil }

func TestInitFailureLeavesUninitialized(t *testing.T) {
	topo := makeTopology(t, 1, 1, 1)
	mem := affinity.NewMemory(topo.MachineCPUs())
	ex := &failingExchanger{}
	q, err := Construct(WithTopology(topo), WithAffinity(mem), WithPID(1), WithNodeToken("x"), WithExchanger(ex))
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	defer q.Destruct()

	st, err := q.Init(context.Background())
	if st != StatusFailure || !errors.Is(err, ErrCollaborator) {
		t.Fatalf("init status=%v err=%v", st, err)
	}
	if init, _ := q.Initialized(); init {
		t.Fatalf("initialized after failed init")
	}
	if _, err := q.NodeRank(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	major, minor := Version()
	if major != VersionMajor || minor != VersionMinor {
		t.Fatalf("version %d.%d", major, minor)
	}
}
