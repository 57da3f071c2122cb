package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"quo/internal/affinity"
	"quo/internal/exchange"
	"quo/internal/logging"
	"quo/internal/quo"
	"quo/internal/topology"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Simulated ranks get pids from this base so they never collide with real ones
// in log output.
const simPIDBase = 1 << 22

type simulation struct {
	topo      *topology.Topology
	ranks     int
	nodes     int
	bindType  quo.ObjType
	maxPerRes int
}

type simRank struct {
	rank int
	node int
	q    *quo.Context
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var shape string
	var ranks, nodes, maxPerRes int
	var bindType string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a job of in-process ranks against simulated affinity",
		Long:  "Start goroutine ranks spread round-robin over simulated nodes, bind each to an object by node rank and print who landed where",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ranks") {
				ranks = cfg.Simulate.Ranks
			}
			if !cmd.Flags().Changed("bind") {
				bindType = cfg.Simulate.BindType
			}

			typ, err := topology.ParseObjType(bindType)
			if err != nil {
				return err
			}

			var topo *topology.Topology
			if shape != "" {
				topo, err = topology.ParseShape(shape)
			} else {
				topo, err = topology.Discover(topology.Roots{Sysfs: cfg.Topology.SysfsRoot, Procfs: cfg.Topology.ProcRoot})
			}
			if err != nil {
				return err
			}

			return runSimulation(cmd.Context(), cmd.OutOrStdout(), simulation{
				topo:      topo,
				ranks:     ranks,
				nodes:     nodes,
				bindType:  typ,
				maxPerRes: maxPerRes,
			})
		},
	}

	cmd.Flags().StringVar(&shape, "shape", "", "Synthetic topology SOCKETSxCORESxTHREADS instead of the local node")
	cmd.Flags().IntVarP(&ranks, "ranks", "n", 4, "Number of ranks in the job")
	cmd.Flags().IntVar(&nodes, "nodes", 1, "Number of simulated nodes")
	cmd.Flags().StringVar(&bindType, "bind", "socket", "Object type to bind ranks to (numanode, socket, core, pu)")
	cmd.Flags().IntVar(&maxPerRes, "max-per-res", 1, "Ranks selected per object by auto distribution")

	return cmd
}

func runSimulation(ctx context.Context, w io.Writer, sim simulation) error {
	logger := logging.GetLogger()

	if sim.ranks <= 0 {
		return fmt.Errorf("ranks must be greater than 0")
	}
	if sim.nodes <= 0 || sim.nodes > sim.ranks {
		return fmt.Errorf("nodes must be between 1 and the number of ranks (%d)", sim.ranks)
	}
	if sim.topo == nil {
		return fmt.Errorf("topology is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	group, err := exchange.NewGroup(sim.ranks)
	if err != nil {
		return err
	}
	mems := make([]*affinity.Memory, sim.nodes)
	for i := range mems {
		mems[i] = affinity.NewMemory(sim.topo.MachineCPUs())
	}

	procs := make([]simRank, 0, sim.ranks)
	defer func() {
		for _, p := range procs {
			if err := p.q.Destruct(); err != nil {
				logger.WithField("rank", p.rank).WithError(err).Warn("Failed to destruct simulated rank")
			}
		}
	}()

	for rank := 0; rank < sim.ranks; rank++ {
		member, err := group.Member(rank)
		if err != nil {
			return err
		}
		node := rank % sim.nodes
		pid := simPIDBase + rank
		mems[node].Add(pid)
		q, err := quo.Construct(
			quo.WithTopology(sim.topo),
			quo.WithAffinity(mems[node]),
			quo.WithExchanger(member),
			quo.WithPID(pid),
			quo.WithNodeToken(simNodeName(node)),
		)
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		procs = append(procs, simRank{rank: rank, node: node, q: q})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range procs {
		p := p
		eg.Go(func() error {
			if _, err := p.q.Init(egCtx); err != nil {
				return fmt.Errorf("rank %d: %w", p.rank, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, p := range procs {
		idx, err := bindByNodeRank(p.q, sim.bindType)
		if err != nil {
			return fmt.Errorf("rank %d: %w", p.rank, err)
		}
		logger.WithFields(logrus.Fields{
			"rank":  p.rank,
			"node":  simNodeName(p.node),
			"type":  sim.bindType.String(),
			"index": idx,
		}).Debug("Simulated rank bound")
	}

	for node := 0; node < sim.nodes; node++ {
		if err := reportSimNode(w, procs, node, sim); err != nil {
			return err
		}
	}

	for _, p := range procs {
		if err := p.q.BindPop(); err != nil {
			return fmt.Errorf("rank %d: %w", p.rank, err)
		}
	}
	return nil
}

func simNodeName(node int) string {
	return fmt.Sprintf("sim-node-%d", node)
}

func reportSimNode(w io.Writer, procs []simRank, node int, sim simulation) error {
	var peers []simRank
	for _, p := range procs {
		if p.node == node {
			peers = append(peers, p)
		}
	}
	// Global rank order equals node rank order, so peers[0] is node rank 0.
	reporter := peers[0].q

	globals, err := reporter.RanksOnNode()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "node %s: %d ranks %v\n", simNodeName(node), len(globals), globals)

	nobjs, err := reporter.NObjsByType(sim.bindType)
	if err != nil {
		return err
	}
	for i := 0; i < nobjs; i++ {
		ranks, err := reporter.SMPRanksInType(sim.bindType, i)
		if err != nil {
			return err
		}
		if ranks == nil {
			ranks = []int{}
		}
		fmt.Fprintf(w, "  %s %d: %v\n", sim.bindType, i, ranks)
	}

	selected := []int{}
	for _, p := range peers {
		ok, err := p.q.AutoDistrib(sim.bindType, sim.maxPerRes)
		if err != nil {
			return err
		}
		if ok {
			nr, err := p.q.NodeRank()
			if err != nil {
				return err
			}
			selected = append(selected, nr)
		}
	}
	sort.Ints(selected)
	fmt.Fprintf(w, "  auto distrib (%s, %d): %v\n", sim.bindType, sim.maxPerRes, selected)
	return nil
}
