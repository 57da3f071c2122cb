package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"quo/internal/config"
	"quo/internal/logging"
	"quo/internal/topology"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var rank, size int
	var bind string
	var report bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a multi-process job, compute node ranks and optionally bind",
		Long:  "Every process of the job runs 'quo run' with its own --rank. Rank 0 serves the rendezvous on --addr; the others connect to it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.GetLogger()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Exchange.Backend = config.BackendRendezvous
				cfg.Exchange.Addr = addr
			}
			if cmd.Flags().Changed("rank") {
				cfg.Exchange.Rank = rank
			}
			if cmd.Flags().Changed("size") {
				cfg.Exchange.Size = size
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			q, topo, err := openContext(ctx, cfg)
			if err != nil {
				return err
			}
			defer q.Destruct()

			nr, err := q.NodeRank()
			if err != nil {
				return err
			}
			nnr, err := q.NNodeRanks()
			if err != nil {
				return err
			}
			nnodes, err := q.NNodes()
			if err != nil {
				return err
			}
			ranks, err := q.RanksOnNode()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rank %d/%d: node rank %d/%d on %s (%d nodes, node ranks %v)\n",
				cfg.Exchange.Rank, cfg.Exchange.Size, nr, nnr, topo.Hostname, nnodes, ranks)

			if bind != "" {
				typ, err := topology.ParseObjType(bind)
				if err != nil {
					return err
				}
				idx, err := bindByNodeRank(q, typ)
				if err != nil {
					return err
				}
				defer func() {
					if err := q.BindPop(); err != nil {
						logger.WithError(err).Warn("Failed to restore binding")
					}
				}()
				cbind, err := q.StringifyCBind()
				if err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{
					"type":  typ.String(),
					"index": idx,
					"cpus":  cbind,
				}).Info("Rank bound")
				fmt.Fprintf(out, "bound to %s %d (cpus %s)\n", typ, idx, cbind)
			}

			if report {
				snap, err := buildSnapshot(ctx, q, topo, cfg, nil)
				if err != nil {
					return err
				}
				return publishSnapshot(ctx, out, cfg.Report, snap)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Rendezvous address (host:port); implies the rendezvous backend")
	cmd.Flags().IntVar(&rank, "rank", 0, "Global rank of this process")
	cmd.Flags().IntVar(&size, "size", 1, "Number of processes in the job")
	cmd.Flags().StringVar(&bind, "bind", "", "Bind to object (node rank mod count) of this type (numanode, socket, core, pu)")
	cmd.Flags().BoolVar(&report, "report", false, "Write a placement snapshot after binding")

	return cmd
}
