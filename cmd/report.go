package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"quo/internal/collectors"
	"quo/internal/config"
	"quo/internal/database"
	"quo/internal/exchange"
	"quo/internal/logging"
	"quo/internal/noderank"
	"quo/internal/quo"
	"quo/internal/topology"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type containerLister interface {
	RunningContainers(ctx context.Context) ([]collectors.ContainerProcess, error)
}

func newExchanger(cfg *config.QuoConfig) (noderank.Exchanger, error) {
	switch cfg.Exchange.Backend {
	case config.BackendRendezvous:
		r, err := exchange.NewRendezvous(exchange.RendezvousConfig{
			Addr:         cfg.Exchange.Addr,
			Rank:         cfg.Exchange.Rank,
			Size:         cfg.Exchange.Size,
			PollInterval: cfg.GetPollInterval(),
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.BackendLocal, "":
		return exchange.Self(), nil
	}
	return nil, fmt.Errorf("unknown exchange backend %q", cfg.Exchange.Backend)
}

// openContext discovers the topology, joins the job and runs Init.
func openContext(ctx context.Context, cfg *config.QuoConfig) (*quo.Context, *topology.Topology, error) {
	topo, err := topology.Discover(topology.Roots{Sysfs: cfg.Topology.SysfsRoot, Procfs: cfg.Topology.ProcRoot})
	if err != nil {
		return nil, nil, err
	}
	ex, err := newExchanger(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := append(baseOptions(cfg), quo.WithTopology(topo), quo.WithExchanger(ex))
	q, err := quo.Construct(opts...)
	if err != nil {
		_ = ex.Close()
		return nil, nil, err
	}
	if _, err := q.Init(ctx); err != nil {
		_ = q.Destruct()
		return nil, nil, err
	}
	return q, topo, nil
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	var docker bool
	var spoolDir string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Record where the ranks of this node are bound",
		Long:  "Take a placement snapshot of every node rank (and optionally running Docker containers) and write it to InfluxDB, or to a gzip spool file when no database is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("docker") {
				cfg.Report.Docker = docker
			}
			if spoolDir != "" {
				cfg.Report.SpoolDir = spoolDir
			}

			q, topo, err := openContext(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Destruct()

			var lister containerLister
			if cfg.Report.Docker {
				src, err := collectors.NewContainerSource()
				if err != nil {
					return err
				}
				defer src.Close()
				lister = src
			}

			snap, err := buildSnapshot(cmd.Context(), q, topo, cfg, lister)
			if err != nil {
				return err
			}
			return publishSnapshot(cmd.Context(), cmd.OutOrStdout(), cfg.Report, snap)
		},
	}

	cmd.Flags().BoolVar(&docker, "docker", false, "Include running Docker containers in the snapshot")
	cmd.Flags().StringVar(&spoolDir, "spool-dir", "", "Directory for spool files (default $QUO_SPOOL_DIR or ./spool)")

	return cmd
}

// enclosingIndex returns the index of the object of type typ that contains
// pid's affinity, or -1.
func enclosingIndex(q *quo.Context, pid int, typ quo.ObjType) (int, error) {
	n, err := q.NObjsByType(typ)
	if err != nil {
		return -1, err
	}
	for i := 0; i < n; i++ {
		in, err := q.PIDInType(pid, typ, i)
		if err != nil {
			return -1, err
		}
		if in {
			return i, nil
		}
	}
	return -1, nil
}

func buildSnapshot(ctx context.Context, q *quo.Context, topo *topology.Topology, cfg *config.QuoConfig, lister containerLister) (*database.Snapshot, error) {
	logger := logging.GetLogger()

	token := cfg.NodeToken
	if token == "" {
		token, _ = os.Hostname()
	}
	snap := database.NewSnapshot(token)
	snap.Hostname = topo.Hostname
	snap.KernelVersion = topo.KernelVersion
	snap.CPUModel = topo.CPUModel
	if checksum, err := config.JobChecksum(cfg); err == nil {
		snap.JobChecksum = checksum
	}

	var err error
	if snap.NNodes, err = q.NNodes(); err != nil {
		return nil, err
	}
	if snap.NNodeRanks, err = q.NNodeRanks(); err != nil {
		return nil, err
	}
	if snap.NodeRank, err = q.NodeRank(); err != nil {
		return nil, err
	}
	if snap.Sockets, err = q.NSockets(); err != nil {
		return nil, err
	}
	if snap.Cores, err = q.NCores(); err != nil {
		return nil, err
	}
	if snap.PUs, err = q.NPUs(); err != nil {
		return nil, err
	}
	if snap.NUMANodes, err = q.NNUMANodes(); err != nil {
		return nil, err
	}
	if snap.CBind, err = q.StringifyCBind(); err != nil {
		return nil, err
	}
	if snap.Bound, err = q.Bound(); err != nil {
		return nil, err
	}

	for nr := 0; nr < snap.NNodeRanks; nr++ {
		pid, err := q.NodeRankPID(nr)
		if err != nil {
			return nil, err
		}
		placement := database.RankPlacement{NodeRank: nr, PID: pid, Self: nr == snap.NodeRank}
		if placement.Socket, err = enclosingIndex(q, pid, quo.ObjSocket); err != nil {
			return nil, err
		}
		if placement.Core, err = enclosingIndex(q, pid, quo.ObjCore); err != nil {
			return nil, err
		}
		snap.Ranks = append(snap.Ranks, placement)
	}

	if lister != nil {
		procs, err := lister.RunningContainers(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range procs {
			placement := database.ContainerPlacement{Name: p.Name, ID: p.ID, Image: p.Image, PID: p.PID}
			if placement.Socket, err = enclosingIndex(q, p.PID, quo.ObjSocket); err != nil {
				logger.WithField("container", p.Name).WithError(err).Warn("Failed to place container")
				continue
			}
			if placement.Core, err = enclosingIndex(q, p.PID, quo.ObjCore); err != nil {
				logger.WithField("container", p.Name).WithError(err).Warn("Failed to place container")
				continue
			}
			snap.Containers = append(snap.Containers, placement)
		}
	}

	return snap, nil
}

// publishSnapshot writes to InfluxDB when configured and falls back to the
// spool directory otherwise or on failure.
func publishSnapshot(ctx context.Context, w io.Writer, rc config.ReportConfig, snap *database.Snapshot) error {
	logger := logging.GetLogger()

	if rc.DB.Enabled() {
		idb, err := database.NewInfluxDBClient(rc.DB)
		if err == nil {
			defer idb.Close()
			if err = idb.WritePlacement(ctx, snap); err == nil {
				fmt.Fprintf(w, "placement written to influxdb bucket %s\n", rc.DB.Name)
				return nil
			}
		}
		logger.WithError(err).Warn("Writing to InfluxDB failed, spooling snapshot")
	}

	path, err := database.WriteSpoolArtifact(rc.SpoolDir, snap)
	if err != nil {
		return fmt.Errorf("failed to spool snapshot: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path":  path,
		"ranks": len(snap.Ranks),
	}).Info("Spooled placement snapshot")
	fmt.Fprintf(w, "placement spooled to %s\n", path)
	return nil
}
