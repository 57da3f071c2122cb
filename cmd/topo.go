package cmd

import (
	"fmt"
	"io"

	"quo/internal/config"
	"quo/internal/quo"
	"quo/internal/topology"

	"github.com/spf13/cobra"
)

// baseOptions maps the configuration onto context options shared by every
// command that talks to the real node.
func baseOptions(cfg *config.QuoConfig) []quo.Option {
	opts := []quo.Option{
		quo.WithRoots(topology.Roots{Sysfs: cfg.Topology.SysfsRoot, Procfs: cfg.Topology.ProcRoot}),
	}
	if cfg.NodeToken != "" {
		opts = append(opts, quo.WithNodeToken(cfg.NodeToken))
	}
	return opts
}

func newTopoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "topo",
		Short: "Print the node topology and the current binding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			q, err := quo.Construct(baseOptions(cfg)...)
			if err != nil {
				return err
			}
			defer q.Destruct()

			if _, err := q.Init(cmd.Context()); err != nil {
				return err
			}
			return printTopology(cmd.OutOrStdout(), q)
		},
	}
}

func printTopology(w io.Writer, q *quo.Context) error {
	s, err := q.NodeTopoStringify()
	if err != nil {
		return err
	}
	fmt.Fprint(w, s)

	counts := []struct {
		name string
		fn   func() (int, error)
	}{
		{"numa nodes", q.NNUMANodes},
		{"sockets", q.NSockets},
		{"cores", q.NCores},
		{"pus", q.NPUs},
	}
	for _, c := range counts {
		n, err := c.fn()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-10s %d\n", c.name, n)
	}

	cbind, err := q.StringifyCBind()
	if err != nil {
		return err
	}
	bound, err := q.Bound()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "cbind      %s (bound=%t)\n", cbind, bound)
	return nil
}

// bindByNodeRank pushes a binding to object noderank % n of type typ.
func bindByNodeRank(q *quo.Context, typ quo.ObjType) (int, error) {
	nobjs, err := q.NObjsByType(typ)
	if err != nil {
		return 0, err
	}
	if nobjs == 0 {
		return 0, fmt.Errorf("no %s objects on this node", typ)
	}
	nr, err := q.NodeRank()
	if err != nil {
		return 0, err
	}
	idx := nr % nobjs
	if err := q.BindPush(quo.BindPushProvided, typ, idx); err != nil {
		return 0, err
	}
	return idx, nil
}
