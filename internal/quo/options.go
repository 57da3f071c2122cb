package quo

import (
	"quo/internal/affinity"
	"quo/internal/noderank"
	"quo/internal/topology"

	"github.com/sirupsen/logrus"
)

type options struct {
	topo      *topology.Topology
	roots     topology.Roots
	aff       affinity.Controller
	ex        noderank.Exchanger
	pid       int
	nodeToken string
	logger    logrus.FieldLogger
}

// Option customizes Construct.
type Option func(*options)

// WithTopology skips discovery and uses topo.
func WithTopology(topo *topology.Topology) Option {
	return func(o *options) { o.topo = topo }
}

// WithRoots discovers the topology from the given sysfs/procfs trees.
func WithRoots(roots topology.Roots) Option {
	return func(o *options) { o.roots = roots }
}

func WithAffinity(aff affinity.Controller) Option {
	return func(o *options) { o.aff = aff }
}

// WithExchanger sets the process-group backend. Without it the context
// forms a job of size one.
func WithExchanger(ex noderank.Exchanger) Option {
	return func(o *options) { o.ex = ex }
}

// WithPID overrides the process identity. Simulated ranks share one OS
// process and need distinct pids.
func WithPID(pid int) Option {
	return func(o *options) { o.pid = pid }
}

// WithNodeToken overrides the hostname as node identity.
func WithNodeToken(token string) Option {
	return func(o *options) { o.nodeToken = token }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}
