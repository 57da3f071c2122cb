package noderank

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotReady is returned by lookups before Init succeeded.
	ErrNotReady = errors.New("node rank table not built")
	// ErrParticipation is returned when the exchanged identities do not
	// describe exactly one contribution per job rank.
	ErrParticipation = errors.New("mismatched participation in rank exchange")
	// ErrRankOutOfRange is returned for a node-local rank outside [0, n).
	ErrRankOutOfRange = errors.New("node rank out of range")
)

// Identity is what every process advertises during the exchange.
type Identity struct {
	NodeToken string `json:"node_token"`
	PID       int    `json:"pid"`
	Rank      int    `json:"rank"`
}

// Exchanger is the process-group capability the resolver needs: a job-wide
// all-gather of identities. AllGather blocks until every rank contributed.
type Exchanger interface {
	Rank() int
	Size() int
	AllGather(ctx context.Context, self Identity) ([]Identity, error)
	Close() error
}

// Table is the immutable result of the exchange as seen by one process.
type Table struct {
	nnodes   int
	noderank int
	pids     []int // node rank -> pid
	ranks    []int // node rank -> job rank
}

// BuildTable validates the gathered identities and derives the caller's
// node-local view. Every process given the same input computes the same
// per-node ordering.
func BuildTable(all []Identity, self Identity, size int) (*Table, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: job size %d", ErrParticipation, size)
	}
	if len(all) != size {
		return nil, fmt.Errorf("%w: got %d identities for job size %d", ErrParticipation, len(all), size)
	}

	byRank := make([]*Identity, size)
	for i := range all {
		id := all[i]
		if id.Rank < 0 || id.Rank >= size {
			return nil, fmt.Errorf("%w: rank %d outside job of size %d", ErrParticipation, id.Rank, size)
		}
		if byRank[id.Rank] != nil {
			return nil, fmt.Errorf("%w: rank %d contributed twice", ErrParticipation, id.Rank)
		}
		byRank[id.Rank] = &id
	}

	if self.Rank < 0 || self.Rank >= size || byRank[self.Rank] == nil || *byRank[self.Rank] != self {
		return nil, fmt.Errorf("%w: own identity %+v not found in exchange", ErrParticipation, self)
	}

	tokens := make(map[string]struct{})
	t := &Table{noderank: -1}
	// byRank is ordered by job rank, so the local group comes out sorted.
	for _, id := range byRank {
		tokens[id.NodeToken] = struct{}{}
		if id.NodeToken != self.NodeToken {
			continue
		}
		if id.Rank == self.Rank {
			t.noderank = len(t.pids)
		}
		t.pids = append(t.pids, id.PID)
		t.ranks = append(t.ranks, id.Rank)
	}
	t.nnodes = len(tokens)
	return t, nil
}

func (t *Table) NNodes() int     { return t.nnodes }
func (t *Table) NNodeRanks() int { return len(t.pids) }
func (t *Table) NodeRank() int   { return t.noderank }

func (t *Table) PID(noderank int) (int, error) {
	if noderank < 0 || noderank >= len(t.pids) {
		return 0, fmt.Errorf("%w: %d (have %d)", ErrRankOutOfRange, noderank, len(t.pids))
	}
	return t.pids[noderank], nil
}

// Ranks returns the job ranks on this node in ascending order.
func (t *Table) Ranks() []int {
	return append([]int(nil), t.ranks...)
}

// Resolver owns the exchanger and, after Init, the node rank table.
type Resolver struct {
	ex     Exchanger
	token  string
	pid    int
	table  *Table
	logger logrus.FieldLogger
}

func New(ex Exchanger, nodeToken string, pid int, logger logrus.FieldLogger) (*Resolver, error) {
	if ex == nil {
		return nil, fmt.Errorf("exchanger is nil")
	}
	if nodeToken == "" {
		return nil, fmt.Errorf("node token is empty")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{ex: ex, token: nodeToken, pid: pid, logger: logger}, nil
}

// Init runs the exchange once. On failure no table is kept and Init may be
// retried.
func (r *Resolver) Init(ctx context.Context) error {
	if r.table != nil {
		return nil
	}
	self := Identity{NodeToken: r.token, PID: r.pid, Rank: r.ex.Rank()}
	all, err := r.ex.AllGather(ctx, self)
	if err != nil {
		return fmt.Errorf("rank exchange failed: %w", err)
	}
	table, err := BuildTable(all, self, r.ex.Size())
	if err != nil {
		return err
	}
	r.table = table

	r.logger.WithFields(logrus.Fields{
		"rank":       self.Rank,
		"node_token": r.token,
		"noderank":   table.NodeRank(),
		"nnoderanks": table.NNodeRanks(),
		"nnodes":     table.NNodes(),
	}).Debug("Node rank table built")
	return nil
}

// Close releases the exchanger.
func (r *Resolver) Close() error {
	if r == nil {
		return fmt.Errorf("resolver is nil")
	}
	return r.ex.Close()
}

func (r *Resolver) ready() (*Table, error) {
	if r.table == nil {
		return nil, ErrNotReady
	}
	return r.table, nil
}

func (r *Resolver) NNodes() (int, error) {
	t, err := r.ready()
	if err != nil {
		return 0, err
	}
	return t.NNodes(), nil
}

func (r *Resolver) NNodeRanks() (int, error) {
	t, err := r.ready()
	if err != nil {
		return 0, err
	}
	return t.NNodeRanks(), nil
}

func (r *Resolver) NodeRank() (int, error) {
	t, err := r.ready()
	if err != nil {
		return 0, err
	}
	return t.NodeRank(), nil
}

func (r *Resolver) SMPRank2PID(noderank int) (int, error) {
	t, err := r.ready()
	if err != nil {
		return 0, err
	}
	return t.PID(noderank)
}

func (r *Resolver) RanksOnNode() ([]int, error) {
	t, err := r.ready()
	if err != nil {
		return nil, err
	}
	return t.Ranks(), nil
}

// SortIdentities orders identities by job rank; used by exchangers that
// collect contributions out of order.
func SortIdentities(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Rank < ids[j].Rank })
}
