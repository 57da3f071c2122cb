package exchange

import (
	"context"
	"fmt"
	"sync"

	"quo/internal/noderank"
)

// Group is an in-process job of fixed size whose members are goroutines.
// Each AllGather round completes once every member has contributed. A member
// whose context ends before its round completes is withdrawn from it.
type Group struct {
	size int
	mu   sync.Mutex
	gen  *generation
}

type generation struct {
	ids  []noderank.Identity
	have []bool
	n    int
	done chan struct{}
}

func newGeneration(size int) *generation {
	return &generation{
		ids:  make([]noderank.Identity, size),
		have: make([]bool, size),
		done: make(chan struct{}),
	}
}

func NewGroup(size int) (*Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("group size must be >= 1, got %d", size)
	}
	return &Group{size: size, gen: newGeneration(size)}, nil
}

func (g *Group) Size() int {
	return g.size
}

// Member returns the exchanger for job rank rank.
func (g *Group) Member(rank int) (*Member, error) {
	if rank < 0 || rank >= g.size {
		return nil, fmt.Errorf("rank %d outside group of size %d", rank, g.size)
	}
	return &Member{group: g, rank: rank}, nil
}

func (g *Group) contribute(ctx context.Context, rank int, id noderank.Identity) ([]noderank.Identity, error) {
	if id.Rank != rank {
		return nil, fmt.Errorf("member %d contributed identity for rank %d", rank, id.Rank)
	}

	g.mu.Lock()
	gen := g.gen
	if gen.have[rank] {
		g.mu.Unlock()
		return nil, fmt.Errorf("rank %d contributed twice to the same round", rank)
	}
	gen.ids[rank] = id
	gen.have[rank] = true
	gen.n++
	if gen.n == g.size {
		close(gen.done)
		g.gen = newGeneration(g.size)
	}
	g.mu.Unlock()

	select {
	case <-gen.done:
		return append([]noderank.Identity(nil), gen.ids...), nil
	case <-ctx.Done():
	}

	// Withdraw from a round that is still open so a retry can rejoin it.
	// If the round completed meanwhile, the contribution was used.
	g.mu.Lock()
	if g.gen == gen {
		gen.ids[rank] = noderank.Identity{}
		gen.have[rank] = false
		gen.n--
		g.mu.Unlock()
		return nil, ctx.Err()
	}
	g.mu.Unlock()
	return append([]noderank.Identity(nil), gen.ids...), nil
}

// Member is one rank's view of a Group.
type Member struct {
	group *Group
	rank  int
}

func (m *Member) Rank() int { return m.rank }
func (m *Member) Size() int { return m.group.size }

func (m *Member) AllGather(ctx context.Context, self noderank.Identity) ([]noderank.Identity, error) {
	return m.group.contribute(ctx, m.rank, self)
}

func (m *Member) Close() error { return nil }

// Self returns a single-process exchanger for jobs of size one.
func Self() *Member {
	g, _ := NewGroup(1)
	m, _ := g.Member(0)
	return m
}
