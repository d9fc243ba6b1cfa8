package distributed

import (
	"context"
	"sync"
)

// LocalGroup is an in-process Transport shared by ranks that run as goroutines of one process.
// The n-th AllGather call of every rank belongs to round n.
type LocalGroup struct {
	size int

	mu     sync.Mutex
	rounds map[int]*localRound
	closed chan struct{}
	once   sync.Once
}

type localRound struct {
	data    [][]byte
	arrived int
	read    int
	done    chan struct{}
}

// NewLocalGroup creates a group of size ranks.
func NewLocalGroup(size int) *LocalGroup {
	return &LocalGroup{
		size:   size,
		rounds: map[int]*localRound{},
		closed: make(chan struct{}),
	}
}

// Transport returns the Transport of the given rank.
func (g *LocalGroup) Transport(rank int) Transport {
	return &localTransport{group: g, rank: rank}
}

// Topologies returns the topologies of every rank of the group when its ranks are spread over
// nodes nodes.
func (g *LocalGroup) Topologies(nodes int) []Topology {
	per := g.size / nodes
	topos := make([]Topology, g.size)
	for r := range topos {
		topos[r] = Topology{
			Rank: r, Size: g.size,
			LocalRank: r % per, LocalSize: per,
			CrossRank: r / per, CrossSize: nodes,
		}
	}
	return topos
}

// Close fails every pending and future round of the group.
func (g *LocalGroup) Close() {
	g.once.Do(func() { close(g.closed) })
}

type localTransport struct {
	group *LocalGroup
	rank  int
	seq   int
}

func (t *localTransport) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	g := t.group
	seq := t.seq
	t.seq++

	g.mu.Lock()
	r, ok := g.rounds[seq]
	if !ok {
		r = &localRound{data: make([][]byte, g.size), done: make(chan struct{})}
		g.rounds[seq] = r
	}
	r.data[t.rank] = data
	r.arrived++
	if r.arrived == g.size {
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-g.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]byte, len(r.data))
	copy(out, r.data)
	if r.read++; r.read == g.size {
		delete(g.rounds, seq)
	}
	return out, nil
}

func (t *localTransport) Close() error {
	t.group.Close()
	return nil
}

// NewLocalContexts returns the Contexts of size ranks spread over nodes nodes, connected through a
// new LocalGroup. It is how multi-rank code runs inside a single process, e.g. in tests.
func NewLocalContexts(size, nodes int, opts ...Option) ([]*Context, error) {
	group := NewLocalGroup(size)
	ctxs := make([]*Context, size)
	for rank, topo := range group.Topologies(nodes) {
		c, err := New(topo, group.Transport(rank), opts...)
		if err != nil {
			group.Close()
			return nil, err
		}
		ctxs[rank] = c
	}
	return ctxs, nil
}
