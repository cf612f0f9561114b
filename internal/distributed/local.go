package distributed

import (
	"sync"

	"github.com/pkg/errors"
)

// LocalGroup returns n in-process communicators sharing one group. Each
// member is meant to be driven by its own goroutine.
func LocalGroup(n int) []Communicator {
	g := &group{size: n, slots: make([][]float64, n)}
	g.cond = sync.NewCond(&g.mu)
	members := make([]Communicator, n)
	for r := range members {
		members[r] = &localMember{g: g, rank: r}
	}
	return members
}

type group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     uint64
	slots   [][]float64
}

// barrier blocks until all members arrived.
func (g *group) barrier() {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen := g.gen
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return
	}
	for gen == g.gen {
		g.cond.Wait()
	}
}

func (g *group) put(rank int, buf []float64) {
	g.mu.Lock()
	g.slots[rank] = append(g.slots[rank][:0], buf...)
	g.mu.Unlock()
}

type localMember struct {
	g    *group
	rank int
}

func (m *localMember) Rank() int { return m.rank }

func (m *localMember) Size() int { return m.g.size }

func (m *localMember) AllreduceSum(buf []float64) error {
	m.g.put(m.rank, buf)
	m.g.barrier()
	for i := range buf {
		buf[i] = 0
	}
	var err error
	for r, s := range m.g.slots {
		if len(s) != len(buf) {
			err = errors.Errorf("distributed: rank %d contributed %d values, rank %d has %d", r, len(s), m.rank, len(buf))
			continue
		}
		for i, v := range s {
			buf[i] += v
		}
	}
	m.g.barrier()
	return err
}

func (m *localMember) Broadcast(root int, buf []float64) error {
	if m.rank == root {
		m.g.put(root, buf)
	}
	m.g.barrier()
	var err error
	if m.rank != root {
		if n := copy(buf, m.g.slots[root]); n != len(m.g.slots[root]) || n != len(buf) {
			err = errors.Errorf("distributed: broadcast of %d values into %d", len(m.g.slots[root]), len(buf))
		}
	}
	m.g.barrier()
	return err
}

func (m *localMember) Scatter(root int, dst, src []float64) error {
	if m.rank == root {
		m.g.put(root, src)
	}
	m.g.barrier()
	var err error
	all := m.g.slots[root]
	if len(all) != len(dst)*m.g.size {
		err = errors.Errorf("distributed: scatter of %d values into %d parts of %d", len(all), m.g.size, len(dst))
	} else {
		copy(dst, all[m.rank*len(dst):])
	}
	m.g.barrier()
	return err
}
