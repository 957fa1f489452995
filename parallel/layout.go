package parallel

import (
	"fmt"
	"sort"
)

// IndexLayout maps a peer world rank to the ordered indices shared with it.
// A nil layout is empty.
type IndexLayout struct {
	interfaces map[int][]int
}

func NewIndexLayout() *IndexLayout {
	return &IndexLayout{interfaces: make(map[int][]int)}
}

// Add appends indices to the interface with peer
func (l *IndexLayout) Add(peer int, idx ...int) {
	l.interfaces[peer] = append(l.interfaces[peer], idx...)
}

// Interface returns the indices shared with peer
func (l *IndexLayout) Interface(peer int) []int {
	if l == nil {
		return nil
	}
	return l.interfaces[peer]
}

// Peers returns the sorted peer ranks
func (l *IndexLayout) Peers() []int {
	if l == nil {
		return nil
	}
	peers := make([]int, 0, len(l.interfaces))
	for p := range l.interfaces {
		peers = append(peers, p)
	}
	sort.Ints(peers)
	return peers
}

// Len counts indices over all interfaces
func (l *IndexLayout) Len() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, idx := range l.interfaces {
		n += len(idx)
	}
	return n
}

func (l *IndexLayout) Empty() bool { return l.Len() == 0 }

// RemoveEmptyInterfaces drops peers without indices
func (l *IndexLayout) RemoveEmptyInterfaces() {
	for p, idx := range l.interfaces {
		if len(idx) == 0 {
			delete(l.interfaces, p)
		}
	}
}

func (l *IndexLayout) Clear() { clear(l.interfaces) }

// Indices returns the set of all indices in the layout
func (l *IndexLayout) Indices() map[int]bool {
	set := make(map[int]bool)
	if l == nil {
		return set
	}
	for _, idx := range l.interfaces {
		for _, i := range idx {
			set[i] = true
		}
	}
	return set
}

// Restrict maps every index through m, dropping those without image. Used to
// derive layouts of a sub-vector such as a smoothing patch.
func (l *IndexLayout) Restrict(m map[int]int) *IndexLayout {
	out := NewIndexLayout()
	for _, p := range l.Peers() {
		for _, i := range l.interfaces[p] {
			if j, ok := m[i]; ok {
				out.Add(p, j)
			}
		}
	}
	out.RemoveEmptyInterfaces()
	return out
}

// Layouts bundles the index layouts of one level or surface on one process
type Layouts struct {
	Master  *IndexLayout
	Slave   *IndexLayout
	VMaster *IndexLayout
	VSlave  *IndexLayout

	// World carries interface communication, Proc spans the processes that
	// hold indices and is nil on processes without any
	World *Comm
	Proc  *Comm
}

// NewLayouts returns empty layouts on world
func NewLayouts(world *Comm) *Layouts {
	return &Layouts{
		Master:  NewIndexLayout(),
		Slave:   NewIndexLayout(),
		VMaster: NewIndexLayout(),
		VSlave:  NewIndexLayout(),
		World:   world,
		Proc:    world,
	}
}

// Serial reports whether no interface communication can occur
func (l *Layouts) Serial() bool {
	return l == nil || l.World == nil || l.World.Size() == 1
}

// RemoveEmptyInterfaces drops empty interfaces of all four layouts
func (l *Layouts) RemoveEmptyInterfaces() {
	l.Master.RemoveEmptyInterfaces()
	l.Slave.RemoveEmptyInterfaces()
	l.VMaster.RemoveEmptyInterfaces()
	l.VSlave.RemoveEmptyInterfaces()
}

// Restrict builds the layouts of the sub-vector selected by m. Vertical
// layouts are not carried over.
func (l *Layouts) Restrict(m map[int]int) *Layouts {
	return &Layouts{
		Master:  l.Master.Restrict(m),
		Slave:   l.Slave.Restrict(m),
		VMaster: NewIndexLayout(),
		VSlave:  NewIndexLayout(),
		World:   l.World,
		Proc:    l.Proc,
	}
}

// CheckSymmetry verifies across all processes that every master interface
// is matched by a slave interface of equal length on the peer, horizontally
// and vertically. Collective over l.World.
func (l *Layouts) CheckSymmetry() error {
	if l.Serial() {
		if !l.Master.Empty() || !l.Slave.Empty() || !l.VMaster.Empty() || !l.VSlave.Empty() {
			return fmt.Errorf("serial layouts must not carry interfaces")
		}
		return nil
	}
	size := l.World.Size()
	counts := make([]float64, 4*size)
	for k, layout := range []*IndexLayout{l.Master, l.Slave, l.VMaster, l.VSlave} {
		for _, p := range layout.Peers() {
			if p < 0 || p >= size {
				return fmt.Errorf("interface with rank %d outside world of size %d", p, size)
			}
			counts[k*size+p] = float64(len(layout.Interface(p)))
		}
	}
	all, err := l.World.AllGather(counts)
	if err != nil {
		return fmt.Errorf("layout symmetry: %w", err)
	}
	return validateCommunicationSymmetry(all, size)
}

// validateCommunicationSymmetry checks gathered interface sizes: if rank a
// lists n master indices for rank b, rank b must list n slave indices for a
func validateCommunicationSymmetry(all []float64, size int) error {
	at := func(rank, kind, peer int) int { return int(all[rank*4*size+kind*size+peer]) }
	for _, pair := range [][2]int{{0, 1}, {2, 3}} {
		for a := 0; a < size; a++ {
			for b := 0; b < size; b++ {
				m, s := at(a, pair[0], b), at(b, pair[1], a)
				if m != s {
					return fmt.Errorf("count mismatch: rank %d masters %d indices for %d, but %d slaves %d",
						a, m, b, b, s)
				}
			}
		}
	}
	return nil
}
