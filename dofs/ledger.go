package dofs

import (
	"fmt"
	"sort"
)

// NotYetAssigned marks an entity that holds no index
const NotYetAssigned = -1

// Ledger tracks the index range of one distribution: the live count, the
// allocated size including holes, and the holes themselves keyed by the
// multiplicity of the entity that left them
type Ledger struct {
	numIndex     int
	sizeIndexSet int
	free         map[int][]int // multiplicity -> ascending start indices
	subsetCount  []int
}

func newLedger(numSubsets int) Ledger {
	return Ledger{free: make(map[int][]int), subsetCount: make([]int, numSubsets)}
}

func (l *Ledger) NumIndex() int     { return l.numIndex }
func (l *Ledger) SizeIndexSet() int { return l.sizeIndexSet }

// NumFree counts free index slots over all multiplicities
func (l *Ledger) NumFree() int {
	n := 0
	for m, starts := range l.free {
		n += m * len(starts)
	}
	return n
}

// take draws the lowest hole of multiplicity m, else grows the index set
func (l *Ledger) take(m, subset int) int {
	var idx int
	if starts := l.free[m]; len(starts) > 0 {
		idx = starts[0]
		l.free[m] = starts[1:]
	} else {
		idx = l.sizeIndexSet
		l.sizeIndexSet += m
	}
	l.numIndex += m
	l.subsetCount[subset] += m
	return idx
}

// release turns [idx, idx+m) into a hole
func (l *Ledger) release(idx, m, subset int) {
	starts := l.free[m]
	pos := sort.SearchInts(starts, idx)
	starts = append(starts, 0)
	copy(starts[pos+1:], starts[pos:])
	starts[pos] = idx
	l.free[m] = starts
	l.numIndex -= m
	l.subsetCount[subset] -= m
}

func (l *Ledger) reset() {
	l.numIndex, l.sizeIndexSet = 0, 0
	clear(l.free)
	clear(l.subsetCount)
}

// check verifies the counting invariants
func (l *Ledger) check() error {
	if l.numIndex > l.sizeIndexSet {
		return fmt.Errorf("%d live indices exceed index set size %d", l.numIndex, l.sizeIndexSet)
	}
	if nf := l.NumFree(); l.numIndex+nf != l.sizeIndexSet {
		return fmt.Errorf("%d live + %d free indices != index set size %d",
			l.numIndex, nf, l.sizeIndexSet)
	}
	return nil
}
