package dofs

import (
	"fmt"

	"github.com/notargets/GMG/grid"
)

// DoFInfo tells how many degrees of freedom live on each kind of entity in
// each subset. Grouped DoFs of one entity share a single index; ungrouped
// DoFs occupy consecutive indices.
type DoFInfo struct {
	numDoFs [grid.NumKinds][]int
	grouped bool
}

// NewDoFInfo returns an info without DoFs on numSubsets subsets
func NewDoFInfo(numSubsets int, grouped bool) *DoFInfo {
	di := &DoFInfo{grouped: grouped}
	for k := range di.numDoFs {
		di.numDoFs[k] = make([]int, numSubsets)
	}
	return di
}

// P1 places one DoF on every vertex
func P1(numSubsets int) *DoFInfo {
	di := NewDoFInfo(numSubsets, false)
	di.SetAll(grid.Vertex, 1)
	return di
}

// Set places n DoFs on entities of kind in subset
func (di *DoFInfo) Set(kind grid.Kind, subset, n int) {
	if n < 0 {
		panic(fmt.Sprintf("dofs: negative DoF count %d", n))
	}
	di.numDoFs[kind][subset] = n
}

// SetAll places n DoFs on entities of kind in every subset
func (di *DoFInfo) SetAll(kind grid.Kind, n int) {
	for s := range di.numDoFs[kind] {
		di.Set(kind, s, n)
	}
}

func (di *DoFInfo) NumSubsets() int { return len(di.numDoFs[grid.Vertex]) }

func (di *DoFInfo) NumDoFs(kind grid.Kind, subset int) int { return di.numDoFs[kind][subset] }

func (di *DoFInfo) Grouped() bool { return di.grouped }

// Multiplicity is the number of indices an entity occupies
func (di *DoFInfo) Multiplicity(kind grid.Kind, subset int) int {
	n := di.numDoFs[kind][subset]
	if di.grouped && n > 0 {
		return 1
	}
	return n
}

// MaxDoFs is the largest DoF count of kind over all subsets
func (di *DoFInfo) MaxDoFs(kind grid.Kind) int {
	m := 0
	for _, n := range di.numDoFs[kind] {
		m = max(m, n)
	}
	return m
}
