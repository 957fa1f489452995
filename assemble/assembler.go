package assemble

import (
	"fmt"
	"math"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/grid"
)

// Assembler fills the operator of one index set. The builder is sized
// SizeIndexSet x SizeIndexSet of dd and the result is in additive storage.
type Assembler interface {
	// AssembleLinear adds the linear operator into A and, if rhs is not nil,
	// the right hand side into rhs
	AssembleLinear(dd *dofs.Distribution, A *algebra.Builder, rhs *algebra.Vector) error
	// AssembleJacobian adds the Jacobian at the linearization point u into J
	AssembleJacobian(dd *dofs.Distribution, J *algebra.Builder, u *algebra.Vector) error
}

// GraphLaplacian discretizes -k u'' + s u + r u^3 = f on the edges of a
// grid: every edge contributes the two point stiffness stencil k/h, every
// vertex a lumped mass share h/2 of the shift, reaction and source.
// Vertices in Dirichlet subsets are eliminated symmetrically with value
// zero.
type GraphLaplacian struct {
	Stiffness float64
	MassShift float64
	Reaction  float64 // coefficient of the cubic term, Jacobian only
	Source    float64
	Dirichlet []int // subsets
}

// NewPoisson returns -u'' = f with homogeneous Dirichlet values on the given
// subsets
func NewPoisson(f float64, dirichlet ...int) *GraphLaplacian {
	return &GraphLaplacian{Stiffness: 1, Source: f, Dirichlet: dirichlet}
}

func (gl *GraphLaplacian) isDirichlet(mg *grid.MultiGrid, id grid.ID) bool {
	s := mg.Subset(id)
	for _, d := range gl.Dirichlet {
		if d == s {
			return true
		}
	}
	return false
}

// AssembleLinear implements Assembler
func (gl *GraphLaplacian) AssembleLinear(dd *dofs.Distribution, A *algebra.Builder, rhs *algebra.Vector) error {
	return gl.assemble(dd, A, rhs, nil)
}

// AssembleJacobian implements Assembler
func (gl *GraphLaplacian) AssembleJacobian(dd *dofs.Distribution, J *algebra.Builder, u *algebra.Vector) error {
	if u == nil {
		return fmt.Errorf("graph laplacian: jacobian needs a linearization point")
	}
	if u.Len() != dd.SizeIndexSet() {
		return fmt.Errorf("graph laplacian: linearization point of length %d for %d indices",
			u.Len(), dd.SizeIndexSet())
	}
	return gl.assemble(dd, J, nil, u)
}

func (gl *GraphLaplacian) assemble(dd *dofs.Distribution, A *algebra.Builder, rhs, u *algebra.Vector) error {
	n := dd.SizeIndexSet()
	if nr, nc := A.Dims(); nr != n || nc != n {
		return fmt.Errorf("graph laplacian: builder is %dx%d for %d indices", nr, nc, n)
	}
	if rhs != nil {
		if rhs.Len() != n {
			return fmt.Errorf("graph laplacian: rhs of length %d for %d indices", rhs.Len(), n)
		}
		rhs.SetStorage(algebra.Additive)
	}
	mg := dd.Grid()

	// Slave copies of a Dirichlet vertex leave the unit diagonal to the
	// master so that the additive sum stays one.
	slaves := dd.Layouts().Slave.Indices()

	for _, e := range mg.Entities(grid.Edge, grid.AnyLevel, grid.AnySubset) {
		if !dd.Contains(e) {
			continue
		}
		vs := mg.Vertices(e)
		if len(vs) != 2 {
			return fmt.Errorf("graph laplacian: edge %d has %d vertices", e, len(vs))
		}
		a, b := dd.Index(vs[0]), dd.Index(vs[1])
		if a == dofs.NotYetAssigned || b == dofs.NotYetAssigned {
			return fmt.Errorf("graph laplacian: edge %d has an unindexed corner", e)
		}
		h := edgeLength(mg, vs[0], vs[1])
		if h <= 0 {
			return fmt.Errorf("graph laplacian: edge %d is degenerate", e)
		}
		fixed := [2]bool{gl.isDirichlet(mg, vs[0]), gl.isDirichlet(mg, vs[1])}
		idx := [2]int{a, b}
		k := gl.Stiffness / h
		for i := 0; i < 2; i++ {
			if fixed[i] {
				continue
			}
			A.Add(idx[i], idx[i], k+0.5*h*gl.MassShift)
			if !fixed[1-i] {
				A.Add(idx[i], idx[1-i], -k)
			}
			if u != nil && gl.Reaction != 0 {
				ui := u.At(idx[i])
				A.Add(idx[i], idx[i], 0.5*h*3*gl.Reaction*ui*ui)
			}
			if rhs != nil {
				rhs.Data()[idx[i]] += 0.5 * h * gl.Source
			}
		}
	}

	for _, v := range mg.Entities(grid.Vertex, grid.AnyLevel, grid.AnySubset) {
		if !dd.Contains(v) || !gl.isDirichlet(mg, v) {
			continue
		}
		i := dd.Index(v)
		if i == dofs.NotYetAssigned || slaves[i] {
			continue
		}
		A.Set(i, i, 1)
	}
	return nil
}

func edgeLength(mg *grid.MultiGrid, a, b grid.ID) float64 {
	xa, xb := mg.Coords(a), mg.Coords(b)
	if len(xa) == 0 || len(xa) != len(xb) {
		return 1
	}
	var s float64
	for i := range xa {
		d := xb[i] - xa[i]
		s += d * d
	}
	return math.Sqrt(s)
}

// Level assembles the operator of dd into a matrix on dd's layouts
func Level(a Assembler, dd *dofs.Distribution, rhs *algebra.Vector) (*algebra.Matrix, error) {
	n := dd.SizeIndexSet()
	b := algebra.NewBuilder(n, n)
	if err := a.AssembleLinear(dd, b, rhs); err != nil {
		return nil, err
	}
	return b.Build(dd.Layouts()), nil
}

// LevelJacobian assembles the Jacobian of dd at u into a matrix on dd's
// layouts
func LevelJacobian(a Assembler, dd *dofs.Distribution, u *algebra.Vector) (*algebra.Matrix, error) {
	n := dd.SizeIndexSet()
	b := algebra.NewBuilder(n, n)
	if err := a.AssembleJacobian(dd, b, u); err != nil {
		return nil, err
	}
	return b.Build(dd.Layouts()), nil
}
