package precond

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/parallel"
)

// ErrNumerical reports a local numerical breakdown such as a zero pivot or a
// non-finite correction. The collective calls of the failing step have been
// completed when it is returned.
var ErrNumerical = errors.New("numerical breakdown")

// Smoother computes an approximate correction c = B d for an additive defect
// d without changing d. The correction is consistent.
type Smoother interface {
	Name() string
	Init(A *algebra.Matrix) error
	Apply(c, d *algebra.Vector) error
	Clone() Smoother
}

// consistentDiagonal sums the diagonal over all copies of shared indices
func consistentDiagonal(A *algebra.Matrix) ([]float64, error) {
	diag := A.Diagonal()
	l := A.Layouts()
	if err := parallel.AddSlavesToMaster(l, diag); err != nil {
		return nil, err
	}
	if err := parallel.CopyMasterToSlaves(l, diag); err != nil {
		return nil, err
	}
	return diag, nil
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// consistentCopy returns d converted to consistent storage
func consistentCopy(d *algebra.Vector) (*algebra.Vector, error) {
	dc := d.Clone()
	if err := dc.ChangeStorageType(algebra.Consistent); err != nil {
		return nil, err
	}
	return dc, nil
}

// Jacobi is the damped point Jacobi iteration c = ω D⁻¹ d with the diagonal
// summed over processes
type Jacobi struct {
	Damp float64
	inv  []float64
	n    int
}

func NewJacobi(damp float64) *Jacobi { return &Jacobi{Damp: damp} }

func (j *Jacobi) Name() string { return fmt.Sprintf("jacobi(%g)", j.Damp) }

// Init is collective over the interfaces of A
func (j *Jacobi) Init(A *algebra.Matrix) error {
	diag, err := consistentDiagonal(A)
	if err != nil {
		return fmt.Errorf("jacobi: %w", err)
	}
	j.n = len(diag)
	j.inv = make([]float64, len(diag))
	for i, a := range diag {
		if a == 0 {
			return fmt.Errorf("jacobi: zero diagonal in row %d: %w", i, ErrNumerical)
		}
		j.inv[i] = 1 / a
	}
	return nil
}

func (j *Jacobi) Apply(c, d *algebra.Vector) error {
	if d.Len() != j.n || c.Len() != j.n {
		return fmt.Errorf("jacobi: vectors of length %d/%d for %d rows", c.Len(), d.Len(), j.n)
	}
	dc, err := consistentCopy(d)
	if err != nil {
		return fmt.Errorf("jacobi: %w", err)
	}
	cd := c.Data()
	floats.MulTo(cd, j.inv, dc.Data())
	floats.Scale(j.Damp, cd)
	c.SetStorage(algebra.Consistent)
	if !finite(cd) {
		return fmt.Errorf("jacobi: non-finite correction: %w", ErrNumerical)
	}
	return nil
}

func (j *Jacobi) Clone() Smoother { return NewJacobi(j.Damp) }

// GaussSeidel performs one forward sweep over the local rows. Shared rows use
// the summed diagonal and the consistent defect; afterwards the master value
// of every shared correction wins.
type GaussSeidel struct {
	A    *algebra.Matrix
	diag []float64
}

func NewGaussSeidel() *GaussSeidel { return &GaussSeidel{} }

func (gs *GaussSeidel) Name() string { return "gauss-seidel" }

// Init is collective over the interfaces of A
func (gs *GaussSeidel) Init(A *algebra.Matrix) error {
	diag, err := consistentDiagonal(A)
	if err != nil {
		return fmt.Errorf("gauss-seidel: %w", err)
	}
	for i, a := range diag {
		if a == 0 {
			return fmt.Errorf("gauss-seidel: zero diagonal in row %d: %w", i, ErrNumerical)
		}
	}
	gs.A, gs.diag = A, diag
	return nil
}

func (gs *GaussSeidel) Apply(c, d *algebra.Vector) error {
	if gs.A == nil {
		return fmt.Errorf("gauss-seidel used before Init")
	}
	n := len(gs.diag)
	if d.Len() != n || c.Len() != n {
		return fmt.Errorf("gauss-seidel: vectors of length %d/%d for %d rows", c.Len(), d.Len(), n)
	}
	dc, err := consistentCopy(d)
	if err != nil {
		return fmt.Errorf("gauss-seidel: %w", err)
	}
	x := c.Data()
	clear(x)
	for i := 0; i < n; i++ {
		s := dc.At(i)
		for _, e := range gs.A.Row(i) {
			if e.Col < i {
				s -= e.Value * x[e.Col]
			}
		}
		x[i] = s / gs.diag[i]
	}
	l := gs.A.Layouts()
	parallel.ZeroSlaves(l, x)
	c.SetStorage(algebra.Unique)
	if err := c.ChangeStorageType(algebra.Consistent); err != nil {
		return fmt.Errorf("gauss-seidel: %w", err)
	}
	if !finite(x) {
		return fmt.Errorf("gauss-seidel: non-finite correction: %w", ErrNumerical)
	}
	return nil
}

func (gs *GaussSeidel) Clone() Smoother { return NewGaussSeidel() }

// IdentitySmoother returns the defect as correction
type IdentitySmoother struct{}

func (IdentitySmoother) Name() string               { return "identity" }
func (IdentitySmoother) Init(*algebra.Matrix) error { return nil }
func (IdentitySmoother) Clone() Smoother            { return IdentitySmoother{} }

func (IdentitySmoother) Apply(c, d *algebra.Vector) error {
	if c.Len() != d.Len() {
		return fmt.Errorf("identity: vectors of length %d/%d", c.Len(), d.Len())
	}
	dc, err := consistentCopy(d)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	c.CopyFrom(dc)
	return nil
}
