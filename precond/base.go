package precond

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/parallel"
)

// ErrNotConverged reports an iterative base solver hitting its iteration
// limit
var ErrNotConverged = errors.New("base solver did not converge")

// BaseSolver solves the coarsest level. Init and Apply are collective over
// comm, which is nil when every process solves its own part.
type BaseSolver interface {
	Name() string
	Init(A *algebra.Matrix, comm *parallel.Comm) error
	// Apply computes a consistent c with A c = d for an additive d, leaving
	// d unchanged
	Apply(c, d *algebra.Vector) error
}

// LU factorizes the base matrix densely. It needs the whole base level on
// one process.
type LU struct {
	lu mat.LU
	n  int
}

func NewLU() *LU { return &LU{} }

func (s *LU) Name() string { return "lu" }

func (s *LU) Init(A *algebra.Matrix, comm *parallel.Comm) error {
	if comm != nil && comm.Size() > 1 {
		return fmt.Errorf("lu: base level spread over %d processes", comm.Size())
	}
	s.n, _ = A.Dims()
	if s.n == 0 {
		return nil
	}
	s.lu.Factorize(A.Dense())
	if det := s.lu.Det(); det == 0 || math.IsNaN(det) {
		return fmt.Errorf("lu: singular base matrix: %w", ErrNumerical)
	}
	return nil
}

func (s *LU) Apply(c, d *algebra.Vector) error {
	if c.Len() != s.n || d.Len() != s.n {
		return fmt.Errorf("lu: vectors of length %d/%d for %d rows", c.Len(), d.Len(), s.n)
	}
	if s.n == 0 {
		c.Zero()
		return nil
	}
	var x mat.VecDense
	if err := s.lu.SolveVecTo(&x, false, mat.NewVecDense(s.n, append([]float64(nil), d.Data()...))); err != nil {
		return fmt.Errorf("lu: %v: %w", err, ErrNumerical)
	}
	copy(c.Data(), x.RawVector().Data)
	c.SetStorage(algebra.Consistent)
	if !finite(c.Data()) {
		return fmt.Errorf("lu: non-finite solution: %w", ErrNumerical)
	}
	return nil
}

// CG is the Jacobi preconditioned conjugate gradient method. Reductions run
// over comm, interface exchange over the layouts of the base matrix.
type CG struct {
	Tol     float64 // relative residual reduction
	AbsTol  float64
	MaxIter int

	A    *algebra.Matrix
	comm *parallel.Comm
	inv  []float64
	its  int
}

func NewCG(tol float64, maxIter int) *CG {
	return &CG{Tol: tol, AbsTol: 1e-50, MaxIter: maxIter}
}

func (s *CG) Name() string { return "cg" }

// Iterations returns the iteration count of the last Apply
func (s *CG) Iterations() int { return s.its }

func (s *CG) Init(A *algebra.Matrix, comm *parallel.Comm) error {
	diag, err := consistentDiagonal(A)
	if err != nil {
		return fmt.Errorf("cg: %w", err)
	}
	s.inv = make([]float64, len(diag))
	for i, a := range diag {
		if a == 0 {
			return fmt.Errorf("cg: zero diagonal in row %d: %w", i, ErrNumerical)
		}
		s.inv[i] = 1 / a
	}
	s.A, s.comm = A, comm
	return nil
}

// dot sums the local products of an additive and a consistent vector
func (s *CG) dot(additive, consistent []float64) (float64, error) {
	local := floats.Dot(additive, consistent)
	if s.comm == nil {
		return local, nil
	}
	return s.comm.AllReduceSum(local)
}

func (s *CG) precondition(z, r *algebra.Vector) error {
	z.CopyFrom(r)
	if err := z.ChangeStorageType(algebra.Consistent); err != nil {
		return err
	}
	floats.Mul(z.Data(), s.inv)
	return nil
}

func (s *CG) Apply(c, d *algebra.Vector) error {
	if s.A == nil {
		return fmt.Errorf("cg used before Init")
	}
	n := len(s.inv)
	if c.Len() != n || d.Len() != n {
		return fmt.Errorf("cg: vectors of length %d/%d for %d rows", c.Len(), d.Len(), n)
	}
	c.Zero()
	c.SetStorage(algebra.Consistent)

	r := d.Clone()
	if !r.Has(algebra.Additive) {
		if err := r.ChangeStorageType(algebra.Additive); err != nil {
			return fmt.Errorf("cg: %w", err)
		}
	}
	z := algebra.NewVector(n, d.Layouts())
	if err := s.precondition(z, r); err != nil {
		return fmt.Errorf("cg: %w", err)
	}
	p := z.Clone()
	q := algebra.NewVector(n, d.Layouts())

	rz, err := s.dot(r.Data(), z.Data())
	if err != nil {
		return fmt.Errorf("cg: %w", err)
	}
	stop := math.Max(s.Tol*math.Sqrt(math.Abs(rz)), s.AbsTol)
	for s.its = 0; s.its < s.MaxIter; s.its++ {
		if math.Sqrt(math.Abs(rz)) <= stop {
			return nil
		}
		s.A.Apply(q.Data(), p.Data())
		pq, err := s.dot(q.Data(), p.Data())
		if err != nil {
			return fmt.Errorf("cg: %w", err)
		}
		if pq == 0 || math.IsNaN(pq) {
			return fmt.Errorf("cg: breakdown in iteration %d: %w", s.its, ErrNumerical)
		}
		alpha := rz / pq
		floats.AddScaled(c.Data(), alpha, p.Data())
		floats.AddScaled(r.Data(), -alpha, q.Data())
		r.SetStorage(algebra.Additive)

		if err := s.precondition(z, r); err != nil {
			return fmt.Errorf("cg: %w", err)
		}
		rzNew, err := s.dot(r.Data(), z.Data())
		if err != nil {
			return fmt.Errorf("cg: %w", err)
		}
		beta := rzNew / rz
		rz = rzNew
		floats.Scale(beta, p.Data())
		floats.Add(p.Data(), z.Data())
	}
	if math.Sqrt(math.Abs(rz)) <= stop {
		return nil
	}
	return fmt.Errorf("cg: residual %g after %d iterations: %w", math.Sqrt(math.Abs(rz)), s.its, ErrNotConverged)
}

// IdentityBase returns the defect as correction
type IdentityBase struct{}

func (IdentityBase) Name() string                               { return "identity" }
func (IdentityBase) Init(*algebra.Matrix, *parallel.Comm) error { return nil }

func (IdentityBase) Apply(c, d *algebra.Vector) error {
	return IdentitySmoother{}.Apply(c, d)
}
