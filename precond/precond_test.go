package precond

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/parallel"
)

func laplace1D(n int) *algebra.Matrix {
	b := algebra.NewBuilder(n, n)
	for i := 0; i < n; i++ {
		b.Add(i, i, 2)
		if i > 0 {
			b.Add(i, i-1, -1)
		}
		if i < n-1 {
			b.Add(i, i+1, -1)
		}
	}
	return b.Build(nil)
}

func additive(x ...float64) *algebra.Vector {
	return algebra.NewVectorFrom(x, algebra.Additive, nil)
}

func TestJacobi(t *testing.T) {
	j := NewJacobi(0.5)
	require.NoError(t, j.Init(laplace1D(2)))
	c := algebra.NewVector(2, nil)
	d := additive(2, 2)
	require.NoError(t, j.Apply(c, d))
	assert.InDeltaSlicef(t, []float64{0.5, 0.5}, c.Data(), 1e-14, "")
	assert.Equal(t, []float64{2, 2}, d.Data(), "defect untouched")
	assert.Equal(t, algebra.Consistent, c.Storage())
	assert.Equal(t, "jacobi(0.5)", j.Name())

	diag := algebra.NewBuilder(2, 2)
	diag.Add(0, 0, 2)
	diag.Add(1, 1, 4)
	require.NoError(t, j.Init(diag.Build(nil)))
	require.NoError(t, j.Apply(c, additive(2, 8)))
	assert.InDeltaSlicef(t, []float64{0.5, 1}, c.Data(), 1e-14, "row scaling")

	zero := algebra.NewBuilder(2, 2)
	zero.Add(0, 0, 1)
	err := NewJacobi(1).Init(zero.Build(nil))
	assert.True(t, errors.Is(err, ErrNumerical))
}

func TestGaussSeidel_ForwardSweep(t *testing.T) {
	gs := NewGaussSeidel()
	require.NoError(t, gs.Init(laplace1D(3)))
	c := algebra.NewVector(3, nil)
	require.NoError(t, gs.Apply(c, additive(1, 0, 0)))
	assert.InDeltaSlicef(t, []float64{0.5, 0.25, 0.125}, c.Data(), 1e-14, "")

	_, ok := gs.Clone().(*GaussSeidel)
	assert.True(t, ok)
}

func TestIdentitySmoother(t *testing.T) {
	c := algebra.NewVector(2, nil)
	require.NoError(t, IdentitySmoother{}.Apply(c, additive(3, 4)))
	assert.Equal(t, []float64{3, 4}, c.Data())
	assert.Error(t, IdentitySmoother{}.Apply(c, additive(1)))
}

func TestLU_SolvesAndRejectsSingular(t *testing.T) {
	A := laplace1D(3)
	lu := NewLU()
	require.NoError(t, lu.Init(A, nil))
	c := algebra.NewVector(3, nil)
	require.NoError(t, lu.Apply(c, additive(1, 1, 1)))
	assert.InDeltaSlicef(t, []float64{1.5, 2, 1.5}, c.Data(), 1e-12, "")

	b := algebra.NewBuilder(2, 2)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			b.Add(i, j, 1)
		}
	}
	err := NewLU().Init(b.Build(nil), nil)
	assert.True(t, errors.Is(err, ErrNumerical))

	empty := NewLU()
	require.NoError(t, empty.Init(algebra.NewBuilder(0, 0).Build(nil), nil))
	require.NoError(t, empty.Apply(algebra.NewVector(0, nil), additive()))
}

func TestCG_Serial(t *testing.T) {
	cg := NewCG(1e-12, 50)
	require.NoError(t, cg.Init(laplace1D(5), nil))
	c := algebra.NewVector(5, nil)
	require.NoError(t, cg.Apply(c, additive(1, 1, 1, 1, 1)))
	assert.InDeltaSlicef(t, []float64{2.5, 4, 4.5, 4, 2.5}, c.Data(), 1e-10, "")
	assert.LessOrEqual(t, cg.Iterations(), 5)

	tight := NewCG(1e-14, 1)
	require.NoError(t, tight.Init(laplace1D(5), nil))
	err := tight.Apply(c, additive(1, 1, 1, 1, 1))
	assert.True(t, errors.Is(err, ErrNotConverged))
}

func TestCG_Distributed(t *testing.T) {
	// global 3x3 Laplacian split into two elements sharing index 1
	w := parallel.NewWorld(2)
	out := make([][]float64, 2)
	err := w.Run(context.Background(), func(_ context.Context, c *parallel.Comm) error {
		l := parallel.NewLayouts(c)
		b := algebra.NewBuilder(2, 2)
		var d []float64
		if c.Rank() == 0 {
			l.Master.Add(1, 1)
			b.Add(0, 0, 2)
			b.Add(0, 1, -1)
			b.Add(1, 0, -1)
			b.Add(1, 1, 1)
			d = []float64{1, 0.5}
		} else {
			l.Slave.Add(0, 0)
			b.Add(0, 0, 1)
			b.Add(0, 1, -1)
			b.Add(1, 0, -1)
			b.Add(1, 1, 2)
			d = []float64{0.5, 1}
		}
		cg := NewCG(1e-12, 20)
		if err := cg.Init(b.Build(l), c); err != nil {
			return err
		}
		x := algebra.NewVector(2, l)
		if err := cg.Apply(x, algebra.NewVectorFrom(d, algebra.Additive, l)); err != nil {
			return err
		}
		out[c.Rank()] = x.Data()
		return nil
	})
	require.NoError(t, err)
	assert.InDeltaSlicef(t, []float64{1.5, 2}, out[0], 1e-10, "")
	assert.InDeltaSlicef(t, []float64{2, 1.5}, out[1], 1e-10, "")
}

func TestLU_RefusesDistributedBase(t *testing.T) {
	w := parallel.NewWorld(2)
	err := w.Run(context.Background(), func(_ context.Context, c *parallel.Comm) error {
		if err := NewLU().Init(laplace1D(2), c); err == nil {
			return errors.New("expected an error")
		}
		return nil
	})
	assert.NoError(t, err)
}
