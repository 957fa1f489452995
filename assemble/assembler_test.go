package assemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/grid"
)

func lineLevel(t *testing.T, cells int) *dofs.Distribution {
	t.Helper()
	mg, err := grid.LineHierarchy{Cells: cells, Levels: 1}.Build(0, 1)
	require.NoError(t, err)
	dd, err := dofs.NewDistribution(mg, dofs.P1(mg.NumSubsets()), dofs.GridLevel{Level: 0}, nil)
	require.NoError(t, err)
	return dd
}

func TestGraphLaplacian_PoissonWithDirichlet(t *testing.T) {
	dd := lineLevel(t, 2)
	rhs := algebra.NewVector(dd.SizeIndexSet(), nil)
	A, err := Level(NewPoisson(1, grid.BoundarySubset), dd, rhs)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, A.At(0, 0), 1e-14)
	assert.InDelta(t, 4.0, A.At(1, 1), 1e-14)
	assert.InDelta(t, 1.0, A.At(2, 2), 1e-14)
	assert.Zero(t, A.At(0, 1))
	assert.Zero(t, A.At(1, 0))
	assert.Zero(t, A.At(1, 2))
	assert.InDeltaSlicef(t, []float64{0, 0.5, 0}, rhs.Data(), 1e-14, "")
	assert.Equal(t, algebra.Additive, rhs.Storage())

	// the discrete solution is exact at the midpoint: x(1-x)/2
	assert.InDelta(t, 0.125, rhs.At(1)/A.At(1, 1), 1e-14)
}

func TestGraphLaplacian_RowsAnnihilateConstants(t *testing.T) {
	dd := lineLevel(t, 4)
	A, err := Level(&GraphLaplacian{Stiffness: 2}, dd, nil)
	require.NoError(t, err)

	ones := make([]float64, dd.SizeIndexSet())
	for i := range ones {
		ones[i] = 1
	}
	y := make([]float64, len(ones))
	A.Apply(y, ones)
	for i := range y {
		assert.InDelta(t, 0.0, y[i], 1e-13)
	}
	assert.InDelta(t, 16.0, A.At(1, 1), 1e-13)
}

func TestGraphLaplacian_JacobianAddsReaction(t *testing.T) {
	dd := lineLevel(t, 4)
	gl := &GraphLaplacian{Stiffness: 1, Reaction: 1}
	u := algebra.NewVector(dd.SizeIndexSet(), nil)
	u.SetAll(2)

	J, err := LevelJacobian(gl, dd, u)
	require.NoError(t, err)
	assert.InDelta(t, 11.0, J.At(2, 2), 1e-13)
	assert.InDelta(t, 5.5, J.At(0, 0), 1e-13)

	lin, err := Level(gl, dd, nil)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, lin.At(2, 2), 1e-13)

	_, err = LevelJacobian(gl, dd, nil)
	assert.Error(t, err)
	_, err = LevelJacobian(gl, dd, algebra.NewVector(2, nil))
	assert.Error(t, err)
}
