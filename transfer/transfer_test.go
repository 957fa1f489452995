package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/grid"
)

func twoLevelSpace(t *testing.T) *dofs.Space {
	t.Helper()
	mg, err := grid.LineHierarchy{Cells: 2, Levels: 2}.Build(0, 1)
	require.NoError(t, err)
	s, err := dofs.NewSpace(mg, dofs.P1(mg.NumSubsets()), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func vec(x ...float64) *algebra.Vector {
	return algebra.NewVectorFrom(x, algebra.Consistent, nil)
}

func TestP1Prolongation_InterpolatesAndRestricts(t *testing.T) {
	s := twoLevelSpace(t)
	p := NewP1Prolongation()
	require.NoError(t, p.Init(s.Level(1), s.Level(0)))

	fine := algebra.NewVector(5, nil)
	require.NoError(t, p.Prolongate(fine, vec(1, 2, 3)))
	assert.InDeltaSlicef(t, []float64{1, 1.5, 2, 2.5, 3}, fine.Data(), 1e-14, "")
	assert.Equal(t, algebra.Consistent, fine.Storage())

	coarse := algebra.NewVector(3, nil)
	require.NoError(t, p.Restrict(coarse, vec(1, 1, 1, 1, 1)))
	assert.InDeltaSlicef(t, []float64{1.5, 2, 1.5}, coarse.Data(), 1e-14, "")
	assert.Equal(t, algebra.Additive, coarse.Storage())

	assert.Error(t, p.Prolongate(algebra.NewVector(4, nil), vec(1, 2, 3)))
}

func TestP1Prolongation_DirichletRowsStayEmpty(t *testing.T) {
	s := twoLevelSpace(t)
	p := NewP1Prolongation(grid.BoundarySubset)
	require.NoError(t, p.Init(s.Level(1), s.Level(0)))

	fine := algebra.NewVector(5, nil)
	require.NoError(t, p.Prolongate(fine, vec(1, 2, 3)))
	assert.InDeltaSlicef(t, []float64{0, 1, 2, 1, 0}, fine.Data(), 1e-14, "")

	q, ok := p.Clone().(*P1Prolongation)
	require.True(t, ok)
	require.NoError(t, q.Init(s.Level(1), s.Level(0)))
	require.NoError(t, q.Prolongate(fine, vec(1, 2, 3)))
	assert.InDeltaSlicef(t, []float64{0, 1, 2, 1, 0}, fine.Data(), 1e-14, "")
}

func TestP1Prolongation_FollowsIndexChanges(t *testing.T) {
	s := twoLevelSpace(t)
	p := NewP1Prolongation()
	require.NoError(t, p.Init(s.Level(1), s.Level(0)))

	require.NoError(t, s.Level(0).PermuteIndices([]int{2, 1, 0}))
	fine := algebra.NewVector(5, nil)
	require.NoError(t, p.Prolongate(fine, vec(3, 2, 1)))
	assert.InDeltaSlicef(t, []float64{1, 1.5, 2, 2.5, 3}, fine.Data(), 1e-14, "")
}

func TestTransfer_RoundTripOnConstants(t *testing.T) {
	s := twoLevelSpace(t)
	p := NewP1Prolongation()
	require.NoError(t, p.Init(s.Level(1), s.Level(0)))
	ip := NewInjectionProjection()
	require.NoError(t, ip.Init(s.Level(1), s.Level(0)))
	assert.Empty(t, ip.Missing())

	fine := vec(4, 4, 4, 4, 4)
	coarse := algebra.NewVector(3, nil)
	require.NoError(t, ip.Project(coarse, fine))
	assert.InDeltaSlicef(t, []float64{4, 4, 4}, coarse.Data(), 1e-14, "")

	back := algebra.NewVector(5, nil)
	require.NoError(t, p.Prolongate(back, coarse))
	assert.InDeltaSlicef(t, fine.Data(), back.Data(), 1e-14, "")
}

func TestIdentity_RequiresEqualSizes(t *testing.T) {
	s := twoLevelSpace(t)
	id := NewIdentity()
	assert.Error(t, id.Init(s.Level(1), s.Level(0)))
	require.NoError(t, id.Init(s.Level(1), s.Level(1)))

	out := algebra.NewVector(5, nil)
	require.NoError(t, id.Prolongate(out, vec(1, 2, 3, 4, 5)))
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, out.Data())

	pr := NewIdentityProjection()
	require.NoError(t, pr.Init(s.Level(1), s.Level(1)))
	require.NoError(t, pr.Project(out, vec(5, 4, 3, 2, 1)))
	assert.Equal(t, []float64{5, 4, 3, 2, 1}, out.Data())
}

func TestSurfaceLevelMap(t *testing.T) {
	s := twoLevelSpace(t)
	m, err := NewSurfaceLevelMap(s)
	require.NoError(t, err)
	assert.Equal(t, Slot{Level: 1, Index: 2}, m.Owner(2))
	assert.Equal(t, []Slot{{Level: 0, Index: 1}}, m.Shadows(2))
	assert.Empty(t, m.Shadows(1))

	levels := []*algebra.Vector{algebra.NewVector(3, nil), algebra.NewVector(5, nil)}
	surf := vec(1, 2, 3, 4, 5)
	require.NoError(t, m.SurfaceToLevel(levels, surf, false))
	assert.Equal(t, []float64{0, 0, 0}, levels[0].Data())
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, levels[1].Data())

	require.NoError(t, m.SurfaceToLevel(levels, surf, true))
	assert.Equal(t, []float64{1, 3, 5}, levels[0].Data())

	levels[1].Scale(2)
	back := algebra.NewVector(5, nil)
	require.NoError(t, m.LevelToSurface(back, levels))
	assert.Equal(t, []float64{2, 4, 6, 8, 10}, back.Data())

	assert.Error(t, m.SurfaceToLevel(levels[:1], surf, false))
}
