package multigrid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/assemble"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/grid"
	"github.com/notargets/GMG/parallel"
	"github.com/notargets/GMG/precond"
	"github.com/notargets/GMG/transfer"
)

// countingBase counts base solves
type countingBase struct {
	inner precond.BaseSolver
	n     int
}

func (b *countingBase) Name() string { return "counting " + b.inner.Name() }

func (b *countingBase) Init(A *algebra.Matrix, comm *parallel.Comm) error {
	return b.inner.Init(A, comm)
}

func (b *countingBase) Apply(c, d *algebra.Vector) error {
	b.n++
	return b.inner.Apply(c, d)
}

// failingSmoother breaks down on every application
type failingSmoother struct {
	precond.IdentitySmoother
}

func (failingSmoother) Apply(c, d *algebra.Vector) error {
	c.SetAll(1)
	return fmt.Errorf("failing: %w", precond.ErrNumerical)
}

func (failingSmoother) Clone() precond.Smoother { return failingSmoother{} }

func lineSpace(t *testing.T, cells, levels int) *dofs.Space {
	t.Helper()
	mg, err := grid.LineHierarchy{Cells: cells, Levels: levels}.Build(0, 1)
	require.NoError(t, err)
	s, err := dofs.NewSpace(mg, dofs.P1(mg.NumSubsets()), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func poissonCycle(s *dofs.Space) *Cycle {
	c := NewCycle(s)
	c.SetAssembler(assemble.NewPoisson(1, grid.BoundarySubset))
	c.SetSmoother(precond.NewJacobi(2.0 / 3))
	c.SetProlongation(transfer.NewP1Prolongation(grid.BoundarySubset))
	c.SetBaseSolver(precond.NewLU())
	return c
}

func surfaceSystem(s *dofs.Space) (*algebra.Matrix, *algebra.Vector, error) {
	surf := s.Surface()
	rhs := algebra.NewVector(surf.SizeIndexSet(), surf.Layouts())
	A, err := assemble.Level(assemble.NewPoisson(1, grid.BoundarySubset), surf, rhs)
	return A, rhs, err
}

// richardson iterates u += B d and returns u with the defect reduction
func richardson(c *Cycle, rhs *algebra.Vector, iters int) (*algebra.Vector, float64, error) {
	d := rhs.Clone()
	u := algebra.NewVector(d.Len(), d.Layouts())
	corr := algebra.NewVector(d.Len(), d.Layouts())
	n0, err := d.Norm()
	if err != nil {
		return nil, 0, err
	}
	for i := 0; i < iters; i++ {
		if err := c.ApplyUpdateDefect(corr, d); err != nil {
			return nil, 0, err
		}
		u.Add(corr)
	}
	n, err := d.Norm()
	if err != nil {
		return nil, 0, err
	}
	return u, n / n0, nil
}

// checkExact compares u with x(1-x)/2, to which P1 is nodally exact
func checkExact(s *dofs.Space, u *algebra.Vector, tol float64) error {
	mg := s.Grid()
	for _, id := range s.Surface().Entities() {
		if mg.Kind(id) != grid.Vertex {
			continue
		}
		x := mg.Coords(id)[0]
		want := x * (1 - x) / 2
		if got := u.At(s.Surface().Index(id)); got < want-tol || got > want+tol {
			return fmt.Errorf("u(%g) = %g, want %g", x, got, want)
		}
	}
	return nil
}

func TestCycle_BaseSolvesPerCycleType(t *testing.T) {
	for _, tc := range []struct {
		name      string
		cycleType int
		want      int
	}{
		{"V", 1, 1},
		{"W", 2, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := lineSpace(t, 2, 3)
			c := poissonCycle(s)
			base := &countingBase{inner: precond.NewLU()}
			c.SetBaseSolver(base)
			c.SetCycleType(tc.cycleType)
			A, rhs, err := surfaceSystem(s)
			require.NoError(t, err)
			require.NoError(t, c.Init(A))

			corr := algebra.NewVector(rhs.Len(), nil)
			require.NoError(t, c.Apply(corr, rhs))
			assert.Equal(t, tc.want, base.n)
		})
	}
}

func TestCycle_ConvergesToNodalSolution(t *testing.T) {
	for _, cycleType := range []int{1, 2} {
		s := lineSpace(t, 2, 4)
		c := poissonCycle(s)
		c.SetCycleType(cycleType)
		A, rhs, err := surfaceSystem(s)
		require.NoError(t, err)
		require.NoError(t, c.Init(A))

		u, red, err := richardson(c, rhs, 40)
		require.NoError(t, err)
		assert.Less(t, red, 1e-9)
		assert.NoError(t, checkExact(s, u, 1e-7))
	}
}

func TestCycle_ApplyLeavesDefectUntouched(t *testing.T) {
	s := lineSpace(t, 2, 3)
	c := poissonCycle(s)
	A, rhs, err := surfaceSystem(s)
	require.NoError(t, err)
	require.NoError(t, c.Init(A))

	before := append([]float64(nil), rhs.Data()...)
	corr := algebra.NewVector(rhs.Len(), nil)
	require.NoError(t, c.Apply(corr, rhs))
	assert.Equal(t, before, rhs.Data())
	assert.Equal(t, algebra.Consistent, corr.Storage())
}

// twoCopyLevels builds two vertices on level 0 copied unchanged onto
// level 1, so both levels have equal index sets
func twoCopyLevels(t *testing.T) *dofs.Space {
	t.Helper()
	mg := grid.NewMultiGrid(1)
	var coarse []grid.ID
	for i := 0; i < 2; i++ {
		id, err := mg.Create(grid.Entity{Kind: grid.Vertex, Parent: grid.None})
		require.NoError(t, err)
		coarse = append(coarse, id)
	}
	for _, p := range coarse {
		_, err := mg.Create(grid.Entity{Kind: grid.Vertex, Level: 1, Parent: p, Copy: true})
		require.NoError(t, err)
	}
	s, err := dofs.NewSpace(mg, dofs.P1(1), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCycle_IdentityComponentsReturnDefect(t *testing.T) {
	s := twoCopyLevels(t)
	require.Equal(t, 2, s.Surface().SizeIndexSet())
	require.Equal(t, 2, s.Level(0).SizeIndexSet())

	c := NewCycle(s)
	base := &countingBase{inner: precond.IdentityBase{}}
	c.SetAssembler(assemble.NewPoisson(0))
	c.SetSmoother(precond.IdentitySmoother{})
	c.SetProlongation(transfer.NewIdentity())
	c.SetProjection(transfer.NewIdentityProjection())
	c.SetBaseSolver(base)
	c.SetNumPreSmooth(0)
	c.SetNumPostSmooth(0)

	id := algebra.NewBuilder(2, 2)
	id.Add(0, 0, 1)
	id.Add(1, 1, 1)
	require.NoError(t, c.Init(id.Build(s.Surface().Layouts())))

	d := algebra.NewVectorFrom([]float64{3, 4}, algebra.Additive, s.Surface().Layouts())
	corr := algebra.NewVector(2, s.Surface().Layouts())
	require.NoError(t, c.Apply(corr, d))
	assert.Equal(t, []float64{3, 4}, corr.Data())
	assert.Equal(t, []float64{3, 4}, d.Data())
	assert.Equal(t, 1, base.n)

	require.NoError(t, c.ApplyUpdateDefect(corr, d))
	assert.Equal(t, []float64{3, 4}, corr.Data())
	assert.Equal(t, []float64{0, 0}, d.Data())
}

func TestCycle_ConfigurationErrors(t *testing.T) {
	s := lineSpace(t, 2, 2)
	c := NewCycle(s)
	assert.ErrorIs(t, c.Init(nil), ErrNoAssembler)
	c.SetAssembler(assemble.NewPoisson(1, grid.BoundarySubset))
	assert.ErrorIs(t, c.Init(nil), ErrNoSmoother)
	c.SetSmoother(precond.NewJacobi(0.5))
	assert.ErrorIs(t, c.Init(nil), ErrNoBaseSolver)
	c.SetBaseSolver(precond.NewLU())

	c.SetCycleType(0)
	assert.Error(t, c.Init(nil))
	c.SetCycleType(1)

	c.SetBaseLevel(2)
	assert.Error(t, c.Init(nil))
	c.SetBaseLevel(0)

	wrong := algebra.NewBuilder(3, 3).Build(nil)
	assert.Error(t, c.Init(wrong))

	corr := algebra.NewVector(s.Surface().SizeIndexSet(), nil)
	d := algebra.NewVector(s.Surface().SizeIndexSet(), nil)
	assert.Error(t, NewCycle(s).Apply(corr, d), "apply before init")

	require.NoError(t, c.Init(nil))
	assert.Error(t, c.Apply(corr, algebra.NewVector(1, nil)))
}

func TestCycle_BaseOnTopLevel(t *testing.T) {
	s := lineSpace(t, 4, 2)
	c := poissonCycle(s)
	c.SetBaseLevel(1)
	A, rhs, err := surfaceSystem(s)
	require.NoError(t, err)
	require.NoError(t, c.Init(A))

	u, red, err := richardson(c, rhs, 1)
	require.NoError(t, err)
	assert.Less(t, red, 1e-12)
	assert.NoError(t, checkExact(s, u, 1e-12))
}

func TestCycle_NumericalFailureIsReportedAndZeroed(t *testing.T) {
	s := lineSpace(t, 2, 3)
	c := poissonCycle(s)
	c.SetSmoother(failingSmoother{})
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, nil)
	require.NoError(t, err)
	c.SetMetrics(m)
	A, rhs, err := surfaceSystem(s)
	require.NoError(t, err)
	require.NoError(t, c.Init(A))

	d := rhs.Clone()
	corr := algebra.NewVector(rhs.Len(), nil)
	err = c.ApplyUpdateDefect(corr, d)
	assert.ErrorIs(t, err, ErrNonConvergentStep)
	assert.ErrorIs(t, err, precond.ErrNumerical)
	for _, x := range corr.Data() {
		assert.Zero(t, x)
	}
	assert.Equal(t, rhs.Data(), d.Data())
	assert.Equal(t, 1.0, counterValue(t, reg, "gmg_failed_cycles_total"))
}

func TestCycle_NonLinearInitProjectsLinearizationPoint(t *testing.T) {
	s := lineSpace(t, 2, 3)
	c := NewCycle(s)
	c.SetAssembler(&assemble.GraphLaplacian{Stiffness: 1, Reaction: 1, Dirichlet: []int{grid.BoundarySubset}})
	c.SetSmoother(precond.NewJacobi(2.0 / 3))
	c.SetProlongation(transfer.NewP1Prolongation(grid.BoundarySubset))
	c.SetBaseSolver(precond.NewLU())

	u := algebra.NewVector(s.Surface().SizeIndexSet(), nil)
	u.SetAll(1)
	assert.Error(t, c.InitNonLinear(nil, nil))
	require.NoError(t, c.InitNonLinear(nil, u))

	for l := 0; l < 3; l++ {
		for _, x := range c.levels[l].u.Data() {
			assert.Equal(t, 1.0, x, "level %d", l)
		}
	}
	// two edges of length 1/2: 2*(1/h) + 2*(h/2)*3*u^2
	assert.InDelta(t, 5.5, c.levels[0].A.At(1, 1), 1e-14)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	sum := 0.0
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestCycle_Metrics(t *testing.T) {
	s := lineSpace(t, 2, 3)
	c := poissonCycle(s)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, prometheus.Labels{"rank": "0"})
	require.NoError(t, err)
	c.SetMetrics(m)
	A, rhs, err := surfaceSystem(s)
	require.NoError(t, err)
	require.NoError(t, c.Init(A))

	corr := algebra.NewVector(rhs.Len(), nil)
	for i := 0; i < 2; i++ {
		require.NoError(t, c.Apply(corr, rhs))
	}
	assert.Equal(t, 2.0, counterValue(t, reg, "gmg_cycles_total"))
	assert.Equal(t, 2.0, counterValue(t, reg, "gmg_base_solves_total"))
	assert.Equal(t, 0.0, counterValue(t, reg, "gmg_failed_cycles_total"))
	// levels 1 and 2, four steps each per cycle
	assert.Equal(t, 16.0, counterValue(t, reg, "gmg_smoothing_steps_total"))

	_, err = NewMetrics(reg, prometheus.Labels{"rank": "0"})
	assert.Error(t, err, "duplicate registration")
}

func TestCycle_DebugWriter(t *testing.T) {
	dir, err := NewRunDir(t.TempDir())
	require.NoError(t, err)
	s := lineSpace(t, 2, 2)
	c := poissonCycle(s)
	c.SetDebugWriter(NewDirWriter(dir, 0))
	A, rhs, err := surfaceSystem(s)
	require.NoError(t, err)
	require.NoError(t, c.Init(A))
	corr := algebra.NewVector(rhs.Len(), nil)
	require.NoError(t, c.Apply(corr, rhs))

	for _, name := range []string{
		"GMG_A_lev000_p000.txt",
		"GMG_A_lev001_p000.txt",
		"GMG_Def_Surface_iter000_surf_p000.txt",
		"GMG_Cor_Surface_iter000_surf_p000.txt",
		"GMG_Cor_Base_iter000_lev000_p000.txt",
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestCycle_DistributedConvergence(t *testing.T) {
	lh := grid.LineHierarchy{Cells: 2, Levels: 4, DistLevel: 1, Owners: []int{0, 1}}
	w := parallel.NewWorld(2)
	reductions := make([]float64, 2)
	err := w.Run(context.Background(), func(_ context.Context, comm *parallel.Comm) error {
		mg, err := lh.Build(comm.Rank(), comm.Size())
		if err != nil {
			return err
		}
		s, err := dofs.NewSpace(mg, dofs.P1(mg.NumSubsets()), comm)
		if err != nil {
			return err
		}
		A, rhs, err := surfaceSystem(s)
		if err != nil {
			return err
		}
		c := poissonCycle(s)
		if err := c.Init(A); err != nil {
			return err
		}
		u, red, err := richardson(c, rhs, 40)
		if err != nil {
			return err
		}
		reductions[comm.Rank()] = red
		return checkExact(s, u, 1e-7)
	})
	require.NoError(t, err)
	for _, r := range reductions {
		assert.Less(t, r, 1e-9)
	}
}

func TestCycle_SmoothingSkipsGhosts(t *testing.T) {
	// rank 0 keeps the level 1 vertices at 0.75 and 1 only as ghosts
	lh := grid.LineHierarchy{Cells: 2, Levels: 3, DistLevel: 2, Owners: []int{0, 0, 1, 1}}
	w := parallel.NewWorld(2)
	var c, d map[float64]float64
	var smoothIndices int
	err := w.Run(context.Background(), func(_ context.Context, comm *parallel.Comm) error {
		mg, err := lh.Build(comm.Rank(), comm.Size())
		if err != nil {
			return err
		}
		s, err := dofs.NewSpace(mg, dofs.P1(mg.NumSubsets()), comm)
		if err != nil {
			return err
		}
		cy := poissonCycle(s)
		cy.SetSmoother(precond.NewJacobi(1))
		if err := cy.Init(nil); err != nil {
			return err
		}
		if comm.Rank() != 0 {
			return nil
		}
		ld := cy.levels[1]
		if !ld.hasGhosts() {
			return errors.New("level 1 has no ghosts")
		}
		ld.c.Zero()
		ld.d.SetAll(1)
		ld.d.SetStorage(algebra.Additive)
		if err := cy.smooth(ld, 1); err != nil {
			return err
		}
		smoothIndices = ld.numSmoothIndices()
		c, d = make(map[float64]float64), make(map[float64]float64)
		for _, id := range ld.dd.Entities() {
			if mg.Kind(id) != grid.Vertex {
				continue
			}
			x := mg.Coords(id)[0]
			c[x] = ld.c.At(ld.dd.Index(id))
			d[x] = ld.d.At(ld.dd.Index(id))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, smoothIndices)
	assert.InDeltaMapValues(t, map[float64]float64{0: 1, 0.25: 0.125, 0.5: 0.125, 0.75: 0, 1: 0}, c, 1e-14)
	// the ghost defect still sees the correction of its neighbor
	assert.InDelta(t, 1.5, d[0.75], 1e-14)
	assert.InDelta(t, 1.0, d[1], 1e-14)
}

func TestCycle_InitAgreesOnLocalFailure(t *testing.T) {
	lh := grid.LineHierarchy{Cells: 2, Levels: 3, DistLevel: 1, Owners: []int{0, 1}}
	w := parallel.NewWorld(2)
	errs := make([]error, 2)
	err := w.Run(context.Background(), func(_ context.Context, comm *parallel.Comm) error {
		mg, err := lh.Build(comm.Rank(), comm.Size())
		if err != nil {
			return err
		}
		s, err := dofs.NewSpace(mg, dofs.P1(mg.NumSubsets()), comm)
		if err != nil {
			return err
		}
		if comm.Rank() == 1 {
			// a hole on the top level of rank 1 only
			top := s.Level(2)
			if err := top.Erase(top.Entities()[0]); err != nil {
				return err
			}
		}
		errs[comm.Rank()] = poissonCycle(s).Init(nil)
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, errs[0], ErrPeerInit)
	assert.ErrorIs(t, errs[1], dofs.ErrNotDefragmented)
}

// recordingWriter keeps the names of written level vectors
type recordingWriter struct {
	levels []string
}

func (w *recordingWriter) WriteLevelVector(name string, lev int, _ *algebra.Vector) error {
	w.levels = append(w.levels, fmt.Sprintf("%s/%d", name, lev))
	return nil
}

func (w *recordingWriter) WriteSurfaceVector(string, *algebra.Vector) error    { return nil }
func (w *recordingWriter) WriteLevelMatrix(string, int, *algebra.Matrix) error { return nil }

func TestCycle_EmptyCoarseLevelSkipsTransfer(t *testing.T) {
	s := lineSpace(t, 2, 2)
	c := poissonCycle(s)
	base := &countingBase{inner: precond.NewLU()}
	c.SetBaseSolver(base)
	require.NoError(t, c.Init(nil))

	rec := &recordingWriter{}
	c.SetDebugWriter(rec)
	fine := c.levels[1]
	performed, work, err := c.restrict(fine, c.levels[0])
	require.NoError(t, err)
	assert.True(t, performed)
	assert.True(t, work)
	assert.Equal(t, []string{"GMG_Def_Restricted_iter000/0"}, rec.levels)

	// a process without indices on the coarse level
	empty := &levelData{
		lev: 0,
		c:   algebra.NewVector(0, nil),
		d:   algebra.NewVector(0, nil),
		t:   algebra.NewVector(0, nil),
	}
	c.levels[0] = empty
	rec.levels = nil
	fine.d.SetAll(1)
	fine.c.Zero()
	require.NoError(t, c.lmgc(1))
	assert.Zero(t, base.n)
	assert.NotContains(t, rec.levels, "GMG_Def_Restricted_iter000/0")
	assert.NotContains(t, rec.levels, "GMG_Cor_Prolongated_iter000/1")
	assert.Contains(t, rec.levels, "GMG_Def_Smoothed_iter000/1")
}
