package multigrid

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/assemble"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/parallel"
	"github.com/notargets/GMG/precond"
	"github.com/notargets/GMG/transfer"
)

var (
	// ErrNonConvergentStep reports a cycle in which some process saw a
	// smoother or base solver fail. All processes return it together.
	ErrNonConvergentStep = errors.New("multigrid: non-convergent step")
	ErrNoAssembler       = errors.New("multigrid: no assembler set")
	ErrNoSmoother        = errors.New("multigrid: no smoother set")
	ErrNoBaseSolver      = errors.New("multigrid: no base solver set")
	// ErrEmptyLevel reports a level between base and top without any index
	// on any process
	ErrEmptyLevel = errors.New("multigrid: empty level")
	// ErrPeerInit is returned by processes whose own Init succeeded while
	// another process of the world failed
	ErrPeerInit = errors.New("multigrid: init failed on another process")
)

// Cycle is a geometric multigrid V or W cycle over the levels of a space.
// It is used as a preconditioner on surface vectors: Apply maps an additive
// surface defect onto a consistent surface correction. Init, Apply and
// ApplyUpdateDefect are collective over the space's world.
type Cycle struct {
	space *dofs.Space

	cycleType     int
	numPreSmooth  int
	numPostSmooth int
	baseLev       int
	parallelBase  bool

	smoother     precond.Smoother
	prolongation transfer.Prolongation
	projection   transfer.Projection
	baseSolver   precond.BaseSolver
	assembler    assemble.Assembler

	debug   DebugWriter
	metrics *Metrics
	logger  *slog.Logger

	A        *algebra.Matrix // surface operator, may be nil
	levels   []*levelData    // nil below the base level
	topLev   int
	surfMap  *transfer.SurfaceLevelMap
	baseComm *parallel.Comm
	baseWork bool

	initialized bool
	failure     error
	iter        int
}

// NewCycle returns a V cycle with two pre and two post smoothing steps, base
// level 0 and a parallel base solve
func NewCycle(space *dofs.Space) *Cycle {
	return &Cycle{
		space:         space,
		cycleType:     1,
		numPreSmooth:  2,
		numPostSmooth: 2,
		parallelBase:  true,
		logger:        slog.New(slog.DiscardHandler),
	}
}

// SetCycleType sets the number of coarse visits per level, 1 for V, 2 for W
func (c *Cycle) SetCycleType(n int)                      { c.cycleType = n }
func (c *Cycle) SetNumPreSmooth(n int)                   { c.numPreSmooth = n }
func (c *Cycle) SetNumPostSmooth(n int)                  { c.numPostSmooth = n }
func (c *Cycle) SetBaseLevel(l int)                      { c.baseLev = l }
func (c *Cycle) SetSmoother(s precond.Smoother)          { c.smoother = s }
func (c *Cycle) SetProlongation(p transfer.Prolongation) { c.prolongation = p }
func (c *Cycle) SetProjection(p transfer.Projection)     { c.projection = p }
func (c *Cycle) SetBaseSolver(s precond.BaseSolver)      { c.baseSolver = s }
func (c *Cycle) SetAssembler(a assemble.Assembler)       { c.assembler = a }
func (c *Cycle) SetDebugWriter(w DebugWriter)            { c.debug = w }
func (c *Cycle) SetMetrics(m *Metrics)                   { c.metrics = m }

// SetParallelBaseSolver selects one collective base solve over all processes
// holding base level work (true) or an independent solve per process
func (c *Cycle) SetParallelBaseSolver(b bool) { c.parallelBase = b }

func (c *Cycle) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	c.logger = l
}

func (c *Cycle) Space() *dofs.Space { return c.space }
func (c *Cycle) TopLevel() int      { return c.topLev }
func (c *Cycle) BaseLevel() int     { return c.baseLev }

// Clone copies the configuration. The copy must be initialized on its own.
func (c *Cycle) Clone() *Cycle {
	n := NewCycle(c.space)
	n.cycleType, n.numPreSmooth, n.numPostSmooth = c.cycleType, c.numPreSmooth, c.numPostSmooth
	n.baseLev, n.parallelBase = c.baseLev, c.parallelBase
	if c.smoother != nil {
		n.smoother = c.smoother.Clone()
	}
	if c.prolongation != nil {
		n.prolongation = c.prolongation.Clone()
	}
	if c.projection != nil {
		n.projection = c.projection.Clone()
	}
	n.baseSolver, n.assembler = c.baseSolver, c.assembler
	n.debug, n.metrics, n.logger = c.debug, c.metrics, c.logger
	return n
}

func (c *Cycle) world() *parallel.Comm { return c.space.World() }

func (c *Cycle) checkConfig() error {
	switch {
	case c.assembler == nil:
		return ErrNoAssembler
	case c.smoother == nil:
		return ErrNoSmoother
	case c.baseSolver == nil:
		return ErrNoBaseSolver
	case c.cycleType < 1:
		return fmt.Errorf("multigrid: cycle type %d, need at least 1", c.cycleType)
	case c.numPreSmooth < 0 || c.numPostSmooth < 0:
		return fmt.Errorf("multigrid: negative smoothing steps %d/%d", c.numPreSmooth, c.numPostSmooth)
	case c.baseLev < 0:
		return fmt.Errorf("multigrid: negative base level %d", c.baseLev)
	}
	if c.prolongation == nil {
		c.prolongation = transfer.NewP1Prolongation()
	}
	if c.projection == nil {
		c.projection = transfer.NewInjectionProjection()
	}
	return nil
}

// agree combines a local outcome over the world. Every process returns an
// error if any of them failed.
func (c *Cycle) agree(err error) error {
	w := c.world()
	if w == nil {
		return err
	}
	ok, aerr := w.AllReduceAnd(err == nil)
	if aerr != nil {
		return aerr
	}
	if err != nil {
		return err
	}
	if !ok {
		return ErrPeerInit
	}
	return nil
}

// Init assembles the level operators with the assembler and prepares
// smoothers, transfers and the base solver. A is the surface operator used by
// ApplyUpdateDefect; if nil, the updated defect is read from the levels.
func (c *Cycle) Init(A *algebra.Matrix) error {
	return c.init(A, nil)
}

// InitNonLinear is Init for the Jacobian J at the surface linearization
// point u, which is projected to all levels to assemble the level Jacobians
func (c *Cycle) InitNonLinear(J *algebra.Matrix, u *algebra.Vector) error {
	if u == nil {
		return fmt.Errorf("multigrid: nonlinear init without linearization point")
	}
	return c.init(J, u)
}

func (c *Cycle) init(A *algebra.Matrix, u *algebra.Vector) error {
	c.initialized = false
	top := c.space.NumLevels() - 1
	err := c.checkConfig()
	if err == nil {
		err = c.checkLocal(A, top)
	}
	if err != nil {
		c.logger.Error("multigrid init", "err", err)
	}
	if err := c.agree(err); err != nil {
		return err
	}
	if err := c.checkLevelSizes(top); err != nil {
		return err
	}

	c.A, c.topLev = A, top
	for len(c.levels) < top+1 {
		c.levels = append(c.levels, nil)
	}
	c.levels = c.levels[:top+1]
	for l := range c.levels {
		if l < c.baseLev {
			c.levels[l] = nil
			continue
		}
		c.levels[l] = newLevelData(l, c.space.Level(l))
	}

	surf := c.space.Surface()
	if c.surfMap, err = transfer.NewSurfaceLevelMap(c.space); err != nil {
		return c.agree(fmt.Errorf("multigrid: %w", err))
	}
	for l := c.baseLev + 1; l <= top; l++ {
		ld := c.levels[l]
		ld.prolongation = c.prolongation.Clone()
		ld.projection = c.projection.Clone()
		coarse := c.levels[l-1].dd
		if err == nil {
			err = ld.prolongation.Init(ld.dd, coarse)
		}
		if err == nil {
			err = ld.projection.Init(ld.dd, coarse)
		}
	}
	for i := 0; i < surf.SizeIndexSet(); i++ {
		if s := c.surfMap.Owner(i); s.Level >= c.baseLev && s.Level < top && c.levels[s.Level].sd == nil {
			ld := c.levels[s.Level]
			ld.sd = algebra.NewVector(ld.numIndices(), ld.dd.Layouts())
			ld.cs = algebra.NewVector(ld.numIndices(), ld.dd.Layouts())
		}
	}
	if err = c.agree(err); err != nil {
		return fmt.Errorf("multigrid: transfer init: %w", err)
	}

	if u != nil {
		if err := c.projectToLevels(u); err != nil {
			return err
		}
	}

	// assembly is local
	for l := c.baseLev; l <= top && err == nil; l++ {
		ld := c.levels[l]
		if u != nil {
			ld.A, err = assemble.LevelJacobian(c.assembler, ld.dd, ld.u)
		} else {
			ld.A, err = assemble.Level(c.assembler, ld.dd, nil)
		}
		if err != nil {
			err = fmt.Errorf("multigrid: assemble level %d: %w", l, err)
			break
		}
		ld.buildPatch()
	}
	if err = c.agree(err); err != nil {
		c.logger.Error("multigrid init", "err", err)
		return err
	}

	// smoother setup communicates over level interfaces, so every level is
	// visited even after a failure
	for l := c.baseLev + 1; l <= top; l++ {
		ld := c.levels[l]
		ld.smoother = c.smoother.Clone()
		if serr := ld.smoother.Init(ld.smoothingOperator()); serr != nil && err == nil {
			err = fmt.Errorf("multigrid: smoother on level %d: %w", l, serr)
		}
	}

	base := c.levels[c.baseLev]
	c.baseWork = base.dd.NumIndices() > 0 && base.dd.Layouts().VSlave.Empty()
	c.baseComm = nil
	if c.parallelBase && c.world() != nil {
		comm, cerr := c.world().SubComm(c.baseWork)
		if cerr != nil {
			return fmt.Errorf("multigrid: base communicator: %w", cerr)
		}
		c.baseComm = comm
	}
	if c.baseWork {
		if berr := c.baseSolver.Init(base.A, c.baseComm); berr != nil && err == nil {
			err = fmt.Errorf("multigrid: base solver %s: %w", c.baseSolver.Name(), berr)
		}
	}
	if err = c.agree(err); err != nil {
		c.logger.Error("multigrid init", "err", err)
		return err
	}

	for l := c.baseLev; l <= top; l++ {
		c.LogLevelData(l)
		c.writeMatrix("GMG_A", l, c.levels[l].A)
	}
	c.initialized = true
	c.iter = 0
	return nil
}

// checkLevelSizes rejects levels that hold no index on any process
// checkLocal validates what this process alone can see: operator size, base
// level and compacted ledgers
func (c *Cycle) checkLocal(A *algebra.Matrix, top int) error {
	surf := c.space.Surface()
	if A != nil {
		if nr, nc := A.Dims(); nr != surf.SizeIndexSet() || nc != nr {
			return fmt.Errorf("multigrid: %dx%d operator for %d surface indices", nr, nc, surf.SizeIndexSet())
		}
	}
	if c.baseLev > top {
		return fmt.Errorf("multigrid: base level %d above top level %d", c.baseLev, top)
	}
	for l := 0; l <= top; l++ {
		if c.space.Level(l).Ledger().NumFree() > 0 {
			return fmt.Errorf("multigrid: level %d: %w", l, dofs.ErrNotDefragmented)
		}
	}
	if surf.Ledger().NumFree() > 0 {
		return fmt.Errorf("multigrid: surface: %w", dofs.ErrNotDefragmented)
	}
	return nil
}

func (c *Cycle) checkLevelSizes(top int) error {
	counts := make([]float64, top+1)
	for l := range counts {
		counts[l] = float64(c.space.Level(l).NumIndices())
	}
	if w := c.world(); w != nil {
		var err error
		if counts, err = w.AllReduceSumVec(counts); err != nil {
			return fmt.Errorf("multigrid: level sizes: %w", err)
		}
	}
	for l := c.baseLev; l <= top; l++ {
		if counts[l] == 0 {
			return fmt.Errorf("level %d: %w", l, ErrEmptyLevel)
		}
	}
	return nil
}

// projectToLevels fills the level solutions from the surface vector u.
// Coarse values come from the projection; vertical copies are averaged over
// the processes that could project them. Surface values and their shadows
// are written last and win.
func (c *Cycle) projectToLevels(u *algebra.Vector) error {
	uc := u.Clone()
	if err := uc.ChangeStorageType(algebra.Consistent); err != nil {
		return fmt.Errorf("multigrid: linearization point: %w", err)
	}
	us := c.levelVectors(func(ld *levelData) *algebra.Vector { return ld.u })
	for _, v := range us {
		if v != nil {
			v.Zero()
		}
	}
	if err := c.surfMap.SurfaceToLevel(us, uc, true); err != nil {
		return c.agree(fmt.Errorf("multigrid: %w", err))
	}
	for l := c.topLev; l > c.baseLev; l-- {
		fine, coarse := c.levels[l], c.levels[l-1]
		err := fine.projection.Project(coarse.u, fine.u)
		w := algebra.NewVector(coarse.numIndices(), coarse.dd.Layouts())
		if err == nil {
			ones := algebra.NewVector(fine.numIndices(), fine.dd.Layouts())
			ones.SetAll(1)
			err = fine.projection.Project(w, ones)
		}
		if err != nil {
			return c.agree(fmt.Errorf("multigrid: project to level %d: %w", l-1, err))
		}
		cl := coarse.dd.Layouts()
		if _, err := parallel.GatherVertical(cl, coarse.u.Data()); err != nil {
			return err
		}
		if _, err := parallel.GatherVertical(cl, w.Data()); err != nil {
			return err
		}
		for i, wi := range w.Data() {
			if wi > 0 {
				coarse.u.Data()[i] /= wi
			}
		}
		if err := parallel.BroadcastVertical(cl, coarse.u.Data()); err != nil {
			return err
		}
		coarse.u.SetStorage(algebra.Consistent)
	}
	return c.surfMap.SurfaceToLevel(us, uc, true)
}

// levelVectors returns one vector per level, nil below the base level
func (c *Cycle) levelVectors(pick func(*levelData) *algebra.Vector) []*algebra.Vector {
	vs := make([]*algebra.Vector, len(c.levels))
	for l, ld := range c.levels {
		if ld != nil {
			vs[l] = pick(ld)
		}
	}
	return vs
}

// LogLevelData logs sizes of level lev at info level
func (c *Cycle) LogLevelData(lev int) {
	if lev < 0 || lev >= len(c.levels) || c.levels[lev] == nil {
		c.logger.Info("level data", "level", lev, "initialized", false)
		return
	}
	ld := c.levels[lev]
	attrs := []any{
		"level", lev,
		"indices", ld.numIndices(),
		"smoothIndices", ld.numSmoothIndices(),
		"ghosts", ld.numIndices() - ld.numSmoothIndices(),
	}
	if ld.A != nil {
		attrs = append(attrs, "nnz", ld.A.NNZ())
	}
	if ld.smoother != nil {
		attrs = append(attrs, "smoother", ld.smoother.Name())
	}
	c.logger.Info("level data", attrs...)
}

// Apply computes one cycle c = B d. d is left unchanged.
func (c *Cycle) Apply(corr, d *algebra.Vector) error {
	return c.apply(corr, d.Clone(), false)
}

// ApplyUpdateDefect computes one cycle c = B d and updates d -= A c
func (c *Cycle) ApplyUpdateDefect(corr, d *algebra.Vector) error {
	return c.apply(corr, d, true)
}

func (c *Cycle) apply(corr, d *algebra.Vector, update bool) error {
	if !c.initialized {
		return fmt.Errorf("multigrid: apply before init")
	}
	if c.surfMap.Revision() != c.space.Revision() {
		return fmt.Errorf("multigrid: space changed since init")
	}
	n := c.space.Surface().SizeIndexSet()
	if corr.Len() != n || d.Len() != n {
		return fmt.Errorf("multigrid: vectors of length %d/%d for %d surface indices", corr.Len(), d.Len(), n)
	}
	start := time.Now()
	c.failure = nil

	if !d.Has(algebra.Additive) {
		if err := d.ChangeStorageType(algebra.Additive); err != nil {
			return fmt.Errorf("multigrid: defect: %w", err)
		}
	}
	defects := make([]*algebra.Vector, len(c.levels))
	for l, ld := range c.levels {
		if ld == nil {
			continue
		}
		ld.c.Zero()
		ld.d.Zero()
		ld.sdPending = ld.sd != nil
		switch {
		case l == c.topLev:
			defects[l] = ld.d
		case ld.sd != nil:
			ld.sd.Zero()
			defects[l] = ld.sd
		}
	}
	if err := c.surfMap.SurfaceToLevel(defects, d, false); err != nil {
		return err
	}
	c.writeSurface("GMG_Def_Surface", d)

	if err := c.lmgc(c.topLev); err != nil {
		return err
	}

	ok := c.failure == nil
	if w := c.world(); w != nil {
		var err error
		if ok, err = w.AllReduceAnd(ok); err != nil {
			return err
		}
	}
	c.metrics.cycleDone(time.Since(start), ok)
	if !ok {
		c.iter++
		corr.Zero()
		corr.SetStorage(algebra.Consistent)
		if c.failure != nil {
			c.logger.Warn("multigrid cycle failed", "err", c.failure)
			return fmt.Errorf("%w: %w", ErrNonConvergentStep, c.failure)
		}
		return fmt.Errorf("%w on another process", ErrNonConvergentStep)
	}

	if err := c.surfMap.LevelToSurface(corr, c.levelVectors(func(ld *levelData) *algebra.Vector { return ld.c })); err != nil {
		return err
	}
	corr.SetStorage(algebra.Consistent)
	if update {
		if c.A != nil {
			c.A.ApplySub(d.Data(), corr.Data())
		} else if err := c.surfMap.LevelToSurface(d, c.levelVectors(func(ld *levelData) *algebra.Vector { return ld.d })); err != nil {
			return err
		}
		d.SetStorage(algebra.Additive)
	}
	c.writeSurface("GMG_Cor_Surface", corr)
	c.iter++
	return nil
}

func (c *Cycle) writeMatrix(name string, lev int, A *algebra.Matrix) {
	if c.debug == nil || A == nil {
		return
	}
	if err := c.debug.WriteLevelMatrix(name, lev, A); err != nil {
		c.logger.Warn("debug output", "name", name, "err", err)
	}
}

func (c *Cycle) writeLevel(name string, lev int, v *algebra.Vector) {
	if c.debug == nil {
		return
	}
	if err := c.debug.WriteLevelVector(fmt.Sprintf("%s_iter%03d", name, c.iter), lev, v); err != nil {
		c.logger.Warn("debug output", "name", name, "err", err)
	}
}

func (c *Cycle) writeSurface(name string, v *algebra.Vector) {
	if c.debug == nil {
		return
	}
	if err := c.debug.WriteSurfaceVector(fmt.Sprintf("%s_iter%03d", name, c.iter), v); err != nil {
		c.logger.Warn("debug output", "name", name, "err", err)
	}
}
