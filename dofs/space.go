package dofs

import (
	"fmt"
	"log/slog"

	"github.com/notargets/GMG/grid"
	"github.com/notargets/GMG/parallel"
)

// Space is an approximation space on one grid: a level distribution for
// every grid level and a distribution of the top surface. It observes the
// grid and forwards mutation events to all of them.
type Space struct {
	mg      *grid.MultiGrid
	info    *DoFInfo
	world   *parallel.Comm
	opts    options
	logger  *slog.Logger
	levels  []*Distribution
	surface *Distribution
}

// NewSpace indexes every level and the surface of mg. Collective over world.
func NewSpace(mg *grid.MultiGrid, info *DoFInfo, world *parallel.Comm, opts ...Option) (*Space, error) {
	o := newOptions(opts)
	s := &Space{mg: mg, info: info, world: world, opts: o, logger: o.logger}

	// Every process takes part in every level's sub-communicator, so all
	// agree on the number of levels first.
	numLevels := mg.NumLevels()
	if world != nil {
		top, err := world.AllReduceMax(float64(numLevels))
		if err != nil {
			return nil, fmt.Errorf("space: agree on level count: %w", err)
		}
		numLevels = int(top)
	}
	for l := 0; l < numLevels; l++ {
		d, err := NewDistribution(mg, info, GridLevel{Level: l, Type: GridLevelType}, world, opts...)
		if err != nil {
			return nil, fmt.Errorf("space: level %d: %w", l, err)
		}
		s.levels = append(s.levels, d)
	}
	surf, err := NewDistribution(mg, info, GridLevel{Level: TopLevel, Type: SurfaceType}, world, opts...)
	if err != nil {
		return nil, fmt.Errorf("space: surface: %w", err)
	}
	s.surface = surf
	mg.Attach(s)
	s.logger.Debug("space created", "levels", numLevels, "surfaceIndices", surf.NumIndices())
	return s, nil
}

// Close detaches the space from its grid
func (s *Space) Close() { s.mg.Detach(s) }

func (s *Space) Grid() *grid.MultiGrid     { return s.mg }
func (s *Space) Info() *DoFInfo            { return s.info }
func (s *Space) World() *parallel.Comm     { return s.world }
func (s *Space) NumLevels() int            { return len(s.levels) }
func (s *Space) Level(l int) *Distribution { return s.levels[l] }
func (s *Space) Surface() *Distribution    { return s.surface }

// Distribution returns the distribution for gl
func (s *Space) Distribution(gl GridLevel) *Distribution {
	if gl.Type == SurfaceType {
		return s.surface
	}
	return s.levels[gl.Level]
}

func (s *Space) all() []*Distribution {
	return append(append([]*Distribution(nil), s.levels...), s.surface)
}

// Defragment compacts every distribution and rebuilds their layouts.
// Collective over the world; levels created since the last call are
// included.
func (s *Space) Defragment() error {
	if s.world != nil {
		top, err := s.world.AllReduceMax(float64(len(s.levels)))
		if err != nil {
			return fmt.Errorf("space: agree on level count: %w", err)
		}
		for len(s.levels) < int(top) {
			s.addLevel()
		}
	}
	for _, d := range s.all() {
		if _, err := d.Defragment(); err != nil {
			return fmt.Errorf("space: %w", err)
		}
	}
	return nil
}

// Revision sums the revisions of all distributions
func (s *Space) Revision() uint64 {
	var r uint64
	for _, d := range s.all() {
		r += d.Revision()
	}
	return r
}

func (s *Space) addLevel() *Distribution {
	l := len(s.levels)
	d := newDistribution(s.mg, s.info, GridLevel{Level: l, Type: GridLevelType}, s.world, s.opts)
	s.levels = append(s.levels, d)
	return d
}

func (s *Space) EntityCreated(id, parent grid.ID, replacesParent bool) {
	for s.mg.Level(id) >= len(s.levels) {
		s.addLevel()
	}
	for _, d := range s.all() {
		d.EntityCreated(id, parent, replacesParent)
	}
}

func (s *Space) EntityToBeErased(id, replacedBy grid.ID) {
	for _, d := range s.all() {
		d.EntityToBeErased(id, replacedBy)
	}
}

func (s *Space) RedistributionStarted() {
	for _, d := range s.all() {
		d.RedistributionStarted()
	}
}

func (s *Space) RedistributionEnded() {
	for _, d := range s.all() {
		d.RedistributionEnded()
	}
}
