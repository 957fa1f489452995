package transfer

import (
	"fmt"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/grid"
)

// Slot addresses one index on one level
type Slot struct {
	Level, Index int
}

// SurfaceLevelMap relates the surface index set of a space to the level
// index sets. Every surface index has an owning slot on the level of its
// entity; shadows, the copy ancestors sharing the surface index, add slots
// on coarser levels.
type SurfaceLevelMap struct {
	numLevels int
	surfSize  int
	own       []Slot
	shadows   [][]Slot
	revision  uint64
}

// NewSurfaceLevelMap maps the surface of s onto its levels
func NewSurfaceLevelMap(s *dofs.Space) (*SurfaceLevelMap, error) {
	surf := s.Surface()
	mg := s.Grid()
	m := &SurfaceLevelMap{
		numLevels: s.NumLevels(),
		surfSize:  surf.SizeIndexSet(),
		own:       make([]Slot, surf.SizeIndexSet()),
		shadows:   make([][]Slot, surf.SizeIndexSet()),
		revision:  s.Revision(),
	}
	for i := range m.own {
		m.own[i] = Slot{Level: -1, Index: dofs.NotYetAssigned}
	}
	for _, id := range surf.Entities() {
		si := surf.Index(id)
		lev := mg.Level(id)
		if lev >= s.NumLevels() {
			return nil, fmt.Errorf("surface map: entity %d on level %d beyond %d levels", id, lev, s.NumLevels())
		}
		li := s.Level(lev).Index(id)
		if li == dofs.NotYetAssigned {
			return nil, fmt.Errorf("surface map: surface entity %d has no index on level %d", id, lev)
		}
		for k := 0; k < surf.Multiplicity(id); k++ {
			m.own[si+k] = Slot{Level: lev, Index: li + k}
		}
		for q := mg.ParentIfCopy(id); q != grid.None && surf.Index(q) == si; q = mg.ParentIfCopy(q) {
			ql := mg.Level(q)
			qi := s.Level(ql).Index(q)
			if qi == dofs.NotYetAssigned {
				continue
			}
			for k := 0; k < surf.Multiplicity(id); k++ {
				m.shadows[si+k] = append(m.shadows[si+k], Slot{Level: ql, Index: qi + k})
			}
		}
	}
	return m, nil
}

// Revision is the space revision the map was built for
func (m *SurfaceLevelMap) Revision() uint64 { return m.revision }

// Owner returns the level slot of surface index i
func (m *SurfaceLevelMap) Owner(i int) Slot { return m.own[i] }

// Shadows returns the coarser level slots sharing surface index i
func (m *SurfaceLevelMap) Shadows(i int) []Slot { return m.shadows[i] }

func (m *SurfaceLevelMap) check(levels []*algebra.Vector, surf *algebra.Vector) error {
	if surf.Len() != m.surfSize {
		return fmt.Errorf("surface map: surface vector of length %d for %d indices", surf.Len(), m.surfSize)
	}
	if len(levels) != m.numLevels {
		return fmt.Errorf("surface map: %d level vectors for %d levels", len(levels), m.numLevels)
	}
	return nil
}

// SurfaceToLevel writes surface values into the level vectors. Level
// entries not on the surface are left untouched. With shadows, values are
// also written to the coarser copies of each entity; use that for
// consistent values, not for defects. Nil level vectors are skipped.
func (m *SurfaceLevelMap) SurfaceToLevel(levels []*algebra.Vector, surf *algebra.Vector, shadows bool) error {
	if err := m.check(levels, surf); err != nil {
		return err
	}
	for i, s := range m.own {
		if s.Level < 0 || levels[s.Level] == nil {
			continue
		}
		x := surf.At(i)
		levels[s.Level].Set(s.Index, x)
		if !shadows {
			continue
		}
		for _, sh := range m.shadows[i] {
			if levels[sh.Level] != nil {
				levels[sh.Level].Set(sh.Index, x)
			}
		}
	}
	for _, v := range levels {
		if v != nil {
			v.SetStorage(surf.Storage())
		}
	}
	return nil
}

// LevelToSurface reads every surface value from its owning level slot. The
// storage type is taken from the finest level vector.
func (m *SurfaceLevelMap) LevelToSurface(surf *algebra.Vector, levels []*algebra.Vector) error {
	if err := m.check(levels, surf); err != nil {
		return err
	}
	for i, s := range m.own {
		if s.Level < 0 || levels[s.Level] == nil {
			surf.Set(i, 0)
			continue
		}
		surf.Set(i, levels[s.Level].At(s.Index))
	}
	for l := len(levels) - 1; l >= 0; l-- {
		if levels[l] != nil {
			surf.SetStorage(levels[l].Storage())
			break
		}
	}
	return nil
}
