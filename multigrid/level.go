package multigrid

import (
	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/precond"
	"github.com/notargets/GMG/transfer"
)

// levelData is the state of one level: operator, solution, correction,
// defect and a temporary, all on the full level index set. When the level
// has ghosts, smoothing runs on a patch of the non-ghost indices; vMap sends
// patch index i to level index vMap[i].
type levelData struct {
	lev int
	dd  *dofs.Distribution
	A   *algebra.Matrix

	u, c, d, t *algebra.Vector

	// surface defect of entities of this level below the top, added once per
	// cycle on the first restriction into the level. cs keeps the correction
	// at the start of a coarse visit, so the surface part of c survives
	// repeated visits.
	sd, cs    *algebra.Vector
	sdPending bool

	vMap         []int
	sA           *algebra.Matrix
	sc, sdef, st *algebra.Vector
	smoother     precond.Smoother
	prolongation transfer.Prolongation
	projection   transfer.Projection
}

func newLevelData(lev int, dd *dofs.Distribution) *levelData {
	n := dd.SizeIndexSet()
	l := dd.Layouts()
	return &levelData{
		lev: lev,
		dd:  dd,
		u:   algebra.NewVector(n, l),
		c:   algebra.NewVector(n, l),
		d:   algebra.NewVector(n, l),
		t:   algebra.NewVector(n, l),
	}
}

func (ld *levelData) hasGhosts() bool { return ld.vMap != nil }

func (ld *levelData) numIndices() int { return ld.d.Len() }

func (ld *levelData) numSmoothIndices() int {
	if ld.hasGhosts() {
		return len(ld.vMap)
	}
	return ld.numIndices()
}

// buildPatch collects the non-ghost indices. A patch is only kept when
// ghosts exist.
func (ld *levelData) buildPatch() {
	mg := ld.dd.Grid()
	var vMap []int
	for _, id := range ld.dd.Entities() {
		if mg.IsGhost(id) {
			continue
		}
		idx := ld.dd.Index(id)
		for k := 0; k < ld.dd.Multiplicity(id); k++ {
			vMap = append(vMap, idx+k)
		}
	}
	if len(vMap) == ld.numIndices() {
		ld.vMap, ld.sA, ld.sc, ld.sdef, ld.st = nil, nil, nil, nil, nil
		return
	}
	if vMap == nil {
		vMap = []int{}
	}
	inv := make(map[int]int, len(vMap))
	for i, j := range vMap {
		inv[j] = i
	}
	pl := ld.dd.Layouts().Restrict(inv)
	ld.vMap = vMap
	ld.sA = ld.A.Submatrix(vMap, pl)
	ld.sc = algebra.NewVector(len(vMap), pl)
	ld.sdef = algebra.NewVector(len(vMap), pl)
	ld.st = algebra.NewVector(len(vMap), pl)
}

// smoothingOperator is the matrix the smoother works on
func (ld *levelData) smoothingOperator() *algebra.Matrix {
	if ld.hasGhosts() {
		return ld.sA
	}
	return ld.A
}

// copyDefectToPatch loads the non-ghost defect into the patch
func (ld *levelData) copyDefectToPatch() {
	for i, j := range ld.vMap {
		ld.sdef.Set(i, ld.d.At(j))
	}
	ld.sdef.SetStorage(ld.d.Storage())
}

// copyCorrectionFromPatch writes the patch correction into t. Ghost entries
// are zeroed first.
func (ld *levelData) copyCorrectionFromPatch() {
	ld.t.Zero()
	for i, j := range ld.vMap {
		ld.t.Set(j, ld.sc.At(i))
	}
	ld.t.SetStorage(algebra.Consistent)
}

// addCorrection applies c += t and d -= A t
func (ld *levelData) addCorrection(t *algebra.Vector) {
	ld.c.Add(t)
	ld.c.SetStorage(algebra.Consistent)
	ld.A.ApplySub(ld.d.Data(), t.Data())
	ld.d.SetStorage(algebra.Additive)
}
