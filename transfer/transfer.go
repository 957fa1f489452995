package transfer

import (
	"fmt"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/dofs"
)

// Prolongation moves corrections from a coarse level to the next finer one
// and, transposed, defects from the fine level to the coarse one
type Prolongation interface {
	Init(fine, coarse *dofs.Distribution) error
	// Prolongate computes fine = P coarse for a consistent coarse vector
	Prolongate(fine, coarse *algebra.Vector) error
	// Restrict computes coarse = Pᵀ fine for an additive fine vector
	Restrict(coarse, fine *algebra.Vector) error
	Clone() Prolongation
}

// Projection moves solution values from a fine level to the next coarser
// one
type Projection interface {
	Init(fine, coarse *dofs.Distribution) error
	// Project computes the coarse representation of a consistent fine vector
	Project(coarse, fine *algebra.Vector) error
	Clone() Projection
}

// levelPair tracks the revisions a transfer matrix was built for
type levelPair struct {
	fine, coarse       *dofs.Distribution
	fineRev, coarseRev uint64
}

func (lp *levelPair) bind(fine, coarse *dofs.Distribution) error {
	if fine == nil || coarse == nil {
		return fmt.Errorf("transfer needs a fine and a coarse distribution")
	}
	if fine.Grid() != coarse.Grid() {
		return fmt.Errorf("transfer between distributions of different grids")
	}
	lp.fine, lp.coarse = fine, coarse
	lp.fineRev, lp.coarseRev = fine.Revision(), coarse.Revision()
	return nil
}

func (lp *levelPair) stale() bool {
	return lp.fine.Revision() != lp.fineRev || lp.coarse.Revision() != lp.coarseRev
}

func (lp *levelPair) check(fine, coarse *algebra.Vector) error {
	if lp.fine == nil {
		return fmt.Errorf("transfer used before Init")
	}
	if fine.Len() != lp.fine.SizeIndexSet() || coarse.Len() != lp.coarse.SizeIndexSet() {
		return fmt.Errorf("transfer %v -> %v: vector lengths %d/%d for index sets %d/%d",
			lp.coarse.GridLevel(), lp.fine.GridLevel(), fine.Len(), coarse.Len(),
			lp.fine.SizeIndexSet(), lp.coarse.SizeIndexSet())
	}
	return nil
}

// Identity transfers between two index sets of equal size by copying
type Identity struct {
	levelPair
}

func NewIdentity() *Identity { return &Identity{} }

func (id *Identity) Init(fine, coarse *dofs.Distribution) error {
	if err := id.bind(fine, coarse); err != nil {
		return err
	}
	if fine.SizeIndexSet() != coarse.SizeIndexSet() {
		return fmt.Errorf("identity transfer between %d and %d indices",
			fine.SizeIndexSet(), coarse.SizeIndexSet())
	}
	return nil
}

func (id *Identity) Prolongate(fine, coarse *algebra.Vector) error {
	if err := id.check(fine, coarse); err != nil {
		return err
	}
	fine.CopyFrom(coarse)
	return nil
}

func (id *Identity) Restrict(coarse, fine *algebra.Vector) error {
	if err := id.check(fine, coarse); err != nil {
		return err
	}
	coarse.CopyFrom(fine)
	return nil
}

func (id *Identity) Clone() Prolongation { return &Identity{} }

// IdentityProjection is the projection counterpart of Identity
type IdentityProjection struct {
	Identity
}

func NewIdentityProjection() *IdentityProjection { return &IdentityProjection{} }

func (id *IdentityProjection) Project(coarse, fine *algebra.Vector) error {
	return id.Restrict(coarse, fine)
}

func (id *IdentityProjection) Clone() Projection { return &IdentityProjection{} }
