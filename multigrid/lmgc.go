package multigrid

import (
	"errors"
	"fmt"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/parallel"
)

// lmgc runs the cycle on level lev. On entry ld.d holds the additive defect
// of the level; on exit ld.c holds the accumulated consistent correction and
// ld.d the updated defect.
func (c *Cycle) lmgc(lev int) error {
	ld := c.levels[lev]
	if lev == c.baseLev {
		return c.baseSolve(ld)
	}
	if err := c.smooth(ld, c.numPreSmooth); err != nil {
		return err
	}
	coarse := c.levels[lev-1]
	performed, work, err := c.restrict(ld, coarse)
	if err != nil {
		return err
	}
	if performed && work {
		visits := c.cycleType
		if lev-1 == c.baseLev {
			visits = 1
		}
		for i := 0; i < visits; i++ {
			if err := c.lmgc(lev - 1); err != nil {
				return err
			}
		}
	}
	if performed {
		if err := c.prolongate(ld, coarse); err != nil {
			return err
		}
	}
	return c.smooth(ld, c.numPostSmooth)
}

// collective reports errors that leave the processes out of step. Those
// abort the cycle; all others are recorded and the cycle runs on.
func collective(err error) bool {
	return errors.Is(err, parallel.ErrCollectiveMismatch) ||
		errors.Is(err, parallel.ErrDeadlock) ||
		errors.Is(err, parallel.ErrAborted)
}

// guard handles the outcome of one smoother or base solver call writing
// out. After the first local failure every later result is zeroed.
func (c *Cycle) guard(err error, out *algebra.Vector, what string, lev int) error {
	if err != nil {
		if collective(err) {
			return err
		}
		if c.failure == nil {
			c.failure = fmt.Errorf("%s on level %d: %w", what, lev, err)
		}
	}
	if c.failure != nil {
		out.Zero()
	}
	return nil
}

// smooth applies steps smoothing iterations, each followed by a defect
// update. On levels with ghosts the iterations run on the patch and only
// the final correction is carried back.
func (c *Cycle) smooth(ld *levelData, steps int) error {
	if steps == 0 {
		return nil
	}
	name := ld.smoother.Name()
	if !ld.hasGhosts() {
		for i := 0; i < steps; i++ {
			if err := c.guard(ld.smoother.Apply(ld.t, ld.d), ld.t, name, ld.lev); err != nil {
				return err
			}
			ld.addCorrection(ld.t)
		}
	} else {
		ld.copyDefectToPatch()
		ld.sc.Zero()
		for i := 0; i < steps; i++ {
			if err := c.guard(ld.smoother.Apply(ld.st, ld.sdef), ld.st, name, ld.lev); err != nil {
				return err
			}
			ld.sc.Add(ld.st)
			ld.sA.ApplySub(ld.sdef.Data(), ld.st.Data())
		}
		ld.sc.SetStorage(algebra.Consistent)
		ld.copyCorrectionFromPatch()
		ld.addCorrection(ld.t)
	}
	c.metrics.smoothed(ld.lev, steps)
	c.writeLevel("GMG_Def_Smoothed", ld.lev, ld.d)
	return nil
}

// restrict moves the defect of ld to the coarse level and gathers vertical
// copies onto their masters. performed is false when this process holds no
// coarse index; work reports whether it continues on the coarse level.
func (c *Cycle) restrict(ld, coarse *levelData) (performed, work bool, err error) {
	if coarse.numIndices() == 0 {
		return false, false, nil
	}
	if coarse.cs != nil {
		coarse.cs.CopyFrom(coarse.c)
	} else {
		coarse.c.Zero()
	}
	if err := ld.prolongation.Restrict(coarse.d, ld.d); err != nil {
		return false, false, fmt.Errorf("multigrid: restrict level %d: %w", ld.lev, err)
	}
	if coarse.sdPending {
		coarse.d.Add(coarse.sd)
		coarse.sdPending = false
	}
	work, err = parallel.GatherVertical(coarse.dd.Layouts(), coarse.d.Data())
	if err != nil {
		return true, false, fmt.Errorf("multigrid: restrict level %d: %w", ld.lev, err)
	}
	coarse.d.SetStorage(algebra.Additive)
	c.writeLevel("GMG_Def_Restricted", coarse.lev, coarse.d)
	return true, work, nil
}

// prolongate broadcasts the coarse correction to vertical copies and adds
// its interpolation to ld
func (c *Cycle) prolongate(ld, coarse *levelData) error {
	if err := parallel.BroadcastVertical(coarse.dd.Layouts(), coarse.c.Data()); err != nil {
		return fmt.Errorf("multigrid: prolongate level %d: %w", coarse.lev, err)
	}
	coarse.c.SetStorage(algebra.Consistent)
	x := coarse.c
	if coarse.cs != nil {
		x = coarse.t
		x.CopyFrom(coarse.c)
		x.Sub(coarse.cs)
	}
	if err := ld.prolongation.Prolongate(ld.t, x); err != nil {
		return fmt.Errorf("multigrid: prolongate level %d: %w", coarse.lev, err)
	}
	ld.t.SetStorage(algebra.Consistent)
	ld.addCorrection(ld.t)
	c.writeLevel("GMG_Cor_Prolongated", ld.lev, ld.t)
	return nil
}

// baseSolve corrects the base level. Without a parallel base solver every
// process solves its own part and the master copies decide shared values.
func (c *Cycle) baseSolve(ld *levelData) error {
	if !c.baseWork {
		return nil
	}
	if err := c.guard(c.baseSolver.Apply(ld.t, ld.d), ld.t, c.baseSolver.Name(), ld.lev); err != nil {
		return err
	}
	if l := ld.dd.Layouts(); !c.parallelBase && !l.Serial() {
		parallel.ZeroSlaves(l, ld.t.Data())
		ld.t.SetStorage(algebra.Additive | algebra.Unique)
		if err := ld.t.ChangeStorageType(algebra.Consistent); err != nil {
			return fmt.Errorf("multigrid: base correction: %w", err)
		}
	}
	ld.addCorrection(ld.t)
	c.metrics.baseSolve()
	c.writeLevel("GMG_Cor_Base", ld.lev, ld.t)
	return nil
}
