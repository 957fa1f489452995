package parallel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComm_Reductions(t *testing.T) {
	w := NewWorld(4)
	sums := make([]float64, 4)
	maxes := make([]float64, 4)
	ands := make([]bool, 4)
	err := w.Run(context.Background(), func(_ context.Context, c *Comm) error {
		var err error
		r := float64(c.Rank())
		if sums[c.Rank()], err = c.AllReduceSum(r); err != nil {
			return err
		}
		if maxes[c.Rank()], err = c.AllReduceMax(r); err != nil {
			return err
		}
		if ands[c.Rank()], err = c.AllReduceAnd(c.Rank() != 2); err != nil {
			return err
		}
		return c.Barrier()
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 6, 6, 6}, sums)
	assert.Equal(t, []float64{3, 3, 3, 3}, maxes)
	assert.Equal(t, []bool{false, false, false, false}, ands)
}

func TestComm_SubComm(t *testing.T) {
	w := NewWorld(3)
	sizes := make([]int, 3)
	sums := make([]float64, 3)
	err := w.Run(context.Background(), func(_ context.Context, c *Comm) error {
		sub, err := c.SubComm(c.Rank() != 1)
		if err != nil {
			return err
		}
		if sub != nil {
			sizes[c.Rank()] = sub.Size()
			if sums[c.Rank()], err = sub.AllReduceSum(float64(c.Rank())); err != nil {
				return err
			}
		}
		_, err = c.AllReduceSum(1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 2}, sizes)
	assert.Equal(t, []float64{2, 0, 2}, sums)
}

func TestComm_DetectsMismatchAndDeadlock(t *testing.T) {
	w := NewWorld(2, WithTimeout(20*time.Millisecond))
	c0, c1 := w.Comm(0), w.Comm(1)

	require.NoError(t, c0.Send(1, TagUser, []float64{1}))
	_, err := c1.Recv(0, TagUser+1)
	assert.True(t, errors.Is(err, ErrCollectiveMismatch))

	_, err = c1.Recv(0, TagUser)
	assert.True(t, errors.Is(err, ErrDeadlock))
}

func TestWorld_RunAbortsBlockedPeers(t *testing.T) {
	w := NewWorld(2)
	boom := errors.New("boom")
	err := w.Run(context.Background(), func(_ context.Context, c *Comm) error {
		if c.Rank() == 0 {
			return boom
		}
		_, err := c.Recv(0, TagUser)
		return err
	})
	assert.True(t, errors.Is(err, boom) || errors.Is(err, ErrAborted))
}

func TestExchange_HorizontalAndVertical(t *testing.T) {
	w := NewWorld(3)
	results := make([][]float64, 3)
	keep := make([]bool, 3)
	err := w.Run(context.Background(), func(_ context.Context, c *Comm) error {
		l := NewLayouts(c)
		if c.Rank() == 0 {
			l.Master.Add(1, 0)
			l.Master.Add(2, 0)
			l.VMaster.Add(1, 1)
		} else {
			l.Slave.Add(0, 0)
		}
		if c.Rank() == 1 {
			l.VSlave.Add(0, 1)
		}
		if err := l.CheckSymmetry(); err != nil {
			return err
		}

		x := []float64{float64(c.Rank() + 1), 10}
		if err := AddSlavesToMaster(l, x); err != nil {
			return err
		}
		if err := CopyMasterToSlaves(l, x); err != nil {
			return err
		}
		var err error
		if keep[c.Rank()], err = GatherVertical(l, x); err != nil {
			return err
		}
		if c.Rank() == 1 && x[1] != 0 {
			return errors.New("vertical slave not cleared")
		}
		if err := BroadcastVertical(l, x); err != nil {
			return err
		}
		results[c.Rank()] = x
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, keep)
	assert.Equal(t, []float64{6, 20}, results[0])
	assert.Equal(t, []float64{6, 20}, results[1])
	assert.Equal(t, []float64{6, 10}, results[2])
}

func TestLayouts_CheckSymmetryRejectsMismatch(t *testing.T) {
	w := NewWorld(2)
	errs := make([]error, 2)
	err := w.Run(context.Background(), func(_ context.Context, c *Comm) error {
		l := NewLayouts(c)
		if c.Rank() == 0 {
			l.Master.Add(1, 0, 1)
		} else {
			l.Slave.Add(0, 0)
		}
		errs[c.Rank()] = l.CheckSymmetry()
		return nil
	})
	require.NoError(t, err)
	assert.Error(t, errs[0])
	assert.Error(t, errs[1])
}

func TestIndexLayout_Restrict(t *testing.T) {
	l := NewIndexLayout()
	l.Add(1, 0, 3, 5)
	l.Add(2, 4)
	r := l.Restrict(map[int]int{0: 0, 5: 2})
	assert.Equal(t, []int{1}, r.Peers())
	assert.Equal(t, []int{0, 2}, r.Interface(1))
	assert.Equal(t, 4, l.Len())
	assert.True(t, (*IndexLayout)(nil).Empty())
}
