package parallel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrCollectiveMismatch reports a receive that matched a message of a
	// different collective or communicator
	ErrCollectiveMismatch = errors.New("collective mismatch")
	// ErrDeadlock reports a receive that exceeded the world timeout
	ErrDeadlock = errors.New("receive timed out")
	// ErrAborted reports that a peer rank failed while this rank waited
	ErrAborted = errors.New("process group aborted")
)

// Message tags, one per collective family
const (
	TagReduce = iota + 1
	TagBroadcast
	TagGather
	TagSubComm
	TagInterface
	TagVertical
	TagUser = 100
)

const channelDepth = 256

type packet struct {
	comm uint64
	tag  int
	data []float64
}

// World is a fixed-size process group. Every rank is a goroutine; ranks
// communicate through one buffered channel per ordered rank pair.
type World struct {
	size    int
	chans   [][]chan packet // [from][to]
	timeout time.Duration

	abortOnce sync.Once
	abort     chan struct{}
}

// Option configures a World
type Option func(*World)

// WithTimeout turns receives blocked longer than d into ErrDeadlock
func WithTimeout(d time.Duration) Option {
	return func(w *World) { w.timeout = d }
}

// NewWorld creates a process group of size ranks
func NewWorld(size int, opts ...Option) *World {
	if size < 1 {
		panic(fmt.Sprintf("parallel: world size must be positive, got %d", size))
	}
	w := &World{size: size, abort: make(chan struct{})}
	w.chans = make([][]chan packet, size)
	for from := range w.chans {
		w.chans[from] = make([]chan packet, size)
		for to := range w.chans[from] {
			w.chans[from][to] = make(chan packet, channelDepth)
		}
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *World) Size() int { return w.size }

// Comm returns the world communicator as seen by rank
func (w *World) Comm(rank int) *Comm {
	ranks := make([]int, w.size)
	for i := range ranks {
		ranks[i] = i
	}
	return &Comm{world: w, ranks: ranks, rank: rank}
}

// Abort wakes every rank blocked in a receive with ErrAborted
func (w *World) Abort() {
	w.abortOnce.Do(func() { close(w.abort) })
}

// Run executes fn once per rank and waits for all of them. The first failing
// rank aborts the group so that its peers do not block forever.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, c *Comm) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	for r := 0; r < w.size; r++ {
		g.Go(func() error {
			if err := fn(gCtx, w.Comm(r)); err != nil {
				w.Abort()
				return fmt.Errorf("rank %d: %w", r, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Comm is one rank's handle on a communicator, a subset of the world ranks
type Comm struct {
	world *World
	id    uint64
	ranks []int // world rank of each member
	rank  int   // own position in ranks
	seq   uint64
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return len(c.ranks) }

// WorldRank translates a member rank into its world rank
func (c *Comm) WorldRank(r int) int { return c.ranks[r] }

// World returns the communicator of all processes as seen by this rank
func (c *Comm) World() *Comm { return c.world.Comm(c.ranks[c.rank]) }

// Send posts data to member rank to. The payload is copied.
func (c *Comm) Send(to, tag int, data []float64) error {
	buf := make([]float64, len(data))
	copy(buf, data)
	ch := c.world.chans[c.ranks[c.rank]][c.ranks[to]]
	select {
	case ch <- packet{comm: c.id, tag: tag, data: buf}:
		return nil
	case <-c.world.abort:
		return ErrAborted
	}
}

// Recv waits for the next message from member rank from and checks that it
// belongs to the expected collective
func (c *Comm) Recv(from, tag int) ([]float64, error) {
	ch := c.world.chans[c.ranks[from]][c.ranks[c.rank]]
	var timeout <-chan time.Time
	if c.world.timeout > 0 {
		timer := time.NewTimer(c.world.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case pk := <-ch:
		if pk.comm != c.id || pk.tag != tag {
			return nil, fmt.Errorf("rank %d from %d: got tag %d on comm %x, want tag %d on comm %x: %w",
				c.ranks[c.rank], c.ranks[from], pk.tag, pk.comm, tag, c.id, ErrCollectiveMismatch)
		}
		return pk.data, nil
	case <-timeout:
		return nil, fmt.Errorf("rank %d waiting on %d for tag %d: %w",
			c.ranks[c.rank], c.ranks[from], tag, ErrDeadlock)
	case <-c.world.abort:
		return nil, ErrAborted
	}
}

// AllGather concatenates equally sized contributions of all members in rank
// order
func (c *Comm) AllGather(vals []float64) ([]float64, error) {
	n := len(vals)
	if c.Size() == 1 {
		out := make([]float64, n)
		copy(out, vals)
		return out, nil
	}
	if c.rank != 0 {
		if err := c.Send(0, TagGather, vals); err != nil {
			return nil, err
		}
		return c.Recv(0, TagBroadcast)
	}
	out := make([]float64, n*c.Size())
	copy(out, vals)
	for r := 1; r < c.Size(); r++ {
		part, err := c.Recv(r, TagGather)
		if err != nil {
			return nil, err
		}
		if len(part) != n {
			return nil, fmt.Errorf("all-gather: rank %d sent %d values, want %d: %w",
				r, len(part), n, ErrCollectiveMismatch)
		}
		copy(out[r*n:], part)
	}
	for r := 1; r < c.Size(); r++ {
		if err := c.Send(r, TagBroadcast, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Comm) allReduce(vals []float64, op func(a, b float64) float64) ([]float64, error) {
	all, err := c.AllGather(vals)
	if err != nil {
		return nil, err
	}
	n := len(vals)
	out := make([]float64, n)
	copy(out, all[:n])
	for r := 1; r < c.Size(); r++ {
		for i := range out {
			out[i] = op(out[i], all[r*n+i])
		}
	}
	return out, nil
}

// AllReduceSumVec sums vals component-wise over all members
func (c *Comm) AllReduceSumVec(vals []float64) ([]float64, error) {
	return c.allReduce(vals, func(a, b float64) float64 { return a + b })
}

func (c *Comm) AllReduceSum(x float64) (float64, error) {
	out, err := c.AllReduceSumVec([]float64{x})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

func (c *Comm) AllReduceMax(x float64) (float64, error) {
	out, err := c.allReduce([]float64{x}, func(a, b float64) float64 { return max(a, b) })
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// AllReduceAnd is true iff b is true on every member
func (c *Comm) AllReduceAnd(b bool) (bool, error) {
	v := 0.0
	if b {
		v = 1
	}
	out, err := c.allReduce([]float64{v}, func(a, b float64) float64 { return min(a, b) })
	if err != nil {
		return false, err
	}
	return out[0] == 1, nil
}

func (c *Comm) Barrier() error {
	_, err := c.AllGather(nil)
	return err
}

// SubComm creates a communicator of the members passing participate=true.
// It is collective over c; non-participants receive nil.
func (c *Comm) SubComm(participate bool) (*Comm, error) {
	flag := 0.0
	if participate {
		flag = 1
	}
	flags, err := c.AllGather([]float64{flag})
	if err != nil {
		return nil, fmt.Errorf("sub-communicator: %w", err)
	}
	c.seq++
	if !participate {
		return nil, nil
	}

	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], c.id)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], c.seq)
	h.Write(buf[:])

	sub := &Comm{world: c.world}
	for r, f := range flags {
		if f != 1 {
			continue
		}
		if r == c.rank {
			sub.rank = len(sub.ranks)
		}
		sub.ranks = append(sub.ranks, c.ranks[r])
		binary.LittleEndian.PutUint64(buf[:], uint64(c.ranks[r]))
		h.Write(buf[:])
	}
	sub.id = h.Sum64()
	return sub, nil
}
