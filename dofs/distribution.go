package dofs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/notargets/GMG/grid"
	"github.com/notargets/GMG/parallel"
)

var (
	// ErrInvariantViolation reports a corrupted index ledger. The
	// distribution stays poisoned and returns it from every later mutation.
	ErrInvariantViolation = errors.New("index ledger invariant violated")
	// ErrRedistributionPending rejects compaction while the grid is being
	// redistributed
	ErrRedistributionPending = errors.New("grid redistribution in progress")
	// ErrNotDefragmented rejects a permutation of an index set with holes
	ErrNotDefragmented = errors.New("index set has holes")
)

// LevelType distinguishes a single grid level from a surface view
type LevelType uint8

const (
	GridLevelType LevelType = iota
	SurfaceType
)

// TopLevel selects the finest level that currently exists
const TopLevel = -1

// GridLevel names the entity set a distribution indexes
type GridLevel struct {
	Level int
	Type  LevelType
}

func (gl GridLevel) String() string {
	lev := fmt.Sprint(gl.Level)
	if gl.Level == TopLevel {
		lev = "top"
	}
	if gl.Type == SurfaceType {
		return "surface(" + lev + ")"
	}
	return "level(" + lev + ")"
}

// Replacement records that the value at index Old moves to index New
type Replacement struct {
	Old, New int
}

// ManagedValues is per-index data that must follow index set changes
type ManagedValues interface {
	Resize(n int)
	CopyValues(from, to []int)
	Permute(newIndex []int)
}

// Distribution maps the entities of one grid level, or of a surface view,
// onto a dense index range and keeps that map valid while the grid changes
type Distribution struct {
	mg     *grid.MultiGrid
	info   *DoFInfo
	gl     GridLevel
	world  *parallel.Comm
	logger *slog.Logger

	index   []int // per entity ID
	ledger  Ledger
	layouts *parallel.Layouts
	managed []ManagedValues

	redistribute bool
	revision     uint64
	err          error
}

// Option configures a Distribution or a Space
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes diagnostics to logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewDistribution indexes the entities selected by gl and builds the
// parallel layouts. Collective over world; world may be nil for serial use.
func NewDistribution(mg *grid.MultiGrid, info *DoFInfo, gl GridLevel, world *parallel.Comm,
	opts ...Option) (*Distribution, error) {
	d := newDistribution(mg, info, gl, world, newOptions(opts))
	d.reindex()
	if err := d.CreateLayouts(); err != nil {
		return nil, err
	}
	return d, nil
}

func newDistribution(mg *grid.MultiGrid, info *DoFInfo, gl GridLevel, world *parallel.Comm,
	o options) *Distribution {
	if info.NumSubsets() < mg.NumSubsets() {
		panic(fmt.Sprintf("dofs: DoF info covers %d subsets, grid has %d",
			info.NumSubsets(), mg.NumSubsets()))
	}
	return &Distribution{
		mg:      mg,
		info:    info,
		gl:      gl,
		world:   world,
		logger:  o.logger.With("dd", gl.String()),
		ledger:  newLedger(info.NumSubsets()),
		layouts: parallel.NewLayouts(world),
	}
}

func (d *Distribution) GridLevel() GridLevel         { return d.gl }
func (d *Distribution) Grid() *grid.MultiGrid        { return d.mg }
func (d *Distribution) Info() *DoFInfo               { return d.info }
func (d *Distribution) Layouts() *parallel.Layouts   { return d.layouts }
func (d *Distribution) Ledger() *Ledger              { return &d.ledger }
func (d *Distribution) NumIndices() int              { return d.ledger.numIndex }
func (d *Distribution) SizeIndexSet() int            { return d.ledger.sizeIndexSet }
func (d *Distribution) NumIndicesInSubset(s int) int { return d.ledger.subsetCount[s] }

// Revision changes whenever any index changes
func (d *Distribution) Revision() uint64 { return d.revision }

// Err returns the poisoning error, if any
func (d *Distribution) Err() error { return d.err }

// MarkRedistribute requests a rebuild at the next Defragment
func (d *Distribution) MarkRedistribute() { d.redistribute = true }

// Manage registers per-index data following index changes
func (d *Distribution) Manage(m ManagedValues) {
	d.managed = append(d.managed, m)
	m.Resize(d.ledger.sizeIndexSet)
}

// Unmanage stops tracking m
func (d *Distribution) Unmanage(m ManagedValues) {
	for i, v := range d.managed {
		if v == m {
			d.managed = append(d.managed[:i], d.managed[i+1:]...)
			return
		}
	}
}

// Index returns the first index of id, NotYetAssigned if it holds none
func (d *Distribution) Index(id grid.ID) int {
	if int(id) >= len(d.index) || id < 0 {
		return NotYetAssigned
	}
	return d.index[id]
}

// Multiplicity is the number of indices id occupies
func (d *Distribution) Multiplicity(id grid.ID) int {
	return d.info.Multiplicity(d.mg.Kind(id), d.mg.Subset(id))
}

func (d *Distribution) topLevel() int {
	if d.gl.Level == TopLevel {
		return d.mg.NumLevels() - 1
	}
	return d.gl.Level
}

// Contains reports whether id belongs to the indexed entity set
func (d *Distribution) Contains(id grid.ID) bool {
	if !d.mg.Alive(id) {
		return false
	}
	lev := d.mg.Level(id)
	if d.gl.Type == GridLevelType {
		return lev == d.gl.Level
	}
	top := d.topLevel()
	if lev > top || d.mg.IsGhost(id) {
		return false
	}
	return lev == top || !d.mg.HasChildren(id)
}

// Entities lists the indexed entities in ascending index order. Surface
// shadows sharing an index with their copy are not listed.
func (d *Distribution) Entities() []grid.ID {
	var ids []grid.ID
	for i, idx := range d.index {
		if idx != NotYetAssigned && d.Contains(grid.ID(i)) {
			ids = append(ids, grid.ID(i))
		}
	}
	sort.SliceStable(ids, func(a, b int) bool { return d.index[ids[a]] < d.index[ids[b]] })
	return ids
}

func (d *Distribution) candidates(kind grid.Kind) []grid.ID {
	if d.gl.Type == GridLevelType {
		return d.mg.Entities(kind, d.gl.Level, grid.AnySubset)
	}
	return d.mg.Entities(kind, grid.AnyLevel, grid.AnySubset)
}

func (d *Distribution) ensure() {
	for len(d.index) < d.mg.Len() {
		d.index = append(d.index, NotYetAssigned)
	}
}

func (d *Distribution) poison(err error) error {
	d.err = fmt.Errorf("distribution %v: %w: %w", d.gl, ErrInvariantViolation, err)
	d.logger.Error("index ledger corrupted", "err", err)
	return d.err
}

// take gives id a fresh index unless it already holds one or carries no DoFs
func (d *Distribution) take(id grid.ID) {
	d.ensure()
	if d.index[id] != NotYetAssigned {
		return
	}
	m := d.Multiplicity(id)
	if m == 0 {
		return
	}
	d.index[id] = d.ledger.take(m, d.mg.Subset(id))
	d.revision++
	d.propagate(id)
}

func (d *Distribution) assign(id grid.ID) {
	if d.Contains(id) {
		d.take(id)
	}
}

// propagate hands the index of a surface entity down its copy chain, which
// stops at the first ancestor already holding an index
func (d *Distribution) propagate(id grid.ID) {
	if d.gl.Type != SurfaceType {
		return
	}
	idx := d.index[id]
	for q := d.mg.ParentIfCopy(id); q != grid.None && d.index[q] == NotYetAssigned; q = d.mg.ParentIfCopy(q) {
		d.index[q] = idx
	}
}

// release turns the index of id into a hole and clears the copy ancestors
// sharing it
func (d *Distribution) release(id grid.ID) {
	idx := d.index[id]
	if idx == NotYetAssigned {
		return
	}
	d.ledger.release(idx, d.Multiplicity(id), d.mg.Subset(id))
	d.index[id] = NotYetAssigned
	if d.gl.Type == SurfaceType {
		for q := d.mg.ParentIfCopy(id); q != grid.None && d.index[q] == idx; q = d.mg.ParentIfCopy(q) {
			d.index[q] = NotYetAssigned
		}
	}
	d.revision++
}

func (d *Distribution) sharedWithCopyChild(id grid.ID) bool {
	for _, c := range d.mg.Children(id) {
		if d.mg.ParentIfCopy(c) == id && d.index[c] == d.index[id] {
			return true
		}
	}
	return false
}

// Add assigns the next free index to id. Entities without DoFs are left
// unassigned.
func (d *Distribution) Add(id grid.ID) error {
	if d.err != nil {
		return d.err
	}
	if !d.Contains(id) {
		return fmt.Errorf("add: entity %d is not part of %v", id, d.gl)
	}
	d.take(id)
	return nil
}

// Erase turns the index of id into a hole without compaction
func (d *Distribution) Erase(id grid.ID) error {
	if d.err != nil {
		return d.err
	}
	d.ensure()
	d.release(id)
	return nil
}

// Copy lets dst inherit the index of src as its stand-in. An index dst held
// before becomes a hole. src keeps sharing the index until it is erased with
// dst as replacement.
func (d *Distribution) Copy(dst, src grid.ID) error {
	if d.err != nil {
		return d.err
	}
	d.ensure()
	idx := d.index[src]
	if idx == NotYetAssigned {
		return fmt.Errorf("copy: entity %d holds no index in %v", src, d.gl)
	}
	if m, n := d.Multiplicity(dst), d.Multiplicity(src); m != n {
		return fmt.Errorf("copy: entity %d needs %d indices, entity %d holds %d", dst, m, src, n)
	}
	if d.index[dst] == idx {
		return nil
	}
	d.release(dst)
	d.index[dst] = idx
	d.revision++
	return nil
}

// reindex clears all indices and assigns them again in creation order
func (d *Distribution) reindex() {
	d.ensure()
	for i := range d.index {
		d.index[i] = NotYetAssigned
	}
	d.ledger.reset()
	for _, k := range grid.Kinds {
		for _, id := range d.candidates(k) {
			d.assign(id)
		}
	}
	d.revision++
}

// Defragment closes all holes. Values of managed data move along the
// returned replacements and are then cut to NumIndices. If a redistribution
// was flagged, the index set is rebuilt instead. Collective: layouts are
// recreated.
func (d *Distribution) Defragment() ([]Replacement, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.mg.Redistributing() {
		return nil, fmt.Errorf("defragment %v: %w", d.gl, ErrRedistributionPending)
	}
	if d.redistribute {
		d.logger.Debug("rebuilding instead of defragmenting")
		return d.Rebuild(true)
	}
	if err := d.ledger.check(); err != nil {
		return nil, d.poison(err)
	}

	n := d.ledger.numIndex
	holes := make(map[int][]int)
	for m, starts := range d.ledger.free {
		for _, s := range starts {
			if s < n {
				holes[m] = append(holes[m], s)
			}
		}
	}

	var pairs []Replacement
	remap := make(map[int]int)
	for _, id := range d.Entities() {
		idx := d.index[id]
		if idx < n {
			continue
		}
		m := d.Multiplicity(id)
		h := holes[m]
		if len(h) == 0 {
			return nil, d.poison(fmt.Errorf("index %d beyond live count %d finds no hole of size %d", idx, n, m))
		}
		holes[m] = h[1:]
		remap[idx] = h[0]
		for k := 0; k < m; k++ {
			pairs = append(pairs, Replacement{Old: idx + k, New: h[0] + k})
		}
	}
	for _, h := range holes {
		if len(h) > 0 {
			return nil, d.poison(fmt.Errorf("free index %d below live count %d after compaction", h[0], n))
		}
	}
	for id, idx := range d.index {
		if nw, ok := remap[idx]; ok {
			d.index[id] = nw
		}
	}

	changed := len(pairs) > 0 || d.ledger.sizeIndexSet != n
	d.ledger.sizeIndexSet -= d.ledger.NumFree()
	clear(d.ledger.free)
	if d.ledger.numIndex != d.ledger.sizeIndexSet {
		return nil, d.poison(fmt.Errorf("live count %d != index set size %d after compaction",
			d.ledger.numIndex, d.ledger.sizeIndexSet))
	}
	if changed {
		d.revision++
	}
	d.moveManaged(pairs, true)
	d.logger.Debug("defragmented", "moved", len(pairs), "numIndex", n)

	if err := d.CreateLayouts(); err != nil {
		return pairs, err
	}
	return pairs, nil
}

// Rebuild reassigns every index from scratch. With keepValues, managed data
// follows the returned old to new pairs; otherwise it is zeroed. Collective.
func (d *Distribution) Rebuild(keepValues bool) ([]Replacement, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.mg.Redistributing() {
		return nil, fmt.Errorf("rebuild %v: %w", d.gl, ErrRedistributionPending)
	}
	d.ensure()
	old := make([]int, len(d.index))
	copy(old, d.index)

	d.reindex()
	d.redistribute = false

	var pairs []Replacement
	for _, id := range d.Entities() {
		if o := old[id]; o != NotYetAssigned {
			for k := 0; k < d.Multiplicity(id); k++ {
				pairs = append(pairs, Replacement{Old: o + k, New: d.index[id] + k})
			}
		}
	}
	d.moveManaged(pairs, keepValues)
	d.logger.Debug("rebuilt", "numIndex", d.ledger.numIndex, "kept", keepValues)

	if err := d.CreateLayouts(); err != nil {
		return pairs, err
	}
	return pairs, nil
}

func (d *Distribution) moveManaged(pairs []Replacement, keepValues bool) {
	from := make([]int, len(pairs))
	to := make([]int, len(pairs))
	for i, p := range pairs {
		from[i], to[i] = p.Old, p.New
	}
	for _, m := range d.managed {
		if keepValues {
			m.CopyValues(from, to)
		} else {
			m.Resize(0)
		}
		m.Resize(d.ledger.sizeIndexSet)
	}
}

// PermuteIndices renumbers index i to newIndex[i]. The index set must be
// free of holes. Collective: layouts are recreated.
func (d *Distribution) PermuteIndices(newIndex []int) error {
	if d.err != nil {
		return d.err
	}
	if d.ledger.NumFree() > 0 {
		return fmt.Errorf("permute %v: %w", d.gl, ErrNotDefragmented)
	}
	if len(newIndex) != d.ledger.sizeIndexSet {
		return fmt.Errorf("permute %v: %d new indices for %d", d.gl, len(newIndex), d.ledger.sizeIndexSet)
	}
	seen := make([]bool, len(newIndex))
	for _, j := range newIndex {
		if j < 0 || j >= len(newIndex) || seen[j] {
			return fmt.Errorf("permute %v: not a permutation", d.gl)
		}
		seen[j] = true
	}
	for _, id := range d.Entities() {
		idx, m := d.index[id], d.Multiplicity(id)
		for k := 1; k < m; k++ {
			if newIndex[idx+k] != newIndex[idx]+k {
				return fmt.Errorf("permute %v: splits the index block of entity %d", d.gl, id)
			}
		}
	}
	for id, idx := range d.index {
		if idx != NotYetAssigned {
			d.index[id] = newIndex[idx]
		}
	}
	for _, m := range d.managed {
		m.Permute(newIndex)
	}
	d.revision++
	return d.CreateLayouts()
}

// Connections returns, for every index, the sorted indices sharing a cell
// with it, itself included
func (d *Distribution) Connections() [][]int {
	n := d.ledger.sizeIndexSet
	adj := make([]map[int]bool, n)
	for i := range adj {
		adj[i] = map[int]bool{}
	}
	indices := func(id grid.ID, out []int) []int {
		if idx := d.Index(id); idx != NotYetAssigned {
			for k := 0; k < d.Multiplicity(id); k++ {
				out = append(out, idx+k)
			}
		}
		return out
	}
	for _, id := range d.Entities() {
		for _, i := range indices(id, nil) {
			adj[i][i] = true
		}
	}
	for _, k := range grid.Kinds[1:] {
		for _, id := range d.candidates(k) {
			if !d.Contains(id) {
				continue
			}
			idx := indices(id, nil)
			for _, v := range d.mg.Vertices(id) {
				idx = indices(v, idx)
			}
			for _, a := range idx {
				for _, b := range idx {
					adj[a][b] = true
				}
			}
		}
	}
	conn := make([][]int, n)
	for i, set := range adj {
		for j := range set {
			conn[i] = append(conn[i], j)
		}
		sort.Ints(conn[i])
	}
	return conn
}

// CheckIndices verifies that indexed entities hold distinct indices inside
// the index set, none of them free, and that they account for NumIndices
func (d *Distribution) CheckIndices() error {
	if err := d.ledger.check(); err != nil {
		return err
	}
	used := make(map[int]grid.ID)
	count := 0
	for _, id := range d.Entities() {
		idx := d.index[id]
		m := d.Multiplicity(id)
		for k := 0; k < m; k++ {
			if other, dup := used[idx+k]; dup {
				return fmt.Errorf("entities %d and %d share index %d", other, id, idx+k)
			}
			if idx+k >= d.ledger.sizeIndexSet {
				return fmt.Errorf("entity %d index %d outside index set of size %d", id, idx+k, d.ledger.sizeIndexSet)
			}
			used[idx+k] = id
		}
		count += m
	}
	for _, starts := range d.ledger.free {
		for _, s := range starts {
			if id, ok := used[s]; ok {
				return fmt.Errorf("free index %d still held by entity %d", s, id)
			}
		}
	}
	if count != d.ledger.numIndex {
		return fmt.Errorf("%d indexed slots, ledger counts %d", count, d.ledger.numIndex)
	}
	return nil
}
