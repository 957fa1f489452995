package grid

import "fmt"

// Subsets used by generated hierarchies
const (
	InteriorSubset = 0
	BoundarySubset = 1
)

// LineHierarchy describes a uniformly refined interval [0,1] distributed over
// a process group. Levels below DistLevel live entirely on rank 0; from
// DistLevel on every cell belongs to the owner of its ancestor on the
// partition level. For DistLevel > 0, rank r != 0 keeps vertical slave copies
// of its ancestors on DistLevel-1, mastered by rank 0 where they are ghosts
// unless rank 0 refined them itself.
type LineHierarchy struct {
	Cells     int // cells on level 0
	Levels    int
	DistLevel int
	Owners    []int // owning rank per cell of PartitionLevel()
}

// PartitionLevel is the level whose cells are assigned to processes
func (lh LineHierarchy) PartitionLevel() int {
	if lh.DistLevel > 0 {
		return lh.DistLevel - 1
	}
	return 0
}

// NumPartitionCells is the number of cells on the partition level
func (lh LineHierarchy) NumPartitionCells() int { return lh.Cells << lh.PartitionLevel() }

func (lh LineHierarchy) validate(rank, size int) error {
	if lh.Cells <= 0 || lh.Levels <= 0 {
		return fmt.Errorf("need cells and levels, got %d cells on %d levels", lh.Cells, lh.Levels)
	}
	if rank < 0 || rank >= size {
		return fmt.Errorf("rank %d outside process group of size %d", rank, size)
	}
	if size == 1 {
		return nil
	}
	if lh.DistLevel < 0 || lh.DistLevel >= lh.Levels {
		return fmt.Errorf("distribution level %d outside [0,%d)", lh.DistLevel, lh.Levels)
	}
	if len(lh.Owners) != lh.NumPartitionCells() {
		return fmt.Errorf("%d owners for %d partition cells", len(lh.Owners), lh.NumPartitionCells())
	}
	for c, o := range lh.Owners {
		if o < 0 || o >= size {
			return fmt.Errorf("cell %d owned by rank %d outside [0,%d)", c, o, size)
		}
	}
	return nil
}

// owner returns the rank owning edge j on level l, -1 below the partition level
func (lh LineHierarchy) owner(l, j int) int {
	p := lh.PartitionLevel()
	if l < p {
		return -1
	}
	return lh.Owners[j>>(l-p)]
}

// holds reports whether rank keeps edge j of level l
func (lh LineHierarchy) holds(rank, size, l, j int) bool {
	if size == 1 {
		return true
	}
	d := lh.DistLevel
	switch {
	case d > 0 && l < d-1:
		return rank == 0
	case d > 0 && l == d-1:
		return rank == 0 || lh.owner(l, j) == rank
	default:
		return lh.owner(l, j) == rank
	}
}

// Build creates the part of the hierarchy held by rank
func (lh LineHierarchy) Build(rank, size int) (*MultiGrid, error) {
	if err := lh.validate(rank, size); err != nil {
		return nil, fmt.Errorf("line hierarchy: %w", err)
	}
	mg := NewMultiGrid(2)

	var prevV, prevE []ID
	for l := 0; l < lh.Levels; l++ {
		// coarser levels live on rank 0 only, so other ranks start their
		// hierarchy with root entities on the partition level
		root := size > 1 && rank != 0 && l == lh.PartitionLevel()
		nE := lh.Cells << l
		nV := nE + 1
		vids := make([]ID, nV)
		eids := make([]ID, nE)
		for i := range vids {
			vids[i] = None
		}
		for j := range eids {
			eids[j] = None
		}

		needV := make([]bool, nV)
		for j := 0; j < nE; j++ {
			if lh.holds(rank, size, l, j) {
				needV[j], needV[j+1] = true, true
			}
		}

		for i := 0; i < nV; i++ {
			if !needV[i] {
				continue
			}
			e := Entity{Kind: Vertex, Level: l, Parent: None}
			if i == 0 || i == nV-1 {
				e.Subset = BoundarySubset
			}
			if l > 0 && !root {
				if i%2 == 0 {
					e.Parent, e.Copy = prevV[i/2], true
				} else {
					e.Parent = prevE[(i-1)/2]
				}
				if e.Parent == None {
					return nil, fmt.Errorf("line hierarchy: rank %d lacks parent of vertex %d on level %d", rank, i, l)
				}
			}
			id, err := mg.Create(e)
			if err != nil {
				return nil, fmt.Errorf("line hierarchy: %w", err)
			}
			mg.SetCoords(id, float64(i)/float64(nE))
			vids[i] = id
		}

		for j := 0; j < nE; j++ {
			if !lh.holds(rank, size, l, j) {
				continue
			}
			e := Entity{Kind: Edge, Level: l, Parent: None, Vertices: []ID{vids[j], vids[j+1]}}
			if l > 0 && !root {
				e.Parent = prevE[j/2]
				if e.Parent == None {
					return nil, fmt.Errorf("line hierarchy: rank %d lacks parent of edge %d on level %d", rank, j, l)
				}
			}
			id, err := mg.Create(e)
			if err != nil {
				return nil, fmt.Errorf("line hierarchy: %w", err)
			}
			eids[j] = id
		}

		if size > 1 {
			lh.addInterfaces(mg, rank, size, l, vids, eids)
		}
		prevV, prevE = vids, eids
	}

	if size > 1 && rank == 0 && lh.DistLevel > 0 {
		for _, ids := range mg.Interfaces(VMaster, lh.DistLevel-1) {
			for _, id := range ids {
				if !mg.HasChildren(id) {
					mg.SetGhost(id, true)
				}
			}
		}
	}
	return mg, nil
}

func (lh LineHierarchy) addInterfaces(mg *MultiGrid, rank, size, l int, vids, eids []ID) {
	d := lh.DistLevel
	if l >= d {
		for i := 1; i < len(vids)-1; i++ {
			left, right := lh.owner(l, i-1), lh.owner(l, i)
			if left == right {
				continue
			}
			lo, hi := min(left, right), max(left, right)
			switch rank {
			case lo:
				mg.AddInterface(HMaster, l, hi, vids[i])
			case hi:
				mg.AddInterface(HSlave, l, lo, vids[i])
			}
		}
	}
	if d == 0 || l != d-1 {
		return
	}
	for r := 1; r < size; r++ {
		if rank != 0 && rank != r {
			continue
		}
		var shared []ID
		for i := range vids {
			if (i > 0 && lh.owner(l, i-1) == r) || (i < len(eids) && lh.owner(l, i) == r) {
				shared = append(shared, vids[i])
			}
		}
		for j := range eids {
			if lh.owner(l, j) == r {
				shared = append(shared, eids[j])
			}
		}
		if len(shared) == 0 {
			continue
		}
		if rank == 0 {
			mg.AddInterface(VMaster, l, r, shared...)
		} else {
			mg.AddInterface(VSlave, l, 0, shared...)
		}
	}
}
