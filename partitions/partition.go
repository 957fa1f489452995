package partitions

import (
	"fmt"
)

// Partition is the set of coarse cells assigned to one process
type Partition struct {
	ID int

	Cells    []int // Global cell indices in this partition
	NumCells int
}

// PartitionLayout manages the decomposition of a coarse level onto processes
type PartitionLayout struct {
	Partitions []Partition

	MaxCells      int // max(NumCells) across all partitions
	TotalCells    int
	NumPartitions int

	// Cell to partition mapping
	CToP []int // Length TotalCells: cell k belongs to partition CToP[k]
}

// GetPartition returns the partition containing cell k
func (pl *PartitionLayout) GetPartition(cellID int) int {
	if cellID < 0 || cellID >= len(pl.CToP) {
		return -1
	}
	return pl.CToP[cellID]
}

// Owners returns the cell to partition map as rank ownership
func (pl *PartitionLayout) Owners() []int {
	owners := make([]int, len(pl.CToP))
	copy(owners, pl.CToP)
	return owners
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.CToP) != pl.TotalCells {
		return fmt.Errorf("CToP length %d != TotalCells %d", len(pl.CToP), pl.TotalCells)
	}
	if len(pl.Partitions) != pl.NumPartitions {
		return fmt.Errorf("%d partitions stored, NumPartitions is %d",
			len(pl.Partitions), pl.NumPartitions)
	}

	seen := make([]bool, pl.TotalCells)
	actualMax := 0
	for _, p := range pl.Partitions {
		if p.NumCells != len(p.Cells) {
			return fmt.Errorf("partition %d: NumCells %d != len(Cells) %d",
				p.ID, p.NumCells, len(p.Cells))
		}
		if p.NumCells > actualMax {
			actualMax = p.NumCells
		}
		for _, c := range p.Cells {
			if c < 0 || c >= pl.TotalCells {
				return fmt.Errorf("partition %d: cell %d out of range", p.ID, c)
			}
			if seen[c] {
				return fmt.Errorf("cell %d assigned twice", c)
			}
			if pl.CToP[c] != p.ID {
				return fmt.Errorf("cell %d listed in partition %d but CToP says %d",
					c, p.ID, pl.CToP[c])
			}
			seen[c] = true
		}
	}
	for c, ok := range seen {
		if !ok {
			return fmt.Errorf("cell %d not assigned to any partition", c)
		}
	}
	if actualMax != pl.MaxCells {
		return fmt.Errorf("computed MaxCells %d != stored MaxCells %d",
			actualMax, pl.MaxCells)
	}
	return nil
}

// EdgeCut counts graph edges joining cells of different partitions
func (pl *PartitionLayout) EdgeCut(g *CellGraph) int {
	cut := 0
	for c, nbrs := range g.Adjacency {
		for _, n := range nbrs {
			if n > c && pl.CToP[n] != pl.CToP[c] {
				cut++
			}
		}
	}
	return cut
}
