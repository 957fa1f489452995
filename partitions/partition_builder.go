package partitions

import (
	"fmt"
	"math"
	"strings"
)

// PartitionBuilder constructs partitions from cell connectivity
type PartitionBuilder struct {
	Graph *CellGraph

	// NumPartitions wins over TargetPartitionSize when positive
	NumPartitions       int
	TargetPartitionSize int
	MaxImbalance        float64 // Acceptable load imbalance, 0 disables the check
	Strategy            PartitionStrategy
}

// CellGraph provides the coarse level topology needed for partitioning
type CellGraph struct {
	NumCells  int
	Adjacency [][]int // Cell-to-cell connectivity through shared sides
}

// NewLineGraph returns the graph of n cells in a chain
func NewLineGraph(n int) *CellGraph {
	g := &CellGraph{NumCells: n, Adjacency: make([][]int, n)}
	for c := 0; c < n; c++ {
		if c > 0 {
			g.Adjacency[c] = append(g.Adjacency[c], c-1)
		}
		if c < n-1 {
			g.Adjacency[c] = append(g.Adjacency[c], c+1)
		}
	}
	return g
}

// PartitionStrategy defines how cells are grouped
type PartitionStrategy int

const (
	BlockPartition PartitionStrategy = iota // Consecutive cells
	RoundRobin                              // Distribute cyclically
	GraphPartition                          // Greedy graph growing
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "round-robin"
	case GraphPartition:
		return "graph"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a configuration name onto a strategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch strings.ToLower(name) {
	case "", "block":
		return BlockPartition, nil
	case "round-robin", "roundrobin":
		return RoundRobin, nil
	case "graph":
		return GraphPartition, nil
	}
	return 0, fmt.Errorf("unknown partition strategy %q", name)
}

// BuildPartitions creates a partition layout from cell connectivity
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.Graph == nil || pb.Graph.NumCells <= 0 {
		return nil, fmt.Errorf("partition builder needs a non-empty cell graph")
	}
	numPartitions := pb.calculateNumPartitions()
	if numPartitions > pb.Graph.NumCells {
		return nil, fmt.Errorf("cannot split %d cells into %d partitions",
			pb.Graph.NumCells, numPartitions)
	}

	cToP := pb.partitionCells(numPartitions)
	partitions := createPartitions(cToP, numPartitions)

	maxCells := 0
	for _, p := range partitions {
		if p.NumCells > maxCells {
			maxCells = p.NumCells
		}
	}

	layout := &PartitionLayout{
		Partitions:    partitions,
		MaxCells:      maxCells,
		TotalCells:    pb.Graph.NumCells,
		NumPartitions: numPartitions,
		CToP:          cToP,
	}

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	if pb.MaxImbalance > 0 {
		if stats := layout.PartitionStatistics(); stats.Imbalance > pb.MaxImbalance {
			return nil, fmt.Errorf("imbalance %.3f exceeds limit %.3f",
				stats.Imbalance, pb.MaxImbalance)
		}
	}

	return layout, nil
}

// calculateNumPartitions determines the partition count
func (pb *PartitionBuilder) calculateNumPartitions() int {
	if pb.NumPartitions > 0 {
		return pb.NumPartitions
	}
	if pb.TargetPartitionSize <= 0 {
		return 1
	}
	numPartitions := int(math.Ceil(float64(pb.Graph.NumCells) / float64(pb.TargetPartitionSize)))
	if numPartitions < 1 {
		numPartitions = 1
	}
	return numPartitions
}

// partitionCells assigns cells to partitions
func (pb *PartitionBuilder) partitionCells(numPartitions int) []int {
	n := pb.Graph.NumCells
	cToP := make([]int, n)

	switch pb.Strategy {
	case RoundRobin:
		for i := 0; i < n; i++ {
			cToP[i] = i % numPartitions
		}
	case GraphPartition:
		return pb.growPartitions(numPartitions)
	default:
		// Balanced blocks, sizes differ by at most one
		for i := 0; i < n; i++ {
			cToP[i] = i * numPartitions / n
		}
	}
	return cToP
}

// growPartitions grows each partition breadth-first from the lowest
// unassigned cell until it reaches its share of the remaining cells
func (pb *PartitionBuilder) growPartitions(numPartitions int) []int {
	n := pb.Graph.NumCells
	cToP := make([]int, n)
	for i := range cToP {
		cToP[i] = -1
	}

	remaining := n
	next := 0
	for p := 0; p < numPartitions; p++ {
		target := remaining / (numPartitions - p)
		if remaining%(numPartitions-p) != 0 {
			target++
		}
		size := 0
		var queue []int
		for size < target {
			if len(queue) == 0 {
				for next < n && cToP[next] >= 0 {
					next++
				}
				if next == n {
					break
				}
				cToP[next] = p
				size++
				queue = append(queue, next)
				continue
			}
			c := queue[0]
			queue = queue[1:]
			for _, nb := range pb.Graph.Adjacency[c] {
				if size == target {
					break
				}
				if cToP[nb] < 0 {
					cToP[nb] = p
					size++
					queue = append(queue, nb)
				}
			}
		}
		remaining -= size
	}
	return cToP
}

// createPartitions builds partition structures from cell assignments
func createPartitions(cToP []int, numPartitions int) []Partition {
	partitions := make([]Partition, numPartitions)
	for i := range partitions {
		partitions[i] = Partition{ID: i, Cells: make([]int, 0)}
	}
	for cell, part := range cToP {
		partitions[part].Cells = append(partitions[part].Cells, cell)
		partitions[part].NumCells++
	}
	return partitions
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinCells:      math.MaxInt32,
		MaxCells:      0,
		AvgCells:      float64(pl.TotalCells) / float64(pl.NumPartitions),
	}

	for _, p := range pl.Partitions {
		if p.NumCells < stats.MinCells {
			stats.MinCells = p.NumCells
		}
		if p.NumCells > stats.MaxCells {
			stats.MaxCells = p.NumCells
		}
	}

	stats.Imbalance = float64(stats.MaxCells) / stats.AvgCells

	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinCells      int
	MaxCells      int
	AvgCells      float64
	Imbalance     float64 // MaxCells / AvgCells
}
