package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/assemble"
	"github.com/notargets/GMG/config"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/grid"
	"github.com/notargets/GMG/multigrid"
	"github.com/notargets/GMG/parallel"
	"github.com/notargets/GMG/partitions"
	"github.com/notargets/GMG/precond"
	"github.com/notargets/GMG/transfer"
	"github.com/notargets/GMG/utils"
)

// RankResult summarizes the solve on one process. Defects and the error are
// global values, identical on every rank.
type RankResult struct {
	Rank           int
	SurfaceIndices int
	Cycles         int
	InitialDefect  float64
	Defect         float64
	Converged      bool
	MaxError       float64 // NaN when no closed form solution is known
}

// hierarchy distributes the partition level cells of the model problem
func hierarchy(cfg *config.Config, logger *slog.Logger) (grid.LineHierarchy, error) {
	p := cfg.Problem
	lh := grid.LineHierarchy{Cells: p.Cells, Levels: p.Levels, DistLevel: p.DistLevel}
	if p.Processes == 1 {
		return lh, nil
	}
	strategy, err := partitions.ParseStrategy(p.Partition)
	if err != nil {
		return lh, err
	}
	pb := &partitions.PartitionBuilder{
		Graph:         partitions.NewLineGraph(lh.NumPartitionCells()),
		NumPartitions: p.Processes,
		Strategy:      strategy,
	}
	layout, err := pb.BuildPartitions()
	if err != nil {
		return lh, fmt.Errorf("partitioning level %d: %w", lh.PartitionLevel(), err)
	}
	stats := layout.PartitionStatistics()
	logger.Info("partitioned", "strategy", strategy, "cells", layout.TotalCells,
		"minCells", stats.MinCells, "maxCells", stats.MaxCells, "imbalance", stats.Imbalance)
	lh.Owners = layout.Owners()
	return lh, nil
}

func newCycle(cfg *config.Config, space *dofs.Space, a assemble.Assembler) (*multigrid.Cycle, error) {
	cc := cfg.Cycle
	cycleType, err := cc.CycleType()
	if err != nil {
		return nil, err
	}
	c := multigrid.NewCycle(space)
	c.SetCycleType(cycleType)
	c.SetNumPreSmooth(cc.PreSmooth)
	c.SetNumPostSmooth(cc.PostSmooth)
	c.SetBaseLevel(cc.BaseLevel)
	c.SetAssembler(a)
	c.SetProlongation(transfer.NewP1Prolongation(grid.BoundarySubset))
	c.SetProjection(transfer.NewInjectionProjection())

	switch cc.Smoother.Type {
	case "jacobi":
		c.SetSmoother(precond.NewJacobi(cc.Smoother.Damping))
	case "gauss-seidel":
		c.SetSmoother(precond.NewGaussSeidel())
	default:
		return nil, fmt.Errorf("unknown smoother %q", cc.Smoother.Type)
	}
	switch cc.BaseSolver.Type {
	case "lu":
		c.SetBaseSolver(precond.NewLU())
	case "cg":
		c.SetBaseSolver(precond.NewCG(cc.BaseSolver.Tolerance, cc.BaseSolver.MaxIter))
	default:
		return nil, fmt.Errorf("unknown base solver %q", cc.BaseSolver.Type)
	}
	c.SetParallelBaseSolver(cc.BaseSolver.Parallel)
	return c, nil
}

// solve runs the preconditioned Richardson iteration of the model problem on
// every rank of a fresh process group
func solve(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) ([]RankResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lh, err := hierarchy(cfg, logger)
	if err != nil {
		return nil, err
	}
	var runDir string
	if cfg.DebugDir != "" {
		if runDir, err = multigrid.NewRunDir(cfg.DebugDir); err != nil {
			return nil, err
		}
		logger.Info("debug output", "dir", runDir)
	}

	results := make([]RankResult, cfg.Problem.Processes)
	world := parallel.NewWorld(cfg.Problem.Processes)
	err = world.Run(ctx, func(_ context.Context, comm *parallel.Comm) error {
		r, err := solveRank(cfg, lh, comm, utils.RankLogger(logger, comm.Rank()), reg, runDir)
		results[comm.Rank()] = r
		return err
	})
	return results, err
}

func solveRank(cfg *config.Config, lh grid.LineHierarchy, comm *parallel.Comm, logger *slog.Logger,
	reg prometheus.Registerer, runDir string) (RankResult, error) {
	res := RankResult{Rank: comm.Rank(), MaxError: math.NaN()}
	mg, err := lh.Build(comm.Rank(), comm.Size())
	if err != nil {
		return res, err
	}
	space, err := dofs.NewSpace(mg, dofs.P1(mg.NumSubsets()), comm, dofs.WithLogger(logger))
	if err != nil {
		return res, err
	}
	defer space.Close()

	p := cfg.Problem
	problem := &assemble.GraphLaplacian{
		Stiffness: p.Stiffness,
		MassShift: p.MassShift,
		Source:    p.Source,
		Dirichlet: []int{grid.BoundarySubset},
	}
	surf := space.Surface()
	res.SurfaceIndices = surf.NumIndices()
	rhs := algebra.NewVector(surf.SizeIndexSet(), surf.Layouts())
	A, err := assemble.Level(problem, surf, rhs)
	if err != nil {
		return res, fmt.Errorf("surface assembly: %w", err)
	}

	cycle, err := newCycle(cfg, space, problem)
	if err != nil {
		return res, err
	}
	cycle.SetLogger(logger)
	if reg != nil {
		m, err := multigrid.NewMetrics(reg, prometheus.Labels{"rank": strconv.Itoa(comm.Rank())})
		if err != nil {
			return res, fmt.Errorf("metrics: %w", err)
		}
		cycle.SetMetrics(m)
	}
	if runDir != "" {
		cycle.SetDebugWriter(multigrid.NewDirWriter(runDir, comm.Rank()))
	}
	if err := cycle.Init(A); err != nil {
		return res, err
	}

	d := rhs.Clone()
	u := algebra.NewVector(d.Len(), d.Layouts())
	corr := algebra.NewVector(d.Len(), d.Layouts())
	if res.InitialDefect, err = d.Norm(); err != nil {
		return res, err
	}
	res.Defect = res.InitialDefect
	last := res.InitialDefect
	// the defect norm is global, so every rank stops after the same cycle
	for res.Cycles < cfg.Solve.MaxCycles && res.Defect > cfg.Solve.Tolerance*res.InitialDefect {
		if err := cycle.ApplyUpdateDefect(corr, d); err != nil {
			return res, fmt.Errorf("cycle %d: %w", res.Cycles+1, err)
		}
		u.Add(corr)
		res.Cycles++
		if res.Defect, err = d.Norm(); err != nil {
			return res, err
		}
		logger.Debug("cycle", "iter", res.Cycles, "defect", res.Defect, "rate", res.Defect/last)
		last = res.Defect
	}
	res.Converged = res.Defect <= cfg.Solve.Tolerance*res.InitialDefect

	if p.MassShift == 0 {
		if res.MaxError, err = maxNodalError(space, u, p.Source/(2*p.Stiffness), comm); err != nil {
			return res, err
		}
	}
	logger.Info("solved", "cycles", res.Cycles, "defect", res.Defect, "converged", res.Converged)
	return res, nil
}

// maxNodalError compares u with the exact solution c x(1-x) of the
// unshifted problem. Collective over comm.
func maxNodalError(space *dofs.Space, u *algebra.Vector, c float64, comm *parallel.Comm) (float64, error) {
	mg := space.Grid()
	surf := space.Surface()
	e := 0.0
	for _, id := range surf.Entities() {
		if mg.Kind(id) != grid.Vertex {
			continue
		}
		x := mg.Coords(id)[0]
		e = math.Max(e, math.Abs(u.At(surf.Index(id))-c*x*(1-x)))
	}
	return comm.AllReduceMax(e)
}
