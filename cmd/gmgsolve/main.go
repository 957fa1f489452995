// Command gmgsolve solves a distributed one dimensional model problem with
// the geometric multigrid cycle as preconditioner of a Richardson iteration.
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/notargets/GMG/config"
	"github.com/notargets/GMG/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	processes  int
	cells      int
	levels     int
	distLevel  int
	partition  string
	cycle      string
	smoother   string
	base       string
	maxCycles  int
	tolerance  float64
	logLevel   string
	logFormat  string
	debugDir   string
	metrics    string
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "gmgsolve",
		Short:        "Solve -k u'' + s u = f on [0,1] with a parallel geometric multigrid cycle",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fl.IntVarP(&f.processes, "processes", "n", 0, "number of processes")
	fl.IntVar(&f.cells, "cells", 0, "cells on the coarsest level")
	fl.IntVar(&f.levels, "levels", 0, "number of grid levels")
	fl.IntVar(&f.distLevel, "dist-level", 0, "first level distributed over all processes")
	fl.StringVar(&f.partition, "partition", "", "partition strategy: block, round-robin or graph")
	fl.StringVar(&f.cycle, "cycle", "", "cycle type: V or W")
	fl.StringVar(&f.smoother, "smoother", "", "smoother: jacobi or gauss-seidel")
	fl.StringVar(&f.base, "base", "", "base solver: lu or cg")
	fl.IntVar(&f.maxCycles, "max-cycles", 0, "cycle limit")
	fl.Float64Var(&f.tolerance, "tol", 0, "relative defect reduction")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "", "text or json")
	fl.StringVar(&f.debugDir, "debug-dir", "", "write level vectors and matrices below this directory")
	fl.StringVar(&f.metrics, "metrics", "", "write Prometheus metrics to this file")
	return cmd
}

// apply overrides cfg with every flag set on the command line
func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("processes") {
		cfg.Problem.Processes = f.processes
	}
	if set("cells") {
		cfg.Problem.Cells = f.cells
	}
	if set("levels") {
		cfg.Problem.Levels = f.levels
	}
	if set("dist-level") {
		cfg.Problem.DistLevel = f.distLevel
	}
	if set("partition") {
		cfg.Problem.Partition = f.partition
	}
	if set("cycle") {
		cfg.Cycle.Type = f.cycle
	}
	if set("smoother") {
		cfg.Cycle.Smoother.Type = f.smoother
	}
	if set("base") {
		cfg.Cycle.BaseSolver.Type = f.base
	}
	if set("max-cycles") {
		cfg.Solve.MaxCycles = f.maxCycles
	}
	if set("tol") {
		cfg.Solve.Tolerance = f.tolerance
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if set("debug-dir") {
		cfg.DebugDir = f.debugDir
	}
	if set("metrics") {
		cfg.MetricsFile = f.metrics
	}
}

func run(ctx context.Context, cfg *config.Config, out, logOut io.Writer) error {
	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return err
	}
	var reg *prometheus.Registry
	if cfg.MetricsFile != "" {
		reg = prometheus.NewRegistry()
	}
	results, err := solve(ctx, cfg, logger, registerer(reg))
	if err != nil {
		return err
	}
	if reg != nil {
		if err := prometheus.WriteToTextfile(cfg.MetricsFile, reg); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "rank\tindices\tcycles\tdefect\tconverged")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.3e\t%v\n", r.Rank, r.SurfaceIndices, r.Cycles, r.Defect, r.Converged)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	r := results[0]
	fmt.Fprintf(out, "defect reduction %.3e after %d cycles", r.Defect/r.InitialDefect, r.Cycles)
	if !math.IsNaN(r.MaxError) {
		fmt.Fprintf(out, ", max nodal error %.3e", r.MaxError)
	}
	fmt.Fprintln(out)
	if !r.Converged {
		return fmt.Errorf("no convergence within %d cycles", r.Cycles)
	}
	return nil
}

// registerer avoids a typed nil inside the interface
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}
