package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/notargets/GMG/partitions"
)

// Config drives one multigrid solve of the model problem
type Config struct {
	Cycle   CycleConfig   `yaml:"cycle"`
	Problem ProblemConfig `yaml:"problem"`
	Solve   SolveConfig   `yaml:"solve"`
	Log     LogConfig     `yaml:"log"`

	// empty paths disable debug output and the metrics text file
	DebugDir    string `yaml:"debug_dir"`
	MetricsFile string `yaml:"metrics_file"`
}

type CycleConfig struct {
	Type       string           `yaml:"type"` // "V" or "W"
	PreSmooth  int              `yaml:"pre_smooth"`
	PostSmooth int              `yaml:"post_smooth"`
	BaseLevel  int              `yaml:"base_level"`
	Smoother   SmootherConfig   `yaml:"smoother"`
	BaseSolver BaseSolverConfig `yaml:"base_solver"`
}

type SmootherConfig struct {
	Type    string  `yaml:"type"` // jacobi, gauss-seidel
	Damping float64 `yaml:"damping"`
}

type BaseSolverConfig struct {
	Type      string  `yaml:"type"` // lu, cg
	Parallel  bool    `yaml:"parallel"`
	Tolerance float64 `yaml:"tolerance"`
	MaxIter   int     `yaml:"max_iter"`
}

// ProblemConfig describes -k u'' + s u = f on [0,1] with zero boundary
// values, refined uniformly and distributed over Processes ranks
type ProblemConfig struct {
	Processes int     `yaml:"processes"`
	Cells     int     `yaml:"cells"`
	Levels    int     `yaml:"levels"`
	DistLevel int     `yaml:"dist_level"`
	Partition string  `yaml:"partition"`
	Stiffness float64 `yaml:"stiffness"`
	MassShift float64 `yaml:"mass_shift"`
	Source    float64 `yaml:"source"`
}

type SolveConfig struct {
	MaxCycles int     `yaml:"max_cycles"`
	Tolerance float64 `yaml:"tolerance"` // relative defect reduction
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used for keys missing from a file
func Default() *Config {
	return &Config{
		Cycle: CycleConfig{
			Type:       "V",
			PreSmooth:  2,
			PostSmooth: 2,
			Smoother:   SmootherConfig{Type: "jacobi", Damping: 2.0 / 3},
			BaseSolver: BaseSolverConfig{Type: "lu", Parallel: true, Tolerance: 1e-12, MaxIter: 500},
		},
		Problem: ProblemConfig{
			Processes: 2,
			Cells:     4,
			Levels:    5,
			DistLevel: 1,
			Partition: "block",
			Stiffness: 1,
			Source:    1,
		},
		Solve: SolveConfig{MaxCycles: 50, Tolerance: 1e-10},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML
func (cfg *Config) Save(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CycleType maps the cycle name to the number of coarse visits
func (c CycleConfig) CycleType() (int, error) {
	switch c.Type {
	case "V", "v":
		return 1, nil
	case "W", "w":
		return 2, nil
	}
	return 0, fmt.Errorf("unknown cycle type %q", c.Type)
}

// Validate reports every invalid setting at once
func (cfg *Config) Validate() error {
	var errs []error
	if _, err := cfg.Cycle.CycleType(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Cycle.PreSmooth < 0 || cfg.Cycle.PostSmooth < 0 {
		errs = append(errs, fmt.Errorf("negative smoothing steps %d/%d", cfg.Cycle.PreSmooth, cfg.Cycle.PostSmooth))
	}
	if cfg.Cycle.BaseLevel < 0 || cfg.Cycle.BaseLevel >= cfg.Problem.Levels {
		errs = append(errs, fmt.Errorf("base level %d outside [0,%d)", cfg.Cycle.BaseLevel, cfg.Problem.Levels))
	}
	switch cfg.Cycle.Smoother.Type {
	case "jacobi", "gauss-seidel":
	default:
		errs = append(errs, fmt.Errorf("unknown smoother %q", cfg.Cycle.Smoother.Type))
	}
	if cfg.Cycle.Smoother.Type == "jacobi" && (cfg.Cycle.Smoother.Damping <= 0 || cfg.Cycle.Smoother.Damping > 1) {
		errs = append(errs, fmt.Errorf("jacobi damping %g outside (0,1]", cfg.Cycle.Smoother.Damping))
	}
	switch cfg.Cycle.BaseSolver.Type {
	case "lu", "cg":
	default:
		errs = append(errs, fmt.Errorf("unknown base solver %q", cfg.Cycle.BaseSolver.Type))
	}
	if cfg.Cycle.BaseSolver.Type == "cg" && cfg.Cycle.BaseSolver.MaxIter <= 0 {
		errs = append(errs, fmt.Errorf("cg needs a positive iteration limit"))
	}
	if cfg.Cycle.BaseSolver.Type == "lu" && cfg.Problem.Processes > 1 && cfg.Cycle.BaseLevel >= cfg.Problem.DistLevel {
		errs = append(errs, fmt.Errorf("lu needs the base level below the distribution level %d, got %d",
			cfg.Problem.DistLevel, cfg.Cycle.BaseLevel))
	}

	p := cfg.Problem
	if p.Processes < 1 {
		errs = append(errs, fmt.Errorf("need at least one process, got %d", p.Processes))
	}
	if p.Cells < 1 || p.Levels < 1 {
		errs = append(errs, fmt.Errorf("need cells and levels, got %d cells on %d levels", p.Cells, p.Levels))
	}
	if p.Processes > 1 && (p.DistLevel < 0 || p.DistLevel >= p.Levels) {
		errs = append(errs, fmt.Errorf("distribution level %d outside [0,%d)", p.DistLevel, p.Levels))
	}
	if _, err := partitions.ParseStrategy(p.Partition); err != nil {
		errs = append(errs, err)
	}
	if p.Stiffness <= 0 {
		errs = append(errs, fmt.Errorf("stiffness must be positive, got %g", p.Stiffness))
	}
	if p.MassShift < 0 {
		errs = append(errs, fmt.Errorf("negative mass shift %g", p.MassShift))
	}

	if cfg.Solve.MaxCycles < 1 {
		errs = append(errs, fmt.Errorf("need at least one cycle, got %d", cfg.Solve.MaxCycles))
	}
	if cfg.Solve.Tolerance <= 0 || cfg.Solve.Tolerance >= 1 {
		errs = append(errs, fmt.Errorf("tolerance %g outside (0,1)", cfg.Solve.Tolerance))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", cfg.Log.Format))
	}
	return errors.Join(errs...)
}
