package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/probode/probode/internal/controls"
	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/solve"
	"github.com/probode/probode/internal/solver"
)

const (
	DefaultNumDerivatives = 3
	DefaultAtol           = 1e-6
	DefaultRtol           = 1e-3
	DefaultMaxSteps       = 100000
)

type Config struct {
	Problem        string  `yaml:"problem"`
	Factorization  string  `yaml:"factorization"`
	NumDerivatives int     `yaml:"num_derivatives"`
	Correction     string  `yaml:"correction"`
	CubatureDegree int     `yaml:"cubature_degree"`
	Strategy       string  `yaml:"strategy"`
	Calibration    string  `yaml:"calibration"`
	Controller     string  `yaml:"controller"`
	Atol           float64 `yaml:"atol"`
	Rtol           float64 `yaml:"rtol"`
	Dt0            float64 `yaml:"dt0"`
	MinDt          float64 `yaml:"min_dt"`
	MaxSteps       int     `yaml:"max_steps"`

	// Interval overrides; zero values keep the problem's own span.
	T0 *float64 `yaml:"t0,omitempty"`
	T1 *float64 `yaml:"t1,omitempty"`

	// SaveAt switches the solve to checkpointed output.
	SaveAt []float64 `yaml:"save_at,omitempty"`

	Seed uint64 `yaml:"seed"`
}

func DefaultConfig() *Config {
	return &Config{
		Problem:        "logistic",
		Factorization:  "isotropic",
		NumDerivatives: DefaultNumDerivatives,
		Correction:     "ts0",
		Strategy:       "smoother",
		Calibration:    "mle",
		Controller:     "pi",
		Atol:           DefaultAtol,
		Rtol:           DefaultRtol,
		MaxSteps:       DefaultMaxSteps,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the enumerated fields without building anything.
func (c *Config) Validate() error {
	if _, err := correct.ParseKind(c.Correction); err != nil {
		return err
	}
	if _, err := solver.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if _, err := solver.ParseCalibration(c.Calibration); err != nil {
		return err
	}
	if _, err := controls.New(c.Controller); err != nil {
		return err
	}
	if c.NumDerivatives < 1 {
		return fmt.Errorf("config: num_derivatives must be at least 1, got %d", c.NumDerivatives)
	}
	if c.Atol <= 0 || c.Rtol < 0 {
		return fmt.Errorf("config: tolerances atol=%g rtol=%g invalid", c.Atol, c.Rtol)
	}
	return nil
}

// Setup translates the enumerated fields into a solver recipe.
func (c *Config) Setup() (solve.Setup, error) {
	if err := c.Validate(); err != nil {
		return solve.Setup{}, err
	}
	kind, _ := correct.ParseKind(c.Correction)
	strategy, _ := solver.ParseStrategy(c.Strategy)
	calib, _ := solver.ParseCalibration(c.Calibration)

	spec := correct.Spec{Kind: kind}
	if c.CubatureDegree > 0 {
		spec.Cubature = correct.GaussHermite{Degree: c.CubatureDegree}
	}
	return solve.Setup{
		Factorization:  c.Factorization,
		NumDerivatives: c.NumDerivatives,
		Correction:     spec,
		Strategy:       strategy,
		Calibration:    calib,
	}, nil
}

// Options translates the tolerance and step fields.
func (c *Config) Options() solve.Options {
	opts := solve.DefaultOptions()
	opts.Atol = c.Atol
	opts.Rtol = c.Rtol
	opts.Dt0 = c.Dt0
	if c.MinDt > 0 {
		opts.MinDt = c.MinDt
	}
	if c.MaxSteps > 0 {
		opts.MaxSteps = c.MaxSteps
	}
	if ctrl, err := controls.New(c.Controller); err == nil {
		opts.Controller = ctrl
	}
	return opts
}
