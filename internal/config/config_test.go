package config

import (
	"path/filepath"
	"testing"

	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/solver"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Problem != "logistic" {
		t.Errorf("expected problem logistic, got %s", cfg.Problem)
	}
	if cfg.Atol <= 0 || cfg.Rtol <= 0 {
		t.Error("tolerances should be positive")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Correction = "ts2" },
		func(c *Config) { c.Strategy = "extrapolator" },
		func(c *Config) { c.Calibration = "map" },
		func(c *Config) { c.Controller = "pid" },
		func(c *Config) { c.NumDerivatives = 0 },
		func(c *Config) { c.Atol = -1 },
	} {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("invalid config accepted: %+v", cfg)
		}
	}
}

func TestSetupBuilds(t *testing.T) {
	cfg := DefaultConfig()
	setup, err := cfg.Setup()
	if err != nil {
		t.Fatal(err)
	}
	sv, err := setup.Build(1)
	if err != nil {
		t.Fatal(err)
	}
	if sv.Strategy() != solver.Smoother {
		t.Errorf("strategy = %s", sv.Strategy())
	}
}

func TestOptionsCarriesTolerances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Atol, cfg.Rtol = 1e-9, 1e-7
	cfg.MaxSteps = 400
	opts := cfg.Options()
	if opts.Atol != 1e-9 || opts.Rtol != 1e-7 {
		t.Errorf("tolerances not carried: %g, %g", opts.Atol, opts.Rtol)
	}
	if opts.MaxSteps != 400 {
		t.Errorf("max steps not carried: %d", opts.MaxSteps)
	}
	if opts.Controller == nil || opts.Controller.Name() != "pi" {
		t.Error("controller not built from config")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probode.yaml")
	cfg := DefaultConfig()
	cfg.Problem = "lotka_volterra"
	cfg.Factorization = "dense"
	cfg.Correction = "ts1"
	cfg.SaveAt = []float64{1, 2, 3}

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Problem != cfg.Problem || loaded.Factorization != cfg.Factorization || loaded.Correction != cfg.Correction {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
	if len(loaded.SaveAt) != 3 || loaded.SaveAt[1] != 2 {
		t.Errorf("save_at lost: %v", loaded.SaveAt)
	}
}

func TestPresetsResolveToKnownProblems(t *testing.T) {
	problems := ode.Problems()
	for problem, presets := range Presets {
		if _, ok := problems[problem]; !ok {
			t.Errorf("preset references unknown problem %q", problem)
		}
		for name, cfg := range presets {
			if err := cfg.Validate(); err != nil {
				t.Errorf("preset %s/%s invalid: %v", problem, name, err)
			}
			if _, err := cfg.Setup(); err != nil {
				t.Errorf("preset %s/%s does not build: %v", problem, name, err)
			}
		}
	}
}

func TestGetPreset(t *testing.T) {
	cfg := GetPreset("logistic", "accurate")
	if cfg == nil {
		t.Fatal("expected preset, got nil")
	}
	if cfg.NumDerivatives != 4 {
		t.Errorf("expected 4 derivatives, got %d", cfg.NumDerivatives)
	}

	if GetPreset("logistic", "nonexistent") != nil {
		t.Error("expected nil for nonexistent preset")
	}
	if GetPreset("nonexistent", "fast") != nil {
		t.Error("expected nil for nonexistent problem")
	}
}

func TestListPresets(t *testing.T) {
	if len(ListPresets("logistic")) == 0 {
		t.Error("expected presets for logistic")
	}
	if ListPresets("nonexistent") != nil {
		t.Error("expected nil for nonexistent problem")
	}
}
