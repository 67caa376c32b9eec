package config

// Presets pair each bundled problem with solver recipes that are known
// to behave well on it.
var Presets = map[string]map[string]*Config{
	"logistic": {
		"fast": {
			Problem: "logistic", Factorization: "isotropic", NumDerivatives: 2,
			Correction: "ts0", Strategy: "filter", Calibration: "mle", Controller: "pi",
			Atol: 1e-4, Rtol: 1e-2, MaxSteps: DefaultMaxSteps,
		},
		"accurate": {
			Problem: "logistic", Factorization: "isotropic", NumDerivatives: 4,
			Correction: "ts0", Strategy: "smoother", Calibration: "mle", Controller: "pi",
			Atol: 1e-10, Rtol: 1e-8, MaxSteps: DefaultMaxSteps,
		},
	},
	"lotka_volterra": {
		"default": {
			Problem: "lotka_volterra", Factorization: "isotropic", NumDerivatives: 4,
			Correction: "ts0", Strategy: "smoother", Calibration: "mle", Controller: "pi",
			Atol: 1e-8, Rtol: 1e-6, MaxSteps: DefaultMaxSteps,
		},
		"coupled": {
			Problem: "lotka_volterra", Factorization: "dense", NumDerivatives: 3,
			Correction: "ts1", Strategy: "smoother", Calibration: "mle", Controller: "pi",
			Atol: 1e-8, Rtol: 1e-6, MaxSteps: DefaultMaxSteps,
		},
	},
	"vanderpol": {
		"mild": {
			Problem: "vanderpol", Factorization: "dense", NumDerivatives: 4,
			Correction: "ts1", Strategy: "smoother", Calibration: "dynamic", Controller: "pi",
			Atol: 1e-8, Rtol: 1e-6, MaxSteps: DefaultMaxSteps,
		},
	},
	"fitzhugh_nagumo": {
		"default": {
			Problem: "fitzhugh_nagumo", Factorization: "blockdiag", NumDerivatives: 3,
			Correction: "slr0", Strategy: "smoother", Calibration: "mle", Controller: "pi",
			Atol: 1e-7, Rtol: 1e-5, MaxSteps: DefaultMaxSteps,
		},
	},
	"lorenz": {
		"chaotic": {
			Problem: "lorenz", Factorization: "isotropic", NumDerivatives: 4,
			Correction: "ts0", Strategy: "filter", Calibration: "dynamic", Controller: "pi",
			Atol: 1e-8, Rtol: 1e-6, MaxSteps: DefaultMaxSteps,
		},
	},
}

func GetPreset(problem, preset string) *Config {
	problemPresets, ok := Presets[problem]
	if !ok {
		return nil
	}
	cfg, ok := problemPresets[preset]
	if !ok {
		return nil
	}
	return cfg
}

func ListPresets(problem string) []string {
	problemPresets, ok := Presets[problem]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(problemPresets))
	for name := range problemPresets {
		names = append(names, name)
	}
	return names
}
