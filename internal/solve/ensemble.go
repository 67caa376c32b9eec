package solve

import (
	"context"
	"sync"

	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/solver"
	"github.com/probode/probode/internal/ssm"
)

// Setup is everything needed to build a fresh solver. Solvers carry
// per-run corrector state, so ensemble runs never share one.
type Setup struct {
	Factorization  string
	NumDerivatives int
	Correction     correct.Spec
	Strategy       solver.Strategy
	Calibration    solver.Calibration
}

func (s Setup) Build(dim int) (*solver.Solver, error) {
	fact, err := ssm.New(s.Factorization, s.NumDerivatives, dim)
	if err != nil {
		return nil, err
	}
	return solver.New(fact, s.Correction, s.Strategy, s.Calibration)
}

// Ensemble solves one problem across several option sets concurrently,
// one goroutine per run. Used by the tolerance-sweep benchmark.
type Ensemble struct {
	setup Setup
	ivp   ode.IVP
	runs  []Options
}

func NewEnsemble(setup Setup, ivp ode.IVP, runs []Options) *Ensemble {
	return &Ensemble{setup: setup, ivp: ivp, runs: runs}
}

func (e *Ensemble) Run(ctx context.Context) ([]*Solution, error) {
	solutions := make([]*Solution, len(e.runs))
	errs := make([]error, len(e.runs))

	var wg sync.WaitGroup
	for i := range e.runs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sv, err := e.setup.Build(len(e.ivp.U0))
			if err != nil {
				errs[idx] = err
				return
			}
			opts := e.runs[idx]
			opts.Controller = nil // fresh controller per run
			solutions[idx], errs[idx] = AdaptiveSaveEverySteps(ctx, sv, e.ivp, opts)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return solutions, nil
}
