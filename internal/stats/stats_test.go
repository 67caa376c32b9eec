package stats_test

import (
	"context"
	"math"
	"testing"

	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/markov"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/solve"
	"github.com/probode/probode/internal/solver"
	"github.com/probode/probode/internal/stats"
)

func solvedLogistic(t *testing.T) (*solver.Solver, *solve.Solution) {
	t.Helper()
	setup := solve.Setup{
		Factorization:  "isotropic",
		NumDerivatives: 3,
		Correction:     correct.Spec{Kind: correct.TS0},
		Strategy:       solver.Smoother,
		Calibration:    solver.MLE,
	}
	sv, err := setup.Build(1)
	if err != nil {
		t.Fatal(err)
	}
	ivp := ode.IVP{VF: ode.NewLogistic(), U0: []float64{0.1}, T0: 0, T1: 6}
	opts := solve.DefaultOptions()
	opts.Atol, opts.Rtol = 1e-8, 1e-6
	sol, err := solve.AdaptiveSaveEverySteps(context.Background(), sv, ivp, opts)
	if err != nil {
		t.Fatal(err)
	}
	return sv, sol
}

func TestMarginaliseMatchesSolutionOutput(t *testing.T) {
	sv, sol := solvedLogistic(t)
	marginals, err := stats.Marginalise(sv.Factorization(), sol.Posterior)
	if err != nil {
		t.Fatal(err)
	}
	if len(marginals) != len(sol.Grid) {
		t.Fatalf("%d marginals for %d grid points", len(marginals), len(sol.Grid))
	}
	for i, rv := range marginals {
		got := sv.Factorization().ExtractQOI(rv)[0]
		if d := math.Abs(got - sol.Mean[i][0]); d > 1e-12 {
			t.Errorf("t=%g: marginal mean differs from solution by %g", sol.Grid[i], d)
		}
	}
}

func TestOffgridMarginals(t *testing.T) {
	sv, sol := solvedLogistic(t)
	fact := sv.Factorization()
	truth := ode.NewLogistic()

	// On-grid queries reproduce the smoothed marginals exactly.
	i := len(sol.Grid) / 2
	rvs, err := stats.OffgridMarginals(sv, sol.Posterior, []float64{sol.Grid[i]})
	if err != nil {
		t.Fatal(err)
	}
	if d := math.Abs(fact.ExtractQOI(rvs[0])[0] - sol.Mean[i][0]); d > 1e-12 {
		t.Errorf("on-grid query off by %g", d)
	}

	// Off-grid queries stay close to the reference solution.
	queries := []float64{0.37, 1.91, 3.33, 5.5}
	rvs, err = stats.OffgridMarginals(sv, sol.Posterior, queries)
	if err != nil {
		t.Fatal(err)
	}
	for q, ts := range queries {
		got := fact.ExtractQOI(rvs[q])[0]
		want := truth.Solution(0.1, ts)
		if d := math.Abs(got - want); d > 1e-4 {
			t.Errorf("t=%g: offgrid mean %g, want %g", ts, got, want)
		}
	}

	if _, err := stats.OffgridMarginals(sv, sol.Posterior, []float64{-1}); err == nil {
		t.Error("query before t0 accepted")
	}
	if _, err := stats.OffgridMarginals(sv, sol.Posterior, []float64{100}); err == nil {
		t.Error("query after t1 accepted")
	}
}

func TestSample(t *testing.T) {
	sv, sol := solvedLogistic(t)
	fact := sv.Factorization()

	const numSamples = 40
	samples, err := stats.Sample(fact, sol.Posterior, numSamples, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != numSamples {
		t.Fatalf("got %d samples", len(samples))
	}
	n := len(sol.Grid)
	for _, traj := range samples {
		if len(traj) != n {
			t.Fatalf("trajectory has %d points, want %d", len(traj), n)
		}
		for i, u := range traj {
			if len(u) != 1 || math.IsNaN(u[0]) || math.IsInf(u[0], 0) {
				t.Fatalf("bad sample value at grid %d: %v", i, u)
			}
		}
	}

	// Samples scatter around the posterior mean: check a mid-grid point
	// within a generous multiple of its standard deviation.
	i := n / 2
	mean := 0.0
	for _, traj := range samples {
		mean += traj[i][0]
	}
	mean /= numSamples
	tol := 5*sol.Std[i][0]/math.Sqrt(numSamples) + 1e-6
	if d := math.Abs(mean - sol.Mean[i][0]); d > tol {
		t.Errorf("sample mean %g vs posterior mean %g (tol %g)", mean, sol.Mean[i][0], tol)
	}

	// Same seed, same draws.
	again, err := stats.Sample(fact, sol.Posterior, numSamples, 7)
	if err != nil {
		t.Fatal(err)
	}
	if again[0][i][0] != samples[0][i][0] {
		t.Error("sampling is not deterministic for a fixed seed")
	}

	if _, err := stats.Sample(fact, sol.Posterior, 0, 1); err == nil {
		t.Error("zero samples accepted")
	}
}

func TestSequenceValidate(t *testing.T) {
	var s markov.Sequence
	if err := s.Validate(); err == nil {
		t.Error("empty sequence validated")
	}
	s.Grid = []float64{0, 1, 0.5}
	s.Backward = nil
	if err := s.Validate(); err == nil {
		t.Error("mismatched backward count validated")
	}
}
