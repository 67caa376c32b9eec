package solve

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/solver"
	"github.com/probode/probode/internal/stats"
)

func logisticIVP(t1 float64) ode.IVP {
	return ode.IVP{
		Name: "logistic",
		VF:   ode.NewLogistic(),
		U0:   []float64{0.1},
		T0:   0,
		T1:   t1,
	}
}

func buildSolver(t *testing.T, setup Setup, dim int) *solver.Solver {
	t.Helper()
	sv, err := setup.Build(dim)
	if err != nil {
		t.Fatal(err)
	}
	return sv
}

func defaultSetup(strategy solver.Strategy) Setup {
	return Setup{
		Factorization:  "isotropic",
		NumDerivatives: 3,
		Correction:     correct.Spec{Kind: correct.TS0},
		Strategy:       strategy,
		Calibration:    solver.MLE,
	}
}

func TestAdaptiveSolveTracksLogistic(t *testing.T) {
	ivp := logisticIVP(10)
	sv := buildSolver(t, defaultSetup(solver.Smoother), 1)

	opts := DefaultOptions()
	opts.Atol, opts.Rtol = 1e-9, 1e-7
	sol, err := AdaptiveSaveEverySteps(context.Background(), sv, ivp, opts)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Accepted < 5 {
		t.Fatalf("suspiciously few steps: %d", sol.Accepted)
	}
	if sol.Grid[0] != 0 || sol.Grid[len(sol.Grid)-1] != 10 {
		t.Fatalf("grid does not span the interval: [%g, %g]", sol.Grid[0], sol.Grid[len(sol.Grid)-1])
	}

	truth := ode.NewLogistic()
	for i, tt := range sol.Grid {
		want := truth.Solution(0.1, tt)
		if d := math.Abs(sol.Mean[i][0] - want); d > 1e-4 {
			t.Errorf("t=%g: mean %g, want %g (err %g)", tt, sol.Mean[i][0], want, d)
		}
		if sol.Std[i][0] < 0 || math.IsNaN(sol.Std[i][0]) {
			t.Errorf("t=%g: bad std %g", tt, sol.Std[i][0])
		}
	}
	if sol.Posterior == nil {
		t.Error("smoother solution should carry its posterior")
	}
	if sol.Scale <= 0 {
		t.Errorf("bad calibrated scale %g", sol.Scale)
	}
}

func TestTerminalValuesMatchesSaveEvery(t *testing.T) {
	ivp := logisticIVP(5)
	opts := DefaultOptions()
	opts.Atol, opts.Rtol = 1e-8, 1e-6

	svA := buildSolver(t, defaultSetup(solver.Filter), 1)
	terminal, err := AdaptiveTerminalValues(context.Background(), svA, ivp, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(terminal.Grid) != 1 || terminal.Grid[0] != 5 {
		t.Fatalf("terminal grid = %v", terminal.Grid)
	}

	opts2 := DefaultOptions()
	opts2.Atol, opts2.Rtol = 1e-8, 1e-6
	svB := buildSolver(t, defaultSetup(solver.Filter), 1)
	every, err := AdaptiveSaveEverySteps(context.Background(), svB, ivp, opts2)
	if err != nil {
		t.Fatal(err)
	}

	// Same strategy, same controller defaults: identical step sequence,
	// identical terminal estimate.
	last := every.Mean[len(every.Mean)-1][0]
	if d := math.Abs(terminal.Mean[0][0] - last); d > 1e-12 {
		t.Errorf("terminal estimates differ by %g", d)
	}
}

func TestFixedGridAgreesWithTruth(t *testing.T) {
	ivp := logisticIVP(4)
	sv := buildSolver(t, defaultSetup(solver.Smoother), 1)

	grid := make([]float64, 81)
	for i := range grid {
		grid[i] = float64(i) * 0.05
	}
	grid[len(grid)-1] = 4

	sol, err := FixedGrid(context.Background(), sv, ivp, grid, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(sol.Grid) != len(grid) {
		t.Fatalf("got %d grid points, want %d", len(sol.Grid), len(grid))
	}
	truth := ode.NewLogistic()
	for i, tt := range sol.Grid {
		if d := math.Abs(sol.Mean[i][0] - truth.Solution(0.1, tt)); d > 1e-3 {
			t.Errorf("t=%g: error %g", tt, d)
		}
	}
}

func TestSaveAtFixedPointMatchesSmoother(t *testing.T) {
	ivp := logisticIVP(8)
	opts := DefaultOptions()
	opts.Atol, opts.Rtol = 1e-8, 1e-6

	svSm := buildSolver(t, defaultSetup(solver.Smoother), 1)
	dense, err := AdaptiveSaveEverySteps(context.Background(), svSm, ivp, opts)
	if err != nil {
		t.Fatal(err)
	}

	// Checkpoint at exactly the accepted grid (minus t0): the fixed-point
	// run then takes the same steps and must reproduce the smoother's
	// marginals pointwise, not just approximately.
	saveAt := dense.Grid[1:]
	svFP := buildSolver(t, defaultSetup(solver.FixedPoint), 1)
	fp, err := AdaptiveSaveAt(context.Background(), svFP, ivp, saveAt, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(fp.Grid) != len(saveAt) {
		t.Fatalf("saved %d points, want %d", len(fp.Grid), len(saveAt))
	}
	for i, ts := range saveAt {
		if fp.Grid[i] != ts {
			t.Fatalf("grid[%d] = %g, want %g", i, fp.Grid[i], ts)
		}
		for j := range fp.Mean[i] {
			if d := math.Abs(fp.Mean[i][j] - dense.Mean[i+1][j]); d > 1e-9 {
				t.Errorf("t=%g: mean differs by %g", ts, d)
			}
			if d := math.Abs(fp.Std[i][j] - dense.Std[i+1][j]); d > 1e-9 {
				t.Errorf("t=%g: std differs by %g", ts, d)
			}
		}
	}

	// The full state covariances agree too. Factors may differ by an
	// orthogonal rotation, so compare L·Lᵀ.
	fpMarg, err := stats.Marginalise(svFP.Factorization(), fp.Posterior)
	if err != nil {
		t.Fatal(err)
	}
	smMarg, err := stats.Marginalise(svSm.Factorization(), dense.Posterior)
	if err != nil {
		t.Fatal(err)
	}
	for i := range fpMarg {
		for b := range fpMarg[i].Cov {
			if !mat.EqualApprox(gram(fpMarg[i].Cov[b]), gram(smMarg[i+1].Cov[b]), 1e-9) {
				t.Errorf("t=%g: covariance block %d differs", fp.Grid[i], b)
			}
		}
	}
}

func gram(l *mat.Dense) *mat.Dense {
	var g mat.Dense
	g.Mul(l, l.T())
	return &g
}

func TestFixedGridMatchesAdaptiveOnSameGrid(t *testing.T) {
	ivp := logisticIVP(6)
	opts := DefaultOptions()
	opts.Atol, opts.Rtol = 1e-8, 1e-6

	svA := buildSolver(t, defaultSetup(solver.Smoother), 1)
	adaptive, err := AdaptiveSaveEverySteps(context.Background(), svA, ivp, opts)
	if err != nil {
		t.Fatal(err)
	}

	// Re-solving on the accepted grid takes the very same steps, so the
	// two solutions must agree pointwise.
	svB := buildSolver(t, defaultSetup(solver.Smoother), 1)
	fixed, err := FixedGrid(context.Background(), svB, ivp, adaptive.Grid, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(fixed.Grid) != len(adaptive.Grid) {
		t.Fatalf("fixed grid has %d points, adaptive %d", len(fixed.Grid), len(adaptive.Grid))
	}
	if math.Abs(fixed.Scale-adaptive.Scale) > 1e-12*adaptive.Scale {
		t.Errorf("scales differ: %g vs %g", fixed.Scale, adaptive.Scale)
	}
	for i := range fixed.Grid {
		if fixed.Grid[i] != adaptive.Grid[i] {
			t.Fatalf("grid[%d] = %g, want %g", i, fixed.Grid[i], adaptive.Grid[i])
		}
		for j := range fixed.Mean[i] {
			if d := math.Abs(fixed.Mean[i][j] - adaptive.Mean[i][j]); d > 1e-9 {
				t.Errorf("t=%g: mean differs by %g", fixed.Grid[i], d)
			}
			if d := math.Abs(fixed.Std[i][j] - adaptive.Std[i][j]); d > 1e-9 {
				t.Errorf("t=%g: std differs by %g", fixed.Grid[i], d)
			}
		}
	}
}

func TestSaveAtRejectsPlainSmoother(t *testing.T) {
	sv := buildSolver(t, defaultSetup(solver.Smoother), 1)
	_, err := AdaptiveSaveAt(context.Background(), sv, logisticIVP(2), []float64{1}, DefaultOptions())
	if err == nil {
		t.Fatal("plain smoother accepted for save-at")
	}
}

func TestInvalidInputs(t *testing.T) {
	sv := buildSolver(t, defaultSetup(solver.Filter), 1)
	ctx := context.Background()

	bad := logisticIVP(2)
	bad.T1 = bad.T0
	if _, err := AdaptiveTerminalValues(ctx, sv, bad, DefaultOptions()); !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("empty interval: got %v", err)
	}

	opts := DefaultOptions()
	opts.Atol = 0
	opts.Rtol = 0
	if _, err := AdaptiveTerminalValues(ctx, sv, logisticIVP(2), opts); !errors.Is(err, ErrBadTolerance) {
		t.Errorf("zero tolerances: got %v", err)
	}

	if _, err := FixedGrid(ctx, sv, logisticIVP(2), []float64{0, 1.5}, DefaultOptions()); !errors.Is(err, ErrInvalidGrid) {
		t.Errorf("grid missing t1: got %v", err)
	}
	if _, err := AdaptiveSaveAt(ctx, sv, logisticIVP(2), []float64{1.5, 1.0}, DefaultOptions()); !errors.Is(err, ErrInvalidGrid) {
		t.Errorf("unsorted save times: got %v", err)
	}
}

func TestDivergentFieldReportsNotFinite(t *testing.T) {
	// Finite until t = 0.5, then the field blows up: the controller can
	// never step across and must shrink below the minimum.
	vf := ode.Func{F: func(y []float64, tt float64) []float64 {
		if tt > 0.5 {
			return []float64{math.Inf(1)}
		}
		return []float64{1}
	}, N: 1}
	ivp := ode.IVP{Name: "blowup", VF: vf, U0: []float64{0}, T0: 0, T1: 1}

	sv := buildSolver(t, defaultSetup(solver.Filter), 1)
	_, err := AdaptiveTerminalValues(context.Background(), sv, ivp, DefaultOptions())
	if !errors.Is(err, ErrNotFinite) {
		t.Fatalf("want ErrNotFinite, got %v", err)
	}
}

func TestMaxStepsBudget(t *testing.T) {
	sv := buildSolver(t, defaultSetup(solver.Filter), 1)
	opts := DefaultOptions()
	opts.MaxSteps = 3
	opts.Atol, opts.Rtol = 1e-12, 1e-12
	_, err := AdaptiveTerminalValues(context.Background(), sv, logisticIVP(100), opts)
	if !errors.Is(err, ErrMaxSteps) {
		t.Errorf("got %v, want ErrMaxSteps", err)
	}
	var se *StepError
	if !errors.As(err, &se) {
		t.Error("budget error should carry step context")
	}
}

func TestContextCancellation(t *testing.T) {
	sv := buildSolver(t, defaultSetup(solver.Filter), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := AdaptiveTerminalValues(ctx, sv, logisticIVP(2), DefaultOptions()); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	sv := buildSolver(t, defaultSetup(solver.Filter), 1)
	var events []StepEvent
	opts := DefaultOptions()
	opts.Observer = func(ev StepEvent) { events = append(events, ev) }

	sol, err := AdaptiveSaveEverySteps(context.Background(), sv, logisticIVP(3), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != sol.Attempts {
		t.Errorf("observer saw %d events, %d attempts", len(events), sol.Attempts)
	}
	accepted := 0
	for _, ev := range events {
		if ev.Accepted {
			accepted++
		}
	}
	if accepted != sol.Accepted {
		t.Errorf("observer saw %d accepts, solution reports %d", accepted, sol.Accepted)
	}
}

func TestEnsembleToleranceSweep(t *testing.T) {
	ivp := ode.IVP{
		Name: "lotka_volterra",
		VF:   ode.NewLotkaVolterra(),
		U0:   []float64{20, 20},
		T0:   0,
		T1:   10,
	}
	runs := make([]Options, 3)
	for i, tol := range []float64{1e-3, 1e-5, 1e-7} {
		runs[i] = DefaultOptions()
		runs[i].Atol, runs[i].Rtol = tol*1e-2, tol
	}
	setup := defaultSetup(solver.Smoother)
	setup.NumDerivatives = 4

	sols, err := NewEnsemble(setup, ivp, runs).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sols) != 3 {
		t.Fatalf("got %d solutions", len(sols))
	}
	// Tighter tolerances must not take fewer steps.
	for i := 1; i < len(sols); i++ {
		if sols[i].Accepted < sols[i-1].Accepted {
			t.Errorf("run %d: %d accepted steps, run %d had %d",
				i, sols[i].Accepted, i-1, sols[i-1].Accepted)
		}
	}
}

func TestAdaptiveMatchesRungeKuttaReference(t *testing.T) {
	ivp := ode.IVP{
		Name: "lotka_volterra",
		VF:   ode.NewLotkaVolterra(),
		U0:   []float64{20, 20},
		T0:   0,
		T1:   8,
	}
	ref := ode.RK4Terminal(ivp.VF, ivp.U0, ivp.T0, ivp.T1, 100000)

	setup := defaultSetup(solver.Smoother)
	setup.NumDerivatives = 4
	sv := buildSolver(t, setup, 2)

	opts := DefaultOptions()
	opts.Atol, opts.Rtol = 1e-9, 1e-7
	sol, err := AdaptiveTerminalValues(context.Background(), sv, ivp, opts)
	if err != nil {
		t.Fatal(err)
	}

	last := len(sol.Grid) - 1
	for j := range ref {
		if diff := math.Abs(sol.Mean[last][j] - ref[j]); diff > 1e-3 {
			t.Errorf("coordinate %d: posterior mean %v, reference %v (diff %v)",
				j, sol.Mean[last][j], ref[j], diff)
		}
	}
}

func TestInitialDtHeuristic(t *testing.T) {
	vf := ode.NewLogistic()
	dt := InitialDt(vf, []float64{0.1}, 0)
	want := 0.01 * 0.1 / (0.5 * 0.1 * 0.9)
	if math.Abs(dt-want) > 1e-12 {
		t.Errorf("InitialDt = %g, want %g", dt, want)
	}

	// A zero field falls back to a fixed small step.
	flat := ode.Func{F: func(y []float64, _ float64) []float64 { return []float64{0} }, N: 1}
	if dt := InitialDt(flat, []float64{1}, 0); dt != 0.01 {
		t.Errorf("flat-field dt = %g", dt)
	}
}
