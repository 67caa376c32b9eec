// Package solve drives the probabilistic solver over an integration
// interval. Four drivers cover the usual output shapes: a preset grid,
// the terminal value only, every accepted step, or a list of save
// times hit by interpolation.
package solve

import (
	"context"
	"fmt"
	"math"

	"github.com/probode/probode/internal/controls"
	"github.com/probode/probode/internal/markov"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/solver"
	"github.com/probode/probode/internal/stats"
	"github.com/probode/probode/internal/taylor"
)

// Options configures a solve run. The zero value is unusable; start
// from [DefaultOptions].
type Options struct {
	Atol float64
	Rtol float64

	// Dt0 is the first step size. Zero means the magnitude heuristic.
	Dt0 float64

	// MinDt aborts the solve when adaptation falls below it.
	MinDt float64

	// MaxSteps bounds attempted (not accepted) steps.
	MaxSteps int

	// Controller defaults to proportional-integral.
	Controller controls.Controller

	// TaylorFn builds the initial Taylor coefficients; defaults to the
	// finite-difference jet.
	TaylorFn taylor.Fn

	// Observer, when set, sees every step attempt. Used by the live
	// view; must not block.
	Observer func(ev StepEvent)
}

// StepEvent describes one attempted step.
type StepEvent struct {
	Step     int
	T        float64
	Dt       float64
	Norm     float64
	Accepted bool
	U        []float64
}

func DefaultOptions() Options {
	return Options{
		Atol:     1e-6,
		Rtol:     1e-3,
		MinDt:    1e-12,
		MaxSteps: 100000,
	}
}

func (o *Options) fill() error {
	if o.Atol <= 0 || o.Rtol < 0 || (o.Rtol == 0 && o.Atol == 0) {
		return ErrBadTolerance
	}
	if o.MinDt <= 0 {
		o.MinDt = 1e-12
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = 100000
	}
	if o.Controller == nil {
		o.Controller = controls.NewProportionalIntegral()
	}
	if o.TaylorFn == nil {
		o.TaylorFn = taylor.Jet
	}
	return nil
}

// Solution is the output of a solve driver.
type Solution struct {
	Grid []float64

	// Mean and Std are the solution estimate and its marginal standard
	// deviation per grid point. For smoothing strategies these are the
	// smoothed values.
	Mean [][]float64
	Std  [][]float64

	// Posterior is the backward-factorized process for smoothing
	// strategies, nil for plain filtering.
	Posterior *markov.Sequence

	// Scale is the calibrated output scale (one unless MLE).
	Scale float64

	Accepted int
	Attempts int
}

// At returns the solution estimate at grid index i.
func (s *Solution) At(i int) (t float64, mean, std []float64) {
	return s.Grid[i], s.Mean[i], s.Std[i]
}

// InitialDt is the classical magnitude heuristic for the first step.
func InitialDt(vf ode.VectorField, u0 []float64, t0 float64) float64 {
	f0 := vf.Eval(u0, t0)
	normU, normF := 0.0, 0.0
	for j := range u0 {
		normU += u0[j] * u0[j]
		normF += f0[j] * f0[j]
	}
	normU, normF = math.Sqrt(normU), math.Sqrt(normF)
	if normF < 1e-14 {
		return 0.01
	}
	return 0.01 * math.Max(normU, 1e-10) / normF
}

func initState(sv *solver.Solver, ivp ode.IVP, opts Options) (solver.State, error) {
	tcoeffs, err := opts.TaylorFn(ivp.VF, ivp.U0, ivp.T0, sv.Factorization().NumDerivatives())
	if err != nil {
		return solver.State{}, err
	}
	return sv.Init(ivp.T0, tcoeffs)
}

// FixedGrid steps through the given grid without adaptation. The grid
// must start at ivp.T0, end at ivp.T1 and be strictly increasing.
func FixedGrid(ctx context.Context, sv *solver.Solver, ivp ode.IVP, grid []float64, opts Options) (*Solution, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if len(grid) < 2 || grid[0] != ivp.T0 || grid[len(grid)-1] != ivp.T1 {
		return nil, ErrInvalidGrid
	}
	for i := 1; i < len(grid); i++ {
		if grid[i] <= grid[i-1] {
			return nil, ErrInvalidGrid
		}
	}

	state, err := initState(sv, ivp, opts)
	if err != nil {
		return nil, err
	}
	rec := newRecorder(sv, state)

	for i := 1; i < len(grid); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dt := grid[i] - state.T
		next, _, err := sv.AttemptStep(state, ivp.VF, dt)
		if err != nil {
			return nil, &StepError{Step: i, Time: state.T, Dt: dt, Wrapped: err}
		}
		state = next
		rec.record(state)
		if opts.Observer != nil {
			mean, _ := sv.QOI(state)
			opts.Observer(StepEvent{Step: i, T: state.T, Dt: dt, Norm: 0, Accepted: true, U: mean})
		}
	}
	return rec.finish(len(grid)-1, len(grid)-1)
}

// AdaptiveTerminalValues integrates to t1 and reports the terminal
// state only. Smoothing strategies are pointless here; the filter is
// the natural choice.
func AdaptiveTerminalValues(ctx context.Context, sv *solver.Solver, ivp ode.IVP, opts Options) (*Solution, error) {
	return adaptive(ctx, sv, ivp, nil, saveTerminal, opts)
}

// AdaptiveSaveEverySteps records every accepted step.
func AdaptiveSaveEverySteps(ctx context.Context, sv *solver.Solver, ivp ode.IVP, opts Options) (*Solution, error) {
	return adaptive(ctx, sv, ivp, nil, saveEvery, opts)
}

// AdaptiveSaveAt hits the given times by interpolating into accepted
// steps. Save times must be strictly increasing and inside (t0, t1];
// pair it with the fixed-point strategy to keep memory flat.
func AdaptiveSaveAt(ctx context.Context, sv *solver.Solver, ivp ode.IVP, saveAt []float64, opts Options) (*Solution, error) {
	if len(saveAt) == 0 {
		return nil, ErrInvalidGrid
	}
	if sv.Strategy() == solver.Smoother {
		// Backward models of a plain smoother span raw steps, not save
		// intervals; the fixed-point variant exists for this driver.
		return nil, fmt.Errorf("probode: save-at needs the filter or fixedpoint strategy")
	}
	prev := ivp.T0
	for _, t := range saveAt {
		if t <= prev || t > ivp.T1 {
			return nil, ErrInvalidGrid
		}
		prev = t
	}
	return adaptive(ctx, sv, ivp, saveAt, saveAtTimes, opts)
}

type saveMode int

const (
	saveTerminal saveMode = iota
	saveEvery
	saveAtTimes
)

func adaptive(ctx context.Context, sv *solver.Solver, ivp ode.IVP, saveAt []float64, mode saveMode, opts Options) (*Solution, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if ivp.T1 <= ivp.T0 {
		return nil, ErrInvalidInterval
	}
	state, err := initState(sv, ivp, opts)
	if err != nil {
		return nil, err
	}
	opts.Controller.Reset()

	rec := newRecorder(sv, state)
	if mode == saveAtTimes || mode == saveTerminal {
		// Save-at records only the requested times; terminal-values only
		// the endpoint. Neither pre-records t0.
		rec = newEmptyRecorder(sv)
	}

	dt := opts.Dt0
	if dt <= 0 {
		dt = InitialDt(ivp.VF, ivp.U0, ivp.T0)
	}
	order := sv.ErrorOrder()
	nextSave := 0

	accepted, attempts := 0, 0
	for state.T < ivp.T1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempts >= opts.MaxSteps {
			return nil, &StepError{Step: attempts, Time: state.T, Dt: dt, Wrapped: ErrMaxSteps}
		}
		attempts++

		if state.T+dt > ivp.T1 {
			dt = ivp.T1 - state.T
		}

		candidate, errEst, err := sv.AttemptStep(state, ivp.VF, dt)
		if err != nil {
			return nil, &StepError{Step: attempts, Time: state.T, Dt: dt, Wrapped: err}
		}
		u0, _ := sv.QOI(state)
		u1, _ := sv.QOI(candidate)
		norm := controls.ScaledNorm(errEst, u0, u1, opts.Atol, opts.Rtol)

		ok := norm <= 1.0
		if opts.Observer != nil {
			opts.Observer(StepEvent{Step: attempts, T: candidate.T, Dt: dt, Norm: norm, Accepted: ok, U: u1})
		}

		dtNext := opts.Controller.Propose(dt, norm, order)
		if ok {
			opts.Controller.Accept(norm)
			accepted++

			if mode == saveAtTimes {
				prev := state
				cur := candidate
				for nextSave < len(saveAt) && saveAt[nextSave] <= cur.T {
					ts := saveAt[nextSave]
					if ts == cur.T {
						rec.record(cur)
						cur = sv.ResetCheckpoint(cur)
					} else {
						atT, at1, err := sv.Interpolate(prev, cur, ts)
						if err != nil {
							return nil, err
						}
						rec.record(atT)
						prev = sv.ResetCheckpoint(atT)
						cur = at1
					}
					nextSave++
				}
				candidate = cur
			} else if mode == saveEvery {
				rec.record(candidate)
			}
			state = candidate
		}
		dt = dtNext
		if dt < opts.MinDt && state.T < ivp.T1 {
			// A non-finite norm means the step blew up rather than merely
			// missing the tolerance.
			cause := ErrStepTooSmall
			if math.IsNaN(norm) || math.IsInf(norm, 0) {
				cause = ErrNotFinite
			}
			return nil, &StepError{Step: attempts, Time: state.T, Dt: dt, Wrapped: cause}
		}
	}

	if mode == saveTerminal {
		rec.record(state)
	}
	return rec.finish(accepted, attempts)
}

// recorder accumulates grid states and assembles the Solution,
// including the smoothing pass and MLE rescaling at the end.
type recorder struct {
	sv     *solver.Solver
	last   solver.State
	states []solver.State
}

func newRecorder(sv *solver.Solver, init solver.State) *recorder {
	return &recorder{sv: sv, last: init, states: []solver.State{init}}
}

func newEmptyRecorder(sv *solver.Solver) *recorder {
	return &recorder{sv: sv}
}

func (r *recorder) record(state solver.State) {
	r.states = append(r.states, state)
	r.last = state
}

func (r *recorder) finish(accepted, attempts int) (*Solution, error) {
	if len(r.states) == 0 {
		return nil, fmt.Errorf("probode: nothing recorded")
	}
	scale := r.sv.OutputScale(r.last)

	sol := &Solution{
		Grid:     make([]float64, 0, len(r.states)),
		Mean:     make([][]float64, 0, len(r.states)),
		Std:      make([][]float64, 0, len(r.states)),
		Scale:    scale,
		Accepted: accepted,
		Attempts: attempts,
	}

	if r.sv.Strategy() == solver.Filter || len(r.states) == 1 {
		for _, st := range r.states {
			st = r.sv.Calibrate(st, scale)
			mean, std := r.sv.QOI(st)
			sol.Grid = append(sol.Grid, st.T)
			sol.Mean = append(sol.Mean, mean)
			sol.Std = append(sol.Std, std)
		}
		return sol, nil
	}

	// Smoothing pass: assemble the backward chain, then marginalise
	// from the terminal end.
	fact := r.sv.Factorization()
	seq := &markov.Sequence{
		Grid: []float64{r.states[0].T},
		Init: r.sv.Calibrate(r.states[0], scale).Posterior,
	}
	for _, st := range r.states[1:] {
		st = r.sv.Calibrate(st, scale)
		seq.Append(st.T, st.Posterior, st.Backward, st.Diffusion)
	}
	marginals, err := stats.Marginalise(fact, seq)
	if err != nil {
		return nil, err
	}
	for i, rv := range marginals {
		sol.Grid = append(sol.Grid, seq.Grid[i])
		sol.Mean = append(sol.Mean, fact.ExtractQOI(rv))
		sol.Std = append(sol.Std, fact.QOIStd(rv))
	}
	sol.Posterior = seq
	return sol, nil
}
