// Package solver runs the extrapolate-estimate-correct cycle of the
// probabilistic solver and owns the strategy and calibration choices.
//
// A [Solver] is stateless; all per-trajectory state lives in [State] so
// that rejected step attempts are discarded by dropping the candidate.
package solver

import (
	"fmt"
	"math"

	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/ssm"
)

// Strategy selects what the solver remembers about past states.
type Strategy string

const (
	// Filter keeps marginals only. Cheapest, no smoothing pass.
	Filter Strategy = "filter"
	// Smoother keeps one backward conditional per step.
	Smoother Strategy = "smoother"
	// FixedPoint condenses backward conditionals between checkpoints,
	// for dense output at preset times without storing every step.
	FixedPoint Strategy = "fixedpoint"
)

// Calibration selects how the prior output scale is fitted.
type Calibration string

const (
	// MLE accumulates a global quasi-maximum-likelihood estimate and
	// rescales all covariances once at extraction.
	MLE Calibration = "mle"
	// Dynamic recalibrates the scale on every step from the local
	// whitened residual. Suits problems whose scale drifts.
	Dynamic Calibration = "dynamic"
	// None keeps the prior scale of one.
	None Calibration = "none"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Filter, Smoother, FixedPoint:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("solver: unknown strategy %q (want filter, smoother or fixedpoint)", s)
}

func ParseCalibration(s string) (Calibration, error) {
	switch Calibration(s) {
	case MLE, Dynamic, None:
		return Calibration(s), nil
	}
	return "", fmt.Errorf("solver: unknown calibration %q (want mle, dynamic or none)", s)
}

// Solver pairs a state-space factorization with a correction scheme.
type Solver struct {
	fact     ssm.Factorization
	corr     ssm.Corrector
	strategy Strategy
	calib    Calibration
}

func New(fact ssm.Factorization, spec correct.Spec, strategy Strategy, calib Calibration) (*Solver, error) {
	corr, err := fact.Correction(spec)
	if err != nil {
		return nil, fmt.Errorf("solver: %s with %s: %w", fact.Name(), spec.Kind, err)
	}
	return &Solver{fact: fact, corr: corr, strategy: strategy, calib: calib}, nil
}

func (s *Solver) Factorization() ssm.Factorization { return s.fact }
func (s *Solver) Strategy() Strategy               { return s.strategy }
func (s *Solver) Calibration() Calibration         { return s.calib }

// ErrorOrder is the local contraction order fed to the step controller.
func (s *Solver) ErrorOrder() int { return s.fact.NumDerivatives() + 1 }

// State is the full per-trajectory state at one grid point.
type State struct {
	T         float64
	Posterior ssm.Normal

	// Backward relates this state to an earlier one. For Smoother it
	// spans the last step; for FixedPoint it is condensed back to the
	// last checkpoint; for Filter it is unused.
	Backward ssm.BackwardModel

	// Diffusion applied when completing the last extrapolation; reused
	// when interpolating into the step.
	Diffusion float64

	// running quasi-MLE statistics, carried even when unused
	calibCount int
	calibMean  float64
}

// Init builds the state at t0 from exact Taylor coefficients.
func (s *Solver) Init(t0 float64, tcoeffs [][]float64) (State, error) {
	rv, err := s.fact.InitialCondition(tcoeffs)
	if err != nil {
		return State{}, err
	}
	return State{
		T:         t0,
		Posterior: rv,
		Backward:  s.fact.IdentityBackward(),
		Diffusion: 1.0,
	}, nil
}

// AttemptStep advances state by dt and returns the candidate state plus
// the per-coordinate local error estimate. The caller decides
// acceptance; a rejected candidate is simply dropped.
func (s *Solver) AttemptStep(state State, vf ode.VectorField, dt float64) (State, []float64, error) {
	fact := s.fact
	t1 := state.T + dt
	p, pInv := fact.Preconditioner(dt)

	mExt, mExtP, m0P := fact.ExtrapolateMean(state.Posterior.Mean, p, pInv)

	lin, err := s.corr.Linearize(vf, t1, mExt, state.Posterior.Cov)
	if err != nil {
		return State{}, nil, err
	}
	diffusion, errEst := fact.EstimateError(lin, p)

	applied := 1.0
	if s.calib == Dynamic {
		applied = diffusion
	}

	var ext ssm.Normal
	var bw ssm.BackwardModel
	switch s.strategy {
	case Filter:
		ext = fact.CompleteExtrapolation(mExt, state.Posterior.Cov, p, pInv, applied)
		bw = state.Backward
	default:
		ext, bw = fact.RevertMarkovKernel(mExt, state.Posterior.Cov, p, pInv, applied, m0P, mExtP)
	}

	// Relinearize against the completed covariance: the statistical
	// schemes spread their cubature points with it.
	lin, err = s.corr.Linearize(vf, t1, ext.Mean, ext.Cov)
	if err != nil {
		return State{}, nil, err
	}
	cor, mahal := fact.FinalCorrection(ext, lin)

	next := State{
		T:          t1,
		Posterior:  cor,
		Backward:   bw,
		Diffusion:  applied,
		calibCount: state.calibCount,
		calibMean:  state.calibMean,
	}
	if s.strategy == FixedPoint {
		next.Backward = fact.CondenseBackwardModels(state.Backward, bw)
	}
	if s.calib == MLE {
		next.calibCount++
		n := float64(next.calibCount)
		next.calibMean = state.calibMean + (mahal*mahal-state.calibMean)/n
	}
	return next, errEst, nil
}

// ResetCheckpoint marks the current time as a fixed-point checkpoint:
// the accumulated conditional restarts from the identity.
func (s *Solver) ResetCheckpoint(state State) State {
	state.Backward = s.fact.IdentityBackward()
	return state
}

// OutputScale is the calibrated output scale for the trajectory.
func (s *Solver) OutputScale(state State) float64 {
	if s.calib == MLE && state.calibCount > 0 {
		return math.Sqrt(state.calibMean)
	}
	return 1.0
}

// Calibrate rescales a state's covariance by the fitted output scale.
// A no-op for dynamic and uncalibrated solves.
func (s *Solver) Calibrate(state State, scale float64) State {
	if s.calib != MLE || scale == 1.0 {
		return state
	}
	state.Posterior = s.fact.ScaleCov(state.Posterior, scale)
	state.Backward = s.fact.ScaleBackward(state.Backward, scale)
	return state
}

// Interpolate evaluates the solution inside an accepted step, between
// s0 (at the step's left end) and s1 (at its right end). It returns the
// state at t plus a re-anchored version of s1 whose backward model
// spans [t, s1.T] instead of the whole step.
func (s *Solver) Interpolate(s0, s1 State, t float64) (atT, at1 State, err error) {
	if t <= s0.T || t >= s1.T {
		return State{}, State{}, fmt.Errorf("solver: interpolation time %g outside step (%g, %g)", t, s0.T, s1.T)
	}
	fact := s.fact

	if s.strategy == Filter {
		// No backward pass: extrapolate from the left endpoint only.
		dt := t - s0.T
		p, pInv := fact.Preconditioner(dt)
		mExt, _, _ := fact.ExtrapolateMean(s0.Posterior.Mean, p, pInv)
		ext := fact.CompleteExtrapolation(mExt, s0.Posterior.Cov, p, pInv, s1.Diffusion)
		atT = State{T: t, Posterior: ext, Backward: s0.Backward, Diffusion: s1.Diffusion,
			calibCount: s1.calibCount, calibMean: s1.calibMean}
		return atT, s1, nil
	}

	// Re-run the step as two smoothing sub-steps, then pull the
	// corrected right endpoint back through the second one.
	dt0 := t - s0.T
	p, pInv := fact.Preconditioner(dt0)
	mExt, mExtP, m0P := fact.ExtrapolateMean(s0.Posterior.Mean, p, pInv)
	extT, bwLeft := fact.RevertMarkovKernel(mExt, s0.Posterior.Cov, p, pInv, s1.Diffusion, m0P, mExtP)

	dt1 := s1.T - t
	p, pInv = fact.Preconditioner(dt1)
	mExt, mExtP, m0P = fact.ExtrapolateMean(extT.Mean, p, pInv)
	_, bwRight := fact.RevertMarkovKernel(mExt, extT.Cov, p, pInv, s1.Diffusion, m0P, mExtP)

	rvAtT := fact.MarginaliseModel(s1.Posterior, bwRight)

	atT = State{T: t, Posterior: rvAtT, Diffusion: s1.Diffusion,
		calibCount: s1.calibCount, calibMean: s1.calibMean}
	at1 = s1
	switch s.strategy {
	case Smoother:
		atT.Backward = bwLeft
	case FixedPoint:
		// s0 carries the conditional back to the last checkpoint; t
		// becomes the new checkpoint.
		atT.Backward = fact.CondenseBackwardModels(s0.Backward, bwLeft)
	}
	at1.Backward = bwRight
	return atT, at1, nil
}

// QOI reads the solution estimate and its marginal standard deviation.
func (s *Solver) QOI(state State) (mean, std []float64) {
	return s.fact.ExtractQOI(state.Posterior), s.fact.QOIStd(state.Posterior)
}
