package solve

import "errors"

// Domain errors for solve drivers.
var (
	// ErrStepTooSmall indicates the controller drove the step below the
	// configured minimum without meeting the tolerance.
	ErrStepTooSmall = errors.New("probode: adaptive step below minimum")

	// ErrMaxSteps indicates the step budget ran out before t1.
	ErrMaxSteps = errors.New("probode: step budget exhausted")

	// ErrInvalidInterval indicates t1 is not after t0.
	ErrInvalidInterval = errors.New("probode: integration interval is empty or reversed")

	// ErrInvalidGrid indicates a save/step grid that is not strictly
	// increasing inside [t0, t1].
	ErrInvalidGrid = errors.New("probode: grid not strictly increasing within the interval")

	// ErrBadTolerance indicates a non-positive tolerance.
	ErrBadTolerance = errors.New("probode: tolerances must be positive")

	// ErrNotFinite indicates the solve diverged (NaN or Inf in the
	// error estimate or the posterior mean).
	ErrNotFinite = errors.New("probode: solution diverged (NaN or Inf detected)")
)

// StepError wraps a failure with the position in the solve loop.
type StepError struct {
	Step    int
	Time    float64
	Dt      float64
	Wrapped error
}

func (e *StepError) Error() string { return e.Wrapped.Error() }
func (e *StepError) Unwrap() error { return e.Wrapped }
