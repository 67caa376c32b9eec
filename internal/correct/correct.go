// Package correct defines the linearization strategies that turn the
// nonlinear "ODE residual equals zero" constraint into a linear-Gaussian
// pseudo-observation.
//
// A correction spec names the scheme (zeroth/first-order Taylor, or
// statistical linear regression via cubature). The state-space
// factorizations build the concrete [Linearization] for their own array
// shapes; error estimation and the final Bayesian update consume the
// result identically regardless of scheme.
package correct

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type Kind string

const (
	TS0  Kind = "ts0"
	TS1  Kind = "ts1"
	SLR0 Kind = "slr0"
	SLR1 Kind = "slr1"
)

// ParseKind validates a user-supplied correction name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case TS0, TS1, SLR0, SLR1:
		return Kind(s), nil
	}
	return "", fmt.Errorf("correct: unknown correction %q (want ts0, ts1, slr0 or slr1)", s)
}

// Spec selects a linearization scheme. Cubature is only consulted for
// the SLR kinds; nil means the third-order spherical rule.
type Spec struct {
	Kind     Kind
	Cubature Cubature
}

func (s Spec) Rule() Cubature {
	if s.Cubature == nil {
		return SphericalCubature{}
	}
	return s.Cubature
}

// Linearization is the product of linearizing the residual around the
// extrapolated mean: residual ≈ Apply(deviation) + Bias, with optional
// statistical-linearization noise.
type Linearization struct {
	// Apply maps a stacked covariance factor to observation rows. The
	// factorization that built the linearization owns the shape
	// convention of both sides.
	Apply func(l *mat.Dense) *mat.Dense

	// Bias is the predicted residual at the linearization point,
	// one entry per ODE coordinate.
	Bias []float64

	// NoiseSqrtm is a right factor (cov = RᵀR) of the observation noise
	// introduced by statistical linearization; nil for Taylor schemes.
	NoiseSqrtm *mat.Dense
}
