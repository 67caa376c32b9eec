// Package ssm implements the Gaussian state-space model behind the
// probabilistic solver in three interchangeable factorizations.
//
// A state tracks an ODE solution and its first n derivatives. Its
// covariance is never stored densely: every operation works on Cholesky
// factors through the kernels in package sqrtm. The three factorizations
// trade generality for cost:
//
//   - [Isotropic]: one (n+1)×(n+1) factor shared across ODE coordinates
//   - [BlockDiagonal]: one factor per coordinate, no cross-coordinate terms
//   - [Dense]: a full (n+1)d × (n+1)d factor, required for coupled
//     first-order linearizations
//
// All three implement [Factorization]; the choice is made once at solver
// construction and threaded through as a capability object.
package ssm

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/ibm"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/sqrtm"
)

// ErrUnsupported reports a correction×factorization pairing that has no
// implementation. Surfaced at solver construction, never mid-solve.
var ErrUnsupported = errors.New("ssm: unsupported correction for this factorization")

// Normal is a Gaussian state. Mean is (n+1)×d with one row per
// derivative order. Cov holds lower covariance factors (C = L Lᵀ): one
// shared block for Isotropic, d blocks for BlockDiagonal, one
// (n+1)d×(n+1)d block for Dense. Only the Gram product of a factor is
// meaningful; factors are replaced, never mutated.
type Normal struct {
	Mean *mat.Dense
	Cov  []*mat.Dense
}

// BackwardModel is the conditional x_k | x_{k+1} ~ N(G x_{k+1} + b, Σ),
// with transition blocks G laid out like the covariance blocks.
type BackwardModel struct {
	Transition []*mat.Dense
	Noise      Normal
}

// Corrector linearizes the ODE residual around the extrapolated mean.
// cov carries the current covariance blocks in physical units; only the
// statistical-linearization schemes consult it (for spreading cubature
// points), the Taylor schemes ignore it.
type Corrector interface {
	Linearize(vf ode.VectorField, t float64, mExt *mat.Dense, cov []*mat.Dense) (correct.Linearization, error)
}

// Factorization is the operation set shared by the three numerical
// representations of the filtering state.
type Factorization interface {
	Name() string
	NumDerivatives() int
	Dim() int
	Prior() ibm.Prior

	// InitialCondition stacks Taylor coefficients into a zero-covariance
	// corrected state.
	InitialCondition(tcoeffs [][]float64) (Normal, error)

	// Preconditioner returns the diagonal step rescaling of the prior.
	Preconditioner(dt float64) (p, pInv []float64)

	// ExtrapolateMean pushes the mean through the prior transition.
	// It returns the physical extrapolated mean plus the preconditioned
	// mean pair needed later by RevertMarkovKernel.
	ExtrapolateMean(m0 *mat.Dense, p, pInv []float64) (mExt, mExtP, m0P *mat.Dense)

	// EstimateError whitens the linearized residual against the prior
	// process noise, returning the local diffusion estimate and a
	// per-coordinate error estimate. Never divides by zero.
	EstimateError(lin correct.Linearization, p []float64) (diffusion float64, errEst []float64)

	// CompleteExtrapolation forms the extrapolated covariance,
	// discarding the backward conditional (filter-style).
	CompleteExtrapolation(mExt *mat.Dense, l0 []*mat.Dense, p, pInv []float64, diffusion float64) Normal

	// RevertMarkovKernel forms the extrapolated covariance together
	// with the backward conditional of the previous state
	// (smoother-style). All outputs are in physical units.
	RevertMarkovKernel(mExt *mat.Dense, l0 []*mat.Dense, p, pInv []float64, diffusion float64, m0P, mExtP *mat.Dense) (Normal, BackwardModel)

	// FinalCorrection conditions the extrapolated state on a zero
	// residual. This is an exact Bayesian update given the
	// linearization. The returned scalar is the dimension-averaged
	// Mahalanobis norm of the residual under the observed distribution,
	// consumed by output-scale calibration.
	FinalCorrection(extrapolated Normal, lin correct.Linearization) (Normal, float64)

	// MarginaliseModel pushes a marginal through a backward model.
	MarginaliseModel(init Normal, bw BackwardModel) Normal

	// CondenseBackwardModels composes two adjacent conditionals,
	// outer being the earlier-in-time one.
	CondenseBackwardModels(outer, inner BackwardModel) BackwardModel

	// IdentityBackward is the trivial conditional used at t0 and at
	// fixed-point checkpoints.
	IdentityBackward() BackwardModel

	// ExtractQOI reads the zeroth derivative (the ODE solution).
	ExtractQOI(rv Normal) []float64

	// QOIStd returns the marginal standard deviation of each solution
	// coordinate.
	QOIStd(rv Normal) []float64

	// ScaleCov multiplies covariance factors by s (output-scale
	// calibration).
	ScaleCov(rv Normal, s float64) Normal
	ScaleBackward(bw BackwardModel, s float64) BackwardModel

	// TransformUnitSample maps an (n+1)×d matrix of unit-normal draws
	// onto a sample of rv.
	TransformUnitSample(rv Normal, eps *mat.Dense) *mat.Dense

	// Correction builds the corrector for the given spec, or
	// ErrUnsupported.
	Correction(spec correct.Spec) (Corrector, error)
}

// New constructs a factorization by name.
func New(name string, numDerivatives, dim int) (Factorization, error) {
	switch name {
	case "isotropic":
		return NewIsotropic(numDerivatives, dim)
	case "blockdiag":
		return NewBlockDiagonal(numDerivatives, dim)
	case "dense":
		return NewDense(numDerivatives, dim)
	}
	return nil, fmt.Errorf("ssm: unknown factorization %q (want isotropic, blockdiag or dense)", name)
}

func validate(numDerivatives, dim int) error {
	if numDerivatives < 1 {
		return fmt.Errorf("ssm: need at least one derivative, got %d", numDerivatives)
	}
	if dim < 1 {
		return fmt.Errorf("ssm: ODE dimension must be positive, got %d", dim)
	}
	return nil
}

// rowsScaled returns diag(s) @ m without forming the diagonal.
func rowsScaled(m *mat.Dense, s []float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, s[i]*m.At(i, j))
		}
	}
	return out
}

// conjugated returns diag(left) @ m @ diag(right).
func conjugated(m *mat.Dense, left, right []float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, left[i]*m.At(i, j)*right[j])
		}
	}
	return out
}

func matScaled(m *mat.Dense, s float64) *mat.Dense {
	var out mat.Dense
	out.Scale(s, m)
	return &out
}

func matMul(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

func cloneDense(m *mat.Dense) *mat.Dense {
	return mat.DenseCopyOf(m)
}

func transposed(m mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(m.T())
}

// sumFactorsLower combines two lower factors into a lower factor of the
// covariance sum. The kernels in sqrtm speak right factors, so this
// wraps the transposes.
func sumFactorsLower(l1, l2 *mat.Dense) *mat.Dense {
	return transposed(sqrtm.SumOfSqrtmFactors(transposed(l1), transposed(l2)))
}

// revertLower is sqrtm.RevertConditional for lower factors: fl = F·L0,
// l0 and q are lower factors of the previous covariance and the process
// noise. Returns lower factors of the extrapolated and backward-noise
// covariances plus the backward gain.
func revertLower(fl, l0, q *mat.Dense) (lExt, lBw, gain *mat.Dense) {
	rY, rCond, g := sqrtm.RevertConditional(transposed(fl), transposed(l0), transposed(q))
	return transposed(rY), transposed(rCond), g
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func rowOf(m *mat.Dense, i int) []float64 {
	_, c := m.Dims()
	out := make([]float64, c)
	for j := 0; j < c; j++ {
		out[j] = m.At(i, j)
	}
	return out
}

func stackCoefficients(tcoeffs [][]float64, numDerivatives, dim int) (*mat.Dense, error) {
	if len(tcoeffs) != numDerivatives+1 {
		return nil, fmt.Errorf("ssm: got %d taylor coefficients, want %d", len(tcoeffs), numDerivatives+1)
	}
	m := mat.NewDense(numDerivatives+1, dim, nil)
	for k, row := range tcoeffs {
		if len(row) != dim {
			return nil, fmt.Errorf("ssm: coefficient %d has dimension %d, want %d", k, len(row), dim)
		}
		for j, v := range row {
			m.Set(k, j, v)
		}
	}
	return m, nil
}

const tiny = 1e-300
