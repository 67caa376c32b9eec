// Package ibm builds the integrated-Wiener-process prior used by the
// probabilistic solver.
//
// The prior tracks an ODE solution together with its first n derivatives
// as a Gauss-Markov process. Raw transition and noise matrices for a step
// dt carry entries that scale like powers of dt, which destroys precision
// for small steps. All algebra therefore happens in a preconditioned
// coordinate system where the unit-step matrices are dt-free; the
// diagonal preconditioner returned by [Preconditioner] maps back and
// forth.
package ibm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Prior holds the preconditioned unit-step system matrices of an
// n-times-integrated Wiener process. A is upper triangular with binomial
// entries, QSqrtm is the lower Cholesky factor of the preconditioned
// process-noise covariance (a flipped Hilbert matrix). Both are
// (n+1)×(n+1) and independent of the step size.
type Prior struct {
	NumDerivatives int
	A              *mat.Dense
	QSqrtm         *mat.Dense
}

// New constructs the prior for the given number of derivatives (n >= 1).
func New(numDerivatives int) Prior {
	n := numDerivatives
	dim := n + 1

	a := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			a.Set(i, j, binomial(n-i, j-i))
		}
	}

	q := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			q.SetSym(i, j, 1.0/float64(2*n+1-i-j))
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(q); !ok {
		// The flipped Hilbert matrix is positive definite for any order;
		// a failure here means the order is large enough that the matrix
		// is numerically singular in float64.
		panic("ibm: process-noise matrix not positive definite at this order")
	}
	var l mat.TriDense
	chol.LTo(&l)

	qs := mat.NewDense(dim, dim, nil)
	qs.Copy(&l)

	return Prior{NumDerivatives: n, A: a, QSqrtm: qs}
}

// Preconditioner returns the diagonal scaling (p, pInv) for step size dt:
// p[i] = sqrt(dt) * dt^(n-i) / (n-i)!. Conjugating the physical step-dt
// system matrices with it yields exactly A and QSqrtm from the Prior.
func (p Prior) Preconditioner(dt float64) (scale, scaleInv []float64) {
	n := p.NumDerivatives
	scale = make([]float64, n+1)
	scaleInv = make([]float64, n+1)
	sqrtDt := math.Sqrt(math.Abs(dt))
	for i := 0; i <= n; i++ {
		s := sqrtDt * math.Pow(math.Abs(dt), float64(n-i)) / factorial(n-i)
		scale[i] = s
		scaleInv[i] = 1.0 / s
	}
	return scale, scaleInv
}

// TransitionPhysical assembles the step-dt transition matrix in physical
// units, A(dt)[i][j] = dt^(j-i)/(j-i)!. Only used for cross-checks; the
// solver itself stays in preconditioned space.
func (p Prior) TransitionPhysical(dt float64) *mat.Dense {
	dim := p.NumDerivatives + 1
	a := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			a.Set(i, j, math.Pow(dt, float64(j-i))/factorial(j-i))
		}
	}
	return a
}

func binomial(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	out := 1.0
	for i := 0; i < k; i++ {
		out *= float64(n-i) / float64(i+1)
	}
	return out
}

func factorial(k int) float64 {
	out := 1.0
	for i := 2; i <= k; i++ {
		out *= float64(i)
	}
	return out
}
