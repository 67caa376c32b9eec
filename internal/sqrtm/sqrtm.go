// Package sqrtm implements primitive operations on matrix square roots.
//
// Covariances are carried as right factors R with Rᵀ R = C. The factors
// themselves are not unique (any orthogonal transform of R represents the
// same covariance), so callers must only ever compare Gram products.
// All operations go through QR factorizations and never form a dense
// covariance matrix.
package sqrtm

import (
	"gonum.org/v1/gonum/mat"
)

// ToCholesky triangularizes a k×n right factor R into an n×n factor with
// the same Gram product Rᵀ R. Factors with fewer rows than columns are
// zero-padded first, so degenerate (even all-zero) inputs stay finite.
func ToCholesky(r *mat.Dense) *mat.Dense {
	rows, cols := r.Dims()
	a := r
	if rows < cols {
		a = mat.NewDense(cols, cols, nil)
		a.Slice(0, rows, 0, cols).(*mat.Dense).Copy(r)
		rows = cols
	}

	var qr mat.QR
	qr.Factorize(a)
	full := mat.NewDense(rows, cols, nil)
	qr.RTo(full)

	out := mat.NewDense(cols, cols, nil)
	out.Copy(full.Slice(0, cols, 0, cols))
	return out
}

// SumOfSqrtmFactors returns a right factor R of the sum of two
// covariances: Rᵀ R = R1ᵀ R1 + R2ᵀ R2. Both inputs must have the same
// number of columns.
func SumOfSqrtmFactors(r1, r2 *mat.Dense) *mat.Dense {
	rows1, cols := r1.Dims()
	rows2, cols2 := r2.Dims()
	if cols != cols2 {
		panic("sqrtm: column mismatch in sum of factors")
	}

	stacked := mat.NewDense(rows1+rows2, cols, nil)
	stacked.Slice(0, rows1, 0, cols).(*mat.Dense).Copy(r1)
	stacked.Slice(rows1, rows1+rows2, 0, cols).(*mat.Dense).Copy(r2)
	return ToCholesky(stacked)
}

// RevertConditional reverts the linear-Gaussian model
//
//	y | x ~ N(F x, Q),   x ~ N(m, C)
//
// into the marginal of y and the backward conditional of x given y.
// Inputs are right factors: rXF = (F Lx)ᵀ, rX = Lxᵀ, rYX = Lqᵀ where
// C = Lx Lxᵀ and Q = Lq Lqᵀ. It returns right factors rY of the marginal
// covariance and rCond of the conditional covariance, plus the Kalman
// gain G = C Fᵀ (F C Fᵀ + Q)⁻¹.
//
// The whole update is a single QR factorization of the stacked joint
// factor, which is the square-root (Joseph-form) Kalman update.
func RevertConditional(rXF, rX, rYX *mat.Dense) (rY, rCond, gain *mat.Dense) {
	rowsQ, dimY := rYX.Dims()
	rowsX, dimX := rX.Dims()
	rowsF, dimY2 := rXF.Dims()
	if dimY != dimY2 || rowsF != rowsX {
		panic("sqrtm: inconsistent block shapes in revert")
	}

	// Joint factor [[rYX, 0], [rXF, rX]]; its Gram product is the joint
	// covariance of (y, x).
	joint := mat.NewDense(rowsQ+rowsX, dimY+dimX, nil)
	joint.Slice(0, rowsQ, 0, dimY).(*mat.Dense).Copy(rYX)
	joint.Slice(rowsQ, rowsQ+rowsX, 0, dimY).(*mat.Dense).Copy(rXF)
	joint.Slice(rowsQ, rowsQ+rowsX, dimY, dimY+dimX).(*mat.Dense).Copy(rX)

	return revertTriangularized(ToCholesky(joint), dimY, dimX)
}

// RevertConditionalNoisefree is RevertConditional for Q = 0, used when
// conditioning on an exactly observed linear functional.
func RevertConditionalNoisefree(rXF, rX *mat.Dense) (rY, rCond, gain *mat.Dense) {
	rowsF, dimY := rXF.Dims()
	rowsX, dimX := rX.Dims()
	if rowsF != rowsX {
		panic("sqrtm: inconsistent block shapes in noisefree revert")
	}

	joint := mat.NewDense(rowsX, dimY+dimX, nil)
	joint.Slice(0, rowsX, 0, dimY).(*mat.Dense).Copy(rXF)
	joint.Slice(0, rowsX, dimY, dimY+dimX).(*mat.Dense).Copy(rX)

	return revertTriangularized(ToCholesky(joint), dimY, dimX)
}

func revertTriangularized(r *mat.Dense, dimY, dimX int) (rY, rCond, gain *mat.Dense) {
	rY = mat.NewDense(dimY, dimY, nil)
	rY.Copy(r.Slice(0, dimY, 0, dimY))

	rCross := mat.NewDense(dimY, dimX, nil)
	rCross.Copy(r.Slice(0, dimY, dimY, dimY+dimX))

	rCond = mat.NewDense(dimX, dimX, nil)
	rCond.Copy(r.Slice(dimY, dimY+dimX, dimY, dimY+dimX))

	// G = rCrossᵀ rY⁻ᵀ. A singular rY means the marginal covariance is
	// degenerate in some direction; the gain is then immaterial along it
	// and a zero gain keeps everything finite.
	gain = mat.NewDense(dimX, dimY, nil)
	var sol mat.Dense
	if err := sol.Solve(rY, rCross); err == nil {
		gain.Copy(sol.T())
	}
	return rY, rCond, gain
}

// VecNorm is the Euclidean norm of v, i.e. the 1×1 triangularization of
// the column factor built from v.
func VecNorm(v []float64) float64 {
	return mat.Norm(mat.NewVecDense(len(v), v), 2)
}
