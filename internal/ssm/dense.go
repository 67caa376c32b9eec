package ssm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/ibm"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/sqrtm"
)

// Dense carries the full (n+1)d×(n+1)d covariance factor, flattened
// derivative-major: flat index of derivative k, coordinate i is k*d+i.
// It is the only factorization that represents cross-coordinate
// correlations, and the only one supporting first-order corrections.
type Dense struct {
	prior ibm.Prior
	dim   int

	// kron-expanded prior, built once at construction
	transD *mat.Dense
	qD     *mat.Dense
}

func NewDense(numDerivatives, dim int) (*Dense, error) {
	if err := validate(numDerivatives, dim); err != nil {
		return nil, err
	}
	p := ibm.New(numDerivatives)
	return &Dense{
		prior:  p,
		dim:    dim,
		transD: kronEye(p.A, dim),
		qD:     kronEye(p.QSqrtm, dim),
	}, nil
}

func (f *Dense) Name() string        { return "dense" }
func (f *Dense) NumDerivatives() int { return f.prior.NumDerivatives }
func (f *Dense) Dim() int            { return f.dim }
func (f *Dense) Prior() ibm.Prior    { return f.prior }

func (f *Dense) flatDim() int { return (f.NumDerivatives() + 1) * f.dim }

func (f *Dense) InitialCondition(tcoeffs [][]float64) (Normal, error) {
	mean, err := stackCoefficients(tcoeffs, f.NumDerivatives(), f.dim)
	if err != nil {
		return Normal{}, err
	}
	n := f.flatDim()
	return Normal{Mean: mean, Cov: []*mat.Dense{mat.NewDense(n, n, nil)}}, nil
}

func (f *Dense) Preconditioner(dt float64) ([]float64, []float64) {
	return f.prior.Preconditioner(dt)
}

// expandScale repeats the per-derivative scale across coordinates to
// match the flattened state.
func (f *Dense) expandScale(p []float64) []float64 {
	out := make([]float64, f.flatDim())
	for i, v := range p {
		for j := 0; j < f.dim; j++ {
			out[i*f.dim+j] = v
		}
	}
	return out
}

func (f *Dense) flatten(m *mat.Dense) *mat.Dense {
	k := f.NumDerivatives() + 1
	v := mat.NewDense(f.flatDim(), 1, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < f.dim; j++ {
			v.Set(i*f.dim+j, 0, m.At(i, j))
		}
	}
	return v
}

func (f *Dense) unflatten(v *mat.Dense) *mat.Dense {
	k := f.NumDerivatives() + 1
	m := mat.NewDense(k, f.dim, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < f.dim; j++ {
			m.Set(i, j, v.At(i*f.dim+j, 0))
		}
	}
	return m
}

func (f *Dense) ExtrapolateMean(m0 *mat.Dense, p, pInv []float64) (mExt, mExtP, m0P *mat.Dense) {
	m0P = rowsScaled(m0, pInv)
	mExtP = matMul(f.prior.A, m0P)
	mExt = rowsScaled(mExtP, p)
	return mExt, mExtP, m0P
}

func (f *Dense) EstimateError(lin correct.Linearization, p []float64) (float64, []float64) {
	pD := f.expandScale(p)
	lObs := lin.Apply(rowsScaled(f.qD, pD))
	if lin.NoiseSqrtm != nil {
		lObs = sumFactorsLower(lObs, transposed(lin.NoiseSqrtm))
	}
	lObsCh := toCholeskyLower(lObs)

	resWhite := lowerSolveVec(lObsCh, lin.Bias)
	diffusion := sqrtm.VecNorm(resWhite) / math.Sqrt(float64(f.dim))

	errEst := make([]float64, f.dim)
	for j := range errEst {
		errEst[j] = diffusion * sqrtm.VecNorm(rowOf(lObsCh, j))
	}
	return diffusion, errEst
}

func (f *Dense) CompleteExtrapolation(mExt *mat.Dense, l0 []*mat.Dense, p, pInv []float64, diffusion float64) Normal {
	pD := f.expandScale(p)
	pInvD := f.expandScale(pInv)
	l0P := rowsScaled(l0[0], pInvD)
	lExtP := sumFactorsLower(
		matMul(f.transD, l0P),
		matScaled(f.qD, diffusion),
	)
	return Normal{Mean: mExt, Cov: []*mat.Dense{rowsScaled(lExtP, pD)}}
}

func (f *Dense) RevertMarkovKernel(mExt *mat.Dense, l0 []*mat.Dense, p, pInv []float64, diffusion float64, m0P, mExtP *mat.Dense) (Normal, BackwardModel) {
	pD := f.expandScale(p)
	pInvD := f.expandScale(pInv)
	l0P := rowsScaled(l0[0], pInvD)

	lExtP, lBwP, gainP := revertLower(
		matMul(f.transD, l0P),
		l0P,
		matScaled(f.qD, diffusion),
	)

	var mBwP mat.Dense
	mBwP.Mul(gainP, f.flatten(mExtP))
	mBwP.Sub(f.flatten(m0P), &mBwP)
	mBw := rowsScaled(f.unflatten(&mBwP), p)

	extrapolated := Normal{Mean: mExt, Cov: []*mat.Dense{rowsScaled(lExtP, pD)}}
	bw := BackwardModel{
		Transition: []*mat.Dense{conjugated(gainP, pD, pInvD)},
		Noise:      Normal{Mean: mBw, Cov: []*mat.Dense{rowsScaled(lBwP, pD)}},
	}
	return extrapolated, bw
}

func (f *Dense) FinalCorrection(extrapolated Normal, lin correct.Linearization) (Normal, float64) {
	lExt := extrapolated.Cov[0]
	hl := lin.Apply(lExt)

	var lObs, lCor, gain *mat.Dense
	if lin.NoiseSqrtm == nil {
		rY, rCond, g := sqrtm.RevertConditionalNoisefree(transposed(hl), transposed(lExt))
		lObs, lCor, gain = transposed(rY), transposed(rCond), g
	} else {
		rY, rCond, g := sqrtm.RevertConditional(transposed(hl), transposed(lExt), lin.NoiseSqrtm)
		lObs, lCor, gain = transposed(rY), transposed(rCond), g
	}

	var corr mat.Dense
	corr.Mul(gain, mat.NewDense(f.dim, 1, lin.Bias))
	var mCorV mat.Dense
	mCorV.Sub(f.flatten(extrapolated.Mean), &corr)
	mCor := f.unflatten(&mCorV)

	resWhite := lowerSolveVec(lObs, lin.Bias)
	mahal := sqrtm.VecNorm(resWhite) / math.Sqrt(float64(f.dim))

	return Normal{Mean: mCor, Cov: []*mat.Dense{lCor}}, mahal
}

func (f *Dense) MarginaliseModel(init Normal, bw BackwardModel) Normal {
	var mv mat.Dense
	mv.Mul(bw.Transition[0], f.flatten(init.Mean))
	mv.Add(&mv, f.flatten(bw.Noise.Mean))
	cov := sumFactorsLower(
		matMul(bw.Transition[0], init.Cov[0]),
		bw.Noise.Cov[0],
	)
	return Normal{Mean: f.unflatten(&mv), Cov: []*mat.Dense{cov}}
}

func (f *Dense) CondenseBackwardModels(outer, inner BackwardModel) BackwardModel {
	trans := matMul(outer.Transition[0], inner.Transition[0])
	var xi mat.Dense
	xi.Mul(outer.Transition[0], f.flatten(inner.Noise.Mean))
	xi.Add(&xi, f.flatten(outer.Noise.Mean))
	cov := sumFactorsLower(
		matMul(outer.Transition[0], inner.Noise.Cov[0]),
		outer.Noise.Cov[0],
	)
	return BackwardModel{
		Transition: []*mat.Dense{trans},
		Noise:      Normal{Mean: f.unflatten(&xi), Cov: []*mat.Dense{cov}},
	}
}

func (f *Dense) IdentityBackward() BackwardModel {
	n := f.flatDim()
	k := f.NumDerivatives() + 1
	return BackwardModel{
		Transition: []*mat.Dense{eye(n)},
		Noise: Normal{
			Mean: mat.NewDense(k, f.dim, nil),
			Cov:  []*mat.Dense{mat.NewDense(n, n, nil)},
		},
	}
}

func (f *Dense) ExtractQOI(rv Normal) []float64 {
	return rowOf(rv.Mean, 0)
}

func (f *Dense) QOIStd(rv Normal) []float64 {
	out := make([]float64, f.dim)
	for j := range out {
		out[j] = sqrtm.VecNorm(rowOf(rv.Cov[0], j))
	}
	return out
}

func (f *Dense) ScaleCov(rv Normal, s float64) Normal {
	return Normal{Mean: rv.Mean, Cov: []*mat.Dense{matScaled(rv.Cov[0], s)}}
}

func (f *Dense) ScaleBackward(bw BackwardModel, s float64) BackwardModel {
	return BackwardModel{Transition: bw.Transition, Noise: f.ScaleCov(bw.Noise, s)}
}

func (f *Dense) TransformUnitSample(rv Normal, eps *mat.Dense) *mat.Dense {
	var v mat.Dense
	v.Mul(rv.Cov[0], f.flatten(eps))
	v.Add(f.flatten(rv.Mean), &v)
	return f.unflatten(&v)
}

func (f *Dense) Correction(spec correct.Spec) (Corrector, error) {
	switch spec.Kind {
	case correct.TS0:
		return tsDense{dim: f.dim}, nil
	case correct.TS1:
		return tsDense{dim: f.dim, firstOrder: true}, nil
	case correct.SLR0:
		return slrDense{dim: f.dim, rule: spec.Rule()}, nil
	case correct.SLR1:
		return slrDense{dim: f.dim, rule: spec.Rule(), firstOrder: true}, nil
	}
	return nil, ErrUnsupported
}

// tsDense is the Taylor-series correction on the flattened state. The
// zeroth-order residual observes E1 x - f(E0 m); first order subtracts
// the Jacobian term J E0 x from the observation operator.
type tsDense struct {
	dim        int
	firstOrder bool
}

func (c tsDense) Linearize(vf ode.VectorField, t float64, mExt *mat.Dense, cov []*mat.Dense) (correct.Linearization, error) {
	m0 := rowOf(mExt, 0)
	fx := vf.Eval(m0, t)

	bias := make([]float64, c.dim)
	for j := 0; j < c.dim; j++ {
		bias[j] = mExt.At(1, j) - fx[j]
	}

	if !c.firstOrder {
		return correct.Linearization{Apply: selectBlockRows(1, c.dim), Bias: bias}, nil
	}

	jac := ode.JacOf(vf, m0, t)
	apply := func(l *mat.Dense) *mat.Dense {
		e0 := selectBlockRows(0, c.dim)(l)
		e1 := selectBlockRows(1, c.dim)(l)
		var out mat.Dense
		out.Mul(jac, e0)
		out.Sub(e1, &out)
		return &out
	}
	return correct.Linearization{Apply: apply, Bias: bias}, nil
}

// slrDense linearizes by statistical regression over cubature points
// spread with the full position marginal.
type slrDense struct {
	dim        int
	rule       correct.Cubature
	firstOrder bool
}

func (c slrDense) Linearize(vf ode.VectorField, t float64, mExt *mat.Dense, cov []*mat.Dense) (correct.Linearization, error) {
	d := c.dim
	m0 := rowOf(mExt, 0)

	posFactor := selectBlockRows(0, d)(cov[0])
	lPos := toCholeskyLower(posFactor)

	nodes, weights := c.rule.Points(d)
	nPts, _ := nodes.Dims()

	pts := mat.NewDense(nPts, d, nil)
	fvals := mat.NewDense(nPts, d, nil)
	fbar := make([]float64, d)
	x := make([]float64, d)
	for i := 0; i < nPts; i++ {
		for j := 0; j < d; j++ {
			acc := m0[j]
			for l := 0; l <= j; l++ {
				acc += lPos.At(j, l) * nodes.At(i, l)
			}
			x[j] = acc
			pts.Set(i, j, acc)
		}
		fx := vf.Eval(x, t)
		for j := 0; j < d; j++ {
			fvals.Set(i, j, fx[j])
			fbar[j] += weights[i] * fx[j]
		}
	}

	fdevs := mat.NewDense(nPts, d, nil)
	for i := 0; i < nPts; i++ {
		sw := math.Sqrt(weights[i])
		for j := 0; j < d; j++ {
			fdevs.Set(i, j, sw*(fvals.At(i, j)-fbar[j]))
		}
	}

	bias := make([]float64, d)
	for j := 0; j < d; j++ {
		bias[j] = mExt.At(1, j) - fbar[j]
	}

	if !c.firstOrder {
		return correct.Linearization{
			Apply:      selectBlockRows(1, d),
			Bias:       bias,
			NoiseSqrtm: fdevs,
		}, nil
	}

	xdevs := mat.NewDense(nPts, d, nil)
	for i := 0; i < nPts; i++ {
		sw := math.Sqrt(weights[i])
		for j := 0; j < d; j++ {
			xdevs.Set(i, j, sw*(pts.At(i, j)-m0[j]))
		}
	}

	// Regression of the function values on the inputs: the revert yields
	// the gain Cov(f,x)Cov(x)^-1 and the residual noise factor.
	_, rCond, jac := sqrtm.RevertConditionalNoisefree(xdevs, fdevs)

	apply := func(l *mat.Dense) *mat.Dense {
		e0 := selectBlockRows(0, d)(l)
		e1 := selectBlockRows(1, d)(l)
		var out mat.Dense
		out.Mul(jac, e0)
		out.Sub(e1, &out)
		return &out
	}
	return correct.Linearization{Apply: apply, Bias: bias, NoiseSqrtm: rCond}, nil
}

// selectBlockRows picks the rows of one derivative block out of the
// flattened state.
func selectBlockRows(k, d int) func(*mat.Dense) *mat.Dense {
	return func(l *mat.Dense) *mat.Dense {
		_, c := l.Dims()
		out := mat.NewDense(d, c, nil)
		for i := 0; i < d; i++ {
			for j := 0; j < c; j++ {
				out.Set(i, j, l.At(k*d+i, j))
			}
		}
		return out
	}
}

// kronEye computes kron(a, I_d).
func kronEye(a *mat.Dense, d int) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r*d, c*d, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := a.At(i, j)
			if v == 0 {
				continue
			}
			for l := 0; l < d; l++ {
				out.Set(i*d+l, j*d+l, v)
			}
		}
	}
	return out
}

// toCholeskyLower turns an arbitrary lower-shaped factor into a square
// lower-triangular one via QR of its transpose.
func toCholeskyLower(l *mat.Dense) *mat.Dense {
	return transposed(sqrtm.ToCholesky(transposed(l)))
}

// lowerSolveVec solves L x = b by forward substitution, regularizing
// vanishing pivots so degenerate covariances whiten to finite values.
func lowerSolveVec(l *mat.Dense, b []float64) []float64 {
	n := len(b)
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		acc := b[i]
		for j := 0; j < i; j++ {
			acc -= l.At(i, j) * x[j]
		}
		piv := l.At(i, i)
		if math.Abs(piv) < tiny {
			if piv < 0 {
				piv = -tiny
			} else {
				piv = tiny
			}
		}
		x[i] = acc / piv
	}
	return x
}
