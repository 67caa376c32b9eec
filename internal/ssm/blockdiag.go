package ssm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/ibm"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/sqrtm"
)

// BlockDiagonal keeps one independent (n+1)×(n+1) factor per ODE
// coordinate: no cross-coordinate covariance, intermediate cost between
// Isotropic and Dense.
type BlockDiagonal struct {
	prior ibm.Prior
	dim   int
}

func NewBlockDiagonal(numDerivatives, dim int) (*BlockDiagonal, error) {
	if err := validate(numDerivatives, dim); err != nil {
		return nil, err
	}
	return &BlockDiagonal{prior: ibm.New(numDerivatives), dim: dim}, nil
}

func (f *BlockDiagonal) Name() string        { return "blockdiag" }
func (f *BlockDiagonal) NumDerivatives() int { return f.prior.NumDerivatives }
func (f *BlockDiagonal) Dim() int            { return f.dim }
func (f *BlockDiagonal) Prior() ibm.Prior    { return f.prior }

func (f *BlockDiagonal) InitialCondition(tcoeffs [][]float64) (Normal, error) {
	mean, err := stackCoefficients(tcoeffs, f.NumDerivatives(), f.dim)
	if err != nil {
		return Normal{}, err
	}
	k := f.NumDerivatives() + 1
	cov := make([]*mat.Dense, f.dim)
	for j := range cov {
		cov[j] = mat.NewDense(k, k, nil)
	}
	return Normal{Mean: mean, Cov: cov}, nil
}

func (f *BlockDiagonal) Preconditioner(dt float64) ([]float64, []float64) {
	return f.prior.Preconditioner(dt)
}

func (f *BlockDiagonal) ExtrapolateMean(m0 *mat.Dense, p, pInv []float64) (mExt, mExtP, m0P *mat.Dense) {
	m0P = rowsScaled(m0, pInv)
	mExtP = matMul(f.prior.A, m0P)
	mExt = rowsScaled(mExtP, p)
	return mExt, mExtP, m0P
}

func (f *BlockDiagonal) EstimateError(lin correct.Linearization, p []float64) (float64, []float64) {
	lObsRaw := lin.Apply(rowsScaled(f.prior.QSqrtm, p))
	base := sqrtm.VecNorm(rowOf(lObsRaw, 0))

	obsStd := make([]float64, f.dim)
	for j := range obsStd {
		v := base * base
		if lin.NoiseSqrtm != nil {
			v += colNormSq(lin.NoiseSqrtm, j)
		}
		obsStd[j] = math.Sqrt(v)
		if obsStd[j] < tiny {
			obsStd[j] = tiny
		}
	}

	resWhite := make([]float64, f.dim)
	for j, b := range lin.Bias {
		resWhite[j] = b / obsStd[j]
	}
	diffusion := sqrtm.VecNorm(resWhite) / math.Sqrt(float64(f.dim))

	errEst := make([]float64, f.dim)
	for j := range errEst {
		errEst[j] = diffusion * obsStd[j]
	}
	return diffusion, errEst
}

func (f *BlockDiagonal) CompleteExtrapolation(mExt *mat.Dense, l0 []*mat.Dense, p, pInv []float64, diffusion float64) Normal {
	cov := make([]*mat.Dense, f.dim)
	for j := 0; j < f.dim; j++ {
		l0P := rowsScaled(l0[j], pInv)
		lExtP := sumFactorsLower(
			matMul(f.prior.A, l0P),
			matScaled(f.prior.QSqrtm, diffusion),
		)
		cov[j] = rowsScaled(lExtP, p)
	}
	return Normal{Mean: mExt, Cov: cov}
}

func (f *BlockDiagonal) RevertMarkovKernel(mExt *mat.Dense, l0 []*mat.Dense, p, pInv []float64, diffusion float64, m0P, mExtP *mat.Dense) (Normal, BackwardModel) {
	k := f.NumDerivatives() + 1
	cov := make([]*mat.Dense, f.dim)
	trans := make([]*mat.Dense, f.dim)
	bwCov := make([]*mat.Dense, f.dim)
	mBw := mat.NewDense(k, f.dim, nil)

	for j := 0; j < f.dim; j++ {
		l0P := rowsScaled(l0[j], pInv)
		lExtP, lBwP, gainP := revertLower(
			matMul(f.prior.A, l0P),
			l0P,
			matScaled(f.prior.QSqrtm, diffusion),
		)

		for i := 0; i < k; i++ {
			acc := m0P.At(i, j)
			for l := 0; l < k; l++ {
				acc -= gainP.At(i, l) * mExtP.At(l, j)
			}
			mBw.Set(i, j, p[i]*acc)
		}

		cov[j] = rowsScaled(lExtP, p)
		bwCov[j] = rowsScaled(lBwP, p)
		trans[j] = conjugated(gainP, p, pInv)
	}

	extrapolated := Normal{Mean: mExt, Cov: cov}
	bw := BackwardModel{
		Transition: trans,
		Noise:      Normal{Mean: mBw, Cov: bwCov},
	}
	return extrapolated, bw
}

func (f *BlockDiagonal) FinalCorrection(extrapolated Normal, lin correct.Linearization) (Normal, float64) {
	k := f.NumDerivatives() + 1
	mExt := extrapolated.Mean
	mCor := mat.NewDense(k, f.dim, nil)
	cov := make([]*mat.Dense, f.dim)
	mahalSq := 0.0

	for j := 0; j < f.dim; j++ {
		lExt := extrapolated.Cov[j]
		lObs := rowOf(lin.Apply(lExt), 0)
		cObs := 0.0
		for _, v := range lObs {
			cObs += v * v
		}
		noiseSq := 0.0
		if lin.NoiseSqrtm != nil {
			noiseSq = colNormSq(lin.NoiseSqrtm, j)
		}
		s := cObs + noiseSq
		if s < tiny {
			s = tiny
		}

		if lin.NoiseSqrtm == nil {
			// Noise-free residual: scalar closed-form update.
			g := make([]float64, k)
			for i := 0; i < k; i++ {
				acc := 0.0
				for l := 0; l < k; l++ {
					acc += lExt.At(i, l) * lObs[l]
				}
				g[i] = acc / s
			}
			lCor := mat.NewDense(k, k, nil)
			for i := 0; i < k; i++ {
				for l := 0; l < k; l++ {
					lCor.Set(i, l, lExt.At(i, l)-g[i]*lObs[l])
				}
			}
			cov[j] = lCor
			for i := 0; i < k; i++ {
				mCor.Set(i, j, mExt.At(i, j)-g[i]*lin.Bias[j])
			}
		} else {
			// Statistical linearization adds observation noise; the
			// closed-form factor update no longer applies, so revert the
			// scalar-observation model properly.
			fl := mat.NewDense(1, k, lObs)
			noise := mat.NewDense(1, 1, []float64{math.Sqrt(noiseSq)})
			_, lCor, gain := revertLower(fl, lExt, noise)
			cov[j] = lCor
			for i := 0; i < k; i++ {
				mCor.Set(i, j, mExt.At(i, j)-gain.At(i, 0)*lin.Bias[j])
			}
		}

		mahalSq += lin.Bias[j] * lin.Bias[j] / s
	}

	mahal := math.Sqrt(mahalSq / float64(f.dim))
	return Normal{Mean: mCor, Cov: cov}, mahal
}

func (f *BlockDiagonal) MarginaliseModel(init Normal, bw BackwardModel) Normal {
	k := f.NumDerivatives() + 1
	mNew := mat.NewDense(k, f.dim, nil)
	cov := make([]*mat.Dense, f.dim)
	for j := 0; j < f.dim; j++ {
		for i := 0; i < k; i++ {
			acc := bw.Noise.Mean.At(i, j)
			for l := 0; l < k; l++ {
				acc += bw.Transition[j].At(i, l) * init.Mean.At(l, j)
			}
			mNew.Set(i, j, acc)
		}
		cov[j] = sumFactorsLower(
			matMul(bw.Transition[j], init.Cov[j]),
			bw.Noise.Cov[j],
		)
	}
	return Normal{Mean: mNew, Cov: cov}
}

func (f *BlockDiagonal) CondenseBackwardModels(outer, inner BackwardModel) BackwardModel {
	k := f.NumDerivatives() + 1
	trans := make([]*mat.Dense, f.dim)
	cov := make([]*mat.Dense, f.dim)
	xi := mat.NewDense(k, f.dim, nil)
	for j := 0; j < f.dim; j++ {
		trans[j] = matMul(outer.Transition[j], inner.Transition[j])
		for i := 0; i < k; i++ {
			acc := outer.Noise.Mean.At(i, j)
			for l := 0; l < k; l++ {
				acc += outer.Transition[j].At(i, l) * inner.Noise.Mean.At(l, j)
			}
			xi.Set(i, j, acc)
		}
		cov[j] = sumFactorsLower(
			matMul(outer.Transition[j], inner.Noise.Cov[j]),
			outer.Noise.Cov[j],
		)
	}
	return BackwardModel{
		Transition: trans,
		Noise:      Normal{Mean: xi, Cov: cov},
	}
}

func (f *BlockDiagonal) IdentityBackward() BackwardModel {
	k := f.NumDerivatives() + 1
	trans := make([]*mat.Dense, f.dim)
	cov := make([]*mat.Dense, f.dim)
	for j := range trans {
		trans[j] = eye(k)
		cov[j] = mat.NewDense(k, k, nil)
	}
	return BackwardModel{
		Transition: trans,
		Noise:      Normal{Mean: mat.NewDense(k, f.dim, nil), Cov: cov},
	}
}

func (f *BlockDiagonal) ExtractQOI(rv Normal) []float64 {
	return rowOf(rv.Mean, 0)
}

func (f *BlockDiagonal) QOIStd(rv Normal) []float64 {
	out := make([]float64, f.dim)
	for j := range out {
		out[j] = sqrtm.VecNorm(rowOf(rv.Cov[j], 0))
	}
	return out
}

func (f *BlockDiagonal) ScaleCov(rv Normal, s float64) Normal {
	cov := make([]*mat.Dense, f.dim)
	for j := range cov {
		cov[j] = matScaled(rv.Cov[j], s)
	}
	return Normal{Mean: rv.Mean, Cov: cov}
}

func (f *BlockDiagonal) ScaleBackward(bw BackwardModel, s float64) BackwardModel {
	return BackwardModel{Transition: bw.Transition, Noise: f.ScaleCov(bw.Noise, s)}
}

func (f *BlockDiagonal) TransformUnitSample(rv Normal, eps *mat.Dense) *mat.Dense {
	k := f.NumDerivatives() + 1
	out := mat.NewDense(k, f.dim, nil)
	for j := 0; j < f.dim; j++ {
		for i := 0; i < k; i++ {
			acc := rv.Mean.At(i, j)
			for l := 0; l < k; l++ {
				acc += rv.Cov[j].At(i, l) * eps.At(l, j)
			}
			out.Set(i, j, acc)
		}
	}
	return out
}

func (f *BlockDiagonal) Correction(spec correct.Spec) (Corrector, error) {
	switch spec.Kind {
	case correct.TS0:
		return derivativeResidual{}, nil
	case correct.SLR0:
		return slr0Diagonal{rule: spec.Rule()}, nil
	}
	return nil, ErrUnsupported
}

// slr0Diagonal is zeroth-order statistical linear regression with a
// diagonal noise model: cubature points are spread with the (diagonal)
// position marginal, and the regression noise is kept per coordinate.
type slr0Diagonal struct {
	rule correct.Cubature
}

func (c slr0Diagonal) Linearize(vf ode.VectorField, t float64, mExt *mat.Dense, cov []*mat.Dense) (correct.Linearization, error) {
	_, d := mExt.Dims()
	m0 := rowOf(mExt, 0)

	std := make([]float64, d)
	for j := 0; j < d; j++ {
		std[j] = sqrtm.VecNorm(rowOf(cov[j], 0))
	}

	nodes, weights := c.rule.Points(d)
	nPts, _ := nodes.Dims()

	fvals := mat.NewDense(nPts, d, nil)
	fbar := make([]float64, d)
	x := make([]float64, d)
	for i := 0; i < nPts; i++ {
		for j := 0; j < d; j++ {
			x[j] = m0[j] + std[j]*nodes.At(i, j)
		}
		fx := vf.Eval(x, t)
		for j := 0; j < d; j++ {
			fvals.Set(i, j, fx[j])
			fbar[j] += weights[i] * fx[j]
		}
	}

	noise := mat.NewDense(nPts, d, nil)
	for i := 0; i < nPts; i++ {
		sw := math.Sqrt(weights[i])
		for j := 0; j < d; j++ {
			noise.Set(i, j, sw*(fvals.At(i, j)-fbar[j]))
		}
	}

	bias := make([]float64, d)
	for j := 0; j < d; j++ {
		bias[j] = mExt.At(1, j) - fbar[j]
	}

	return correct.Linearization{
		Apply:      selectRow(1),
		Bias:       bias,
		NoiseSqrtm: noise,
	}, nil
}

func colNormSq(m *mat.Dense, j int) float64 {
	r, _ := m.Dims()
	acc := 0.0
	for i := 0; i < r; i++ {
		v := m.At(i, j)
		acc += v * v
	}
	return acc
}
