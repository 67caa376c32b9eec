package ssm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/probode/probode/internal/correct"
	"github.com/probode/probode/internal/ibm"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/sqrtm"
)

// Isotropic assumes the covariance across ODE coordinates is a scalar
// multiple of the identity: one (n+1)×(n+1) factor serves every
// coordinate. Memory and flops are independent of d except for the mean.
type Isotropic struct {
	prior ibm.Prior
	dim   int
}

func NewIsotropic(numDerivatives, dim int) (*Isotropic, error) {
	if err := validate(numDerivatives, dim); err != nil {
		return nil, err
	}
	return &Isotropic{prior: ibm.New(numDerivatives), dim: dim}, nil
}

func (f *Isotropic) Name() string        { return "isotropic" }
func (f *Isotropic) NumDerivatives() int { return f.prior.NumDerivatives }
func (f *Isotropic) Dim() int            { return f.dim }
func (f *Isotropic) Prior() ibm.Prior    { return f.prior }

func (f *Isotropic) InitialCondition(tcoeffs [][]float64) (Normal, error) {
	mean, err := stackCoefficients(tcoeffs, f.NumDerivatives(), f.dim)
	if err != nil {
		return Normal{}, err
	}
	k := f.NumDerivatives() + 1
	return Normal{Mean: mean, Cov: []*mat.Dense{mat.NewDense(k, k, nil)}}, nil
}

func (f *Isotropic) Preconditioner(dt float64) ([]float64, []float64) {
	return f.prior.Preconditioner(dt)
}

func (f *Isotropic) ExtrapolateMean(m0 *mat.Dense, p, pInv []float64) (mExt, mExtP, m0P *mat.Dense) {
	m0P = rowsScaled(m0, pInv)
	mExtP = matMul(f.prior.A, m0P)
	mExt = rowsScaled(mExtP, p)
	return mExt, mExtP, m0P
}

func (f *Isotropic) EstimateError(lin correct.Linearization, p []float64) (float64, []float64) {
	lObsRaw := lin.Apply(rowsScaled(f.prior.QSqrtm, p))
	lObs := sqrtm.VecNorm(rowOf(lObsRaw, 0))
	if lObs < tiny {
		lObs = tiny
	}

	d := float64(f.dim)
	resWhite := make([]float64, f.dim)
	for i, b := range lin.Bias {
		resWhite[i] = b / lObs / math.Sqrt(d)
	}
	diffusion := sqrtm.VecNorm(resWhite)

	errEst := make([]float64, f.dim)
	for i := range errEst {
		errEst[i] = diffusion * lObs
	}
	return diffusion, errEst
}

func (f *Isotropic) CompleteExtrapolation(mExt *mat.Dense, l0 []*mat.Dense, p, pInv []float64, diffusion float64) Normal {
	l0P := rowsScaled(l0[0], pInv)
	lExtP := sumFactorsLower(
		matMul(f.prior.A, l0P),
		matScaled(f.prior.QSqrtm, diffusion),
	)
	lExt := rowsScaled(lExtP, p)
	return Normal{Mean: mExt, Cov: []*mat.Dense{lExt}}
}

func (f *Isotropic) RevertMarkovKernel(mExt *mat.Dense, l0 []*mat.Dense, p, pInv []float64, diffusion float64, m0P, mExtP *mat.Dense) (Normal, BackwardModel) {
	l0P := rowsScaled(l0[0], pInv)
	lExtP, lBwP, gainP := revertLower(
		matMul(f.prior.A, l0P),
		l0P,
		matScaled(f.prior.QSqrtm, diffusion),
	)

	mBwP := mat.DenseCopyOf(m0P)
	mBwP.Sub(mBwP, matMul(gainP, mExtP))

	// Back to physical units, including the backward model.
	lExt := rowsScaled(lExtP, p)
	mBw := rowsScaled(mBwP, p)
	lBw := rowsScaled(lBwP, p)
	gain := conjugated(gainP, p, pInv)

	extrapolated := Normal{Mean: mExt, Cov: []*mat.Dense{lExt}}
	bw := BackwardModel{
		Transition: []*mat.Dense{gain},
		Noise:      Normal{Mean: mBw, Cov: []*mat.Dense{lBw}},
	}
	return extrapolated, bw
}

func (f *Isotropic) FinalCorrection(extrapolated Normal, lin correct.Linearization) (Normal, float64) {
	mExt, lExt := extrapolated.Mean, extrapolated.Cov[0]
	k := f.NumDerivatives() + 1

	lObs := rowOf(lin.Apply(lExt), 0)
	cObs := 0.0
	for _, v := range lObs {
		cObs += v * v
	}
	if cObs < tiny {
		cObs = tiny
	}

	// Closed-form scalar gain: the residual is fully observed, so this
	// update is exact given the linearization.
	g := make([]float64, k)
	for i := 0; i < k; i++ {
		acc := 0.0
		for j := 0; j < k; j++ {
			acc += lExt.At(i, j) * lObs[j]
		}
		g[i] = acc / cObs
	}

	mCor := mat.NewDense(k, f.dim, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < f.dim; j++ {
			mCor.Set(i, j, mExt.At(i, j)-g[i]*lin.Bias[j])
		}
	}
	lCor := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			lCor.Set(i, j, lExt.At(i, j)-g[i]*lObs[j])
		}
	}

	mahal := sqrtm.VecNorm(lin.Bias) / math.Sqrt(cObs) / math.Sqrt(float64(f.dim))
	return Normal{Mean: mCor, Cov: []*mat.Dense{lCor}}, mahal
}

func (f *Isotropic) MarginaliseModel(init Normal, bw BackwardModel) Normal {
	mNew := matMul(bw.Transition[0], init.Mean)
	mNew.Add(mNew, bw.Noise.Mean)
	lNew := sumFactorsLower(
		matMul(bw.Transition[0], init.Cov[0]),
		bw.Noise.Cov[0],
	)
	return Normal{Mean: mNew, Cov: []*mat.Dense{lNew}}
}

func (f *Isotropic) CondenseBackwardModels(outer, inner BackwardModel) BackwardModel {
	g := matMul(outer.Transition[0], inner.Transition[0])
	xi := matMul(outer.Transition[0], inner.Noise.Mean)
	xi.Add(xi, outer.Noise.Mean)
	lXi := sumFactorsLower(
		matMul(outer.Transition[0], inner.Noise.Cov[0]),
		outer.Noise.Cov[0],
	)
	return BackwardModel{
		Transition: []*mat.Dense{g},
		Noise:      Normal{Mean: xi, Cov: []*mat.Dense{lXi}},
	}
}

func (f *Isotropic) IdentityBackward() BackwardModel {
	k := f.NumDerivatives() + 1
	return BackwardModel{
		Transition: []*mat.Dense{eye(k)},
		Noise: Normal{
			Mean: mat.NewDense(k, f.dim, nil),
			Cov:  []*mat.Dense{mat.NewDense(k, k, nil)},
		},
	}
}

func (f *Isotropic) ExtractQOI(rv Normal) []float64 {
	return rowOf(rv.Mean, 0)
}

func (f *Isotropic) QOIStd(rv Normal) []float64 {
	std := sqrtm.VecNorm(rowOf(rv.Cov[0], 0))
	out := make([]float64, f.dim)
	for i := range out {
		out[i] = std
	}
	return out
}

func (f *Isotropic) ScaleCov(rv Normal, s float64) Normal {
	return Normal{Mean: rv.Mean, Cov: []*mat.Dense{matScaled(rv.Cov[0], s)}}
}

func (f *Isotropic) ScaleBackward(bw BackwardModel, s float64) BackwardModel {
	return BackwardModel{
		Transition: bw.Transition,
		Noise:      f.ScaleCov(bw.Noise, s),
	}
}

func (f *Isotropic) TransformUnitSample(rv Normal, eps *mat.Dense) *mat.Dense {
	out := matMul(rv.Cov[0], eps)
	out.Add(out, rv.Mean)
	return out
}

func (f *Isotropic) Correction(spec correct.Spec) (Corrector, error) {
	if spec.Kind == correct.TS0 {
		return derivativeResidual{}, nil
	}
	return nil, ErrUnsupported
}

// derivativeResidual is the zeroth-order Taylor linearization: evaluate
// the field at the mean and observe the first-derivative row directly.
type derivativeResidual struct{}

func (derivativeResidual) Linearize(vf ode.VectorField, t float64, mExt *mat.Dense, _ []*mat.Dense) (correct.Linearization, error) {
	fval := vf.Eval(rowOf(mExt, 0), t)
	bias := make([]float64, len(fval))
	for i, fi := range fval {
		bias[i] = mExt.At(1, i) - fi
	}
	return correct.Linearization{
		Apply: selectRow(1),
		Bias:  bias,
	}, nil
}

// selectRow picks one derivative row out of a stacked factor.
func selectRow(i int) func(*mat.Dense) *mat.Dense {
	return func(l *mat.Dense) *mat.Dense {
		_, c := l.Dims()
		out := mat.NewDense(1, c, nil)
		for j := 0; j < c; j++ {
			out.Set(0, j, l.At(i, j))
		}
		return out
	}
}
