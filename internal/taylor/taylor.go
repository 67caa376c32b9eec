// Package taylor seeds the solver's initial state with derivatives of
// the ODE solution at t0.
//
// The solver treats coefficient computation as a black box behind [Fn]:
// any routine that returns the first num exact derivatives can be
// plugged in. The package ships a closed-form recursion for affine
// fields and a finite-difference jet for generic ones.
package taylor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/probode/probode/internal/ode"
)

// Fn computes [y(t0), y'(t0), ..., y^(num)(t0)], i.e. num+1 rows of
// dimension len(u0).
type Fn func(vf ode.VectorField, u0 []float64, t0 float64, num int) ([][]float64, error)

// Affine returns the exact Taylor coefficients of dy/dt = A y + b:
// each derivative is one more application of A.
func Affine(a *mat.Dense, b, u0 []float64, num int) [][]float64 {
	d := len(u0)
	coeffs := make([][]float64, num+1)
	coeffs[0] = append([]float64(nil), u0...)
	for k := 1; k <= num; k++ {
		prev := mat.NewVecDense(d, append([]float64(nil), coeffs[k-1]...))
		var next mat.VecDense
		next.MulVec(a, prev)
		row := make([]float64, d)
		for i := 0; i < d; i++ {
			row[i] = next.AtVec(i)
			if k == 1 {
				row[i] += b[i]
			}
		}
		coeffs[k] = row
	}
	return coeffs
}

// Jet computes Taylor coefficients of a generic field by differentiating
// t -> f(ŷ(t), t) with central finite-difference stencils, where ŷ is the
// truncated Taylor polynomial built from the coefficients found so far.
// The polynomial matches the solution to the order needed, so each level
// of the recursion is exact up to the stencil's truncation error.
//
// Accuracy degrades with the derivative order; num above 5 is rejected.
func Jet(vf ode.VectorField, u0 []float64, t0 float64, num int) ([][]float64, error) {
	if num < 1 {
		return nil, fmt.Errorf("taylor: need at least one derivative, got %d", num)
	}
	if num > 5 {
		return nil, fmt.Errorf("taylor: finite-difference jet unreliable beyond 5 derivatives, got %d", num)
	}

	d := len(u0)
	coeffs := make([][]float64, 0, num+1)
	coeffs = append(coeffs, append([]float64(nil), u0...))
	coeffs = append(coeffs, append([]float64(nil), vf.Eval(u0, t0)...))

	for k := 2; k <= num; k++ {
		order := k - 1 // derivative order of t -> f(ŷ(t), t) we need

		g := func(h float64) []float64 {
			y := make([]float64, d)
			for i := 0; i < d; i++ {
				acc := 0.0
				hk := 1.0
				fact := 1.0
				for j := 0; j < k; j++ {
					if j > 0 {
						hk *= h
						fact *= float64(j)
					}
					acc += coeffs[j][i] * hk / fact
				}
				y[i] = acc
			}
			return vf.Eval(y, t0+h)
		}

		scale := 1.0
		for _, c := range coeffs[k-1] {
			scale = math.Max(scale, math.Abs(c))
		}
		h := math.Pow(2.2e-16, 1.0/float64(order+2)) * math.Pow(scale, -1.0/float64(order+1))

		row, err := stencil(g, h, order, d)
		if err != nil {
			return nil, err
		}
		coeffs = append(coeffs, row)
	}
	return coeffs, nil
}

func stencil(g func(float64) []float64, h float64, order, d int) ([]float64, error) {
	combine := func(terms []struct {
		c float64
		x float64
	}, denom float64) []float64 {
		out := make([]float64, d)
		for _, tm := range terms {
			f := g(tm.x)
			for i := 0; i < d; i++ {
				out[i] += tm.c * f[i]
			}
		}
		for i := range out {
			out[i] /= denom
		}
		return out
	}

	type term = struct {
		c float64
		x float64
	}
	switch order {
	case 1:
		return combine([]term{{1, h}, {-1, -h}}, 2*h), nil
	case 2:
		return combine([]term{{1, h}, {-2, 0}, {1, -h}}, h*h), nil
	case 3:
		return combine([]term{{1, 2 * h}, {-2, h}, {2, -h}, {-1, -2 * h}}, 2*h*h*h), nil
	case 4:
		return combine([]term{{1, 2 * h}, {-4, h}, {6, 0}, {-4, -h}, {1, -2 * h}}, h*h*h*h), nil
	}
	return nil, fmt.Errorf("taylor: no stencil for derivative order %d", order)
}
