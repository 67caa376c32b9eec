// Package ode defines the vector-field interface consumed by the solver
// and a small library of initial value problems.
package ode

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// VectorField is an autonomous-or-time-dependent ODE right-hand side,
// dy/dt = f(y, t). Implementations must be pure: no retained state, no
// mutation of y.
type VectorField interface {
	Eval(y []float64, t float64) []float64
	Dim() int
}

// Jacobian is implemented by vector fields that can evaluate df/dy
// exactly. First-order linearizations fall back to finite differences
// when it is absent.
type Jacobian interface {
	Jac(y []float64, t float64) *mat.Dense
}

// Func adapts a plain function to VectorField.
type Func struct {
	F func(y []float64, t float64) []float64
	N int
}

func (f Func) Eval(y []float64, t float64) []float64 { return f.F(y, t) }
func (f Func) Dim() int                              { return f.N }

// IVP bundles a vector field with an initial condition and a time span.
type IVP struct {
	Name string
	VF   VectorField
	U0   []float64
	T0   float64
	T1   float64
}

// NumJac estimates the Jacobian of vf at (y, t) with central differences.
func NumJac(vf VectorField, y []float64, t float64) *mat.Dense {
	d := len(y)
	jac := mat.NewDense(d, d, nil)
	yp := make([]float64, d)
	ym := make([]float64, d)
	for j := 0; j < d; j++ {
		h := 1e-7 * math.Max(1, math.Abs(y[j]))
		copy(yp, y)
		copy(ym, y)
		yp[j] += h
		ym[j] -= h
		fp := vf.Eval(yp, t)
		fm := vf.Eval(ym, t)
		for i := 0; i < d; i++ {
			jac.Set(i, j, (fp[i]-fm[i])/(2*h))
		}
	}
	return jac
}

// JacOf returns the exact Jacobian when vf provides one and a numerical
// one otherwise.
func JacOf(vf VectorField, y []float64, t float64) *mat.Dense {
	if j, ok := vf.(Jacobian); ok {
		return j.Jac(y, t)
	}
	return NumJac(vf, y, t)
}
