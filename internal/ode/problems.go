package ode

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Logistic is the scalar logistic equation dy/dt = r*y*(1-y).
// Its closed-form solution makes it the standard accuracy fixture.
type Logistic struct {
	R float64
}

func NewLogistic() *Logistic { return &Logistic{R: 0.5} }

func (l *Logistic) Dim() int { return 1 }

func (l *Logistic) Eval(y []float64, _ float64) []float64 {
	return []float64{l.R * y[0] * (1 - y[0])}
}

func (l *Logistic) Jac(y []float64, _ float64) *mat.Dense {
	return mat.NewDense(1, 1, []float64{l.R * (1 - 2*y[0])})
}

// Solution evaluates the logistic curve through y(0)=y0 at time t.
func (l *Logistic) Solution(y0, t float64) float64 {
	return y0 * math.Exp(l.R*t) / (1 - y0 + y0*math.Exp(l.R*t))
}

// LotkaVolterra is the predator-prey system
//
//	dy1/dt = a*y1 - b*y1*y2
//	dy2/dt = -a*y2 + b*y1*y2
type LotkaVolterra struct {
	A, B float64
}

func NewLotkaVolterra() *LotkaVolterra { return &LotkaVolterra{A: 0.5, B: 0.05} }

func (lv *LotkaVolterra) Dim() int { return 2 }

func (lv *LotkaVolterra) Eval(y []float64, _ float64) []float64 {
	return []float64{
		lv.A*y[0] - lv.B*y[0]*y[1],
		-lv.A*y[1] + lv.B*y[0]*y[1],
	}
}

func (lv *LotkaVolterra) Jac(y []float64, _ float64) *mat.Dense {
	return mat.NewDense(2, 2, []float64{
		lv.A - lv.B*y[1], -lv.B * y[0],
		lv.B * y[1], -lv.A + lv.B*y[0],
	})
}

// VanDerPol is the Van der Pol oscillator.
// State: [x, y] where y = dx/dt
// Equations:
//
//	dx/dt = y
//	dy/dt = μ(1 - x²)y - x
type VanDerPol struct {
	Mu float64
}

func NewVanDerPol() *VanDerPol { return &VanDerPol{Mu: 1.0} }

func (v *VanDerPol) Dim() int { return 2 }

func (v *VanDerPol) Eval(y []float64, _ float64) []float64 {
	return []float64{
		y[1],
		v.Mu*(1-y[0]*y[0])*y[1] - y[0],
	}
}

func (v *VanDerPol) Jac(y []float64, _ float64) *mat.Dense {
	return mat.NewDense(2, 2, []float64{
		0, 1,
		-2*v.Mu*y[0]*y[1] - 1, v.Mu * (1 - y[0]*y[0]),
	})
}

// FitzHughNagumo is the two-dimensional neuron excitation model.
type FitzHughNagumo struct {
	A, B, C float64
}

func NewFitzHughNagumo() *FitzHughNagumo {
	return &FitzHughNagumo{A: 0.2, B: 0.2, C: 3.0}
}

func (f *FitzHughNagumo) Dim() int { return 2 }

func (f *FitzHughNagumo) Eval(y []float64, _ float64) []float64 {
	v, w := y[0], y[1]
	return []float64{
		f.C * (v - v*v*v/3 + w),
		-(v - f.A + f.B*w) / f.C,
	}
}

// Lorenz implements the Lorenz attractor, the classic chaotic system.
type Lorenz struct {
	Sigma, Rho, Beta float64
}

func NewLorenz() *Lorenz { return &Lorenz{Sigma: 10, Rho: 28, Beta: 8.0 / 3.0} }

func (l *Lorenz) Dim() int { return 3 }

func (l *Lorenz) Eval(y []float64, _ float64) []float64 {
	return []float64{
		l.Sigma * (y[1] - y[0]),
		y[0]*(l.Rho-y[2]) - y[1],
		y[0]*y[1] - l.Beta*y[2],
	}
}

func (l *Lorenz) Jac(y []float64, _ float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		-l.Sigma, l.Sigma, 0,
		l.Rho - y[2], -1, -y[0],
		y[1], y[0], -l.Beta,
	})
}

// Problems returns the named IVP library used by the CLI and benchmarks.
func Problems() map[string]IVP {
	return map[string]IVP{
		"logistic": {
			Name: "logistic",
			VF:   NewLogistic(),
			U0:   []float64{0.1},
			T0:   0, T1: 1,
		},
		"lotka_volterra": {
			Name: "lotka_volterra",
			VF:   NewLotkaVolterra(),
			U0:   []float64{20, 20},
			T0:   0, T1: 50,
		},
		"vanderpol": {
			Name: "vanderpol",
			VF:   NewVanDerPol(),
			U0:   []float64{2, 0},
			T0:   0, T1: 6.3,
		},
		"fitzhugh_nagumo": {
			Name: "fitzhugh_nagumo",
			VF:   NewFitzHughNagumo(),
			U0:   []float64{-1, 1},
			T0:   0, T1: 20,
		},
		"lorenz": {
			Name: "lorenz",
			VF:   NewLorenz(),
			U0:   []float64{0, 1, 1.05},
			T0:   0, T1: 5,
		},
	}
}
