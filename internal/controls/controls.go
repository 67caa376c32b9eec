// Package controls implements the step-size controllers of the
// adaptive solve loop. A controller turns the scaled error norm of an
// attempted step into the next step-size proposal; a step is accepted
// when its norm is at most one.
package controls

import (
	"fmt"
	"math"
)

const (
	defaultSafety    = 0.95
	defaultFactorMin = 0.2
	defaultFactorMax = 10.0

	// unscaled controller powers, divided by the error order at use
	powerIntegral     = 0.3
	powerProportional = 0.4
)

// Controller proposes step sizes. Implementations carry state across
// accepted steps and are not safe for concurrent use.
type Controller interface {
	// Propose maps the current step size and its scaled error norm to
	// the next proposal. errorOrder is the local contraction order of
	// the method (number of derivatives plus one).
	Propose(dt, errorNorm float64, errorOrder int) float64

	// Accept commits the attempted step's norm to the controller state.
	Accept(errorNorm float64)

	// Reset clears accumulated state, for reuse across solves.
	Reset()

	Name() string
}

// New builds a controller by name ("pi" or "integral").
func New(name string) (Controller, error) {
	switch name {
	case "pi", "proportional-integral":
		return NewProportionalIntegral(), nil
	case "integral", "i":
		return NewIntegral(), nil
	}
	return nil, fmt.Errorf("controls: unknown controller %q (want pi or integral)", name)
}

// ProportionalIntegral is the default controller: it damps the pure
// integral response with the ratio of successive error norms, which
// suppresses step-size oscillation on mildly stiff problems.
type ProportionalIntegral struct {
	safety              float64
	factorMin           float64
	factorMax           float64
	errorNormPrevAccept float64
}

func NewProportionalIntegral() *ProportionalIntegral {
	return &ProportionalIntegral{
		safety:              defaultSafety,
		factorMin:           defaultFactorMin,
		factorMax:           defaultFactorMax,
		errorNormPrevAccept: 1.0,
	}
}

func (c *ProportionalIntegral) Name() string { return "pi" }

func (c *ProportionalIntegral) Propose(dt, errorNorm float64, errorOrder int) float64 {
	order := float64(errorOrder)
	n1 := math.Pow(errorNorm, -powerIntegral/order)
	n2 := math.Pow(errorNorm/c.errorNormPrevAccept, -powerProportional/order)
	factor := clamp(c.safety*n1*n2, c.factorMin, c.factorMax)
	return dt * factor
}

func (c *ProportionalIntegral) Accept(errorNorm float64) {
	// Clamping at one keeps an unusually small error on one step from
	// inflating the proportional term of the next.
	c.errorNormPrevAccept = math.Min(errorNorm, 1.0)
}

func (c *ProportionalIntegral) Reset() { c.errorNormPrevAccept = 1.0 }

// Integral is the classical textbook controller.
type Integral struct {
	safety    float64
	factorMin float64
	factorMax float64
}

func NewIntegral() *Integral {
	return &Integral{safety: defaultSafety, factorMin: defaultFactorMin, factorMax: defaultFactorMax}
}

func (c *Integral) Name() string { return "integral" }

func (c *Integral) Propose(dt, errorNorm float64, errorOrder int) float64 {
	factor := clamp(c.safety*math.Pow(errorNorm, -1.0/float64(errorOrder)), c.factorMin, c.factorMax)
	return dt * factor
}

func (c *Integral) Accept(float64) {}
func (c *Integral) Reset()         {}

// ScaledNorm is the RMS of the error estimate relative to the mixed
// absolute/relative tolerance, evaluated against the larger magnitude
// of the step's endpoints. A step passes when this is at most one.
func ScaledNorm(errEst, u0, u1 []float64, atol, rtol float64) float64 {
	acc := 0.0
	for j, e := range errEst {
		scale := atol + rtol*math.Max(math.Abs(u0[j]), math.Abs(u1[j]))
		r := e / scale
		acc += r * r
	}
	return math.Sqrt(acc / float64(len(errEst)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	if math.IsNaN(v) {
		return lo
	}
	return v
}
