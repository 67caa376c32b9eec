package ode

// RK4 is a fixed-step classical Runge-Kutta integrator. It serves as a
// deterministic cross-check for problems without a closed-form solution;
// it carries no uncertainty and is not used by the solve drivers.
type RK4 struct {
	k1, k2, k3, k4 []float64
	scratch        []float64
}

func NewRK4() *RK4 {
	return &RK4{}
}

func (r *RK4) ensureScratch(n int) {
	if len(r.k1) != n {
		r.k1 = make([]float64, n)
		r.k2 = make([]float64, n)
		r.k3 = make([]float64, n)
		r.k4 = make([]float64, n)
		r.scratch = make([]float64, n)
	}
}

func (r *RK4) Step(vf VectorField, y []float64, t, dt float64) []float64 {
	n := len(y)
	r.ensureScratch(n)

	copy(r.k1, vf.Eval(y, t))

	for i := 0; i < n; i++ {
		r.scratch[i] = y[i] + dt*0.5*r.k1[i]
	}
	copy(r.k2, vf.Eval(r.scratch, t+dt*0.5))

	for i := 0; i < n; i++ {
		r.scratch[i] = y[i] + dt*0.5*r.k2[i]
	}
	copy(r.k3, vf.Eval(r.scratch, t+dt*0.5))

	for i := 0; i < n; i++ {
		r.scratch[i] = y[i] + dt*r.k3[i]
	}
	copy(r.k4, vf.Eval(r.scratch, t+dt))

	result := make([]float64, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		result[i] = y[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}

	return result
}

// RK4Terminal integrates the problem over [t0, t1] with the given number
// of equal steps and returns the terminal state.
func RK4Terminal(vf VectorField, u0 []float64, t0, t1 float64, steps int) []float64 {
	r := NewRK4()
	y := make([]float64, len(u0))
	copy(y, u0)

	dt := (t1 - t0) / float64(steps)
	t := t0
	for i := 0; i < steps; i++ {
		y = r.Step(vf, y, t, dt)
		t += dt
	}
	return y
}
