package correct

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/mat"
)

// Cubature approximates expectations under a unit Gaussian in dim
// dimensions with nodes (k×dim) and weights (k) summing to one.
type Cubature interface {
	Points(dim int) (nodes *mat.Dense, weights []float64)
}

// SphericalCubature is the third-order spherical rule: 2d points at
// ±sqrt(d)·e_i with equal weights. Exact for polynomials up to degree 3.
type SphericalCubature struct{}

func (SphericalCubature) Points(dim int) (*mat.Dense, []float64) {
	nodes := mat.NewDense(2*dim, dim, nil)
	weights := make([]float64, 2*dim)
	r := math.Sqrt(float64(dim))
	for i := 0; i < dim; i++ {
		nodes.Set(i, i, r)
		nodes.Set(dim+i, i, -r)
	}
	for i := range weights {
		weights[i] = 1.0 / float64(2*dim)
	}
	return nodes, weights
}

// GaussHermite is a tensor-product Gauss-Hermite rule of the given
// degree per dimension, so degree^dim points overall. Only sensible for
// low-dimensional ODEs.
type GaussHermite struct {
	Degree int
}

func (g GaussHermite) Points(dim int) (*mat.Dense, []float64) {
	deg := g.Degree
	if deg < 1 {
		deg = 5
	}

	// Physicists' nodes/weights for weight exp(-x²); substitute
	// x -> sqrt(2)x and renormalize by sqrt(pi) per dimension to get the
	// unit Gaussian.
	x1 := make([]float64, deg)
	w1 := make([]float64, deg)
	quad.Hermite{}.FixedLocations(x1, w1, math.Inf(-1), math.Inf(1))
	for i := range x1 {
		x1[i] *= math.Sqrt2
		w1[i] /= math.Sqrt(math.Pi)
	}

	total := 1
	for i := 0; i < dim; i++ {
		total *= deg
	}
	nodes := mat.NewDense(total, dim, nil)
	weights := make([]float64, total)
	for p := 0; p < total; p++ {
		idx := p
		w := 1.0
		for j := 0; j < dim; j++ {
			k := idx % deg
			idx /= deg
			nodes.Set(p, j, x1[k])
			w *= w1[k]
		}
		weights[p] = w
	}
	return nodes, weights
}
