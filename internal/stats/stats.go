// Package stats turns a solved posterior into numbers: smoothed
// marginals on the grid, marginals at off-grid times, and joint
// posterior samples.
package stats

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/probode/probode/internal/markov"
	"github.com/probode/probode/internal/solver"
	"github.com/probode/probode/internal/ssm"
)

// Marginalise scans the backward chain from its terminal end and
// returns the smoothed marginal at every grid point, index-aligned with
// seq.Grid.
func Marginalise(fact ssm.Factorization, seq *markov.Sequence) ([]ssm.Normal, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	n := seq.Len()
	out := make([]ssm.Normal, n)
	out[n-1] = seq.Init
	for i := n - 2; i >= 0; i-- {
		out[i] = fact.MarginaliseModel(out[i+1], seq.Backward[i])
	}
	return out, nil
}

// OffgridMarginals evaluates the posterior at times between grid
// points. Each query is located by binary search, then the enclosing
// step is re-run as two smoothing sub-steps. Queries must lie strictly
// inside the grid's span; grid points themselves are served from the
// smoothed marginals directly.
func OffgridMarginals(sv *solver.Solver, seq *markov.Sequence, ts []float64) ([]ssm.Normal, error) {
	marginals, err := Marginalise(sv.Factorization(), seq)
	if err != nil {
		return nil, err
	}
	grid := seq.Grid
	out := make([]ssm.Normal, len(ts))
	for q, t := range ts {
		if t < grid[0] || t > grid[len(grid)-1] {
			return nil, fmt.Errorf("stats: query time %g outside solved span [%g, %g]", t, grid[0], grid[len(grid)-1])
		}
		i := sort.SearchFloat64s(grid, t)
		if i < len(grid) && grid[i] == t {
			out[q] = marginals[i]
			continue
		}
		// grid[i-1] < t < grid[i]
		left := solver.State{
			T:         grid[i-1],
			Posterior: marginals[i-1],
			Backward:  sv.Factorization().IdentityBackward(),
			Diffusion: seq.Diffusions[i-1],
		}
		right := solver.State{T: grid[i], Posterior: marginals[i], Diffusion: seq.Diffusions[i-1]}
		atT, _, err := sv.Interpolate(left, right, t)
		if err != nil {
			return nil, err
		}
		out[q] = atT.Posterior
	}
	return out, nil
}

// Sample draws joint posterior trajectories by ancestral sampling: the
// terminal state is drawn from the terminal marginal, earlier states
// from the backward conditionals in turn. The result is indexed
// [sample][grid point][coordinate] and holds the zeroth derivative.
func Sample(fact ssm.Factorization, seq *markov.Sequence, numSamples int, seed uint64) ([][][]float64, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if numSamples < 1 {
		return nil, fmt.Errorf("stats: need at least one sample, got %d", numSamples)
	}
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}
	n := seq.Len()
	rows := fact.NumDerivatives() + 1
	dim := fact.Dim()

	out := make([][][]float64, numSamples)
	for s := range out {
		out[s] = make([][]float64, n)

		x := fact.TransformUnitSample(seq.Init, unitDraws(norm, rows, dim))
		out[s][n-1] = rowCopy(x, 0, dim)

		for i := n - 2; i >= 0; i-- {
			point := ssm.Normal{Mean: x, Cov: zeroLike(seq.Init.Cov)}
			rv := fact.MarginaliseModel(point, seq.Backward[i])
			x = fact.TransformUnitSample(rv, unitDraws(norm, rows, dim))
			out[s][i] = rowCopy(x, 0, dim)
		}
	}
	return out, nil
}

func unitDraws(norm distuv.Normal, rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, norm.Rand())
		}
	}
	return m
}

func zeroLike(cov []*mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(cov))
	for b, c := range cov {
		r, cc := c.Dims()
		out[b] = mat.NewDense(r, cc, nil)
	}
	return out
}

func rowCopy(m *mat.Dense, i, cols int) []float64 {
	out := make([]float64, cols)
	for j := 0; j < cols; j++ {
		out[j] = m.At(i, j)
	}
	return out
}
