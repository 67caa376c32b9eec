// Package markov holds the Gauss-Markov posterior produced by a solve:
// a terminal distribution plus the chain of backward conditionals that
// relates it to every earlier grid point.
package markov

import (
	"fmt"

	"github.com/probode/probode/internal/ssm"
)

// Sequence is a backward-factorized Markov process on a time grid.
// Init is the marginal at the last grid point; Backward[i] is the
// conditional of the state at Grid[i] given the state at Grid[i+1], so
// len(Backward) == len(Grid)-1. Marginals are recovered by scanning the
// chain from the terminal end.
type Sequence struct {
	Grid     []float64
	Init     ssm.Normal
	Backward []ssm.BackwardModel

	// Diffusions[i] is the output scale applied on the step ending at
	// Grid[i+1]; off-grid evaluation reuses it inside that step.
	Diffusions []float64
}

func (s *Sequence) Len() int { return len(s.Grid) }

func (s *Sequence) Validate() error {
	if len(s.Grid) == 0 {
		return fmt.Errorf("markov: empty grid")
	}
	if len(s.Backward) != len(s.Grid)-1 {
		return fmt.Errorf("markov: %d backward models for %d grid points", len(s.Backward), len(s.Grid))
	}
	if len(s.Diffusions) != len(s.Backward) {
		return fmt.Errorf("markov: %d diffusions for %d backward models", len(s.Diffusions), len(s.Backward))
	}
	for i := 1; i < len(s.Grid); i++ {
		if s.Grid[i] <= s.Grid[i-1] {
			return fmt.Errorf("markov: grid not strictly increasing at index %d", i)
		}
	}
	return nil
}

// Append extends the chain by one step.
func (s *Sequence) Append(t float64, terminal ssm.Normal, bw ssm.BackwardModel, diffusion float64) {
	s.Grid = append(s.Grid, t)
	s.Backward = append(s.Backward, bw)
	s.Diffusions = append(s.Diffusions, diffusion)
	s.Init = terminal
}
