package ibm

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSystemMatricesOrderOne(t *testing.T) {
	p := New(1)

	wantA := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	if !mat.EqualApprox(p.A, wantA, 1e-12) {
		t.Fatalf("unit-step transition wrong:\n%v", mat.Formatted(p.A))
	}

	// QSqrtm QSqrtmᵀ must equal [[1/3, 1/2], [1/2, 1]].
	var q mat.Dense
	q.Mul(p.QSqrtm, p.QSqrtm.T())
	wantQ := mat.NewDense(2, 2, []float64{1.0 / 3.0, 0.5, 0.5, 1})
	if !mat.EqualApprox(&q, wantQ, 1e-12) {
		t.Fatalf("process noise wrong:\n%v", mat.Formatted(&q))
	}
}

// Conjugating the preconditioned transition with (p, pInv) must recover
// the physical Taylor-transition dt^(j-i)/(j-i)! for any dt.
func TestPreconditionerRecoversPhysicalTransition(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		prior := New(n)
		for _, dt := range []float64{1e-6, 1e-3, 0.1, 2.0} {
			scale, scaleInv := prior.Preconditioner(dt)

			dim := n + 1
			got := mat.NewDense(dim, dim, nil)
			for i := 0; i < dim; i++ {
				for j := 0; j < dim; j++ {
					got.Set(i, j, scale[i]*prior.A.At(i, j)*scaleInv[j])
				}
			}

			want := prior.TransitionPhysical(dt)
			for i := 0; i < dim; i++ {
				for j := 0; j < dim; j++ {
					w := want.At(i, j)
					g := got.At(i, j)
					tol := 1e-9 * math.Max(1, math.Abs(w))
					if math.Abs(g-w) > tol {
						t.Fatalf("n=%d dt=%g entry (%d,%d): got %g want %g", n, dt, i, j, g, w)
					}
				}
			}
		}
	}
}

func TestPreconditionerInverts(t *testing.T) {
	prior := New(3)
	scale, scaleInv := prior.Preconditioner(1e-8)
	for i := range scale {
		if v := scale[i] * scaleInv[i]; math.Abs(v-1) > 1e-12 {
			t.Fatalf("p * pInv = %v at %d", v, i)
		}
	}
}

func TestHigherOrderDiagonalsPositive(t *testing.T) {
	for n := 1; n <= 6; n++ {
		prior := New(n)
		for i := 0; i <= n; i++ {
			if prior.QSqrtm.At(i, i) <= 0 {
				t.Fatalf("n=%d: nonpositive Cholesky diagonal at %d", n, i)
			}
		}
	}
}
