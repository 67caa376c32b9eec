package correct

import (
	"math"
	"testing"
)

// Both rules must integrate low-order moments of the unit Gaussian
// exactly: E[1]=1, E[x]=0, E[x_i x_j]=δ_ij.
func TestCubatureMoments(t *testing.T) {
	rules := map[string]Cubature{
		"spherical":      SphericalCubature{},
		"gauss_hermite3": GaussHermite{Degree: 3},
		"gauss_hermite5": GaussHermite{Degree: 5},
	}
	for name, rule := range rules {
		t.Run(name, func(t *testing.T) {
			for _, dim := range []int{1, 2, 3} {
				nodes, weights := rule.Points(dim)

				sumW := 0.0
				for _, w := range weights {
					sumW += w
				}
				if math.Abs(sumW-1) > 1e-10 {
					t.Fatalf("dim %d: weights sum to %v", dim, sumW)
				}

				for j := 0; j < dim; j++ {
					m1 := 0.0
					for i, w := range weights {
						m1 += w * nodes.At(i, j)
					}
					if math.Abs(m1) > 1e-10 {
						t.Fatalf("dim %d: first moment %v along %d", dim, m1, j)
					}
				}

				for j := 0; j < dim; j++ {
					for k := 0; k < dim; k++ {
						m2 := 0.0
						for i, w := range weights {
							m2 += w * nodes.At(i, j) * nodes.At(i, k)
						}
						want := 0.0
						if j == k {
							want = 1.0
						}
						if math.Abs(m2-want) > 1e-10 {
							t.Fatalf("dim %d: second moment (%d,%d) = %v", dim, j, k, m2)
						}
					}
				}
			}
		})
	}
}

func TestGaussHermiteFifthOrder(t *testing.T) {
	// Degree-3 Gauss-Hermite integrates x⁴ exactly (E[x⁴]=3).
	nodes, weights := GaussHermite{Degree: 3}.Points(1)
	m4 := 0.0
	for i, w := range weights {
		x := nodes.At(i, 0)
		m4 += w * x * x * x * x
	}
	if math.Abs(m4-3) > 1e-9 {
		t.Fatalf("fourth moment = %v, want 3", m4)
	}
}

func TestParseKind(t *testing.T) {
	for _, ok := range []string{"ts0", "ts1", "slr0", "slr1"} {
		if _, err := ParseKind(ok); err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", ok, err)
		}
	}
	if _, err := ParseKind("ekf"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
