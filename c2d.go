package gofusion

import (
	"math"
	"math/cmplx"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// VanLoan computes the F and Q matrices from the provided CT system A, Γ, W and
// the sampling rate Δt.
// The returned error is only informative (Nyquist criterion not met), F and Q are
// always computed.
func VanLoan(A, Γ, W *mat.Dense, Δt float64) (*mat.Dense, *mat.SymDense, error) {
	var err error
	// Check aliasing
	var λ mat.Eigen
	if λ.Factorize(A, mat.EigenNone) {
		var λmax float64
		for _, v := range λ.Values(nil) {
			if a := cmplx.Abs(v); a > λmax {
				λmax = a
			}
		}
		if 2*λmax*Δt >= math.Pi {
			err = errors.Errorf("gofusion: Nyquist sampling criterion not fulfilled with Δt=%f", Δt)
		}
	}

	// Compute F and Q.
	var ΓW, ΓWΓ, Ap mat.Dense
	ΓW.Mul(Γ, W)
	ΓWΓ.Mul(&ΓW, Γ.T())
	ΓWΓ.Scale(Δt, &ΓWΓ)
	Ap.Scale(Δt, A)
	// Find the size of the M matrix.
	rA, cA := A.Dims()
	r1, c1 := ΓWΓ.Dims()
	rM := rA + cA
	cM := cA + c1
	M := mat.NewDense(rM, cM, nil)

	// Populate M
	for i := 0; i < rA; i++ {
		for j := 0; j < cA; j++ {
			M.Set(i, j, -Ap.At(i, j))
			M.Set(i+rA, j+cA, Ap.At(j, i))
		}
	}
	for i := 0; i < r1; i++ {
		for j := 0; j < c1; j++ {
			M.Set(i, j+cA, ΓWΓ.At(i, j))
		}
	}

	// Compute exponential
	var expM mat.Dense
	expM.Exp(M)
	reM, ceM := expM.Dims()

	// Extract F transpose (and F^-1*Q) knowing it has the same size as A.
	F := mat.NewDense(rA, cA, nil)
	F1Q := mat.NewDense(rA, cA, nil)
	for i := 0; i < rA; i++ {
		for j := 0; j < cA; j++ {
			F1Q.Set(i, j, expM.At(i, ceM-cA+j))
			// Transposed on the fly.
			F.Set(j, i, expM.At(reM-rA+i, ceM-cA+j))
		}
	}
	var Q mat.Dense
	Q.Mul(F, F1Q)
	return F, Symmetrize(&Q), err
}
