package gofusion

import (
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func TestNewConstantAccelerationErrors(t *testing.T) {
	if _, err := NewConstantAcceleration(0, 1); err == nil {
		t.Fatal("zero axes accepted")
	}
	if _, err := NewConstantAcceleration(4, 1); err == nil {
		t.Fatal("four axes accepted")
	}
	if _, err := NewConstantAcceleration(1, -1); err == nil {
		t.Fatal("negative process noise accepted")
	}
}

func TestConstantAccelerationZeroDt(t *testing.T) {
	m, err := NewConstantAcceleration(3, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(m.StateTransition(0), Identity(9)) {
		t.Fatal("F(0) is not the identity")
	}
	if !IsNil(m.ProcessNoise(0)) {
		t.Fatal("Q(0) is not zero")
	}
}

func TestConstantAccelerationKinematics(t *testing.T) {
	m, _ := NewConstantAcceleration(2, 0)
	x := mat.NewVecDense(6, []float64{1, 2, 3, -1, 0.5, -2})
	for _, Δt := range []float64{0.01, 0.1, 1, 2.5} {
		var next mat.VecDense
		next.MulVec(m.StateTransition(Δt), x)
		exp := mat.NewVecDense(6, []float64{
			1 + 2*Δt + 0.5*3*Δt*Δt, 2 + 3*Δt, 3,
			-1 + 0.5*Δt + 0.5*-2*Δt*Δt, 0.5 - 2*Δt, -2,
		})
		if !mat.EqualApprox(&next, exp, 1e-12) {
			t.Fatalf("Δt=%f: got %v expected %v", Δt, mat.Formatted(next.T()), mat.Formatted(exp.T()))
		}
	}
}

func TestConstantAccelerationMatchesVanLoan(t *testing.T) {
	ca, _ := NewConstantAcceleration(3, 0.8)
	vl := NewVanLoanModel(ca)
	for _, Δt := range []float64{0.01, 0.05, 0.2} {
		if !mat.EqualApprox(ca.StateTransition(Δt), vl.StateTransition(Δt), 1e-9) {
			t.Fatalf("Δt=%f: F differs from Van Loan", Δt)
		}
		if !mat.EqualApprox(ca.ProcessNoise(Δt), vl.ProcessNoise(Δt), 1e-9) {
			t.Fatalf("Δt=%f: Q differs from Van Loan\n%v\n%v", Δt, mat.Formatted(ca.ProcessNoise(Δt)), mat.Formatted(vl.ProcessNoise(Δt)))
		}
	}
	if !IsNil(vl.ProcessNoise(0)) || !mat.Equal(vl.StateTransition(0), Identity(9)) {
		t.Fatal("Van Loan model is not the identity for Δt=0")
	}
}

func TestVanLoanModelCache(t *testing.T) {
	ca, _ := NewConstantAcceleration(2, 0.5)
	vl := NewVanLoanModel(ca)
	F := vl.StateTransition(0.1)
	Q := vl.ProcessNoise(0.1)
	if vl.count != 1 {
		t.Fatalf("%d discretizations for a single Δt", vl.count)
	}
	F.Set(0, 0, -1)
	Q.SetSym(0, 0, -1)
	if vl.StateTransition(0.1).At(0, 0) != 1 || vl.ProcessNoise(0.1).At(0, 0) == -1 {
		t.Fatal("cached matrices are shared with the caller")
	}
	vl.StateTransition(0.2)
	if vl.count != 2 {
		t.Fatalf("%d discretizations for two Δt", vl.count)
	}
}

func TestVanLoanModelNyquist(t *testing.T) {
	ca, _ := NewConstantAcceleration(1, 1)
	vl := NewVanLoanModel(ca)
	// Oscillating position and velocity at ω=10 rad/s.
	vl.A = mat.NewDense(3, 3, []float64{
		0, 1, 0,
		-100, 0, 1,
		0, 0, 0,
	})
	if _, _, err := vl.Discretize(1); err == nil {
		t.Fatal("expected a Nyquist error with Δt=1s and ω=10 rad/s")
	}
	kf, err := NewEstimator(vl, EstimatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	x0 := mat.NewVecDense(3, []float64{1, 0, 0})
	if err := kf.Init(x0, ScaledIdentity(3, 1)); err != nil {
		t.Fatal(err)
	}
	if err := kf.Predict(1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected an invalid input error, got %v", err)
	}
	if !mat.Equal(x0, kf.State()) || !kf.Stamp().IsZero() {
		t.Fatal("failed prediction changed the estimate")
	}
	if err := kf.Predict(0.01); err != nil {
		t.Fatal(err)
	}
}

func TestProcessNoiseIsPSD(t *testing.T) {
	ca, _ := NewConstantAcceleration(1, 2)
	for _, Δt := range []float64{1e-3, 0.1, 10} {
		if !isPSD(ca.ProcessNoise(Δt)) {
			t.Fatalf("Q(%f) is not PSD", Δt)
		}
	}
}
