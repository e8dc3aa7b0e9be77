package gofusion

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Per axis the state holds position, velocity and acceleration, in that order.
// Axes are interleaved: x = [p0 v0 a0 p1 v1 a1 ...].
const (
	posIdx = iota
	velIdx
	accIdx
	axisDim
)

// MotionModel provides the discrete dynamics of the tracked state for a given Δt.
// Implementations must be pure: calling them never changes any state.
type MotionModel interface {
	Axes() int                             // Number of tracked spatial axes.
	Dim() int                              // Dimension of the state vector.
	StateTransition(Δt float64) *mat.Dense // Returns F(Δt)
	ProcessNoise(Δt float64) *mat.SymDense // Returns Q(Δt)
	String() string
}

// discretizer is implemented by motion models whose discretization may fail.
type discretizer interface {
	Discretize(Δt float64) (*mat.Dense, *mat.SymDense, error)
}

// ConstantAcceleration is a constant acceleration motion model driven by a
// continuous white noise jerk of spectral density Q.
type ConstantAcceleration struct {
	axes int
	q    float64
}

// NewConstantAcceleration returns a constant acceleration model for 1 to 3 axes.
// Parameters:
// - axes: number of spatial axes
// - q: spectral density of the white noise jerk, (m/s³)²/Hz
func NewConstantAcceleration(axes int, q float64) (*ConstantAcceleration, error) {
	if axes < 1 || axes > 3 {
		return nil, errors.Wrapf(ErrInvalidInput, "axes must be within [1, 3], got %d", axes)
	}
	if q < 0 || !allFinite([]float64{q}) {
		return nil, errors.Wrapf(ErrInvalidInput, "process noise density must be finite and >= 0, got %f", q)
	}
	return &ConstantAcceleration{axes, q}, nil
}

// Axes implements the MotionModel interface.
func (m *ConstantAcceleration) Axes() int {
	return m.axes
}

// Dim implements the MotionModel interface.
func (m *ConstantAcceleration) Dim() int {
	return m.axes * axisDim
}

// StateTransition implements the MotionModel interface.
func (m *ConstantAcceleration) StateTransition(Δt float64) *mat.Dense {
	F := mat.NewDense(m.Dim(), m.Dim(), nil)
	for ax := 0; ax < m.axes; ax++ {
		o := ax * axisDim
		F.Set(o+posIdx, o+posIdx, 1)
		F.Set(o+posIdx, o+velIdx, Δt)
		F.Set(o+posIdx, o+accIdx, 0.5*Δt*Δt)
		F.Set(o+velIdx, o+velIdx, 1)
		F.Set(o+velIdx, o+accIdx, Δt)
		F.Set(o+accIdx, o+accIdx, 1)
	}
	return F
}

// ProcessNoise implements the MotionModel interface.
func (m *ConstantAcceleration) ProcessNoise(Δt float64) *mat.SymDense {
	Q := mat.NewSymDense(m.Dim(), nil)
	if Δt == 0 || m.q == 0 {
		return Q
	}
	Δt2 := Δt * Δt
	Δt3 := Δt2 * Δt
	Δt4 := Δt3 * Δt
	Δt5 := Δt4 * Δt
	for ax := 0; ax < m.axes; ax++ {
		o := ax * axisDim
		Q.SetSym(o+posIdx, o+posIdx, m.q*Δt5/20)
		Q.SetSym(o+posIdx, o+velIdx, m.q*Δt4/8)
		Q.SetSym(o+posIdx, o+accIdx, m.q*Δt3/6)
		Q.SetSym(o+velIdx, o+velIdx, m.q*Δt3/3)
		Q.SetSym(o+velIdx, o+accIdx, m.q*Δt2/2)
		Q.SetSym(o+accIdx, o+accIdx, m.q*Δt)
	}
	return Q
}

// Continuous returns the continuous time system A, Γ and W of this model, such
// that ẋ = A*x + Γ*w with E[ww'] = W.
func (m *ConstantAcceleration) Continuous() (A, Γ, W *mat.Dense) {
	n := m.Dim()
	A = mat.NewDense(n, n, nil)
	Γ = mat.NewDense(n, m.axes, nil)
	W = mat.NewDense(m.axes, m.axes, nil)
	for ax := 0; ax < m.axes; ax++ {
		o := ax * axisDim
		A.Set(o+posIdx, o+velIdx, 1)
		A.Set(o+velIdx, o+accIdx, 1)
		Γ.Set(o+accIdx, ax, 1)
		W.Set(ax, ax, m.q)
	}
	return
}

func (m *ConstantAcceleration) String() string {
	return fmt.Sprintf("ConstantAcceleration{axes=%d q=%g}", m.axes, m.q)
}

// VanLoanModel discretizes a continuous model numerically for every Δt instead
// of using closed form matrices. The last discretization is cached, so that
// StateTransition and ProcessNoise for the same Δt run a single matrix exponential.
// A, Γ and W must not change after the first discretization.
type VanLoanModel struct {
	*ConstantAcceleration
	A, Γ, W *mat.Dense

	mu      sync.Mutex
	lastΔt  float64
	lastF   *mat.Dense
	lastQ   *mat.SymDense
	lastErr error
	count   int // Number of discretizations
}

// NewVanLoanModel returns a VanLoanModel from the continuous form of the provided model.
func NewVanLoanModel(ca *ConstantAcceleration) *VanLoanModel {
	A, Γ, W := ca.Continuous()
	return &VanLoanModel{ConstantAcceleration: ca, A: A, Γ: Γ, W: W}
}

// Discretize returns copies of F(Δt) and Q(Δt), along with the Nyquist error of
// VanLoan if Δt is too large for the dynamics in A.
func (m *VanLoanModel) Discretize(Δt float64) (*mat.Dense, *mat.SymDense, error) {
	if Δt == 0 {
		return mat.DenseCopyOf(Identity(m.Dim())), mat.NewSymDense(m.Dim(), nil), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastF == nil || m.lastΔt != Δt {
		m.lastF, m.lastQ, m.lastErr = VanLoan(m.A, m.Γ, m.W, Δt)
		m.lastΔt = Δt
		m.count++
	}
	return mat.DenseCopyOf(m.lastF), copySym(m.lastQ), m.lastErr
}

// StateTransition implements the MotionModel interface. Use Discretize for the error.
func (m *VanLoanModel) StateTransition(Δt float64) *mat.Dense {
	F, _, _ := m.Discretize(Δt)
	return F
}

// ProcessNoise implements the MotionModel interface. Use Discretize for the error.
func (m *VanLoanModel) ProcessNoise(Δt float64) *mat.SymDense {
	_, Q, _ := m.Discretize(Δt)
	return Q
}

func (m *VanLoanModel) String() string {
	return fmt.Sprintf("VanLoan{%s}", m.ConstantAcceleration)
}
