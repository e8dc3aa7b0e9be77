package gofusion

import (
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Status is the tracking status of an estimator.
type Status uint8

const (
	// Uninitialized means no state has been provided yet: predict and update are rejected.
	Uninitialized Status = iota
	// Tracking is the nominal status.
	Tracking
	// Degraded means a diagonal entry of the covariance left the [floor, ceiling] band.
	// It is advisory only and clears by itself once the covariance is back in band.
	Degraded
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Tracking:
		return "tracking"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Snapshot is an immutable copy of the estimator state at a given time.
// Position, Velocity and Acceleration hold one value per axis.
type Snapshot struct {
	Time         time.Time
	Position     []float64
	Velocity     []float64
	Acceleration []float64
	Covariance   *mat.SymDense
	Status       Status
}

func newSnapshot(t time.Time, x mat.Vector, P mat.Symmetric, status Status) *Snapshot {
	s := &Snapshot{Time: t, Status: status}
	if x == nil {
		return s
	}
	axes := x.Len() / axisDim
	s.Position = make([]float64, axes)
	s.Velocity = make([]float64, axes)
	s.Acceleration = make([]float64, axes)
	for ax := 0; ax < axes; ax++ {
		s.Position[ax] = x.AtVec(ax*axisDim + posIdx)
		s.Velocity[ax] = x.AtVec(ax*axisDim + velIdx)
		s.Acceleration[ax] = x.AtVec(ax*axisDim + accIdx)
	}
	s.Covariance = copySym(P)
	return s
}

// clone returns a deep copy sharing no memory with s.
func (s *Snapshot) clone() Snapshot {
	c := *s
	c.Position = slices.Clone(s.Position)
	c.Velocity = slices.Clone(s.Velocity)
	c.Acceleration = slices.Clone(s.Acceleration)
	if s.Covariance != nil {
		c.Covariance = copySym(s.Covariance)
	}
	return c
}

// State returns the state vector of this snapshot, or nil if uninitialized.
func (s Snapshot) State() *mat.VecDense {
	axes := len(s.Position)
	if axes == 0 {
		return nil
	}
	x := mat.NewVecDense(axes*axisDim, nil)
	for ax := 0; ax < axes; ax++ {
		x.SetVec(ax*axisDim+posIdx, s.Position[ax])
		x.SetVec(ax*axisDim+velIdx, s.Velocity[ax])
		x.SetVec(ax*axisDim+accIdx, s.Acceleration[ax])
	}
	return x
}

// PositionSigma returns the 1σ position uncertainty of each axis, or nil if uninitialized.
func (s Snapshot) PositionSigma() []float64 {
	if s.Covariance == nil {
		return nil
	}
	σ := make([]float64, len(s.Position))
	for ax := range σ {
		σ[ax] = math.Sqrt(s.Covariance.At(ax*axisDim+posIdx, ax*axisDim+posIdx))
	}
	return σ
}

// IsWithinNσ returns whether the provided true state is within the N*σ bounds of this snapshot.
func (s Snapshot) IsWithinNσ(truth mat.Vector, N float64) bool {
	x := s.State()
	if x == nil || truth.Len() != x.Len() {
		return false
	}
	for i := 0; i < x.Len(); i++ {
		nσ := N * math.Sqrt(s.Covariance.At(i, i))
		if e := x.AtVec(i) - truth.AtVec(i); e > nσ || e < -nσ {
			return false
		}
	}
	return true
}

func (s Snapshot) String() string {
	if s.Status == Uninitialized {
		return fmt.Sprintf("{%s}", s.Status)
	}
	return fmt.Sprintf("{t=%s status=%s p=%v v=%v a=%v trace(P)=%g}", s.Time.Format(time.RFC3339Nano), s.Status, s.Position, s.Velocity, s.Acceleration, mat.Trace(s.Covariance))
}
