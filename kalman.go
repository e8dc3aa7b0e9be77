package gofusion

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// Filter defines a recursive estimator fed with timestamped sensor measurements.
// Implementations are not safe for concurrent mutation, except for Snapshot.
type Filter interface {
	Init(x0 mat.Vector, P0 mat.Symmetric) error
	Reset(x0 mat.Vector, P0 mat.Symmetric) error
	Predict(Δt float64) error
	Update(m Measurement) (Estimate, error)
	Motion() MotionModel
	Model(s Sensor) (*MeasurementModel, bool)
	State() *mat.VecDense      // Copy of \hat{x}
	Covariance() *mat.SymDense // Copy of P
	Status() Status
	Stamp() time.Time
	SetStamp(t time.Time)
	Snapshot() Snapshot // Last published snapshot, safe for concurrent use.
	String() string
}
