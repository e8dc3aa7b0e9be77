package gofusion

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Sensor identifies the kind of sensor a measurement comes from.
type Sensor uint8

const (
	// Accelerometer measures the acceleration of each axis.
	Accelerometer Sensor = iota + 1
	// GPS measures the position of each axis, in a local frame expressed in meters.
	GPS
)

func (s Sensor) String() string {
	switch s {
	case Accelerometer:
		return "accelerometer"
	case GPS:
		return "gps"
	default:
		return fmt.Sprintf("sensor(%d)", uint8(s))
	}
}

// Measurement is a single timestamped reading of one sensor.
type Measurement struct {
	Sensor Sensor
	Time   time.Time
	Values []float64
}

// NewAccelerometerReading returns an accelerometer measurement, one value per axis.
func NewAccelerometerReading(t time.Time, a ...float64) Measurement {
	return Measurement{Accelerometer, t, a}
}

// NewGPSReading returns a GPS measurement, one position per axis.
func NewGPSReading(t time.Time, p ...float64) Measurement {
	return Measurement{GPS, t, p}
}

func (m Measurement) String() string {
	return fmt.Sprintf("%s@%s%v", m.Sensor, m.Time.Format(time.RFC3339Nano), m.Values)
}

// MeasurementModel maps the full state to the measurement space of a sensor.
type MeasurementModel struct {
	Sensor Sensor
	H      *mat.Dense    // Measurement matrix
	R      *mat.SymDense // Measurement noise covariance
	Offset *mat.VecDense // Subtracted from each reading before the update, may be nil.
}

// NewAccelerometerModel returns the accelerometer model: it observes the
// acceleration of each axis. The offset (e.g. bias and gravity) is removed from
// every reading; it may be nil.
func NewAccelerometerModel(axes int, R mat.Symmetric, offset []float64) (*MeasurementModel, error) {
	return newSelectingModel(Accelerometer, accIdx, axes, R, offset)
}

// NewGPSModel returns the GPS model: it observes the position of each axis.
func NewGPSModel(axes int, R mat.Symmetric) (*MeasurementModel, error) {
	return newSelectingModel(GPS, posIdx, axes, R, nil)
}

func newSelectingModel(sensor Sensor, component, axes int, R mat.Symmetric, offset []float64) (*MeasurementModel, error) {
	if axes < 1 || axes > 3 {
		return nil, errors.Wrapf(ErrInvalidInput, "%s: axes must be within [1, 3], got %d", sensor, axes)
	}
	if R == nil {
		return nil, errors.Wrapf(ErrInvalidInput, "%s: R must be specified", sensor)
	}
	if R.SymmetricDim() != axes {
		return nil, errors.Wrapf(ErrInvalidInput, "%s: R is %dx%d, expected %dx%d", sensor, R.SymmetricDim(), R.SymmetricDim(), axes, axes)
	}
	if !allFinite(diag(R)) || !isPSD(R) {
		return nil, errors.Wrapf(ErrInvalidInput, "%s: R must be positive semi-definite", sensor)
	}
	H := mat.NewDense(axes, axes*axisDim, nil)
	for ax := 0; ax < axes; ax++ {
		H.Set(ax, ax*axisDim+component, 1)
	}
	model := &MeasurementModel{Sensor: sensor, H: H, R: copySym(R)}
	if offset != nil {
		if len(offset) != axes {
			return nil, errors.Wrapf(ErrInvalidInput, "%s: offset has %d values, expected %d", sensor, len(offset), axes)
		}
		model.Offset = mat.NewVecDense(axes, append([]float64(nil), offset...))
	}
	return model, nil
}

// Dim returns the dimension of the measurement space.
func (m *MeasurementModel) Dim() int {
	r, _ := m.H.Dims()
	return r
}

// Residual returns the innovation y = (z - offset) - H*x.
func (m *MeasurementModel) Residual(x mat.Vector, z []float64) (*mat.VecDense, error) {
	if len(z) != m.Dim() {
		return nil, errors.Wrapf(ErrInvalidInput, "%s: reading has %d values, expected %d", m.Sensor, len(z), m.Dim())
	}
	if !allFinite(z) {
		return nil, errors.Wrapf(ErrInvalidInput, "%s: reading is not finite %v", m.Sensor, z)
	}
	if err := checkMatDims(m.H, x, "H", "x", cols2rows); err != nil {
		return nil, err
	}
	y := mat.NewVecDense(len(z), append([]float64(nil), z...))
	if m.Offset != nil {
		y.SubVec(y, m.Offset)
	}
	var Hx mat.VecDense
	Hx.MulVec(m.H, x)
	y.SubVec(y, &Hx)
	return y, nil
}

func (m *MeasurementModel) String() string {
	return fmt.Sprintf("%s{\nH=%v\nR=%v}\n", m.Sensor, mat.Formatted(m.H, mat.Prefix("  ")), mat.Formatted(m.R, mat.Prefix("  ")))
}

// DiagonalNoise returns a diagonal measurement noise covariance from per axis variances.
func DiagonalNoise(σ2 ...float64) *mat.SymDense {
	return Diagonal(σ2...)
}
