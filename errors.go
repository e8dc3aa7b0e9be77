package gofusion

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Sentinel errors returned by the estimator and the driver. All of them are
// recoverable: the estimate is left as it was before the failing call.
// Use errors.Is to match them, they are always wrapped with some context.
var (
	// ErrInvalidInput is returned for a negative Δt, a non finite value, an
	// unregistered sensor or a reading of the wrong dimension.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotInitialized is returned when predicting or updating before Init.
	ErrNotInitialized = errors.New("estimator not initialized")
	// ErrSingularCovariance is returned when H*P*H' + R cannot be inverted.
	ErrSingularCovariance = errors.New("singular innovation covariance")
	// ErrStaleMeasurement is returned by the driver for a measurement older than the last update.
	ErrStaleMeasurement = errors.New("stale measurement")
)

// DimensionAgreement defines how two matrices' dimensions should agree.
type DimensionAgreement uint8

const (
	dimErrMsg                    = "dimensions must agree: "
	rows2cols DimensionAgreement = iota + 1
	cols2rows
	cols2cols
	rows2rows
	rowsAndcols
)

// checkMatDims checks the matrix dimensions match provided a DimensionAgreement.
// Returns an error wrapping ErrInvalidInput if not.
func checkMatDims(m1, m2 mat.Matrix, name1, name2 string, method DimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	var msg string
	switch method {
	case rows2cols:
		if r1 != c2 {
			msg = fmt.Sprintf("%s(%dx...) %s(...x%d)", name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			msg = fmt.Sprintf("%s(...x%d) %s(%dx...)", name1, c1, name2, r2)
		}
	case cols2cols:
		if c1 != c2 {
			msg = fmt.Sprintf("%s(...x%d) %s(...x%d)", name1, c1, name2, c2)
		}
	case rows2rows:
		if r1 != r2 {
			msg = fmt.Sprintf("%s(%dx...) %s(%dx...)", name1, r1, name2, r2)
		}
	case rowsAndcols:
		if c1 != c2 || r1 != r2 {
			msg = fmt.Sprintf("%s(%dx%d) %s(%dx%d)", name1, r1, c1, name2, r2, c2)
		}
	}
	if msg != "" {
		return errors.Wrap(ErrInvalidInput, dimErrMsg+msg)
	}
	return nil
}
