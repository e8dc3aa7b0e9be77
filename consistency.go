package gofusion

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NIS returns the normalized innovation squared y'*S^-1*y of an estimate.
func NIS(est Estimate) (float64, error) {
	if est.InnovationCovariance() == nil || est.Innovation() == nil {
		return 0, errors.Wrap(ErrInvalidInput, "estimate has no innovation covariance")
	}
	return normalizedSquare(est.Innovation(), est.InnovationCovariance())
}

// NEES returns the normalized estimation error squared e'*P^-1*e with e = truth - x.
func NEES(truth, x mat.Vector, P mat.Symmetric) (float64, error) {
	if err := checkMatDims(truth, x, "truth", "x", rows2rows); err != nil {
		return 0, err
	}
	if err := checkMatDims(x, P, "x", "P", rows2cols); err != nil {
		return 0, err
	}
	var e mat.VecDense
	e.SubVec(truth, x)
	return normalizedSquare(&e, P)
}

func normalizedSquare(v mat.Vector, S mat.Symmetric) (float64, error) {
	var chol mat.Cholesky
	if !chol.Factorize(S) {
		return 0, errors.Wrap(ErrSingularCovariance, "covariance is not positive definite")
	}
	var Sv mat.VecDense
	if err := chol.SolveVecTo(&Sv, v); err != nil {
		return 0, errors.Wrap(ErrSingularCovariance, err.Error())
	}
	return mat.Dot(v, &Sv), nil
}

// ChiSquareBand returns the two sided acceptance interval of the mean of n samples
// of a chi-square variable with dof degrees of freedom, at the given confidence.
func ChiSquareBand(n, dof int, confidence float64) (lower, upper float64) {
	α := 1 - confidence
	χ2 := distuv.ChiSquared{K: float64(n * dof)}
	return χ2.Quantile(α/2) / float64(n), χ2.Quantile(1-α/2) / float64(n)
}

// ConsistencyReport is the outcome of a chi-square test on a window of NIS samples.
type ConsistencyReport struct {
	Sensor       Sensor
	Samples      int
	Mean         float64
	Lower, Upper float64
}

// Consistent returns whether the mean NIS lies within the acceptance band.
func (r ConsistencyReport) Consistent() bool {
	return r.Mean >= r.Lower && r.Mean <= r.Upper
}

func (r ConsistencyReport) String() string {
	return fmt.Sprintf("%s NIS mean=%.3f over %d samples, band=[%.3f, %.3f]", r.Sensor, r.Mean, r.Samples, r.Lower, r.Upper)
}

// ConsistencyMonitor keeps a sliding window of NIS samples per sensor.
// It is not safe for concurrent use.
type ConsistencyMonitor struct {
	window     int
	confidence float64
	samples    map[Sensor][]float64
}

// NewConsistencyMonitor returns a monitor testing windows of the given size.
// Parameters:
// - window: number of NIS samples per test
// - confidence: probability mass of the acceptance band, e.g. 0.95
func NewConsistencyMonitor(window int, confidence float64) (*ConsistencyMonitor, error) {
	if window < 1 {
		return nil, errors.Wrapf(ErrInvalidInput, "window must be positive, got %d", window)
	}
	if confidence <= 0 || confidence >= 1 {
		return nil, errors.Wrapf(ErrInvalidInput, "confidence must be within (0, 1), got %f", confidence)
	}
	return &ConsistencyMonitor{window, confidence, make(map[Sensor][]float64)}, nil
}

// Add records the NIS of an estimate. Once the window of that sensor is full, it
// returns the report of the window and true.
func (c *ConsistencyMonitor) Add(est Estimate) (ConsistencyReport, bool, error) {
	nis, err := NIS(est)
	if err != nil {
		return ConsistencyReport{}, false, err
	}
	s := est.Sensor()
	samples := append(c.samples[s], nis)
	if len(samples) > c.window {
		samples = samples[len(samples)-c.window:]
	}
	c.samples[s] = samples
	if len(samples) < c.window {
		return ConsistencyReport{}, false, nil
	}
	lower, upper := ChiSquareBand(c.window, est.Innovation().Len(), c.confidence)
	return ConsistencyReport{
		Sensor:  s,
		Samples: c.window,
		Mean:    stat.Mean(samples, nil),
		Lower:   lower,
		Upper:   upper,
	}, true, nil
}

// Reset drops all the samples.
func (c *ConsistencyMonitor) Reset() {
	c.samples = make(map[Sensor][]float64)
}
