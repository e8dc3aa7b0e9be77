package sim

import (
	"context"
	"math"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/pkg/errors"
)

// Scenario describes a simulated drive and the sensors observing it.
type Scenario struct {
	Trajectory  Trajectory
	Axes        int
	Start       time.Time
	Duration    time.Duration
	AccelPeriod time.Duration
	GPSPeriod   time.Duration
	AccelNoise  gofusion.Noise // May be nil for perfect readings.
	GPSNoise    gofusion.Noise // May be nil for perfect readings.

	// AccelOffset is added to every accelerometer reading, e.g. a bias or the
	// gravity which the accelerometer model then removes.
	AccelOffset []float64
}

func (s Scenario) validate() error {
	if s.Trajectory == nil {
		return errors.Wrap(gofusion.ErrInvalidInput, "a trajectory is required")
	}
	if s.Axes < 1 || s.Axes > 3 {
		return errors.Wrapf(gofusion.ErrInvalidInput, "axes must be within [1, 3], got %d", s.Axes)
	}
	if s.Duration <= 0 || s.AccelPeriod <= 0 || s.GPSPeriod <= 0 {
		return errors.Wrap(gofusion.ErrInvalidInput, "duration and sensor periods must be positive")
	}
	for name, n := range map[string]gofusion.Noise{"accelerometer": s.AccelNoise, "gps": s.GPSNoise} {
		if n != nil && n.Covariance().SymmetricDim() != s.Axes {
			return errors.Wrapf(gofusion.ErrInvalidInput, "%s noise has dimension %d, expected %d", name, n.Covariance().SymmetricDim(), s.Axes)
		}
	}
	if s.AccelOffset != nil && len(s.AccelOffset) != s.Axes {
		return errors.Wrapf(gofusion.ErrInvalidInput, "accelerometer offset has %d values, expected %d", len(s.AccelOffset), s.Axes)
	}
	return nil
}

// Truth returns the ground truth of the scenario.
func (s Scenario) Truth() *GroundTruth {
	return NewGroundTruth(s.Trajectory, s.Start, s.Axes)
}

// Measurements returns every reading of the scenario in timestamp order. On equal
// timestamps the accelerometer reading comes first.
func (s Scenario) Measurements() ([]gofusion.Measurement, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	nAccel := int(s.Duration/s.AccelPeriod) + 1
	nGPS := int(s.Duration/s.GPSPeriod) + 1
	out := make([]gofusion.Measurement, 0, nAccel+nGPS)
	for i, j := 0, 0; i < nAccel || j < nGPS; {
		ta := time.Duration(i) * s.AccelPeriod
		tg := time.Duration(j) * s.GPSPeriod
		if j >= nGPS || (i < nAccel && ta <= tg) {
			out = append(out, s.accelReading(ta))
			i++
		} else {
			out = append(out, s.gpsReading(tg))
			j++
		}
	}
	return out, nil
}

func (s Scenario) accelReading(offset time.Duration) gofusion.Measurement {
	k := s.Trajectory.At(offset.Seconds())
	a := make([]float64, s.Axes)
	copy(a, k.Acceleration[:s.Axes])
	addNoise(a, s.AccelNoise)
	for ax := range s.AccelOffset {
		a[ax] += s.AccelOffset[ax]
	}
	return gofusion.NewAccelerometerReading(s.Start.Add(offset), a...)
}

func (s Scenario) gpsReading(offset time.Duration) gofusion.Measurement {
	k := s.Trajectory.At(offset.Seconds())
	p := make([]float64, s.Axes)
	copy(p, k.Position[:s.Axes])
	addNoise(p, s.GPSNoise)
	return gofusion.NewGPSReading(s.Start.Add(offset), p...)
}

func addNoise(v []float64, n gofusion.Noise) {
	if n == nil {
		return
	}
	for i, e := range n.Sample() {
		v[i] += e
	}
}

// Result summarizes how well a driven filter tracked a scenario.
type Result struct {
	Snapshots   []gofusion.Snapshot
	NEES        []float64 // NEES of each snapshot, NaN when the covariance is singular.
	Dropped     int       // Measurements which returned an error.
	PositionRMS []float64 // Root mean square position error of each axis.
}

// MeanNEES returns the average of the finite NEES values.
func (r Result) MeanNEES() float64 {
	var sum float64
	var n int
	for _, v := range r.NEES {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Run feeds the scenario to the driver and compares every snapshot of an
// initialized filter with the ground truth.
func Run(ctx context.Context, sc Scenario, d *gofusion.Driver) (Result, error) {
	ms, err := sc.Measurements()
	if err != nil {
		return Result{}, err
	}
	truth := sc.Truth()
	res := Result{PositionRMS: make([]float64, sc.Axes)}
	record := func(results []gofusion.Result) {
		for _, r := range results {
			if r.Err != nil {
				res.Dropped++
				continue
			}
			if r.Snapshot.Status == gofusion.Uninitialized {
				continue
			}
			res.Snapshots = append(res.Snapshots, r.Snapshot)
			nees, err := gofusion.NEES(truth.State(r.Snapshot.Time), r.Snapshot.State(), r.Snapshot.Covariance)
			if err != nil {
				nees = math.NaN()
			}
			res.NEES = append(res.NEES, nees)
			e := truth.Error(r.Snapshot)
			for ax := 0; ax < sc.Axes; ax++ {
				res.PositionRMS[ax] += e.AtVec(3*ax) * e.AtVec(3*ax)
			}
		}
	}
	for _, m := range ms {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record(d.Push(m))
	}
	record(d.Flush())
	if n := len(res.Snapshots); n > 0 {
		for ax := range res.PositionRMS {
			res.PositionRMS[ax] = math.Sqrt(res.PositionRMS[ax] / float64(n))
		}
	}
	return res, nil
}
