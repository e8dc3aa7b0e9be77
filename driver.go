package gofusion

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"gonum.org/v1/gonum/mat"
)

// DefaultInitialCovariance is the diagonal of P0 when the driver initializes the
// estimator from GPS fixes.
const DefaultInitialCovariance = 100.0

// DriverOptions configure a Driver. The zero value is usable: no automatic
// initialization, no reordering, a discard logger and a private metrics registry.
type DriverOptions struct {
	Logger            *slog.Logger
	Metrics           gometrics.Registry
	AutoInit          bool          // Initialize from the first GPS fix(es).
	InitFixes         int           // 1 or 2: with two fixes the velocity is their finite difference.
	InitialCovariance float64       // Diagonal of P0 for auto init and degraded resets.
	ResetOnDegraded   bool          // Reset the covariance, keeping the state, when Degraded.
	ReorderWindow     time.Duration // Buffering of Push, zero processes immediately.
	AccelPeriod       time.Duration // Expected accelerometer period, zero disables the check.
	AccelTolerance    time.Duration
	Consistency       *ConsistencyMonitor
}

// Result is the outcome of processing one measurement.
type Result struct {
	Measurement Measurement
	Snapshot    Snapshot
	Err         error
}

// Driver is the single writer of a Filter: it turns a stream of timestamped
// measurements into predict and update calls, in timestamp order.
// A Driver is not safe for concurrent use; Snapshot on its Filter is.
type Driver struct {
	filter    Filter
	opts      DriverOptions
	log       *slog.Logger
	fixes     []Measurement
	lastAccel time.Time
	status    Status
	buffer    *reorderBuffer
	metrics   driverMetrics
}

type driverMetrics struct {
	measurements  map[Sensor]gometrics.Counter
	updates       gometrics.Counter
	predicts      gometrics.Counter
	stale         gometrics.Counter
	singular      gometrics.Counter
	uninitialized gometrics.Counter
	invalid       gometrics.Counter
	resets        gometrics.Counter
	irregular     gometrics.Counter
	inconsistent  gometrics.Counter
	trace         gometrics.GaugeFloat64
	nis           gometrics.GaugeFloat64
}

func newDriverMetrics(r gometrics.Registry) driverMetrics {
	return driverMetrics{
		measurements: map[Sensor]gometrics.Counter{
			Accelerometer: gometrics.GetOrRegisterCounter("fusion.measurements.accelerometer", r),
			GPS:           gometrics.GetOrRegisterCounter("fusion.measurements.gps", r),
		},
		updates:       gometrics.GetOrRegisterCounter("fusion.updates", r),
		predicts:      gometrics.GetOrRegisterCounter("fusion.predicts", r),
		stale:         gometrics.GetOrRegisterCounter("fusion.dropped.stale", r),
		singular:      gometrics.GetOrRegisterCounter("fusion.dropped.singular", r),
		uninitialized: gometrics.GetOrRegisterCounter("fusion.dropped.uninitialized", r),
		invalid:       gometrics.GetOrRegisterCounter("fusion.dropped.invalid", r),
		resets:        gometrics.GetOrRegisterCounter("fusion.resets", r),
		irregular:     gometrics.GetOrRegisterCounter("fusion.accelerometer.irregular", r),
		inconsistent:  gometrics.GetOrRegisterCounter("fusion.inconsistent", r),
		trace:         gometrics.GetOrRegisterGaugeFloat64("fusion.trace", r),
		nis:           gometrics.GetOrRegisterGaugeFloat64("fusion.nis", r),
	}
}

func (m driverMetrics) dropped(err error) {
	switch {
	case errors.Is(err, ErrStaleMeasurement):
		m.stale.Inc(1)
	case errors.Is(err, ErrSingularCovariance):
		m.singular.Inc(1)
	case errors.Is(err, ErrNotInitialized):
		m.uninitialized.Inc(1)
	default:
		m.invalid.Inc(1)
	}
}

// NewDriver returns a driver owning the provided filter.
func NewDriver(filter Filter, opts DriverOptions) (*Driver, error) {
	if filter == nil {
		return nil, errors.Wrap(ErrInvalidInput, "a filter is required")
	}
	if opts.InitFixes == 0 {
		opts.InitFixes = 1
	}
	if opts.InitFixes < 1 || opts.InitFixes > 2 {
		return nil, errors.Wrapf(ErrInvalidInput, "init fixes must be 1 or 2, got %d", opts.InitFixes)
	}
	if opts.InitialCovariance == 0 {
		opts.InitialCovariance = DefaultInitialCovariance
	}
	if opts.InitialCovariance < 0 {
		return nil, errors.Wrapf(ErrInvalidInput, "initial covariance must be positive, got %f", opts.InitialCovariance)
	}
	if opts.ReorderWindow < 0 || opts.AccelPeriod < 0 || opts.AccelTolerance < 0 {
		return nil, errors.Wrap(ErrInvalidInput, "durations must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = gometrics.NewRegistry()
	}
	return &Driver{
		filter:  filter,
		opts:    opts,
		log:     opts.Logger,
		status:  filter.Status(),
		buffer:  newReorderBuffer(opts.ReorderWindow),
		metrics: newDriverMetrics(opts.Metrics),
	}, nil
}

// Filter returns the filter driven by d.
func (d *Driver) Filter() Filter {
	return d.filter
}

// Initialize sets the state and covariance of the filter, valid at time t.
func (d *Driver) Initialize(t time.Time, x0 mat.Vector, P0 mat.Symmetric) error {
	var err error
	if d.filter.Status() == Uninitialized {
		err = d.filter.Init(x0, P0)
	} else {
		err = d.filter.Reset(x0, P0)
	}
	if err != nil {
		return err
	}
	d.fixes = nil
	d.filter.SetStamp(t)
	d.statusChanged()
	d.log.Info("estimator initialized", "time", t, "axes", d.filter.Motion().Axes())
	return nil
}

// initFromGPS collects the GPS fixes used to initialize the filter.
func (d *Driver) initFromGPS(m Measurement) (Snapshot, error) {
	if !d.opts.AutoInit || m.Sensor != GPS {
		return d.filter.Snapshot(), errors.Wrapf(ErrNotInitialized, "%s dropped", m.Sensor)
	}
	axes := d.filter.Motion().Axes()
	if len(m.Values) != axes || !allFinite(m.Values) {
		return d.filter.Snapshot(), errors.Wrapf(ErrInvalidInput, "initial fix %v", m.Values)
	}
	if n := len(d.fixes); n > 0 && !m.Time.After(d.fixes[n-1].Time) {
		// Out of order or simultaneous fixes cannot provide a velocity.
		d.fixes = d.fixes[:0]
	}
	d.fixes = append(d.fixes, m)
	if len(d.fixes) < d.opts.InitFixes {
		d.log.Debug("waiting for another fix", "have", len(d.fixes), "want", d.opts.InitFixes)
		return d.filter.Snapshot(), nil
	}

	last := d.fixes[len(d.fixes)-1]
	x0 := mat.NewVecDense(d.filter.Motion().Dim(), nil)
	for ax := 0; ax < axes; ax++ {
		x0.SetVec(ax*axisDim+posIdx, last.Values[ax])
		if len(d.fixes) > 1 {
			first := d.fixes[0]
			Δt := last.Time.Sub(first.Time).Seconds()
			x0.SetVec(ax*axisDim+velIdx, (last.Values[ax]-first.Values[ax])/Δt)
		}
	}
	if err := d.Initialize(last.Time, x0, ScaledIdentity(x0.Len(), d.opts.InitialCovariance)); err != nil {
		return d.filter.Snapshot(), err
	}
	return d.filter.Snapshot(), nil
}

// Process applies one measurement: predict up to its timestamp, then update.
// Stale measurements are rejected with ErrStaleMeasurement and change nothing.
// On any other error the measurement is dropped but the estimate time still
// advances to its timestamp.
func (d *Driver) Process(m Measurement) (Snapshot, error) {
	if c, ok := d.metrics.measurements[m.Sensor]; ok {
		c.Inc(1)
	}
	snap, err := d.process(m)
	if err != nil {
		d.metrics.dropped(err)
		d.log.Warn("measurement dropped", "sensor", m.Sensor, "time", m.Time, "error", err)
	}
	return snap, err
}

func (d *Driver) process(m Measurement) (Snapshot, error) {
	if d.filter.Status() == Uninitialized {
		return d.initFromGPS(m)
	}
	last := d.filter.Stamp()
	if m.Time.Before(last) {
		return d.filter.Snapshot(), errors.Wrapf(ErrStaleMeasurement, "%s is %s older than the estimate", m.Sensor, last.Sub(m.Time))
	}
	if m.Sensor == Accelerometer {
		d.checkAccelPeriod(m.Time)
	}

	if Δt := m.Time.Sub(last).Seconds(); Δt > 0 {
		if err := d.filter.Predict(Δt); err != nil {
			return d.filter.Snapshot(), err
		}
		d.metrics.predicts.Inc(1)
	}
	est, err := d.filter.Update(m)
	d.filter.SetStamp(m.Time)
	if err != nil {
		d.statusChanged()
		return d.filter.Snapshot(), err
	}
	d.metrics.updates.Inc(1)
	d.checkConsistency(est)
	d.statusChanged()

	if d.filter.Status() == Degraded && d.opts.ResetOnDegraded {
		x := d.filter.State()
		if err := d.filter.Reset(x, ScaledIdentity(x.Len(), d.opts.InitialCovariance)); err != nil {
			return d.filter.Snapshot(), err
		}
		d.metrics.resets.Inc(1)
		d.log.Warn("covariance reset after divergence", "time", m.Time)
		d.statusChanged()
	}
	d.metrics.trace.Update(mat.Trace(d.filter.Covariance()))
	return d.filter.Snapshot(), nil
}

func (d *Driver) checkAccelPeriod(t time.Time) {
	defer func() { d.lastAccel = t }()
	if d.opts.AccelPeriod == 0 || d.lastAccel.IsZero() {
		return
	}
	gap := t.Sub(d.lastAccel)
	if δ := gap - d.opts.AccelPeriod; δ > d.opts.AccelTolerance || -δ > d.opts.AccelTolerance {
		d.metrics.irregular.Inc(1)
		d.log.Debug("irregular accelerometer period", "gap", gap, "expected", d.opts.AccelPeriod)
	}
}

func (d *Driver) checkConsistency(est Estimate) {
	if est.IsZero() || est.InnovationCovariance() == nil {
		return
	}
	nis, err := NIS(est)
	if err != nil {
		return
	}
	d.metrics.nis.Update(nis)
	if d.opts.Consistency == nil {
		return
	}
	report, full, err := d.opts.Consistency.Add(est)
	if err != nil || !full {
		return
	}
	if !report.Consistent() {
		d.metrics.inconsistent.Inc(1)
		d.log.Warn("filter inconsistent", "sensor", report.Sensor, "nis", report.Mean, "lower", report.Lower, "upper", report.Upper)
	}
}

func (d *Driver) statusChanged() {
	if s := d.filter.Status(); s != d.status {
		d.log.Info("status changed", "from", d.status, "to", s)
		d.status = s
	}
}

// Push buffers the measurement and processes, in timestamp order, every buffered
// measurement which is older than the newest buffered one by at least the reorder window.
func (d *Driver) Push(m Measurement) []Result {
	d.buffer.push(m)
	return d.apply(d.buffer.release())
}

// Flush processes every buffered measurement.
func (d *Driver) Flush() []Result {
	return d.apply(d.buffer.flush())
}

// Buffered returns the number of measurements waiting in the reorder buffer.
func (d *Driver) Buffered() int {
	return d.buffer.Len()
}

func (d *Driver) apply(ms []Measurement) []Result {
	results := make([]Result, len(ms))
	for i, m := range ms {
		snap, err := d.Process(m)
		results[i] = Result{m, snap, err}
	}
	return results
}

// Run processes the measurements of in until it is closed or the context is done.
// Each snapshot of an initialized filter is passed to out, which may be nil. Errors are logged
// and counted, they never stop the loop.
func (d *Driver) Run(ctx context.Context, in <-chan Measurement, out func(Snapshot)) error {
	emit := func(results []Result) {
		if out == nil {
			return
		}
		for _, r := range results {
			if r.Err == nil && r.Snapshot.Status != Uninitialized {
				out(r.Snapshot)
			}
		}
	}
	defer func() { emit(d.Flush()) }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			emit(d.Push(m))
		}
	}
}
