package gofusion

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CovarianceForm selects how the covariance is updated after a measurement.
type CovarianceForm uint8

const (
	// JosephForm computes P = (I-KH)*P*(I-KH)' + K*R*K', which stays positive
	// semi-definite even with a suboptimal gain.
	JosephForm CovarianceForm = iota
	// SimpleForm computes P = (I-KH)*P.
	SimpleForm
)

func (f CovarianceForm) String() string {
	if f == SimpleForm {
		return "simple"
	}
	return "joseph"
}

// DefaultSingularTolerance is the reciprocal condition number of H*P*H' + R
// below which the update is rejected. The condition number is that of the
// correlation matrix D^-1/2*S*D^-1/2 with D = diag(S), so sensors of very
// different scales (e.g. S = diag(1e6, 1e-7)) are not mistaken for a singular S.
const DefaultSingularTolerance = 1e-12

// EstimatorOptions are the numerical safeguards of an Estimator.
type EstimatorOptions struct {
	Floor             float64 // Degraded if any diagonal entry of P is below Floor, disabled if zero.
	Ceiling           float64 // Degraded if any diagonal entry of P is above Ceiling, disabled if zero.
	SingularTolerance float64 // Defaults to DefaultSingularTolerance.
	Form              CovarianceForm
}

// Estimator is a linear Kalman filter over a MotionModel with one MeasurementModel per sensor.
// Predict and Update must be serialized by the caller (typically a Driver).
// Snapshot may be called concurrently with them.
type Estimator struct {
	motion         MotionModel
	models         map[Sensor]*MeasurementModel
	opts           EstimatorOptions
	x              *mat.VecDense
	P              *mat.SymDense
	status         Status
	stamp          time.Time
	step           int
	predictionOnly bool
	snap           atomic.Pointer[Snapshot]
}

// NewEstimator returns a new uninitialized estimator. Call Init before using it.
// Parameters:
// - motion: the motion model
// - opts: divergence thresholds and numerical safeguards
// - models: the measurement models, at most one per sensor
func NewEstimator(motion MotionModel, opts EstimatorOptions, models ...*MeasurementModel) (*Estimator, error) {
	if motion == nil {
		return nil, errors.Wrap(ErrInvalidInput, "a motion model is required")
	}
	if opts.SingularTolerance <= 0 {
		opts.SingularTolerance = DefaultSingularTolerance
	}
	if opts.Floor < 0 || opts.Ceiling < 0 || (opts.Ceiling > 0 && opts.Floor >= opts.Ceiling) {
		return nil, errors.Wrapf(ErrInvalidInput, "invalid divergence band [%g, %g]", opts.Floor, opts.Ceiling)
	}
	kf := &Estimator{motion: motion, models: make(map[Sensor]*MeasurementModel), opts: opts}
	for _, m := range models {
		if err := kf.Register(m); err != nil {
			return nil, err
		}
	}
	kf.publish()
	return kf, nil
}

// NewDeadReckoner returns an estimator which only integrates the accelerometer:
// each accelerometer reading replaces the acceleration of the state and every
// other sensor is ignored. It is the inertial only baseline of the Kalman estimator.
func NewDeadReckoner(motion MotionModel, accel *MeasurementModel) (*Estimator, error) {
	if accel == nil || accel.Sensor != Accelerometer {
		return nil, errors.Wrap(ErrInvalidInput, "dead reckoning requires an accelerometer model")
	}
	kf, err := NewEstimator(motion, EstimatorOptions{}, accel)
	if err != nil {
		return nil, err
	}
	kf.predictionOnly = true
	return kf, nil
}

// Register adds or replaces the measurement model of a sensor.
func (kf *Estimator) Register(m *MeasurementModel) error {
	if m == nil {
		return errors.Wrap(ErrInvalidInput, "nil measurement model")
	}
	if m.H == nil || m.R == nil {
		return errors.Wrapf(ErrInvalidInput, "%s: H and R must be specified", m.Sensor)
	}
	if err := checkMatDims(m.H, kf.motion.StateTransition(0), "H", "F", cols2cols); err != nil {
		return errors.WithMessage(err, m.Sensor.String())
	}
	if err := checkMatDims(m.R, m.H, "R", "H", rows2rows); err != nil {
		return errors.WithMessage(err, m.Sensor.String())
	}
	kf.models[m.Sensor] = m
	return nil
}

// Model returns the measurement model registered for the sensor, if any.
func (kf *Estimator) Model(s Sensor) (*MeasurementModel, bool) {
	m, ok := kf.models[s]
	return m, ok
}

// Motion returns the motion model.
func (kf *Estimator) Motion() MotionModel {
	return kf.motion
}

// Init sets the initial state and covariance of an uninitialized estimator.
func (kf *Estimator) Init(x0 mat.Vector, P0 mat.Symmetric) error {
	if kf.status != Uninitialized {
		return errors.Wrap(ErrInvalidInput, "estimator already initialized (use Reset)")
	}
	return kf.Reset(x0, P0)
}

// Reset replaces the state and the covariance entirely and sets the status to Tracking.
func (kf *Estimator) Reset(x0 mat.Vector, P0 mat.Symmetric) error {
	if x0 == nil || P0 == nil {
		return errors.Wrap(ErrInvalidInput, "x0 and P0 must be specified")
	}
	if x0.Len() != kf.motion.Dim() {
		return errors.Wrapf(ErrInvalidInput, "x0 has %d rows, expected %d", x0.Len(), kf.motion.Dim())
	}
	if err := checkMatDims(x0, P0, "x0", "P0", rows2cols); err != nil {
		return err
	}
	x := copyVec(x0)
	P := copySym(P0)
	if !allFinite(x.RawVector().Data) || !allFinite(diag(P)) {
		return errors.Wrap(ErrInvalidInput, "x0 and P0 must be finite")
	}
	if !isPSD(P) {
		return errors.Wrap(ErrInvalidInput, "P0 must be positive semi-definite")
	}
	kf.x = x
	kf.P = P
	kf.status = Tracking
	kf.step = 0
	kf.checkDivergence()
	kf.publish()
	return nil
}

// Predict propagates the state and the covariance by Δt seconds:
// x = F*x and P = F*P*F' + Q. The stamp advances by Δt.
func (kf *Estimator) Predict(Δt float64) error {
	if kf.status == Uninitialized {
		return errors.Wrap(ErrNotInitialized, "predict")
	}
	if Δt < 0 || math.IsNaN(Δt) || math.IsInf(Δt, 0) {
		return errors.Wrapf(ErrInvalidInput, "predict: Δt=%f", Δt)
	}
	if Δt == 0 {
		return nil
	}
	var (
		F *mat.Dense
		Q *mat.SymDense
	)
	if d, ok := kf.motion.(discretizer); ok {
		var err error
		if F, Q, err = d.Discretize(Δt); err != nil {
			return errors.Wrapf(ErrInvalidInput, "predict: %s", err)
		}
	} else {
		F, Q = kf.motion.StateTransition(Δt), kf.motion.ProcessNoise(Δt)
	}
	if err := checkMatDims(F, kf.P, "F", "P", rowsAndcols); err != nil {
		return errors.WithMessage(err, "predict")
	}
	if err := checkMatDims(Q, kf.P, "Q", "P", rowsAndcols); err != nil {
		return errors.WithMessage(err, "predict")
	}

	var x mat.VecDense
	x.MulVec(F, kf.x)

	var FP, FPFt mat.Dense
	FP.Mul(F, kf.P)
	FPFt.Mul(&FP, F.T())
	FPFt.Add(&FPFt, Q)

	kf.x = &x
	kf.P = Symmetrize(&FPFt)
	kf.stamp = kf.stamp.Add(time.Duration(math.Round(Δt * float64(time.Second))))
	kf.checkDivergence()
	kf.publish()
	return nil
}

// Update corrects the state with the provided measurement using the model registered
// for its sensor. On error the state and covariance are unchanged.
func (kf *Estimator) Update(m Measurement) (Estimate, error) {
	if kf.status == Uninitialized {
		return Estimate{}, errors.Wrapf(ErrNotInitialized, "update %s", m.Sensor)
	}
	model, ok := kf.models[m.Sensor]
	if kf.predictionOnly {
		if !ok {
			return Estimate{}, nil
		}
		return kf.integrate(model, m)
	}
	if !ok {
		return Estimate{}, errors.Wrapf(ErrInvalidInput, "no measurement model registered for %s", m.Sensor)
	}

	// Innovation
	y, err := model.Residual(kf.x, m.Values)
	if err != nil {
		return Estimate{}, err
	}

	// Innovation covariance S = H*P*H' + R
	var PHt, HPHt mat.Dense
	PHt.Mul(kf.P, model.H.T())
	HPHt.Mul(model.H, &PHt)
	HPHt.Add(&HPHt, model.R)
	S := Symmetrize(&HPHt)

	var chol mat.Cholesky
	if !chol.Factorize(S) {
		return Estimate{}, errors.Wrapf(ErrSingularCovariance, "%s: H*P*H' + R is not positive definite", m.Sensor)
	}
	if rcond := 1 / scaledCond(S); rcond < kf.opts.SingularTolerance || math.IsNaN(rcond) {
		return Estimate{}, errors.Wrapf(ErrSingularCovariance, "%s: H*P*H' + R is ill conditioned (1/cond=%g)", m.Sensor, rcond)
	}
	var Sinv mat.SymDense
	if err := chol.InverseTo(&Sinv); err != nil {
		return Estimate{}, errors.Wrapf(ErrSingularCovariance, "%s: could not invert H*P*H' + R: %s", m.Sensor, err)
	}

	// Kalman gain
	var K mat.Dense
	K.Mul(&PHt, &Sinv)

	// Measurement update
	var Ky, x mat.VecDense
	Ky.MulVec(&K, y)
	x.AddVec(kf.x, &Ky)

	n := kf.motion.Dim()
	var IKH mat.Dense
	IKH.Mul(&K, model.H)
	IKH.Sub(Identity(n), &IKH)
	var P mat.Dense
	switch kf.opts.Form {
	case SimpleForm:
		P.Mul(&IKH, kf.P)
	default:
		var IKHP, KR, KRKt mat.Dense
		IKHP.Mul(&IKH, kf.P)
		P.Mul(&IKHP, IKH.T())
		KR.Mul(&K, model.R)
		KRKt.Mul(&KR, K.T())
		P.Add(&P, &KRKt)
	}
	PSym := Symmetrize(&P)
	if !allFinite(x.RawVector().Data) || !allFinite(diag(PSym)) {
		return Estimate{}, errors.Wrapf(ErrSingularCovariance, "%s: update is not finite", m.Sensor)
	}

	est := Estimate{
		sensor:     m.Sensor,
		state:      copyVec(&x),
		innovation: y,
		covar:      copySym(PSym),
		predCovar:  copySym(kf.P),
		innovCovar: S,
		gain:       &K,
	}
	kf.x = &x
	kf.P = PSym
	kf.step++
	kf.checkDivergence()
	kf.publish()
	return est, nil
}

// scaledCond returns the condition number of S once scaled to unit diagonal,
// +Inf if that is not positive definite.
func scaledCond(S mat.Symmetric) float64 {
	n := S.SymmetricDim()
	d := make([]float64, n)
	for i := range d {
		if d[i] = math.Sqrt(S.At(i, i)); d[i] == 0 || math.IsNaN(d[i]) {
			return math.Inf(1)
		}
	}
	C := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		C.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			C.SetSym(i, j, S.At(i, j)/(d[i]*d[j]))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(C) {
		return math.Inf(1)
	}
	return chol.Cond()
}

// integrate is the dead reckoning update: the acceleration is replaced by the reading.
func (kf *Estimator) integrate(model *MeasurementModel, m Measurement) (Estimate, error) {
	y, err := model.Residual(kf.x, m.Values)
	if err != nil {
		return Estimate{}, err
	}
	n := kf.motion.Dim()
	x := copyVec(kf.x)
	P := copySym(kf.P)
	for ax := 0; ax < model.Dim(); ax++ {
		i := ax*axisDim + accIdx
		x.SetVec(i, x.AtVec(i)+y.AtVec(ax))
		for j := 0; j < n; j++ {
			if j != i {
				P.SetSym(i, j, 0)
			}
		}
		P.SetSym(i, i, model.R.At(ax, ax))
	}
	est := Estimate{sensor: m.Sensor, state: copyVec(x), innovation: y, covar: copySym(P), predCovar: copySym(kf.P)}
	kf.x = x
	kf.P = P
	kf.step++
	kf.checkDivergence()
	kf.publish()
	return est, nil
}

func (kf *Estimator) checkDivergence() {
	kf.status = Tracking
	for _, v := range diag(kf.P) {
		if (kf.opts.Floor > 0 && v < kf.opts.Floor) || (kf.opts.Ceiling > 0 && v > kf.opts.Ceiling) {
			kf.status = Degraded
			return
		}
	}
}

func (kf *Estimator) publish() {
	if kf.status == Uninitialized {
		kf.snap.Store(newSnapshot(kf.stamp, nil, nil, Uninitialized))
		return
	}
	kf.snap.Store(newSnapshot(kf.stamp, kf.x, kf.P, kf.status))
}

// SetStamp sets the time of the estimate and republishes the snapshot.
func (kf *Estimator) SetStamp(t time.Time) {
	kf.stamp = t
	kf.publish()
}

// Stamp returns the time of the estimate as set by the driver.
func (kf *Estimator) Stamp() time.Time {
	return kf.stamp
}

// Status returns the current tracking status.
func (kf *Estimator) Status() Status {
	return kf.status
}

// State returns a copy of the state estimate, nil if uninitialized.
func (kf *Estimator) State() *mat.VecDense {
	if kf.x == nil {
		return nil
	}
	return copyVec(kf.x)
}

// Covariance returns a copy of the covariance, nil if uninitialized.
func (kf *Estimator) Covariance() *mat.SymDense {
	if kf.P == nil {
		return nil
	}
	return copySym(kf.P)
}

// Snapshot returns a copy of the last published snapshot. It is safe to call
// concurrently with Predict and Update.
func (kf *Estimator) Snapshot() Snapshot {
	return kf.snap.Load().clone()
}

// Steps returns the number of successful updates since the last reset.
func (kf *Estimator) Steps() int {
	return kf.step
}

func (kf *Estimator) String() string {
	mode := "kalman"
	if kf.predictionOnly {
		mode = "dead-reckoning"
	}
	s := fmt.Sprintf("Estimator [%s k=%d %s]\n%s\n", mode, kf.step, kf.status, kf.motion)
	for _, sensor := range []Sensor{Accelerometer, GPS} {
		if m, ok := kf.models[sensor]; ok {
			s += m.String()
		}
	}
	return s
}

// Estimate is the output of each successful update of the Estimator.
type Estimate struct {
	sensor           Sensor
	state            *mat.VecDense
	innovation       *mat.VecDense
	covar, predCovar *mat.SymDense
	innovCovar       *mat.SymDense
	gain             *mat.Dense
}

// Sensor returns the sensor of the measurement which produced this estimate.
func (e Estimate) Sensor() Sensor {
	return e.sensor
}

// State returns \hat{x}_{k}^{+}
func (e Estimate) State() *mat.VecDense {
	return e.state
}

// Innovation returns y_{k} - H*\hat{x}_{k}^{-}
func (e Estimate) Innovation() *mat.VecDense {
	return e.innovation
}

// Covariance returns P_{k}^{+}
func (e Estimate) Covariance() *mat.SymDense {
	return e.covar
}

// PredCovariance returns P_{k}^{-}
func (e Estimate) PredCovariance() *mat.SymDense {
	return e.predCovar
}

// InnovationCovariance returns S = H*P_{k}^{-}*H' + R, nil for dead reckoning.
func (e Estimate) InnovationCovariance() *mat.SymDense {
	return e.innovCovar
}

// Gain returns the Kalman gain, nil for dead reckoning.
func (e Estimate) Gain() *mat.Dense {
	return e.gain
}

// IsZero returns whether the estimate is empty (e.g. a measurement ignored by dead reckoning).
func (e Estimate) IsZero() bool {
	return e.state == nil
}

func (e Estimate) String() string {
	if e.IsZero() {
		return "{}"
	}
	state := mat.Formatted(e.state.T(), mat.Prefix("  "))
	covar := mat.Formatted(e.covar, mat.Prefix("  "))
	innov := mat.Formatted(e.innovation.T(), mat.Prefix("  "))
	predp := mat.Formatted(e.predCovar, mat.Prefix("   "))
	return fmt.Sprintf("{\ns=%v\nP=%v\nP-=%v\ni=%v\n}", state, covar, predp, innov)
}
