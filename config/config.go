// Package config loads the YAML configuration of the fusion tools and builds the
// estimator, its measurement models and the driver options from it.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/ChristopherRabotin/gofusion/geodetic"
	"github.com/ChristopherRabotin/gofusion/logging"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation error of Parse and Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the configuration of the fusion tools. Zero values are replaced by
// defaults in Parse.
type Config struct {
	Axes          int                 `yaml:"axes"`
	ProcessNoise  ProcessNoiseConfig  `yaml:"process_noise"`
	GPS           GPSConfig           `yaml:"gps"`
	Accelerometer AccelerometerConfig `yaml:"accelerometer"`
	Estimator     EstimatorConfig     `yaml:"estimator"`
	Driver        DriverConfig        `yaml:"driver"`
	Consistency   ConsistencyConfig   `yaml:"consistency"`
	Sim           SimConfig           `yaml:"sim"`
	Log           logging.Config      `yaml:"log"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ProcessNoiseConfig selects the motion model and its process noise.
type ProcessNoiseConfig struct {
	Model string  `yaml:"model"` // closed or vanloan
	Q     float64 `yaml:"q"`     // jerk spectral density
}

// GPSConfig is the GPS noise and sampling, and the local frame fixes are projected to.
type GPSConfig struct {
	Variance   []float64     `yaml:"variance"`
	Covariance [][]float64   `yaml:"covariance"`
	Period     time.Duration `yaml:"period"`
	Frame      string        `yaml:"frame"`
	Origin     OriginConfig  `yaml:"origin"`
}

// OriginConfig is the geodetic origin of the local frame, in degrees and meters.
type OriginConfig struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
	Alt float64 `yaml:"alt"`
}

// AccelerometerConfig is the accelerometer noise, offsets and expected sampling period.
type AccelerometerConfig struct {
	Variance   []float64     `yaml:"variance"`
	Covariance [][]float64   `yaml:"covariance"`
	Bias       []float64     `yaml:"bias"`
	Gravity    float64       `yaml:"gravity"` // removed from the last axis, requires 3 axes
	Period     time.Duration `yaml:"period"`
	Tolerance  time.Duration `yaml:"tolerance"`
}

// EstimatorConfig holds the estimator options and the initial covariance.
type EstimatorConfig struct {
	InitialCovariance float64 `yaml:"initial_covariance"`
	Floor             float64 `yaml:"floor"`
	Ceiling           float64 `yaml:"ceiling"`
	SingularTolerance float64 `yaml:"singular_tolerance"`
	Form              string  `yaml:"form"` // joseph or simple
}

// DriverConfig holds the driver options.
type DriverConfig struct {
	AutoInit        *bool         `yaml:"auto_init"`
	InitFixes       int           `yaml:"init_fixes"`
	ResetOnDegraded bool          `yaml:"reset_on_degraded"`
	ReorderWindow   time.Duration `yaml:"reorder_window"`
}

// ConsistencyConfig configures the NIS consistency monitor.
type ConsistencyConfig struct {
	Window     int     `yaml:"window"` // zero disables the NIS test
	Confidence float64 `yaml:"confidence"`
}

// SimConfig configures the simulate and montecarlo commands.
type SimConfig struct {
	Trajectory string        `yaml:"trajectory"` // circle, helix or jerk
	Duration   time.Duration `yaml:"duration"`
	Seed       uint64        `yaml:"seed"`
	Runs       int           `yaml:"runs"`
}

// MetricsConfig configures the periodic metrics dump.
type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"` // zero disables the periodic dump
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Parse decodes a YAML configuration, applies the defaults and validates it.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "yaml: %s", err)
	}

	if cfg.Axes == 0 {
		cfg.Axes = 3
	}
	if cfg.Axes < 1 || cfg.Axes > 3 {
		return Config{}, errors.Wrap(ErrInvalidConfig, "axes must be 1, 2 or 3")
	}

	if cfg.ProcessNoise.Model == "" {
		cfg.ProcessNoise.Model = "closed"
	}
	if m := cfg.ProcessNoise.Model; m != "closed" && m != "vanloan" {
		return Config{}, errors.Wrap(ErrInvalidConfig, "process_noise.model must be closed or vanloan")
	}
	if cfg.ProcessNoise.Q == 0 {
		cfg.ProcessNoise.Q = 1
	}
	if cfg.ProcessNoise.Q < 0 {
		return Config{}, errors.Wrap(ErrInvalidConfig, "process_noise.q must be > 0")
	}

	if len(cfg.GPS.Variance) == 0 && len(cfg.GPS.Covariance) == 0 {
		cfg.GPS.Variance = []float64{10}
	}
	if cfg.GPS.Period <= 0 {
		cfg.GPS.Period = 200 * time.Millisecond
	}
	if cfg.GPS.Frame == "" {
		cfg.GPS.Frame = geodetic.KindTangent
	}

	if len(cfg.Accelerometer.Variance) == 0 && len(cfg.Accelerometer.Covariance) == 0 {
		cfg.Accelerometer.Variance = []float64{0.5}
	}
	if cfg.Accelerometer.Period <= 0 {
		cfg.Accelerometer.Period = 50 * time.Millisecond
	}
	if cfg.Accelerometer.Tolerance <= 0 {
		cfg.Accelerometer.Tolerance = 20 * time.Millisecond
	}
	if n := len(cfg.Accelerometer.Bias); n != 0 && n != cfg.Axes {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "accelerometer.bias must have %d values", cfg.Axes)
	}
	if cfg.Accelerometer.Gravity != 0 && cfg.Axes != 3 {
		return Config{}, errors.Wrap(ErrInvalidConfig, "accelerometer.gravity requires 3 axes")
	}

	if cfg.Estimator.InitialCovariance == 0 {
		cfg.Estimator.InitialCovariance = gofusion.DefaultInitialCovariance
	}
	if cfg.Estimator.InitialCovariance < 0 {
		return Config{}, errors.Wrap(ErrInvalidConfig, "estimator.initial_covariance must be > 0")
	}
	if cfg.Estimator.Form == "" {
		cfg.Estimator.Form = "joseph"
	}
	if f := strings.ToLower(cfg.Estimator.Form); f != "joseph" && f != "simple" {
		return Config{}, errors.Wrap(ErrInvalidConfig, "estimator.form must be joseph or simple")
	}
	if cfg.Estimator.Ceiling > 0 && cfg.Estimator.Floor >= cfg.Estimator.Ceiling {
		return Config{}, errors.Wrap(ErrInvalidConfig, "estimator.floor must be below estimator.ceiling")
	}

	if cfg.Driver.AutoInit == nil {
		autoInit := true
		cfg.Driver.AutoInit = &autoInit
	}
	if cfg.Driver.InitFixes == 0 {
		cfg.Driver.InitFixes = 2
	}
	if cfg.Driver.InitFixes != 1 && cfg.Driver.InitFixes != 2 {
		return Config{}, errors.Wrap(ErrInvalidConfig, "driver.init_fixes must be 1 or 2")
	}
	if cfg.Driver.ReorderWindow < 0 {
		return Config{}, errors.Wrap(ErrInvalidConfig, "driver.reorder_window must be >= 0")
	}

	if cfg.Consistency.Window < 0 {
		return Config{}, errors.Wrap(ErrInvalidConfig, "consistency.window must be >= 0")
	}
	if cfg.Consistency.Confidence == 0 {
		cfg.Consistency.Confidence = 0.95
	}
	if c := cfg.Consistency.Confidence; c <= 0 || c >= 1 {
		return Config{}, errors.Wrap(ErrInvalidConfig, "consistency.confidence must be within (0, 1)")
	}

	if cfg.Sim.Trajectory == "" {
		cfg.Sim.Trajectory = "circle"
	}
	if cfg.Sim.Duration <= 0 {
		cfg.Sim.Duration = 30 * time.Second
	}
	if cfg.Sim.Seed == 0 {
		cfg.Sim.Seed = 1
	}
	if cfg.Sim.Runs <= 0 {
		cfg.Sim.Runs = 20
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "log.level: %s", err)
	}

	// Noise matrices are validated here rather than when first used.
	if _, err := cfg.GPSNoise(); err != nil {
		return Config{}, err
	}
	if _, err := cfg.AccelerometerNoise(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// noise builds a covariance from either per axis variances (a single value is
// used for every axis) or a full matrix.
func noise(name string, axes int, variance []float64, covariance [][]float64) (*mat.SymDense, error) {
	if len(covariance) > 0 {
		if len(covariance) != axes {
			return nil, errors.Wrapf(ErrInvalidConfig, "%s.covariance must be %dx%d", name, axes, axes)
		}
		data := make([]float64, 0, axes*axes)
		for _, row := range covariance {
			if len(row) != axes {
				return nil, errors.Wrapf(ErrInvalidConfig, "%s.covariance must be %dx%d", name, axes, axes)
			}
			data = append(data, row...)
		}
		R, err := gofusion.AsSymDense(mat.NewDense(axes, axes, data), 1e-12)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "%s.covariance: %s", name, err)
		}
		return R, nil
	}
	switch len(variance) {
	case 1:
		σ2 := make([]float64, axes)
		for i := range σ2 {
			σ2[i] = variance[0]
		}
		variance = σ2
	case axes:
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "%s.variance must have 1 or %d values", name, axes)
	}
	for _, v := range variance {
		if v < 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "%s.variance must be >= 0", name)
		}
	}
	return gofusion.DiagonalNoise(variance...), nil
}

// GPSNoise returns the GPS measurement noise covariance.
func (c Config) GPSNoise() (*mat.SymDense, error) {
	return noise("gps", c.Axes, c.GPS.Variance, c.GPS.Covariance)
}

// AccelerometerNoise returns the accelerometer measurement noise covariance.
func (c Config) AccelerometerNoise() (*mat.SymDense, error) {
	return noise("accelerometer", c.Axes, c.Accelerometer.Variance, c.Accelerometer.Covariance)
}

// AccelerometerOffset returns the bias and gravity removed from each reading, nil if none.
func (c Config) AccelerometerOffset() []float64 {
	if len(c.Accelerometer.Bias) == 0 && c.Accelerometer.Gravity == 0 {
		return nil
	}
	offset := make([]float64, c.Axes)
	copy(offset, c.Accelerometer.Bias)
	offset[c.Axes-1] += c.Accelerometer.Gravity
	return offset
}

// MotionModel returns the configured motion model.
func (c Config) MotionModel() (gofusion.MotionModel, error) {
	ca, err := gofusion.NewConstantAcceleration(c.Axes, c.ProcessNoise.Q)
	if err != nil {
		return nil, err
	}
	if c.ProcessNoise.Model == "vanloan" {
		return gofusion.NewVanLoanModel(ca), nil
	}
	return ca, nil
}

// Models returns the accelerometer and GPS measurement models.
func (c Config) Models() (accel, gps *gofusion.MeasurementModel, err error) {
	Ra, err := c.AccelerometerNoise()
	if err != nil {
		return nil, nil, err
	}
	Rg, err := c.GPSNoise()
	if err != nil {
		return nil, nil, err
	}
	if accel, err = gofusion.NewAccelerometerModel(c.Axes, Ra, c.AccelerometerOffset()); err != nil {
		return nil, nil, err
	}
	if gps, err = gofusion.NewGPSModel(c.Axes, Rg); err != nil {
		return nil, nil, err
	}
	return accel, gps, nil
}

// EstimatorOptions returns the numerical options of the estimator.
func (c Config) EstimatorOptions() gofusion.EstimatorOptions {
	opts := gofusion.EstimatorOptions{
		Floor:             c.Estimator.Floor,
		Ceiling:           c.Estimator.Ceiling,
		SingularTolerance: c.Estimator.SingularTolerance,
	}
	if strings.EqualFold(c.Estimator.Form, "simple") {
		opts.Form = gofusion.SimpleForm
	}
	return opts
}

// NewEstimator returns an uninitialized Kalman estimator with both sensors registered.
func (c Config) NewEstimator() (*gofusion.Estimator, error) {
	motion, err := c.MotionModel()
	if err != nil {
		return nil, err
	}
	accel, gps, err := c.Models()
	if err != nil {
		return nil, err
	}
	return gofusion.NewEstimator(motion, c.EstimatorOptions(), accel, gps)
}

// NewDeadReckoner returns an uninitialized inertial only estimator.
func (c Config) NewDeadReckoner() (*gofusion.Estimator, error) {
	motion, err := c.MotionModel()
	if err != nil {
		return nil, err
	}
	accel, _, err := c.Models()
	if err != nil {
		return nil, err
	}
	return gofusion.NewDeadReckoner(motion, accel)
}

// DriverOptions returns the driver options. Each call creates a new consistency
// monitor so that drivers never share one.
func (c Config) DriverOptions(logger *slog.Logger, registry gometrics.Registry) (gofusion.DriverOptions, error) {
	opts := gofusion.DriverOptions{
		Logger:            logger,
		Metrics:           registry,
		AutoInit:          c.Driver.AutoInit == nil || *c.Driver.AutoInit,
		InitFixes:         c.Driver.InitFixes,
		InitialCovariance: c.Estimator.InitialCovariance,
		ResetOnDegraded:   c.Driver.ResetOnDegraded,
		ReorderWindow:     c.Driver.ReorderWindow,
		AccelPeriod:       c.Accelerometer.Period,
		AccelTolerance:    c.Accelerometer.Tolerance,
	}
	if c.Consistency.Window > 0 {
		mon, err := gofusion.NewConsistencyMonitor(c.Consistency.Window, c.Consistency.Confidence)
		if err != nil {
			return opts, err
		}
		opts.Consistency = mon
	}
	return opts, nil
}

// Frame returns the local frame in which GPS fixes are converted.
func (c Config) Frame() (geodetic.Frame, error) {
	return geodetic.New(c.GPS.Frame, geodetic.Fix{Lat: c.GPS.Origin.Lat, Lon: c.GPS.Origin.Lon, Alt: c.GPS.Origin.Alt})
}
