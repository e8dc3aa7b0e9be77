package gofusion

import (
	"errors"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

func TestSelectingModels(t *testing.T) {
	accel, err := NewAccelerometerModel(2, DiagonalNoise(0.1, 0.2), []float64{0, 9.81})
	if err != nil {
		t.Fatal(err)
	}
	gps, err := NewGPSModel(2, DiagonalNoise(4, 4))
	if err != nil {
		t.Fatal(err)
	}
	if accel.Dim() != 2 || gps.Dim() != 2 {
		t.Fatalf("dims: accel=%d gps=%d", accel.Dim(), gps.Dim())
	}
	Hacc := mat.NewDense(2, 6, []float64{0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	if !mat.Equal(accel.H, Hacc) {
		t.Fatalf("accelerometer H=\n%v", mat.Formatted(accel.H))
	}
	Hgps := mat.NewDense(2, 6, []float64{1, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0})
	if !mat.Equal(gps.H, Hgps) {
		t.Fatalf("gps H=\n%v", mat.Formatted(gps.H))
	}

	x := mat.NewVecDense(6, []float64{1, 2, 3, 4, 5, 6})
	y, err := accel.Residual(x, []float64{3.5, 16})
	if err != nil {
		t.Fatal(err)
	}
	if !mat.EqualApprox(y, mat.NewVecDense(2, []float64{0.5, 16 - 9.81 - 6}), 1e-12) {
		t.Fatalf("accelerometer residual %v", mat.Formatted(y.T()))
	}
	y, err = gps.Residual(x, []float64{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(y, mat.NewVecDense(2, []float64{-1, -4})) {
		t.Fatalf("gps residual %v", mat.Formatted(y.T()))
	}
}

func TestMeasurementModelErrors(t *testing.T) {
	cases := map[string]func() (*MeasurementModel, error){
		"axes":      func() (*MeasurementModel, error) { return NewGPSModel(4, DiagonalNoise(1, 1, 1, 1)) },
		"nil R":     func() (*MeasurementModel, error) { return NewGPSModel(1, nil) },
		"R dims":    func() (*MeasurementModel, error) { return NewGPSModel(2, DiagonalNoise(1)) },
		"R not PSD": func() (*MeasurementModel, error) { return NewGPSModel(1, DiagonalNoise(-1)) },
		"offset":    func() (*MeasurementModel, error) { return NewAccelerometerModel(2, DiagonalNoise(1, 1), []float64{1}) },
	}
	for name, build := range cases {
		if _, err := build(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}

	gps, _ := NewGPSModel(1, DiagonalNoise(1))
	x := mat.NewVecDense(3, nil)
	if _, err := gps.Residual(x, []float64{1, 2}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("wrong reading size: %v", err)
	}
	if _, err := gps.Residual(mat.NewVecDense(6, nil), []float64{1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("wrong state size: %v", err)
	}
}

func TestMeasurementString(t *testing.T) {
	m := NewGPSReading(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), 1, 2)
	if s := m.String(); s != "gps@2024-03-01T12:00:00Z[1 2]" {
		t.Fatalf("unexpected string %q", s)
	}
	if s := Sensor(9).String(); s != "sensor(9)" {
		t.Fatalf("unexpected string %q", s)
	}
}
