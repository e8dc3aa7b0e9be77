package gofusion

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func TestNIS(t *testing.T) {
	est := Estimate{sensor: GPS, innovation: mat.NewVecDense(2, []float64{2, 1}), innovCovar: Diagonal(4, 0.5)}
	nis, err := NIS(est)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(nis-3) > 1e-12 {
		t.Fatalf("NIS=%f instead of 3", nis)
	}
	if _, err := NIS(Estimate{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatal("NIS of an empty estimate")
	}
	if _, err := NIS(Estimate{innovation: mat.NewVecDense(1, []float64{1}), innovCovar: Diagonal(0)}); !errors.Is(err, ErrSingularCovariance) {
		t.Fatal("NIS with a singular S")
	}
}

func TestNEES(t *testing.T) {
	nees, err := NEES(mat.NewVecDense(2, []float64{1, 1}), mat.NewVecDense(2, nil), Diagonal(1, 0.25))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(nees-5) > 1e-12 {
		t.Fatalf("NEES=%f instead of 5", nees)
	}
	if _, err := NEES(mat.NewVecDense(3, nil), mat.NewVecDense(2, nil), Identity(2)); !errors.Is(err, ErrInvalidInput) {
		t.Fatal("NEES with a truth of wrong size")
	}
}

func TestChiSquareBand(t *testing.T) {
	lower, upper := ChiSquareBand(1, 1, 0.95)
	if math.Abs(lower-0.000982) > 1e-5 || math.Abs(upper-5.0239) > 1e-3 {
		t.Fatalf("band=[%f, %f]", lower, upper)
	}
	// The band of the mean narrows around the degrees of freedom.
	lower, upper = ChiSquareBand(200, 3, 0.95)
	if lower > 3 || upper < 3 || upper-lower > 1 {
		t.Fatalf("band=[%f, %f]", lower, upper)
	}
}

func TestConsistencyMonitor(t *testing.T) {
	if _, err := NewConsistencyMonitor(0, 0.95); err == nil {
		t.Fatal("empty window accepted")
	}
	if _, err := NewConsistencyMonitor(10, 1); err == nil {
		t.Fatal("confidence of 1 accepted")
	}
	mon, _ := NewConsistencyMonitor(3, 0.95)
	nominal := Estimate{sensor: GPS, innovation: mat.NewVecDense(1, []float64{1}), innovCovar: Diagonal(1)}
	off := Estimate{sensor: Accelerometer, innovation: mat.NewVecDense(1, []float64{10}), innovCovar: Diagonal(1)}
	for k := 0; k < 2; k++ {
		if _, full, err := mon.Add(nominal); err != nil || full {
			t.Fatalf("k=%d: window full too early (%v)", k, err)
		}
		if _, full, _ := mon.Add(off); full {
			t.Fatal("windows are not per sensor")
		}
	}
	report, full, err := mon.Add(nominal)
	if err != nil || !full {
		t.Fatal("window should be full")
	}
	if !report.Consistent() || report.Mean != 1 || report.Samples != 3 {
		t.Fatalf("unexpected report %s", report)
	}
	report, full, _ = mon.Add(off)
	if !full || report.Consistent() || report.Mean != 100 {
		t.Fatalf("unexpected report %s", report)
	}
	mon.Reset()
	if _, full, _ := mon.Add(nominal); full {
		t.Fatal("reset did not drop the samples")
	}
}
