// Package sim generates ground truth trajectories and the noisy accelerometer
// and GPS readings a vehicle following them would produce, and measures how well
// an estimator recovers the truth.
package sim

import (
	"fmt"
	"math"
	"strings"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Kinematics is the true position, velocity and acceleration on the three axes.
type Kinematics struct {
	Position, Velocity, Acceleration [3]float64
}

// State returns the interleaved estimator state [p v a] of the first axes.
func (k Kinematics) State(axes int) *mat.VecDense {
	x := mat.NewVecDense(3*axes, nil)
	for ax := 0; ax < axes; ax++ {
		x.SetVec(3*ax, k.Position[ax])
		x.SetVec(3*ax+1, k.Velocity[ax])
		x.SetVec(3*ax+2, k.Acceleration[ax])
	}
	return x
}

// Trajectory is a path with analytic derivatives, t in seconds since the start.
type Trajectory interface {
	At(t float64) Kinematics
	String() string
}

// Circle is a horizontal circle at constant angular rate.
type Circle struct {
	CenterX, CenterY float64
	Radius           float64
	Frequency        float64 // Hz
}

func (c Circle) At(t float64) Kinematics {
	ω := 2 * math.Pi * c.Frequency
	s, co := math.Sincos(ω * t)
	return Kinematics{
		Position:     [3]float64{c.CenterX + c.Radius*co, c.CenterY + c.Radius*s, 0},
		Velocity:     [3]float64{-c.Radius * ω * s, c.Radius * ω * co, 0},
		Acceleration: [3]float64{-c.Radius * ω * ω * co, -c.Radius * ω * ω * s, 0},
	}
}

func (c Circle) String() string {
	return fmt.Sprintf("circle{center=(%g, %g) r=%g f=%gHz}", c.CenterX, c.CenterY, c.Radius, c.Frequency)
}

// Helix climbs and descends while turning: every axis is Scale*(trig(ωt) + Offset).
type Helix struct {
	Scale, Offset float64
	Frequency     float64 // Hz
}

func (h Helix) At(t float64) Kinematics {
	ω := 2 * math.Pi * h.Frequency
	s, c := math.Sincos(ω * t)
	k, kω, kω2 := h.Scale, h.Scale*ω, h.Scale*ω*ω
	return Kinematics{
		Position:     [3]float64{k * (s + h.Offset), k * (c + h.Offset), k * (s + h.Offset)},
		Velocity:     [3]float64{kω * c, -kω * s, kω * c},
		Acceleration: [3]float64{-kω2 * s, -kω2 * c, -kω2 * s},
	}
}

func (h Helix) String() string {
	return fmt.Sprintf("helix{scale=%g offset=%g f=%gHz}", h.Scale, h.Offset, h.Frequency)
}

// Jerk is a constant jerk drive: the acceleration changes linearly with time.
type Jerk struct {
	P0, V0, A0, J [3]float64
}

func (j Jerk) At(t float64) Kinematics {
	var k Kinematics
	for ax := 0; ax < 3; ax++ {
		k.Position[ax] = j.P0[ax] + j.V0[ax]*t + j.A0[ax]*t*t/2 + j.J[ax]*t*t*t/6
		k.Velocity[ax] = j.V0[ax] + j.A0[ax]*t + j.J[ax]*t*t/2
		k.Acceleration[ax] = j.A0[ax] + j.J[ax]*t
	}
	return k
}

func (j Jerk) String() string {
	return fmt.Sprintf("jerk{p0=%v v0=%v a0=%v j=%v}", j.P0, j.V0, j.A0, j.J)
}

// NewTrajectory returns the default trajectory of the provided name: circle, helix or jerk.
func NewTrajectory(name string) (Trajectory, error) {
	switch strings.ToLower(name) {
	case "circle":
		return Circle{CenterX: 60, CenterY: 60, Radius: 30, Frequency: 0.7}, nil
	case "helix":
		return Helix{Scale: 50, Offset: 2, Frequency: 0.5}, nil
	case "jerk":
		return Jerk{V0: [3]float64{1, 0.5, 0}, J: [3]float64{0.1, -0.05, 0.02}}, nil
	default:
		return nil, errors.Wrapf(gofusion.ErrInvalidInput, "unknown trajectory %q", name)
	}
}
