package sim

import (
	"fmt"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"gonum.org/v1/gonum/mat"
)

// GroundTruth computes the error of snapshots from a known trajectory.
type GroundTruth struct {
	trajectory Trajectory
	start      time.Time
	axes       int
}

// NewGroundTruth returns the ground truth of a trajectory started at start.
func NewGroundTruth(trajectory Trajectory, start time.Time, axes int) *GroundTruth {
	return &GroundTruth{trajectory, start, axes}
}

// At returns the true kinematics at t.
func (g *GroundTruth) At(t time.Time) Kinematics {
	return g.trajectory.At(t.Sub(g.start).Seconds())
}

// State returns the true state vector at t.
func (g *GroundTruth) State(t time.Time) *mat.VecDense {
	return g.At(t).State(g.axes)
}

// Error returns the estimation error of the snapshot, i.e. estimate - truth.
func (g *GroundTruth) Error(s gofusion.Snapshot) *mat.VecDense {
	return g.ErrorWithOffset(s, nil)
}

// ErrorWithOffset returns the estimation error after adding offset to the estimate.
func (g *GroundTruth) ErrorWithOffset(s gofusion.Snapshot, offset mat.Vector) *mat.VecDense {
	x := s.State()
	if x == nil {
		return nil
	}
	if x.Len() != 3*g.axes {
		panic(fmt.Errorf("snapshot has %d states, ground truth has %d", x.Len(), 3*g.axes))
	}
	if offset != nil {
		x.AddVec(x, offset)
	}
	x.SubVec(x, g.State(s.Time))
	return x
}
