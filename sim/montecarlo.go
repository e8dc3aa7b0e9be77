package sim

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Setup builds the scenario and the driver of one Monte Carlo run. Each run gets
// its own seed so that its sensor noise is independent from the other runs.
type Setup func(run int, seed uint64) (Scenario, *gofusion.Driver, error)

// MonteCarloRuns stores MC runs.
type MonteCarloRuns struct {
	runs, steps int
	Runs        []MonteCarloRun
}

// MonteCarloRun stores the results of an MC run.
type MonteCarloRun struct {
	Seed   uint64
	Result Result
}

// NewMonteCarloRuns runs the provided number of simulations in parallel.
func NewMonteCarloRuns(ctx context.Context, runs int, seed uint64, setup Setup) (MonteCarloRuns, error) {
	if runs < 1 {
		return MonteCarloRuns{}, errors.Wrapf(gofusion.ErrInvalidInput, "at least one run is required, got %d", runs)
	}
	mc := MonteCarloRuns{runs: runs, Runs: make([]MonteCarloRun, runs)}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for r := 0; r < runs; r++ {
		runSeed := seed + uint64(r)*0x9e3779b97f4a7c15
		g.Go(func() error {
			sc, d, err := setup(r, runSeed)
			if err != nil {
				return errors.Wrapf(err, "run %d", r)
			}
			res, err := Run(ctx, sc, d)
			if err != nil {
				return errors.Wrapf(err, "run %d", r)
			}
			mc.Runs[r] = MonteCarloRun{runSeed, res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return MonteCarloRuns{}, err
	}
	// Runs which dropped different measurements are compared on their common prefix.
	mc.steps = len(mc.Runs[0].Result.Snapshots)
	for _, run := range mc.Runs[1:] {
		mc.steps = min(mc.steps, len(run.Result.Snapshots))
	}
	return mc, nil
}

// Steps returns the number of snapshots common to every run.
func (mc MonteCarloRuns) Steps() int {
	return mc.steps
}

// column gathers the state element i of every run at the given step.
func (mc MonteCarloRuns) column(step, i int) []float64 {
	vals := make([]float64, len(mc.Runs))
	for r, run := range mc.Runs {
		vals[r] = run.Result.Snapshots[step].State().AtVec(i)
	}
	return vals
}

func (mc MonteCarloRuns) dim() int {
	return mc.Runs[0].Result.Snapshots[0].State().Len()
}

// Mean returns the mean of all the samples for the given time step.
func (mc MonteCarloRuns) Mean(step int) []float64 {
	means := make([]float64, mc.dim())
	for i := range means {
		means[i] = stat.Mean(mc.column(step, i), nil)
	}
	return means
}

// StdDev returns the standard deviation of all the samples for the given time step.
func (mc MonteCarloRuns) StdDev(step int) []float64 {
	devs := make([]float64, mc.dim())
	for i := range devs {
		devs[i] = stat.StdDev(mc.column(step, i), nil)
	}
	return devs
}

// NEES returns the NEES of the given step averaged over the runs.
func (mc MonteCarloRuns) NEES(step int) float64 {
	vals := make([]float64, len(mc.Runs))
	for r, run := range mc.Runs {
		vals[r] = run.Result.NEES[step]
	}
	return stat.Mean(vals, nil)
}

// Consistency returns the fraction of steps whose average NEES lies within the
// chi-square acceptance band at the given confidence.
func (mc MonteCarloRuns) Consistency(confidence float64) float64 {
	if mc.steps == 0 {
		return math.NaN()
	}
	lower, upper := gofusion.ChiSquareBand(mc.runs, mc.dim(), confidence)
	var in int
	for k := 0; k < mc.steps; k++ {
		if nees := mc.NEES(k); nees >= lower && nees <= upper {
			in++
		}
	}
	return float64(in) / float64(mc.steps)
}

// PositionRMS returns the position RMS error of each axis averaged over the runs.
func (mc MonteCarloRuns) PositionRMS() []float64 {
	axes := len(mc.Runs[0].Result.PositionRMS)
	rms := make([]float64, axes)
	for ax := range rms {
		vals := make([]float64, len(mc.Runs))
		for r, run := range mc.Runs {
			vals[r] = run.Result.PositionRMS[ax]
		}
		rms[ax] = stat.Mean(vals, nil)
	}
	return rms
}

// AsCSV is used as a CSV serializer, one document per state element. Each line
// is a step with the value of every run followed by the mean and the standard deviation.
func (mc MonteCarloRuns) AsCSV(headers []string) []string {
	if mc.steps == 0 {
		return nil
	}
	rows := mc.dim()
	if len(headers) != rows {
		panic(fmt.Errorf("%d headers for %d states", len(headers), rows))
	}
	rtn := make([]string, rows)
	for i := 0; i < rows; i++ {
		header := headers[i]
		lines := make([]string, mc.steps+1) // One line per step, plus header.
		for rNo := 0; rNo < mc.runs; rNo++ {
			lines[0] += fmt.Sprintf("%s-%d,", header, rNo)
		}
		lines[0] += header + "-mean," + header + "-stddev"
		for k := 0; k < mc.steps; k++ {
			vals := mc.column(k, i)
			for _, v := range vals {
				lines[k+1] += fmt.Sprintf("%f,", v)
			}
			lines[k+1] += fmt.Sprintf("%f,%f", stat.Mean(vals, nil), stat.StdDev(vals, nil))
		}
		rtn[i] = strings.Join(lines, "\n")
	}
	return rtn
}

// StateHeaders returns the CSV headers of the state elements, e.g. position0.
func StateHeaders(axes int) []string {
	headers := make([]string, 0, 3*axes)
	for ax := 0; ax < axes; ax++ {
		headers = append(headers, fmt.Sprintf("position%d", ax), fmt.Sprintf("velocity%d", ax), fmt.Sprintf("acceleration%d", ax))
	}
	return headers
}
