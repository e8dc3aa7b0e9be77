package main

import (
	"fmt"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/ChristopherRabotin/gofusion/config"
	"github.com/ChristopherRabotin/gofusion/sim"
	"github.com/spf13/cobra"
)

// simFlags overrides the simulation section of the configuration with the command flags.
func simFlags(cmd *cobra.Command, cfg *config.Config) error {
	if name, err := cmd.Flags().GetString("trajectory"); err != nil {
		return err
	} else if name != "" {
		cfg.Sim.Trajectory = name
	}
	if d, err := cmd.Flags().GetDuration("duration"); err != nil {
		return err
	} else if d > 0 {
		cfg.Sim.Duration = d
	}
	if seed, err := cmd.Flags().GetUint64("seed"); err != nil {
		return err
	} else if seed != 0 {
		cfg.Sim.Seed = seed
	}
	return nil
}

// newScenario returns the configured scenario: the sensor noises are those the
// estimator expects and the accelerometer readings carry the offset it removes.
func newScenario(cfg config.Config, seed uint64) (sim.Scenario, error) {
	traj, err := sim.NewTrajectory(cfg.Sim.Trajectory)
	if err != nil {
		return sim.Scenario{}, err
	}
	Ra, err := cfg.AccelerometerNoise()
	if err != nil {
		return sim.Scenario{}, err
	}
	Rg, err := cfg.GPSNoise()
	if err != nil {
		return sim.Scenario{}, err
	}
	sc := sim.Scenario{
		Trajectory:  traj,
		Axes:        cfg.Axes,
		Start:       time.Unix(0, 0).UTC(),
		Duration:    cfg.Sim.Duration,
		AccelPeriod: cfg.Accelerometer.Period,
		GPSPeriod:   cfg.GPS.Period,
		AccelOffset: cfg.AccelerometerOffset(),
	}
	if sc.AccelNoise, err = gofusion.NewAWGN(Ra, seed); err != nil {
		return sim.Scenario{}, err
	}
	if sc.GPSNoise, err = gofusion.NewAWGN(Rg, seed+1); err != nil {
		return sim.Scenario{}, err
	}
	return sc, nil
}

func doSimulate(cmd *cobra.Command, args []string) error {
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	baseline, err := cmd.Flags().GetBool("baseline")
	if err != nil {
		return err
	}
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := simFlags(cmd, &e.cfg); err != nil {
		return err
	}

	sc, err := newScenario(e.cfg, e.cfg.Sim.Seed)
	if err != nil {
		return err
	}
	var kf *gofusion.Estimator
	if baseline {
		kf, err = e.cfg.NewDeadReckoner()
	} else {
		kf, err = e.cfg.NewEstimator()
	}
	if err != nil {
		return err
	}
	opts, err := e.cfg.DriverOptions(e.log, e.metrics)
	if err != nil {
		return err
	}
	d, err := gofusion.NewDriver(kf, opts)
	if err != nil {
		return err
	}

	e.log.Info("simulation started", "trajectory", sc.Trajectory, "duration", sc.Duration, "baseline", baseline)
	res, err := sim.Run(cmd.Context(), sc, d)
	if err != nil {
		return err
	}

	name := "kalman.csv"
	if baseline {
		name = "baseline.csv"
	}
	ce, err := gofusion.NewCSVFileExporter(out, name, e.cfg.Axes)
	if err != nil {
		return err
	}
	for _, s := range res.Snapshots {
		if err := ce.Write(s); err != nil {
			ce.Close()
			return err
		}
	}
	if err := ce.Close(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s with %s\n", sc.Trajectory, kf.Motion())
	fmt.Fprintf(w, "snapshots: %d, dropped: %d\n", len(res.Snapshots), res.Dropped)
	fmt.Fprintf(w, "position RMS: %v\n", res.PositionRMS)
	fmt.Fprintf(w, "mean NEES: %.3f (state dimension %d)\n", res.MeanNEES(), 3*e.cfg.Axes)
	if n := len(res.Snapshots); n > 0 {
		fmt.Fprintf(w, "final position σ: %v\n", res.Snapshots[n-1].PositionSigma())
	}
	return nil
}
