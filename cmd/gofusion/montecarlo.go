package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/ChristopherRabotin/gofusion/sim"
	"github.com/spf13/cobra"
)

func doMonteCarlo(cmd *cobra.Command, args []string) error {
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	runs, err := cmd.Flags().GetInt("runs")
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
	if runs <= 0 {
		runs = e.cfg.Sim.Runs
	}

	e.log.Info("monte carlo started", "runs", runs, "trajectory", e.cfg.Sim.Trajectory, "duration", e.cfg.Sim.Duration)
	mc, err := sim.NewMonteCarloRuns(cmd.Context(), runs, e.cfg.Sim.Seed, func(run int, seed uint64) (sim.Scenario, *gofusion.Driver, error) {
		sc, err := newScenario(e.cfg, seed)
		if err != nil {
			return sc, nil, err
		}
		kf, err := e.cfg.NewEstimator()
		if err != nil {
			return sc, nil, err
		}
		// Each run keeps its own metrics.
		opts, err := e.cfg.DriverOptions(e.log.With("run", run), nil)
		if err != nil {
			return sc, nil, err
		}
		d, err := gofusion.NewDriver(kf, opts)
		return sc, d, err
	})
	if err != nil {
		return err
	}

	if out != "" {
		headers := sim.StateHeaders(e.cfg.Axes)
		for i, doc := range mc.AsCSV(headers) {
			if err := os.WriteFile(filepath.Join(out, "mc-"+headers[i]+".csv"), []byte(doc+"\n"), 0o644); err != nil {
				return err
			}
		}
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "runs: %d, steps: %d\n", runs, mc.Steps())
	fmt.Fprintf(w, "position RMS: %v\n", mc.PositionRMS())
	fmt.Fprintf(w, "NEES within the %.0f%% band: %.1f%% of the steps\n", 100*e.cfg.Consistency.Confidence, 100*mc.Consistency(e.cfg.Consistency.Confidence))
	return nil
}
