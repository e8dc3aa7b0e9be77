package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/ChristopherRabotin/gofusion/config"
	"github.com/ChristopherRabotin/gofusion/logging"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(NewCmd().ExecuteContext(context.Background()))
}

func NewCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "gofusion [command] [flags] [args]",
		Short:         "gofusion fuses GPS and accelerometer readings with a Kalman filter",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "`<path>` to the YAML configuration, defaults are used if empty")
	rootCmd.PersistentFlags().String("log-level", "", "`<level>` overriding the configured log level")
	rootCmd.PersistentFlags().Bool("metrics", false, "print the metrics once done")

	replayCmd := &cobra.Command{
		Use:   "replay [flags] <measurements.csv>",
		Short: "Replay recorded measurements, one estimator per session",
		RunE:  doReplay,
	}
	replayCmd.Args = cobra.ExactArgs(1)
	replayCmd.Flags().StringP("out", "o", ".", "`<dir>` where each session's estimates are written")

	simulateCmd := &cobra.Command{
		Use:   "simulate [flags]",
		Short: "Track a simulated trajectory from noisy readings",
		RunE:  doSimulate,
	}
	simulateCmd.Flags().StringP("trajectory", "t", "", "`<name>` circle, helix or jerk")
	simulateCmd.Flags().Duration("duration", 0, "simulated `<duration>`")
	simulateCmd.Flags().Uint64("seed", 0, "noise `<seed>`")
	simulateCmd.Flags().Bool("baseline", false, "dead reckon from the accelerometer only")
	simulateCmd.Flags().StringP("out", "o", ".", "`<dir>` where the estimates are written")

	monteCarloCmd := &cobra.Command{
		Use:   "montecarlo [flags]",
		Short: "Run Monte Carlo simulations and check the filter consistency",
		RunE:  doMonteCarlo,
	}
	monteCarloCmd.Flags().StringP("trajectory", "t", "", "`<name>` circle, helix or jerk")
	monteCarloCmd.Flags().Duration("duration", 0, "simulated `<duration>` of each run")
	monteCarloCmd.Flags().Uint64("seed", 0, "noise `<seed>` of the first run")
	monteCarloCmd.Flags().IntP("runs", "n", 0, "number of `<runs>`")
	monteCarloCmd.Flags().StringP("out", "o", "", "`<dir>` where the per state CSV files are written, none if empty")

	rootCmd.AddCommand(
		replayCmd,
		simulateCmd,
		monteCarloCmd,
	)
	return rootCmd
}

// env is what every command needs: the configuration, a logger and the metrics.
type env struct {
	cfg     config.Config
	log     *slog.Logger
	metrics gometrics.Registry
	closer  io.Closer
	cancel  context.CancelFunc
	dump    bool
	out     io.Writer
}

func newEnv(cmd *cobra.Command) (*env, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if _, err := logging.ParseLevel(level); err != nil {
			return nil, err
		}
		cfg.Log.Level = level
	}
	dump, err := cmd.Flags().GetBool("metrics")
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, metrics: gometrics.NewRegistry(), dump: dump, out: cmd.OutOrStdout()}
	if e.log, e.closer, err = logging.New(cfg.Log, e.metrics); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	e.cancel = cancel
	if cfg.Metrics.Interval > 0 {
		go e.logMetrics(ctx, cfg.Metrics.Interval)
	}
	return e, nil
}

// logMetrics periodically logs the counters and gauges until ctx is done.
func (e *env) logMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		attrs := []any{}
		e.metrics.Each(func(name string, m any) {
			switch m := m.(type) {
			case gometrics.Counter:
				attrs = append(attrs, name, m.Count())
			case gometrics.GaugeFloat64:
				attrs = append(attrs, name, m.Value())
			}
		})
		e.log.Info("metrics", attrs...)
	}
}

func (e *env) Close() error {
	e.cancel()
	if e.dump {
		gometrics.WriteOnce(e.metrics, e.out)
	}
	return e.closer.Close()
}
