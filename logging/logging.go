// Package logging builds the slog loggers of the command line tools, writing to
// the console or to a rotating log file.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

/*
	Log rotation schedule

	"0 30 * * * *"             Every hour on the half hour
	"@hourly"                  Every hour
	"@every 1h30m"             Every hour thirty
*/

type Config struct {
	Filename       string `yaml:"filename"` // "-" or empty for stderr, "none" to discard
	Append         bool   `yaml:"append"`
	RotateSchedule string `yaml:"rotate_schedule"`
	MaxSize        int    `yaml:"max_size"`    // megabytes
	MaxBackups     int    `yaml:"max_backups"` // number of files
	MaxAge         int    `yaml:"max_age"`     // days
	Compress       bool   `yaml:"compress"`
	UTC            bool   `yaml:"utc"`
	Level          string `yaml:"level"`  // DEBUG, INFO, WARN or ERROR
	Format         string `yaml:"format"` // text or json
}

// ParseLevel parses a level name, case insensitive.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("unknown log level %q", s)
}

type closer struct {
	lj   *lumberjack.Logger
	cron *cron.Cron
}

func (c *closer) Close() error {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	if c.lj != nil {
		return c.lj.Close()
	}
	return nil
}

// New returns a logger for the provided configuration. Records are counted in
// the registry (log.total, log.warns and log.errors) if it is not nil.
// The returned closer must be closed to release the log file.
func New(cfg Config, registry gometrics.Registry) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	c := &closer{}
	var w io.Writer
	switch cfg.Filename {
	case "none":
		w = io.Discard
	case "", "-":
		w = os.Stderr
	default:
		c.lj = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  !cfg.UTC,
		}
		if !cfg.Append {
			if err := c.lj.Rotate(); err != nil {
				return nil, nil, errors.Wrap(err, "log file")
			}
		}
		if len(cfg.RotateSchedule) > 0 {
			c.cron = cron.New(cron.WithSeconds())
			if _, err := c.cron.AddFunc(cfg.RotateSchedule, func() { c.lj.Rotate() }); err != nil {
				c.lj.Close()
				return nil, nil, errors.Wrapf(err, "rotate schedule %q", cfg.RotateSchedule)
			}
			c.cron.Start()
		}
		w = c.lj
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.UTC {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			}
			return a
		}
	}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		c.Close()
		return nil, nil, errors.Errorf("unknown log format %q", cfg.Format)
	}
	if registry != nil {
		h = newCountingHandler(h, registry)
	}
	return slog.New(h), c, nil
}

// countingHandler counts the records by level.
type countingHandler struct {
	slog.Handler
	total, warns, errors gometrics.Counter
}

func newCountingHandler(h slog.Handler, r gometrics.Registry) *countingHandler {
	return &countingHandler{
		Handler: h,
		total:   gometrics.GetOrRegisterCounter("log.total", r),
		warns:   gometrics.GetOrRegisterCounter("log.warns", r),
		errors:  gometrics.GetOrRegisterCounter("log.errors", r),
	}
}

func (h *countingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.total.Inc(1)
	switch {
	case r.Level >= slog.LevelError:
		h.errors.Inc(1)
	case r.Level >= slog.LevelWarn:
		h.warns.Inc(1)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{h.Handler.WithAttrs(attrs), h.total, h.warns, h.errors}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{h.Handler.WithGroup(name), h.total, h.warns, h.errors}
}
