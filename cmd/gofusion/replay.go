package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/ChristopherRabotin/gofusion/geodetic"
	"github.com/ChristopherRabotin/gofusion/session"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func doReplay(cmd *cobra.Command, args []string) error {
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	frame, err := e.cfg.Frame()
	if err != nil {
		return err
	}
	exporters := newExporters(out, e.cfg.Axes)

	registry, err := session.New(ctx, func(id string) (gofusion.Filter, gofusion.DriverOptions, error) {
		kf, err := e.cfg.NewEstimator()
		if err != nil {
			return nil, gofusion.DriverOptions{}, err
		}
		opts, err := e.cfg.DriverOptions(nil, nil)
		return kf, opts, err
	}, session.Options{
		Logger:     e.log,
		Metrics:    e.metrics,
		OnSnapshot: exporters.Write,
	})
	if err != nil {
		return err
	}

	n, err := replay(ctx, f, frame, e.cfg.Axes, registry)
	if cerr := registry.CloseAll(); err == nil {
		err = cerr
	}
	if cerr := exporters.Close(); err == nil {
		err = cerr
	}
	e.log.Info("replay done", "measurements", n, "sessions", exporters.Len())
	for _, id := range exporters.IDs() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, exporters.last(id))
	}
	return err
}

// replay sends every record of r to its session and returns the number of measurements sent.
func replay(ctx context.Context, r io.Reader, frame geodetic.Frame, axes int, registry *session.Registry) (int, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var n int
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if line == 1 && strings.EqualFold(rec[0], "time") {
			continue
		}
		id, m, err := parseRecord(rec, frame, axes)
		if err != nil {
			return n, errors.Wrapf(err, "line %d", line)
		}
		s, err := registry.GetOrOpen(id)
		if err != nil {
			return n, err
		}
		if err := s.Send(ctx, m); err != nil {
			return n, err
		}
		n++
	}
}

// parseRecord parses a "time,session,sensor,values..." record. The time is either
// RFC 3339 or seconds since the Unix epoch. The sensor is acc, gps (local frame
// coordinates in meters) or fix (latitude, longitude in degrees and altitude in meters).
// validSessionID reports whether id can name a file of the output directory.
func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return false
	}
	return filepath.Base(id) == id && filepath.IsLocal(id+".csv")
}

func parseRecord(rec []string, frame geodetic.Frame, axes int) (string, gofusion.Measurement, error) {
	if len(rec) < 4 {
		return "", gofusion.Measurement{}, errors.Wrapf(gofusion.ErrInvalidInput, "expected at least 4 fields, got %d", len(rec))
	}
	t, err := parseTime(rec[0])
	if err != nil {
		return "", gofusion.Measurement{}, err
	}
	id := rec[1]
	if !validSessionID(id) {
		return "", gofusion.Measurement{}, errors.Wrapf(gofusion.ErrInvalidInput, "session %q", id)
	}
	vals := make([]float64, len(rec)-3)
	for i, s := range rec[3:] {
		if vals[i], err = strconv.ParseFloat(s, 64); err != nil {
			return "", gofusion.Measurement{}, errors.Wrapf(gofusion.ErrInvalidInput, "value %q", s)
		}
	}
	switch strings.ToLower(rec[2]) {
	case "acc", "accelerometer":
		return id, gofusion.NewAccelerometerReading(t, vals...), nil
	case "gps":
		return id, gofusion.NewGPSReading(t, vals...), nil
	case "fix":
		if len(vals) < 2 || len(vals) > 3 {
			return "", gofusion.Measurement{}, errors.Wrap(gofusion.ErrInvalidInput, "a fix is lat,lon[,alt]")
		}
		fix := geodetic.Fix{Lat: vals[0], Lon: vals[1]}
		if len(vals) == 3 {
			fix.Alt = vals[2]
		}
		m, err := geodetic.Reading(frame, t, fix, axes)
		return id, m, err
	default:
		return "", gofusion.Measurement{}, errors.Wrapf(gofusion.ErrInvalidInput, "unknown sensor %q", rec[2])
	}
}

func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(gofusion.ErrInvalidInput, "time %q", s)
	}
	return t, nil
}

// exporters writes the snapshots of each session to its own CSV file.
type exporters struct {
	dir  string
	axes int

	mu    sync.Mutex
	files map[string]*gofusion.CSVExporter
	snaps map[string]gofusion.Snapshot
	errs  int
}

func newExporters(dir string, axes int) *exporters {
	return &exporters{dir: dir, axes: axes, files: map[string]*gofusion.CSVExporter{}, snaps: map[string]gofusion.Snapshot{}}
}

func (x *exporters) Write(id string, s gofusion.Snapshot) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.snaps[id] = s
	ce, ok := x.files[id]
	if !ok {
		var err error
		if ce, err = gofusion.NewCSVFileExporter(x.dir, id+".csv", x.axes); err != nil {
			x.errs++
			return
		}
		x.files[id] = ce
	}
	if err := ce.Write(s); err != nil {
		x.errs++
	}
}

func (x *exporters) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.snaps)
}

func (x *exporters) IDs() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.snaps))
	for id := range x.snaps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (x *exporters) last(id string) gofusion.Snapshot {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snaps[id]
}

func (x *exporters) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	var first error
	for _, ce := range x.files {
		if err := ce.Close(); err != nil && first == nil {
			first = err
		}
	}
	if first == nil && x.errs > 0 {
		first = fmt.Errorf("%d snapshots could not be exported", x.errs)
	}
	return first
}
