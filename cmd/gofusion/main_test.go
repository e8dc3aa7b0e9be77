package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/ChristopherRabotin/gofusion/geodetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	ts, err := parseTime("1709294400.25")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 3, 1, 12, 0, 0, 250000000, time.UTC)))

	ts, err = parseTime("2024-03-01T12:00:00.5Z")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 3, 1, 12, 0, 0, 500000000, time.UTC)))

	_, err = parseTime("noon")
	assert.ErrorIs(t, err, gofusion.ErrInvalidInput)
}

func TestParseRecord(t *testing.T) {
	frame, err := geodetic.New(geodetic.KindTangent, geodetic.Fix{Lat: 45, Lon: 5})
	require.NoError(t, err)

	id, m, err := parseRecord([]string{"10", "car", "acc", "0.1", "0.2"}, frame, 2)
	require.NoError(t, err)
	assert.Equal(t, "car", id)
	assert.Equal(t, gofusion.Accelerometer, m.Sensor)
	assert.Equal(t, []float64{0.1, 0.2}, m.Values)

	_, m, err = parseRecord([]string{"10", "car", "gps", "3", "4"}, frame, 2)
	require.NoError(t, err)
	assert.Equal(t, gofusion.GPS, m.Sensor)
	assert.Equal(t, []float64{3, 4}, m.Values)

	_, m, err = parseRecord([]string{"10", "car", "fix", "45", "5", "12"}, frame, 3)
	require.NoError(t, err)
	assert.Equal(t, gofusion.GPS, m.Sensor)
	require.Len(t, m.Values, 3)
	assert.InDelta(t, 0, m.Values[0], 1e-6)
	assert.InDelta(t, 0, m.Values[1], 1e-6)
	assert.InDelta(t, 12, m.Values[2], 1e-9)

	for _, rec := range [][]string{
		{"10", "car", "acc"},
		{"10", "", "acc", "1"},
		{"10", "..", "acc", "1"},
		{"10", "../car", "acc", "1"},
		{"10", "fleet/car", "acc", "1"},
		{"10", `fleet\car`, "acc", "1"},
		{"10", "car", "lidar", "1"},
		{"10", "car", "acc", "one"},
		{"10", "car", "fix", "45"},
		{"10", "car", "fix", "95", "5"},
		{"soon", "car", "acc", "1"},
	} {
		_, _, err := parseRecord(rec, frame, 2)
		assert.ErrorIs(t, err, gofusion.ErrInvalidInput, "%v", rec)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "fusion.yaml", "axes: 1\ngps: {variance: [1]}\naccelerometer: {variance: [0.01]}\nlog: {filename: none}\n")

	var b strings.Builder
	b.WriteString("time,session,sensor,v0\n# two vehicles\n")
	for i := 0; i < 20; i++ {
		ts := 1709294400 + float64(i)*0.2
		b.WriteString(strings.Join([]string{strconv.FormatFloat(ts, 'f', -1, 64), "a", "gps", "5"}, ",") + "\n")
		b.WriteString(strings.Join([]string{strconv.FormatFloat(ts, 'f', -1, 64), "b", "gps", "-5"}, ",") + "\n")
		b.WriteString(strings.Join([]string{strconv.FormatFloat(ts+0.1, 'f', -1, 64), "b", "acc", "0"}, ",") + "\n")
	}
	input := writeFile(t, dir, "measurements.csv", b.String())

	var out bytes.Buffer
	cmd := NewCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"replay", "-c", cfg, "-o", dir, "--metrics", input})
	require.NoError(t, cmd.Execute())

	for _, id := range []string{"a", "b"} {
		content, err := os.ReadFile(filepath.Join(dir, id+".csv"))
		require.NoError(t, err, id)
		lines := strings.Split(strings.TrimSpace(string(content)), "\n")
		assert.True(t, strings.HasPrefix(lines[1], "time,status,position0"))
		assert.True(t, strings.HasPrefix(lines[len(lines)-1], "# Closing date"))
	}
	assert.Contains(t, out.String(), "a: {t=")
	assert.Contains(t, out.String(), "b: {t=")
	assert.Contains(t, out.String(), "session.a.fusion.updates")
}

func TestReplayBadInput(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "fusion.yaml", "axes: 1\nlog: {filename: none}\n")
	input := writeFile(t, dir, "measurements.csv", "1,a,gps,1\n2,a,radar,1\n")
	cmd := NewCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", "-c", cfg, "-o", dir, input})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "line 2")
}

func TestReplayStaysInOutputDir(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "out")
	require.NoError(t, os.Mkdir(out, 0o755))
	cfg := writeFile(t, root, "fusion.yaml", "axes: 1\nlog: {filename: none}\n")
	input := writeFile(t, root, "measurements.csv", "1,../escaped,gps,1\n")
	cmd := NewCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", "-c", cfg, "-o", out, input})
	err := cmd.Execute()
	assert.ErrorIs(t, err, gofusion.ErrInvalidInput)
	_, err = os.Stat(filepath.Join(root, "escaped.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestSimulateCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "fusion.yaml", "axes: 2\nlog: {filename: none}\n")
	for _, baseline := range []bool{false, true} {
		var out bytes.Buffer
		cmd := NewCmd()
		cmd.SetOut(&out)
		args := []string{"simulate", "-c", cfg, "-o", dir, "-t", "circle", "--duration", "3s", "--seed", "7"}
		name := "kalman.csv"
		if baseline {
			args = append(args, "--baseline")
			name = "baseline.csv"
		}
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "position RMS")
		assert.Contains(t, out.String(), "final position σ: [")
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}

func TestMonteCarloCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "fusion.yaml", "axes: 1\nlog: {filename: none}\n")
	var out bytes.Buffer
	cmd := NewCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"montecarlo", "-c", cfg, "-o", dir, "-t", "jerk", "--duration", "2s", "-n", "3"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "runs: 3")
	for _, h := range []string{"position0", "velocity0", "acceleration0"} {
		_, err := os.Stat(filepath.Join(dir, "mc-"+h+".csv"))
		assert.NoError(t, err, h)
	}
}
