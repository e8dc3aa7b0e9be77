package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func factory(id string) (gofusion.Filter, gofusion.DriverOptions, error) {
	motion, err := gofusion.NewConstantAcceleration(1, 0.1)
	if err != nil {
		return nil, gofusion.DriverOptions{}, err
	}
	accel, err := gofusion.NewAccelerometerModel(1, gofusion.DiagonalNoise(0.01), nil)
	if err != nil {
		return nil, gofusion.DriverOptions{}, err
	}
	gps, err := gofusion.NewGPSModel(1, gofusion.DiagonalNoise(1))
	if err != nil {
		return nil, gofusion.DriverOptions{}, err
	}
	kf, err := gofusion.NewEstimator(motion, gofusion.EstimatorOptions{}, accel, gps)
	return kf, gofusion.DriverOptions{AutoInit: true, InitFixes: 1}, err
}

func TestNewErrors(t *testing.T) {
	_, err := New(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, gofusion.ErrInvalidInput)
}

func TestSessionsAreIndependent(t *testing.T) {
	var (
		mu    sync.Mutex
		count = map[string]int{}
	)
	reg := gometrics.NewRegistry()
	r, err := New(context.Background(), factory, Options{
		Metrics: reg,
		Buffer:  4,
		OnSnapshot: func(id string, s gofusion.Snapshot) {
			mu.Lock()
			count[id]++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Open("a")
	require.NoError(t, err)
	_, err = r.Open("a")
	assert.ErrorIs(t, err, ErrSessionExists)
	_, err = r.GetOrOpen("b")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, r.IDs())

	for i := 0; i < 10; i++ {
		ti := epoch.Add(time.Duration(i) * 200 * time.Millisecond)
		require.NoError(t, r.Send(ctx, "a", gofusion.NewGPSReading(ti, 10)))
		require.NoError(t, r.Send(ctx, "b", gofusion.NewGPSReading(ti, -10)))
	}
	require.NoError(t, r.Send(ctx, "b", gofusion.NewGPSReading(epoch.Add(2*time.Second), -10)))

	a, ok := r.Get("a")
	require.True(t, ok)
	require.NoError(t, r.Close("a"))
	require.NoError(t, r.Close("b"))
	assert.Equal(t, 0, r.Len())

	snapA := a.Snapshot()
	assert.Equal(t, gofusion.Tracking, snapA.Status)
	assert.InDelta(t, 10, snapA.Position[0], 1e-6)
	assert.True(t, snapA.Time.Equal(epoch.Add(1800*time.Millisecond)))

	_, err = r.Snapshot("b")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	mu.Lock()
	assert.Equal(t, 10, count["a"])
	assert.Equal(t, 11, count["b"])
	mu.Unlock()

	// The first fix initializes, it is not an update.
	assert.Equal(t, int64(9), reg.Get("session.a.fusion.updates").(gometrics.Counter).Count())
	assert.Equal(t, int64(10), reg.Get("session.b.fusion.updates").(gometrics.Counter).Count())
	assert.Equal(t, int64(0), reg.Get("fusion.sessions").(gometrics.Counter).Count())

	err = a.Send(ctx, gofusion.NewGPSReading(epoch.Add(time.Hour), 0))
	assert.ErrorIs(t, err, ErrSessionClosed)
	err = r.Send(ctx, "a", gofusion.NewGPSReading(epoch.Add(time.Hour), 0))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, r.Close("a"), ErrSessionNotFound)
}

func TestConcurrentSenders(t *testing.T) {
	r, err := New(context.Background(), factory, Options{})
	require.NoError(t, err)

	ids := []string{"x", "y", "z"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s, err := r.GetOrOpen(id)
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < 50; i++ {
				m := gofusion.NewGPSReading(epoch.Add(time.Duration(i)*time.Second), float64(i))
				assert.NoError(t, s.Send(context.Background(), m))
			}
		}(id)
	}
	wg.Wait()
	require.NoError(t, r.CloseAll())
	assert.Equal(t, 0, r.Len())
}

func TestSnapshotWhileRunning(t *testing.T) {
	r, err := New(context.Background(), factory, Options{})
	require.NoError(t, err)
	_, err = r.Open("a")
	require.NoError(t, err)

	snap, err := r.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, gofusion.Uninitialized, snap.Status)

	require.NoError(t, r.Send(context.Background(), "a", gofusion.NewGPSReading(epoch, 3)))
	require.Eventually(t, func() bool {
		snap, err := r.Snapshot("a")
		return err == nil && snap.Status == gofusion.Tracking
	}, time.Second, time.Millisecond)
	require.NoError(t, r.Close("a"))
}

func TestShutdown(t *testing.T) {
	r, err := New(context.Background(), factory, Options{Buffer: 1})
	require.NoError(t, err)
	s, err := r.Open("a")
	require.NoError(t, err)
	r.Shutdown()
	assert.Equal(t, 0, r.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Send(ctx, gofusion.NewGPSReading(epoch, 0))
	assert.True(t, errors.Is(err, ErrSessionClosed), "%v", err)
}

func TestFactoryError(t *testing.T) {
	r, err := New(context.Background(), func(id string) (gofusion.Filter, gofusion.DriverOptions, error) {
		return nil, gofusion.DriverOptions{}, gofusion.ErrInvalidInput
	}, Options{})
	require.NoError(t, err)
	_, err = r.Open("a")
	assert.ErrorIs(t, err, gofusion.ErrInvalidInput)
	assert.Equal(t, 0, r.Len())
}
