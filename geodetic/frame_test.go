package geodetic

import (
	"math"
	"testing"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paris = Fix{Lat: 48.8566, Lon: 2.3522, Alt: 35}

func TestNew(t *testing.T) {
	for _, kind := range []string{"", KindTangent, KindTransverseMercator, KindMercator, "TM"} {
		f, err := New(kind, paris)
		require.NoError(t, err, kind)
		assert.Equal(t, paris, f.Origin())
		assert.NotEmpty(t, f.String())
	}
	_, err := New("lambert", paris)
	require.ErrorIs(t, err, gofusion.ErrInvalidInput)
	_, err = New(KindTangent, Fix{Lat: 91})
	require.ErrorIs(t, err, gofusion.ErrInvalidInput)
	_, err = New(KindMercator, Fix{Lat: 89})
	require.ErrorIs(t, err, gofusion.ErrInvalidInput)
}

func TestTangent(t *testing.T) {
	frame := NewTangent(paris)
	enu := frame.ToLocal(paris)
	assert.Equal(t, [3]float64{0, 0, 0}, enu)

	north := frame.ToLocal(Fix{Lat: paris.Lat + 0.01, Lon: paris.Lon, Alt: 45})
	assert.InDelta(t, orb.EarthRadius*0.01*math.Pi/180, north[1], 1e-6)
	assert.InDelta(t, 0, north[0], 1e-9)
	assert.InDelta(t, 10, north[2], 1e-9)

	west := frame.ToLocal(Fix{Lat: paris.Lat, Lon: paris.Lon - 0.01, Alt: paris.Alt})
	assert.Less(t, west[0], 0.0)
	assert.InDelta(t, -geo.Distance(paris.Point(), orb.Point{paris.Lon - 0.01, paris.Lat}), west[0], 1e-9)
}

func TestRoundTrip(t *testing.T) {
	offsets := [][3]float64{{0, 0, 0}, {120, -40, 3}, {-2500, 1800, -12}, {5000, 5000, 100}, {-20000, 15000, 0}}
	for _, kind := range []string{KindTangent, KindTransverseMercator, KindMercator} {
		frame, err := New(kind, paris)
		require.NoError(t, err)
		for _, enu := range offsets {
			fix := frame.ToGeodetic(enu)
			back := frame.ToLocal(fix)
			for i := range enu {
				assert.InDelta(t, enu[i], back[i], 1e-5, "%s %v", kind, enu)
			}
		}
	}
}

func TestFramesAgree(t *testing.T) {
	tangent := NewTangent(paris)
	fix := Fix{Lat: paris.Lat + 0.02, Lon: paris.Lon - 0.03, Alt: paris.Alt}
	ref := tangent.ToLocal(fix)
	for _, frame := range []Frame{NewTransverseMercator(paris), NewMercator(paris)} {
		enu := frame.ToLocal(fix)
		assert.InEpsilon(t, ref[0], enu[0], 0.01, frame.String())
		assert.InEpsilon(t, ref[1], enu[1], 0.01, frame.String())
	}
}

func TestReading(t *testing.T) {
	frame := NewTangent(paris)
	now := time.Now()
	m, err := Reading(frame, now, Fix{Lat: paris.Lat + 0.001, Lon: paris.Lon + 0.001, Alt: 40}, 2)
	require.NoError(t, err)
	assert.Equal(t, gofusion.GPS, m.Sensor)
	assert.Equal(t, now, m.Time)
	require.Len(t, m.Values, 2)
	assert.Greater(t, m.Values[0], 0.0)
	assert.Greater(t, m.Values[1], 0.0)

	_, err = Reading(frame, now, paris, 4)
	assert.ErrorIs(t, err, gofusion.ErrInvalidInput)
	_, err = Reading(frame, now, Fix{Lat: math.NaN()}, 3)
	assert.ErrorIs(t, err, gofusion.ErrInvalidInput)
}
