// Package geodetic converts GPS fixes between geodetic coordinates and the local
// metric frame in which the estimator tracks positions.
package geodetic

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/pkg/errors"
	"github.com/wroge/wgs84"
)

// Fix is a geodetic position: latitude and longitude in degrees, altitude in meters.
type Fix struct {
	Lat, Lon, Alt float64
}

// Point returns the fix as an orb point (longitude first).
func (f Fix) Point() orb.Point {
	return orb.Point{f.Lon, f.Lat}
}

func (f Fix) String() string {
	return fmt.Sprintf("(%.7f°, %.7f°, %.2fm)", f.Lat, f.Lon, f.Alt)
}

func (f Fix) valid() bool {
	return f.Lat >= -90 && f.Lat <= 90 && f.Lon >= -180 && f.Lon <= 180 && !math.IsNaN(f.Alt) && !math.IsInf(f.Alt, 0)
}

// Frame is a local east, north, up frame in meters anchored at an origin.
type Frame interface {
	Origin() Fix
	ToLocal(f Fix) [3]float64
	ToGeodetic(enu [3]float64) Fix
	String() string
}

// Frame kinds accepted by New.
const (
	KindTangent            = "tangent"
	KindTransverseMercator = "tm"
	KindMercator           = "mercator"
)

// New returns the frame of the provided kind anchored at origin.
func New(kind string, origin Fix) (Frame, error) {
	if !origin.valid() {
		return nil, errors.Wrapf(gofusion.ErrInvalidInput, "invalid origin %s", origin)
	}
	switch strings.ToLower(kind) {
	case KindTangent, "":
		return NewTangent(origin), nil
	case KindTransverseMercator:
		return NewTransverseMercator(origin), nil
	case KindMercator:
		if math.Abs(origin.Lat) > 85 {
			return nil, errors.Wrapf(gofusion.ErrInvalidInput, "mercator frame undefined at latitude %f", origin.Lat)
		}
		return NewMercator(origin), nil
	default:
		return nil, errors.Wrapf(gofusion.ErrInvalidInput, "unknown frame %q", kind)
	}
}

// Reading converts the fix to a GPS measurement of the first axes of the frame.
func Reading(frame Frame, t time.Time, f Fix, axes int) (gofusion.Measurement, error) {
	if axes < 1 || axes > 3 {
		return gofusion.Measurement{}, errors.Wrapf(gofusion.ErrInvalidInput, "axes must be within [1, 3], got %d", axes)
	}
	if !f.valid() {
		return gofusion.Measurement{}, errors.Wrapf(gofusion.ErrInvalidInput, "invalid fix %s", f)
	}
	enu := frame.ToLocal(f)
	return gofusion.NewGPSReading(t, enu[:axes]...), nil
}

// Tangent is a local tangent plane on the sphere: north is the meridian arc
// length and east the great circle distance along the origin's parallel.
type Tangent struct {
	origin Fix
}

// NewTangent returns a tangent plane frame anchored at origin.
func NewTangent(origin Fix) *Tangent {
	return &Tangent{origin}
}

// Origin implements the Frame interface.
func (t *Tangent) Origin() Fix {
	return t.origin
}

// ToLocal implements the Frame interface.
func (t *Tangent) ToLocal(f Fix) [3]float64 {
	o := t.origin.Point()
	east := geo.Distance(o, orb.Point{f.Lon, t.origin.Lat})
	if f.Lon < t.origin.Lon {
		east = -east
	}
	north := geo.Distance(o, orb.Point{t.origin.Lon, f.Lat})
	if f.Lat < t.origin.Lat {
		north = -north
	}
	return [3]float64{east, north, f.Alt - t.origin.Alt}
}

// ToGeodetic implements the Frame interface.
func (t *Tangent) ToGeodetic(enu [3]float64) Fix {
	lat := t.origin.Lat + rad2deg(enu[1]/orb.EarthRadius)
	// Inverse of the haversine distance between two points of the same parallel.
	s := math.Sin(math.Abs(enu[0])/(2*orb.EarthRadius)) / math.Cos(deg2rad(t.origin.Lat))
	Δlon := rad2deg(2 * math.Asin(math.Min(1, s)))
	if enu[0] < 0 {
		Δlon = -Δlon
	}
	return Fix{Lat: lat, Lon: t.origin.Lon + Δlon, Alt: t.origin.Alt + enu[2]}
}

func (t *Tangent) String() string {
	return fmt.Sprintf("tangent%s", t.origin)
}

const (
	maxInverseIterations = 5
	inverseTolerance     = 1e-6 // meters
)

// projected is a frame backed by a wgs84 projection.
type projected struct {
	name     string
	origin   Fix
	scale    float64
	x0, y0   float64
	fwd, inv wgs84.Func
}

func newProjected(name string, origin Fix, proj wgs84.CoordinateReferenceSystem, scale float64) *projected {
	lonlat := wgs84.WGS84().LonLat()
	p := &projected{
		name:   name,
		origin: origin,
		scale:  scale,
		fwd:    wgs84.Transform(lonlat, proj),
		inv:    wgs84.Transform(proj, lonlat),
	}
	p.x0, p.y0, _ = p.fwd(origin.Lon, origin.Lat, 0)
	return p
}

// NewTransverseMercator returns a transverse Mercator frame centered on origin.
func NewTransverseMercator(origin Fix) Frame {
	return newProjected("tm", origin, wgs84.WGS84().TransverseMercator(origin.Lon, origin.Lat, 1, 0, 0), 1)
}

// NewMercator returns a Web Mercator frame (EPSG:3857) anchored at origin. The
// projected distances are scaled by cos(lat) of the origin to be in meters.
func NewMercator(origin Fix) Frame {
	return newProjected("mercator", origin, wgs84.EPSG().Code(3857), math.Cos(deg2rad(origin.Lat)))
}

func (p *projected) Origin() Fix {
	return p.origin
}

func (p *projected) ToLocal(f Fix) [3]float64 {
	x, y, _ := p.fwd(f.Lon, f.Lat, 0)
	return [3]float64{(x - p.x0) * p.scale, (y - p.y0) * p.scale, f.Alt - p.origin.Alt}
}

// ToGeodetic inverts ToLocal. The series inverse of the projection drifts by a
// few millimeters a few kilometers away from the central meridian, so the
// result is refined against the forward projection.
func (p *projected) ToGeodetic(enu [3]float64) Fix {
	x, y := p.x0+enu[0]/p.scale, p.y0+enu[1]/p.scale
	tx, ty := x, y
	lon, lat, _ := p.inv(tx, ty, 0)
	for i := 0; i < maxInverseIterations; i++ {
		fx, fy, _ := p.fwd(lon, lat, 0)
		dx, dy := x-fx, y-fy
		if math.Abs(dx)*p.scale < inverseTolerance && math.Abs(dy)*p.scale < inverseTolerance {
			break
		}
		tx, ty = tx+dx, ty+dy
		lon, lat, _ = p.inv(tx, ty, 0)
	}
	return Fix{Lat: lat, Lon: lon, Alt: p.origin.Alt + enu[2]}
}

func (p *projected) String() string {
	return fmt.Sprintf("%s%s", p.name, p.origin)
}

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}

func rad2deg(r float64) float64 {
	return r * 180 / math.Pi
}
