package geo

import (
	"fmt"
	"math"
	"strings"

	"github.com/curbwatch/hotspots/engine/domain"
)

// USSurveyFoot is the length of one US survey foot in metres.
const USSurveyFoot = 1200.0 / 3937.0

// Projection converts between geographic (lon, lat) and planar (x, y).
type Projection interface {
	Name() string
	Forward(lon, lat float64) (x, y float64)
	Inverse(x, y float64) (lon, lat float64)
}

// LCCParams describes a Lambert Conformal Conic projection with two standard
// parallels. Angles are degrees; false easting and northing are projected units.
type LCCParams struct {
	Name          string
	SemiMajor     float64 // metres
	InvFlattening float64
	Lat1, Lat2    float64 // standard parallels
	Lat0, Lon0    float64 // false origin
	FalseEasting  float64
	FalseNorthing float64
	UnitsPerMetre float64
}

// NYLongIsland is NAD83 / New York Long Island (ftUS), EPSG:2263.
var NYLongIsland = LCCParams{
	Name:          "EPSG:2263",
	SemiMajor:     6378137,
	InvFlattening: 298.257222101,
	Lat1:          41 + 2.0/60,
	Lat2:          40 + 40.0/60,
	Lat0:          40 + 10.0/60,
	Lon0:          -74,
	FalseEasting:  984250,
	FalseNorthing: 0,
	UnitsPerMetre: 1 / USSurveyFoot,
}

// NYLongIslandMetres is the metric variant, EPSG:32118.
var NYLongIslandMetres = LCCParams{
	Name:          "EPSG:32118",
	SemiMajor:     6378137,
	InvFlattening: 298.257222101,
	Lat1:          41 + 2.0/60,
	Lat2:          40 + 40.0/60,
	Lat0:          40 + 10.0/60,
	Lon0:          -74,
	FalseEasting:  300000,
	FalseNorthing: 0,
	UnitsPerMetre: 1,
}

var projections = map[string]LCCParams{
	NYLongIsland.Name:       NYLongIsland,
	NYLongIslandMetres.Name: NYLongIslandMetres,
}

// ProjectionFor returns the projection registered under an EPSG code.
func ProjectionFor(crs string) (Projection, error) {
	p, ok := projections[strings.ToUpper(strings.TrimSpace(crs))]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported projection %q", domain.ErrInvalidConfig, crs)
	}
	return NewLambertConformal(p), nil
}

// LambertConformal implements the ellipsoidal LCC 2SP projection (Snyder, ch. 15).
type LambertConformal struct {
	params   LCCParams
	a, e     float64
	n, f     float64
	rho0     float64
	lon0     float64
	perMetre float64
}

// NewLambertConformal precomputes the projection constants.
func NewLambertConformal(p LCCParams) *LambertConformal {
	flat := 1 / p.InvFlattening
	e := math.Sqrt(2*flat - flat*flat)
	phi1, phi2, phi0 := rad(p.Lat1), rad(p.Lat2), rad(p.Lat0)

	m1, m2 := lccM(phi1, e), lccM(phi2, e)
	t1, t2, t0 := lccT(phi1, e), lccT(phi2, e), lccT(phi0, e)

	var n float64
	if p.Lat1 == p.Lat2 {
		n = math.Sin(phi1)
	} else {
		n = (math.Log(m1) - math.Log(m2)) / (math.Log(t1) - math.Log(t2))
	}
	f := m1 / (n * math.Pow(t1, n))

	return &LambertConformal{
		params:   p,
		a:        p.SemiMajor,
		e:        e,
		n:        n,
		f:        f,
		rho0:     p.SemiMajor * f * math.Pow(t0, n),
		lon0:     rad(p.Lon0),
		perMetre: p.UnitsPerMetre,
	}
}

// Name returns the CRS identifier.
func (l *LambertConformal) Name() string { return l.params.Name }

// Forward projects lon/lat degrees to planar units.
func (l *LambertConformal) Forward(lon, lat float64) (float64, float64) {
	rho := l.a * l.f * math.Pow(lccT(rad(lat), l.e), l.n)
	theta := l.n * (rad(lon) - l.lon0)
	x := rho * math.Sin(theta)
	y := l.rho0 - rho*math.Cos(theta)
	return x*l.perMetre + l.params.FalseEasting, y*l.perMetre + l.params.FalseNorthing
}

// Inverse converts planar units back to lon/lat degrees.
func (l *LambertConformal) Inverse(x, y float64) (float64, float64) {
	dx := (x - l.params.FalseEasting) / l.perMetre
	dy := l.rho0 - (y-l.params.FalseNorthing)/l.perMetre
	sign := 1.0
	if l.n < 0 {
		sign = -1
	}
	rho := sign * math.Hypot(dx, dy)
	theta := math.Atan2(sign*dx, sign*dy)

	t := math.Pow(rho/(l.a*l.f), 1/l.n)
	phi := math.Pi/2 - 2*math.Atan(t)
	for i := 0; i < 15; i++ {
		es := l.e * math.Sin(phi)
		next := math.Pi/2 - 2*math.Atan(t*math.Pow((1-es)/(1+es), l.e/2))
		if math.Abs(next-phi) < 1e-12 {
			phi = next
			break
		}
		phi = next
	}
	return deg(theta/l.n + l.lon0), deg(phi)
}

// Project maps every record into the planar system, preserving order.
func Project(records []PointRecord, proj Projection) []ProjectedPoint {
	out := make([]ProjectedPoint, len(records))
	for i, r := range records {
		x, y := proj.Forward(r.Lon, r.Lat)
		out[i] = ProjectedPoint{X: x, Y: y}
	}
	return out
}

func lccM(phi, e float64) float64 {
	s := e * math.Sin(phi)
	return math.Cos(phi) / math.Sqrt(1-s*s)
}

func lccT(phi, e float64) float64 {
	s := e * math.Sin(phi)
	return math.Tan(math.Pi/4-phi/2) / math.Pow((1-s)/(1+s), e/2)
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }
