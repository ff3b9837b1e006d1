// Package geo loads complaint point records and projects them into a planar
// coordinate system where clustering distances are linear units.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/paulmach/orb"
)

// PointRecord is one retained input row. Records are never mutated after Load.
type PointRecord struct {
	ID         string            `json:"id"`
	Lon        float64           `json:"lon"`
	Lat        float64           `json:"lat"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Point returns the record as an orb point (lon, lat).
func (r PointRecord) Point() orb.Point { return orb.Point{r.Lon, r.Lat} }

// ProjectedPoint is a planar coordinate. The i-th projected point belongs to
// the i-th retained record.
type ProjectedPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Point returns the projected coordinate as an orb point.
func (p ProjectedPoint) Point() orb.Point { return orb.Point{p.X, p.Y} }

// BBox is a geographic bounding box in degrees.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Valid reports whether the box has positive extent on both axes.
func (b BBox) Valid() bool {
	return b.West < b.East && b.South < b.North
}

// Bound converts the box to an orb.Bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// BBoxFromBound converts an orb.Bound in lon/lat to a BBox.
func BBoxFromBound(b orb.Bound) BBox {
	return BBox{West: b.Min.X(), South: b.Min.Y(), East: b.Max.X(), North: b.Max.Y()}
}

// ParseCoordinate parses a lon/lat pair. Blank, non-numeric or out of range
// values return domain.ErrMissingCoordinate.
func ParseCoordinate(lonStr, latStr string) (float64, float64, error) {
	lon, lonErr := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	lat, latErr := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if lonErr != nil || latErr != nil || !validCoordinate(lon, lat) {
		return 0, 0, fmt.Errorf("%w: lon=%q lat=%q", domain.ErrMissingCoordinate, lonStr, latStr)
	}
	return lon, lat, nil
}

// validCoordinate reports whether lon/lat are finite and within WGS84 ranges.
func validCoordinate(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}
