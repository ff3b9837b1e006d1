package cluster

import (
	"fmt"
	"math"

	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/curbwatch/hotspots/engine/geo"
	"github.com/paulmach/orb"
)

// Region is a cluster's buffered envelope in geographic coordinates.
// Planar keeps the envelope in projected units.
type Region struct {
	geo.BBox
	ClusterID Label     `json:"cluster_id"`
	Size      int       `json:"size"`
	Planar    orb.Bound `json:"-"`
}

// Key identifies the region in logs and storage.
func (r Region) Key() string { return fmt.Sprintf("cluster_%d", r.ClusterID) }

// CoverageID labels the coverage region, which spans every point.
const CoverageID Label = Noise

// RegionFor computes the envelope of the cluster's members, pads it by buffer
// planar units on every side and reprojects the corners to lon/lat.
func RegionFor(s Summary, points []geo.ProjectedPoint, buffer float64, proj geo.Projection) (Region, error) {
	if len(s.Members) == 0 {
		return Region{}, fmt.Errorf("%w: cluster %d has no members", domain.ErrDegenerateRegion, s.ClusterID)
	}
	pts := make([]geo.ProjectedPoint, 0, len(s.Members))
	for _, i := range s.Members {
		if i < 0 || i >= len(points) {
			return Region{}, fmt.Errorf("cluster %d: member index %d out of range", s.ClusterID, i)
		}
		pts = append(pts, points[i])
	}
	r, err := bufferedRegion(pts, buffer, proj)
	if err != nil {
		return Region{}, fmt.Errorf("cluster %d: %w", s.ClusterID, err)
	}
	r.ClusterID = s.ClusterID
	r.Size = len(s.Members)
	return r, nil
}

// CoverageRegion is the padded envelope of every point. Buffering each point
// and taking the envelope of the union equals padding the overall envelope.
func CoverageRegion(points []geo.ProjectedPoint, buffer float64, proj geo.Projection) (Region, error) {
	if len(points) == 0 {
		return Region{}, fmt.Errorf("%w: no points", domain.ErrDegenerateRegion)
	}
	r, err := bufferedRegion(points, buffer, proj)
	if err != nil {
		return Region{}, err
	}
	r.ClusterID = CoverageID
	r.Size = len(points)
	return r, nil
}

// Regions computes a region per summary, in order.
func Regions(top []Summary, points []geo.ProjectedPoint, buffer float64, proj geo.Projection) ([]Region, error) {
	out := make([]Region, 0, len(top))
	for _, s := range top {
		r, err := RegionFor(s, points, buffer, proj)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Envelope is the minimal axis-aligned bound of the points.
func Envelope(points []geo.ProjectedPoint) orb.Bound {
	b := orb.Bound{Min: points[0].Point(), Max: points[0].Point()}
	for _, p := range points[1:] {
		b = b.Extend(p.Point())
	}
	return b
}

func bufferedRegion(points []geo.ProjectedPoint, buffer float64, proj geo.Projection) (Region, error) {
	if buffer < 0 || math.IsNaN(buffer) || math.IsInf(buffer, 0) {
		return Region{}, fmt.Errorf("%w: buffer %v", domain.ErrInvalidConfig, buffer)
	}
	planar := Envelope(points).Pad(buffer)
	if planar.Max.X() <= planar.Min.X() || planar.Max.Y() <= planar.Min.Y() {
		return Region{}, fmt.Errorf("%w: zero-area envelope", domain.ErrDegenerateRegion)
	}
	bbox := reprojectBound(planar, proj)
	if !bbox.Valid() {
		return Region{}, fmt.Errorf("%w: reprojected box %+v", domain.ErrDegenerateRegion, bbox)
	}
	return Region{BBox: bbox, Planar: planar}, nil
}

// reprojectBound converts the four planar corners to lon/lat and takes their extent.
func reprojectBound(b orb.Bound, proj geo.Projection) geo.BBox {
	corners := orb.MultiPoint{b.Min, {b.Max.X(), b.Min.Y()}, b.Max, {b.Min.X(), b.Max.Y()}}
	for i, c := range corners {
		lon, lat := proj.Inverse(c.X(), c.Y())
		corners[i] = orb.Point{lon, lat}
	}
	return geo.BBoxFromBound(corners.Bound())
}
