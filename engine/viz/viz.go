// Package viz shapes clustering output for map renderers: labelled points and
// region rectangles as GeoJSON. It does not depend on any rendering library.
package viz

import (
	"fmt"

	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/engine/geo"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature kinds, stored in the "kind" property.
const (
	KindPoint    = "point"
	KindRegion   = "region"
	KindCoverage = "coverage"
)

// LabeledPoint is a point marker with its cluster label.
type LabeledPoint struct {
	ID        string        `json:"id"`
	Lon       float64       `json:"lon"`
	Lat       float64       `json:"lat"`
	ClusterID cluster.Label `json:"cluster_id"`
}

// LabeledPoints pairs each retained record with its label. records and labels
// must be index-aligned.
func LabeledPoints(records []geo.PointRecord, labels []cluster.Label) ([]LabeledPoint, error) {
	if len(records) != len(labels) {
		return nil, fmt.Errorf("viz: %d records but %d labels", len(records), len(labels))
	}
	out := make([]LabeledPoint, len(records))
	for i, r := range records {
		out[i] = LabeledPoint{ID: r.ID, Lon: r.Lon, Lat: r.Lat, ClusterID: labels[i]}
	}
	return out, nil
}

// FeatureCollection renders points, regions and an optional coverage region.
// Regions become rectangles in lon/lat.
func FeatureCollection(points []LabeledPoint, regions []cluster.Region, coverage *cluster.Region) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.Properties["kind"] = KindPoint
		f.Properties["id"] = p.ID
		f.Properties["cluster_id"] = int(p.ClusterID)
		f.Properties["noise"] = p.ClusterID == cluster.Noise
		fc.Append(f)
	}
	for _, r := range regions {
		fc.Append(regionFeature(r, KindRegion))
	}
	if coverage != nil {
		fc.Append(regionFeature(*coverage, KindCoverage))
	}
	return fc
}

func regionFeature(r cluster.Region, kind string) *geojson.Feature {
	f := geojson.NewFeature(r.Bound().ToPolygon())
	f.Properties["kind"] = kind
	f.Properties["cluster_id"] = int(r.ClusterID)
	f.Properties["size"] = r.Size
	f.Properties["west"] = r.West
	f.Properties["south"] = r.South
	f.Properties["east"] = r.East
	f.Properties["north"] = r.North
	return f
}
