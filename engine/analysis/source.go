package analysis

import (
	"context"

	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/engine/geo"
	"github.com/curbwatch/hotspots/pkg/config"
)

// NewSource picks Postgres when a URL is configured, else the CSV file. The
// returned func releases the source.
func NewSource(ctx context.Context, cfg config.PointsConfig) (geo.Source, func(), error) {
	cols := geo.Columns{
		ID:   cfg.IDColumn,
		Lon:  cfg.LonColumn,
		Lat:  cfg.LatColumn,
		Time: cfg.TimeColumn,
	}
	filter, err := geo.ParseFilter(cfg.Filter)
	if err != nil {
		return nil, nil, err
	}

	if cfg.PostgresURL == "" {
		return geo.CSVSource{Path: cfg.CSV, Columns: cols, Filter: filter}, func() {}, nil
	}
	pool, err := geo.ConnectPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	return geo.PostgresSource{DB: pool, Query: cfg.Query}, pool.Close, nil
}

// FromConfig builds analysis options from configuration.
func FromConfig(cfg config.ClusterConfig) (Options, error) {
	proj, err := geo.ProjectionFor(cfg.CRS)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Projection:     proj,
		Params:         cluster.Params{Eps: cfg.Eps, MinSamples: cfg.MinSamples},
		TopN:           cfg.TopN,
		RegionBuffer:   cfg.RegionBuffer,
		CoverageBuffer: cfg.CoverageBuffer,
	}, nil
}

// RunConfig loads the configured source and analyzes it.
func RunConfig(ctx context.Context, cfg config.Config, opts Options) (*Result, error) {
	src, release, err := NewSource(ctx, cfg.Points)
	if err != nil {
		return nil, err
	}
	defer release()
	return Run(ctx, src, opts)
}
