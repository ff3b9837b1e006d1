// Package analysis runs the offline half of a hotspot run: load points,
// project, cluster, rank and cut regions.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/curbwatch/hotspots/engine/geo"
	"github.com/curbwatch/hotspots/pkg/fn"
	"github.com/curbwatch/hotspots/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
)

// Options configures an analysis.
type Options struct {
	Projection     geo.Projection
	Params         cluster.Params
	TopN           int
	RegionBuffer   float64
	CoverageBuffer float64

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Result holds every intermediate product. Records, Points and Labels are
// index-aligned.
type Result struct {
	Load     geo.LoadResult
	Points   []geo.ProjectedPoint
	Labels   []cluster.Label
	Stats    cluster.Stats
	Top      []cluster.Summary
	Regions  []cluster.Region
	Coverage *cluster.Region
}

// Records returns the retained input records.
func (r *Result) Records() []geo.PointRecord { return r.Load.Records }

// Run loads src and analyzes it.
func Run(ctx context.Context, src geo.Source, opts Options) (*Result, error) {
	load := fn.TracedStage("analysis.load", func(ctx context.Context, src geo.Source) fn.Result[geo.LoadResult] {
		return fn.FromPair(src.Load(ctx))
	})
	lr, err := load(ctx, src).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("load points: %w", err)
	}
	opts.Metrics.LoadResult(len(lr.Records), lr.Dropped, lr.Filtered)
	logger(opts).Info("points loaded", "retained", len(lr.Records), "dropped", lr.Dropped, "filtered", lr.Filtered)

	cl := fn.TracedStage("analysis.cluster", func(_ context.Context, lr geo.LoadResult) fn.Result[*Result] {
		return fn.FromPair(Analyze(lr, opts))
	}, attribute.Int("points", len(lr.Records)))
	return cl(ctx, lr).Unwrap()
}

// Analyze clusters already loaded records.
func Analyze(lr geo.LoadResult, opts Options) (*Result, error) {
	if opts.Projection == nil {
		return nil, fmt.Errorf("%w: no projection", domain.ErrInvalidConfig)
	}
	log := logger(opts)

	res := &Result{Load: lr, Points: geo.Project(lr.Records, opts.Projection)}
	labels, err := cluster.DBSCAN(res.Points, opts.Params)
	if err != nil {
		return nil, err
	}
	res.Labels = labels
	res.Stats = cluster.Summarize(labels)
	opts.Metrics.SetClusters(res.Stats.Clusters)
	log.Info("clustering done",
		"points", res.Stats.Points, "clustered", res.Stats.Clustered,
		"noise", res.Stats.Noise, "clusters", res.Stats.Clusters)

	res.Top = cluster.TopClusters(labels, opts.TopN)
	res.Regions, err = cluster.Regions(res.Top, res.Points, opts.RegionBuffer, opts.Projection)
	if err != nil {
		return nil, err
	}

	if len(res.Points) > 0 {
		cov, err := cluster.CoverageRegion(res.Points, opts.CoverageBuffer, opts.Projection)
		switch {
		case err == nil:
			res.Coverage = &cov
		case errors.Is(err, domain.ErrDegenerateRegion):
			log.Warn("coverage region skipped", "err", err)
		default:
			return nil, err
		}
	}
	return res, nil
}

func logger(opts Options) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}
