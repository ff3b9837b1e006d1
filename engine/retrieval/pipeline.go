// Package retrieval drives the per-region imagery fetch loop: search the
// region, fetch each image's detail, choose a URL, skip what is already
// stored, then download and persist. Failures stay inside the unit of work
// they happened in.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/curbwatch/hotspots/engine/artifact"
	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/curbwatch/hotspots/engine/geo"
	"github.com/curbwatch/hotspots/engine/imagery"
	"github.com/curbwatch/hotspots/pkg/fn"
	"github.com/curbwatch/hotspots/pkg/metrics"
	"github.com/curbwatch/hotspots/pkg/resilience"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ImageSource is the imagery API as seen by the pipeline. *imagery.Client
// implements it.
type ImageSource interface {
	Search(ctx context.Context, bbox geo.BBox) ([]imagery.Image, error)
	Detail(ctx context.Context, id string) (imagery.Detail, error)
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Catalog receives a copy of what was stored. *catalog.Catalog implements it.
type Catalog interface {
	SaveRegion(ctx context.Context, runID string, r cluster.Region) error
	SaveImage(ctx context.Context, runID string, k artifact.Key, meta artifact.Metadata) error
}

// Options configures a Pipeline. Source and Store are required.
type Options struct {
	Source ImageSource
	Store  artifact.Store
	Pacer  resilience.Pacer

	// MaxImagesPerRegion caps the images processed per region. <=0 processes all.
	MaxImagesPerRegion int
	RunID              string

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Catalog Catalog
	Events  Publisher
}

// Pipeline runs retrieval over a list of regions, one region and one image at
// a time.
type Pipeline struct {
	src     ImageSource
	store   artifact.Store
	pacer   resilience.Pacer
	max     int
	runID   string
	log     *slog.Logger
	metrics *metrics.Registry
	catalog Catalog
	events  Publisher
}

// New validates opts and creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("%w: retrieval needs an image source", domain.ErrInvalidConfig)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: retrieval needs an artifact store", domain.ErrInvalidConfig)
	}
	if opts.Pacer == nil {
		opts.Pacer = resilience.NoPacer{}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		src:     opts.Source,
		store:   opts.Store,
		pacer:   opts.Pacer,
		max:     opts.MaxImagesPerRegion,
		runID:   opts.RunID,
		log:     opts.Logger,
		metrics: opts.Metrics,
		catalog: opts.Catalog,
		events:  opts.Events,
	}, nil
}

// RunID identifies this run in metadata, events and the catalog.
func (p *Pipeline) RunID() string { return p.runID }

// Run processes regions in order. A failed region never stops the next one;
// only cancellation of ctx ends the run early, and then the returned error is
// ctx.Err() alongside the reports gathered so far.
func (p *Pipeline) Run(ctx context.Context, regions []cluster.Region) (Summary, error) {
	sum := Summary{RunID: p.runID, StartedAt: time.Now().UTC()}
	var runErr error
	for _, r := range regions {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		sum.Regions = append(sum.Regions, p.ProcessRegion(ctx, r))
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	sum.FinishedAt = time.Now().UTC()

	if p.events != nil {
		// The run context may be cancelled already; the summary still goes out.
		if err := p.events.PublishSummary(context.WithoutCancel(ctx), sum); err != nil {
			p.log.Warn("publish run summary", "run_id", p.runID, "err", err)
		}
	}
	return sum, runErr
}

// ProcessRegion takes one region to Done or Failed.
func (p *Pipeline) ProcessRegion(ctx context.Context, r cluster.Region) RegionReport {
	rep := RegionReport{ClusterID: r.ClusterID, State: StateFailed}
	log := p.log.With("cluster_id", int(r.ClusterID))
	attrs := []attribute.KeyValue{
		attribute.Int("cluster_id", int(r.ClusterID)),
		attribute.String("run_id", p.runID),
	}

	search := fn.TracedStage("retrieval.search", func(ctx context.Context, r cluster.Region) fn.Result[[]imagery.Image] {
		if err := p.pacer.Wait(ctx); err != nil {
			return fn.Err[[]imagery.Image](err)
		}
		imgs, err := p.src.Search(ctx, r.BBox)
		if err != nil {
			return fn.Err[[]imagery.Image](domain.NewStageError("search", r.Key(), domain.ErrSearchFailed, err))
		}
		return fn.Ok(imgs)
	}, attrs...)

	imgs, err := search(ctx, r).Unwrap()
	if err != nil {
		rep.Err = err.Error()
		log.Error("region search failed", "err", err)
		p.metrics.Region(metrics.RegionFailed)
		return rep
	}
	rep.Discovered = len(imgs)
	log.Info("region searched", "images", len(imgs))

	if p.catalog != nil {
		if err := p.catalog.SaveRegion(ctx, p.runID, r); err != nil {
			log.Warn("catalog region", "err", err)
		}
	}

	if p.max > 0 && len(imgs) > p.max {
		imgs = imgs[:p.max]
	}

	for _, img := range imgs {
		if err := p.pacer.Wait(ctx); err != nil {
			rep.Err = err.Error()
			log.Warn("region interrupted", "err", err)
			p.metrics.Region(metrics.RegionFailed)
			return rep
		}
		rep.Attempted++

		out, err := p.processImage(ctx, r, img, attrs).Unwrap()
		if err != nil {
			out = outcome{kind: failureKind(err)}
			if domain.IsTransient(err) {
				log.Warn("image failed", "image_id", img.ID, "err", err)
			} else {
				log.Error("image failed", "image_id", img.ID, "err", err)
			}
		}
		rep.record(out)
		p.metrics.Image(out.kind)
		p.metrics.AddBytes(out.bytes)
	}

	rep.State = StateDone
	p.metrics.Region(metrics.RegionDone)
	log.Info("region done",
		"downloaded", rep.Downloaded, "skipped", rep.Skipped, "no_url", rep.NoURL,
		"failed", rep.Failed(), "bytes", rep.Bytes)
	return rep
}

// outcome is the terminal state of one image that did not fail.
type outcome struct {
	kind  string
	bytes int64
}

func failureKind(err error) string {
	if errors.Is(err, domain.ErrDetailFailed) {
		return metrics.OutcomeDetailFailed
	}
	return metrics.OutcomeDownloadFailed
}

func (p *Pipeline) processImage(ctx context.Context, r cluster.Region, img imagery.Image, attrs []attribute.KeyValue) fn.Result[outcome] {
	detail := func(ctx context.Context, img imagery.Image) fn.Result[imagery.Detail] {
		d, err := p.src.Detail(ctx, img.ID)
		if err != nil {
			return fn.Err[imagery.Detail](domain.NewStageError("detail", img.ID, domain.ErrDetailFailed, err))
		}
		if d.ID == "" {
			d.ID = img.ID
		}
		return fn.Ok(d)
	}
	persist := func(ctx context.Context, d imagery.Detail) fn.Result[outcome] {
		return p.persist(ctx, r, d)
	}
	stage := fn.TracedStage("retrieval.image", fn.Then[imagery.Image, imagery.Detail, outcome](detail, persist),
		append(attrs, attribute.String("image_id", img.ID))...)
	return stage(ctx, img)
}

// persist selects a URL, checks the store, then streams and commits. The
// existence check happens before any image bytes are requested.
func (p *Pipeline) persist(ctx context.Context, r cluster.Region, d imagery.Detail) fn.Result[outcome] {
	url, res, ok := imagery.SelectURL(d)
	if !ok {
		p.log.Info("image has no usable url", "cluster_id", int(r.ClusterID), "image_id", d.ID)
		return fn.Ok(outcome{kind: metrics.OutcomeNoURL})
	}

	k := artifact.Key{ClusterID: int(r.ClusterID), ImageID: d.ID}
	exists, err := p.store.Exists(ctx, k)
	if err != nil {
		return fn.Err[outcome](domain.NewStageError("dedup", k.String(), domain.ErrDownloadFailed, err))
	}
	if exists {
		return fn.Ok(outcome{kind: metrics.OutcomeSkipped})
	}

	body, size, err := p.src.Open(ctx, url)
	if err != nil {
		return fn.Err[outcome](domain.NewStageError("download", d.ID, domain.ErrDownloadFailed, err))
	}
	defer body.Close()

	loc := d.Location()
	meta := artifact.Metadata{
		ID:           d.ID,
		CapturedAt:   d.CapturedAt,
		Compass:      d.CompassAngle,
		Lat:          loc.Y(),
		Lon:          loc.X(),
		Cluster:      int(r.ClusterID),
		ImageURL:     url,
		Resolution:   string(res),
		RunID:        p.runID,
		FullResponse: d.Raw,
	}
	n, err := p.store.Put(ctx, k, body, size, meta)
	switch {
	case errors.Is(err, domain.ErrAlreadyPersisted):
		return fn.Ok(outcome{kind: metrics.OutcomeSkipped})
	case errors.Is(err, domain.ErrTruncated), errors.Is(err, domain.ErrDownloadFailed):
		return fn.Err[outcome](&domain.StageError{Stage: "download", Key: d.ID, Wrapped: err})
	case err != nil:
		return fn.Err[outcome](domain.NewStageError("persist", k.String(), domain.ErrDownloadFailed, err))
	}
	meta.Bytes = n

	if p.catalog != nil {
		if err := p.catalog.SaveImage(ctx, p.runID, k, meta); err != nil {
			p.log.Warn("catalog image", "cluster_id", k.ClusterID, "image_id", k.ImageID, "err", err)
		}
	}
	if p.events != nil {
		if err := p.events.PublishArtifact(ctx, newArtifactEvent(p.runID, k, meta)); err != nil {
			p.log.Warn("publish artifact", "cluster_id", k.ClusterID, "image_id", k.ImageID, "err", err)
		}
	}
	return fn.Ok(outcome{kind: metrics.OutcomeDownloaded, bytes: n})
}
