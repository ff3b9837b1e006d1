package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/curbwatch/hotspots/engine/artifact"
	"github.com/curbwatch/hotspots/engine/catalog"
	"github.com/curbwatch/hotspots/engine/imagery"
	"github.com/curbwatch/hotspots/engine/retrieval"
	"github.com/curbwatch/hotspots/pkg/config"
	"github.com/curbwatch/hotspots/pkg/fn"
	"github.com/curbwatch/hotspots/pkg/metrics"
	"github.com/curbwatch/hotspots/pkg/resilience"
	"github.com/nats-io/nats.go"
)

// deps are the retrieval collaborators built from configuration.
type deps struct {
	client  *imagery.Client
	store   artifact.Store
	pacer   resilience.Pacer
	nc      *nats.Conn
	catalog *catalog.Catalog
}

func wire(ctx context.Context, cfg config.Config, met *metrics.Registry, logger *slog.Logger) (*deps, error) {
	d := &deps{}

	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.Imagery.BreakerThreshold,
		Cooldown:      cfg.Imagery.BreakerCooldown,
		Counts:        imagery.Transient,
		OnStateChange: func(from, to resilience.State) {
			met.BreakerTransition(to.String())
			logger.Warn("imagery breaker", "from", from.String(), "to", to.String())
		},
	})
	d.client = imagery.NewClient(imagery.Config{
		BaseURL:   cfg.Imagery.BaseURL,
		Token:     cfg.Imagery.Token,
		PageLimit: cfg.Imagery.PageLimit,
		MaxPages:  cfg.Imagery.MaxPages,
		Timeout:   cfg.Imagery.Timeout,
		Retry: fn.RetryOpts{
			MaxAttempts: cfg.Imagery.RetryAttempts,
			InitialWait: cfg.Imagery.RetryWait,
			MaxWait:     30 * cfg.Imagery.RetryWait,
			Jitter:      true,
		},
		Breaker: breaker,
		Metrics: met,
		Logger:  logger,
	})

	pacer, err := resilience.NewPacer(cfg.Retrieval.PaceStrategy, cfg.Retrieval.PaceInterval, cfg.Retrieval.PaceBurst)
	if err != nil {
		return nil, err
	}
	d.pacer = pacer

	switch cfg.Store.Backend {
	case config.BackendMinio:
		s, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.Store.MinioEndpoint,
			AccessKey: cfg.Store.MinioAccessKey,
			SecretKey: cfg.Store.MinioSecretKey,
			Bucket:    cfg.Store.MinioBucket,
			Prefix:    cfg.Store.MinioPrefix,
			Secure:    cfg.Store.MinioSecure,
		})
		if err != nil {
			return nil, err
		}
		d.store = s
	default:
		s, err := artifact.NewLocalStore(cfg.Store.OutputDir)
		if err != nil {
			return nil, err
		}
		d.store = s
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("hotspots"))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		d.nc = nc
		logger.Info("connected to NATS", "subject", cfg.NATS.Subject)
	}

	if cfg.Neo4j.URL != "" {
		cat, err := catalog.Connect(ctx, cfg.Neo4j.URL, cfg.Neo4j.User, cfg.Neo4j.Pass)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.catalog = cat
		logger.Info("connected to Neo4j")
	}
	return d, nil
}

func (d *deps) options(cfg config.Config, met *metrics.Registry, logger *slog.Logger) retrieval.Options {
	opts := retrieval.Options{
		Source:             d.client,
		Store:              d.store,
		Pacer:              d.pacer,
		MaxImagesPerRegion: cfg.Retrieval.MaxImagesPerRegion,
		Logger:             logger,
		Metrics:            met,
	}
	if d.nc != nil {
		opts.Events = retrieval.NewNATSPublisher(d.nc, cfg.NATS.Subject)
	}
	if d.catalog != nil {
		opts.Catalog = d.catalog
	}
	return opts
}

// Close flushes NATS and closes connections.
func (d *deps) Close() {
	if d.nc != nil {
		d.nc.Flush()
		d.nc.Close()
	}
	if d.catalog != nil {
		d.catalog.Close(context.Background())
	}
}
