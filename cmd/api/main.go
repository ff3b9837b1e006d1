// Package main implements the hotspots map API. It clusters the configured
// points once at startup and serves clusters, regions and GeoJSON for map
// clients, plus recent artifact events when NATS is configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/curbwatch/hotspots/engine/analysis"
	"github.com/curbwatch/hotspots/engine/catalog"
	"github.com/curbwatch/hotspots/engine/retrieval"
	"github.com/curbwatch/hotspots/pkg/config"
	"github.com/curbwatch/hotspots/pkg/metrics"
	"github.com/curbwatch/hotspots/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		cfg.Retrieval.Enabled = false
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
	logger := cfg.Log.Logger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is done. When ready is non-nil the bound address is
// sent on it once the listener is open.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, ready chan<- string) error {
	met := metrics.New()

	// --- Analyze ---
	opts, err := analysis.FromConfig(cfg.Cluster)
	if err != nil {
		return err
	}
	opts.Logger = logger
	opts.Metrics = met
	res, err := analysis.RunConfig(ctx, cfg, opts)
	if err != nil {
		return err
	}

	srv := newServer(res, met, logger)

	// --- Optional collaborators ---
	if cfg.Neo4j.URL != "" {
		cat, err := catalog.Connect(ctx, cfg.Neo4j.URL, cfg.Neo4j.User, cfg.Neo4j.Pass)
		if err != nil {
			return err
		}
		defer cat.Close(context.Background())
		srv.catalog = cat
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("hotspots-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		sub, err := natsutil.Subscribe(nc, cfg.NATS.Subject, func(_ context.Context, ev retrieval.ArtifactEvent) {
			srv.events.add(ev)
		})
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
		logger.Info("subscribed to artifact events", "subject", cfg.NATS.Subject)
	}

	// --- Serve ---
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpSrv := &http.Server{
		Handler:      srv.routes(cfg.Server.CORSOrigin),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server starting", "addr", ln.Addr().String())
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}
