// Command hotspots clusters complaint points into hotspots, cuts a region
// around each of the largest ones and downloads street-level imagery for
// every region.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/curbwatch/hotspots/engine/analysis"
	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/curbwatch/hotspots/engine/retrieval"
	"github.com/curbwatch/hotspots/pkg/config"
	"github.com/curbwatch/hotspots/pkg/metrics"
	"github.com/curbwatch/hotspots/pkg/mid"
)

// options are the command-line overrides.
type options struct {
	envFile     string
	csv         string
	regionsOnly bool
	regionsOut  string
	regionsIn   string
	maxImages   int
	topN        int
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("hotspots", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.envFile, "env", "", "load this .env file instead of ./.env")
	fs.StringVar(&o.csv, "csv", "", "points CSV (overrides POINTS_CSV)")
	fs.BoolVar(&o.regionsOnly, "regions-only", false, "stop after computing regions")
	fs.StringVar(&o.regionsOut, "regions-out", "", "write the computed regions to this JSON file")
	fs.StringVar(&o.regionsIn, "regions-in", "", "retrieve imagery for regions saved by -regions-out, skipping clustering")
	fs.IntVar(&o.maxImages, "max-images", -1, "images per region, 0 for all (overrides MAX_IMAGES_PER_REGION)")
	fs.IntVar(&o.topN, "top", -1, "clusters to select (overrides CLUSTER_TOP_N)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.regionsOnly && o.regionsIn != "" {
		return o, fmt.Errorf("%w: -regions-only and -regions-in are exclusive", domain.ErrInvalidConfig)
	}
	return o, nil
}

func loadConfig(o options) (config.Config, error) {
	var files []string
	if o.envFile != "" {
		files = append(files, o.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return cfg, err
	}
	if o.csv != "" {
		cfg.Points.CSV = o.csv
	}
	if o.maxImages >= 0 {
		cfg.Retrieval.MaxImagesPerRegion = o.maxImages
	}
	if o.topN >= 0 {
		cfg.Cluster.TopN = o.topN
	}
	cfg.Retrieval.Enabled = !o.regionsOnly
	cfg.Retrieval.RegionsFile = o.regionsIn
	return cfg, cfg.Validate()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "hotspots:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger(stderr)
	met := metrics.New()

	if cfg.Server.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.Server.MetricsAddr, met, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	// --- Regions ---
	var regions []cluster.Region
	if o.regionsIn != "" {
		f, err := analysis.LoadRegions(o.regionsIn)
		if err != nil {
			return err
		}
		regions = f.Regions
		logger.Info("regions loaded", "file", o.regionsIn, "regions", len(regions))
	} else {
		res, err := analyze(ctx, cfg, met, logger)
		if err != nil {
			return err
		}
		printStats(stdout, res)
		regions = res.Regions
		if o.regionsOut != "" {
			if err := analysis.SaveRegions(o.regionsOut, regionsFile(cfg, res)); err != nil {
				return err
			}
			logger.Info("regions written", "file", o.regionsOut, "regions", len(regions))
		}
	}
	if o.regionsOnly {
		return nil
	}

	// --- Retrieval ---
	deps, err := wire(ctx, cfg, met, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	p, err := retrieval.New(deps.options(cfg, met, logger))
	if err != nil {
		return err
	}
	logger.Info("retrieval starting", "run_id", p.RunID(), "regions", len(regions))
	sum, runErr := p.Run(ctx, regions)
	fmt.Fprintln(stdout)
	if err := sum.WriteTable(stdout); err != nil {
		return err
	}
	return runErr
}

func analyze(ctx context.Context, cfg config.Config, met *metrics.Registry, logger *slog.Logger) (*analysis.Result, error) {
	opts, err := analysis.FromConfig(cfg.Cluster)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	opts.Metrics = met
	return analysis.RunConfig(ctx, cfg, opts)
}

func regionsFile(cfg config.Config, res *analysis.Result) analysis.RegionsFile {
	return analysis.RegionsFile{
		GeneratedAt: time.Now().UTC(),
		CRS:         cfg.Cluster.CRS,
		Eps:         cfg.Cluster.Eps,
		MinSamples:  cfg.Cluster.MinSamples,
		Buffer:      cfg.Cluster.RegionBuffer,
		Stats:       res.Stats,
		Regions:     res.Regions,
	}
}

func printStats(w io.Writer, res *analysis.Result) {
	st := res.Stats
	fmt.Fprintf(w, "points: %d (dropped %d, filtered %d)\n", st.Points, res.Load.Dropped, res.Load.Filtered)
	fmt.Fprintf(w, "clusters: %d, clustered points: %d, noise: %d\n", st.Clusters, st.Clustered, st.Noise)
	for _, r := range res.Regions {
		fmt.Fprintf(w, "%s size=%d bbox=%.6f,%.6f,%.6f,%.6f\n", r.Key(), r.Size, r.West, r.South, r.East, r.North)
	}
	if res.Coverage != nil {
		c := res.Coverage
		fmt.Fprintf(w, "coverage bbox=%.6f,%.6f,%.6f,%.6f\n", c.West, c.South, c.East, c.North)
	}
}

func serveMetrics(addr string, met *metrics.Registry, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	srv := &http.Server{
		Handler:           mid.Chain(mux, mid.Recover(logger), mid.Logger(logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()
	return srv, nil
}
