package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/curbwatch/hotspots/engine/analysis"
	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/engine/retrieval"
	"github.com/curbwatch/hotspots/engine/viz"
	"github.com/curbwatch/hotspots/pkg/metrics"
	"github.com/curbwatch/hotspots/pkg/mid"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// imageLister is the catalog lookup used by /api/clusters/{id}/images.
type imageLister interface {
	ImageIDs(ctx context.Context, runID string, clusterID cluster.Label) ([]string, error)
}

type server struct {
	res     *analysis.Result
	points  []viz.LabeledPoint
	geojson []byte
	met     *metrics.Registry
	log     *slog.Logger
	catalog imageLister
	events  *eventLog
}

func newServer(res *analysis.Result, met *metrics.Registry, logger *slog.Logger) *server {
	s := &server{res: res, met: met, log: logger, events: newEventLog(100)}
	pts, err := viz.LabeledPoints(res.Records(), res.Labels)
	if err != nil {
		logger.Error("label points", "err", err)
	}
	s.points = pts
	s.geojson, err = viz.FeatureCollection(pts, res.Regions, res.Coverage).MarshalJSON()
	if err != nil {
		logger.Error("encode geojson", "err", err)
	}
	return s
}

func (s *server) routes(corsOrigin string) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		mid.Recover(s.log),
		mid.Logger(s.log),
		mid.CORS(corsOrigin),
		mid.OTel("hotspots-api"),
	)

	r.Get("/api/health", handleHealth)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/clusters", s.handleClusters)
	r.Get("/api/clusters.geojson", s.handleGeoJSON)
	r.Get("/api/clusters/{id}/images", s.handleClusterImages)
	r.Get("/api/regions", s.handleRegions)
	r.Get("/api/points", s.handlePoints)
	r.Get("/api/events", s.handleEvents)
	r.Method(http.MethodGet, "/metrics", s.met.Handler())
	return r
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	cluster.Stats
	Dropped  int `json:"dropped"`
	Filtered int `json:"filtered"`
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:    s.res.Stats,
		Dropped:  s.res.Load.Dropped,
		Filtered: s.res.Load.Filtered,
	})
}

type clusterResponse struct {
	ClusterID cluster.Label   `json:"cluster_id"`
	Size      int             `json:"size"`
	Region    *cluster.Region `json:"region,omitempty"`
}

// handleClusters lists the selected clusters, largest first, with their regions.
func (s *server) handleClusters(w http.ResponseWriter, _ *http.Request) {
	out := make([]clusterResponse, 0, len(s.res.Top))
	for i, c := range s.res.Top {
		cr := clusterResponse{ClusterID: c.ClusterID, Size: c.Size}
		if i < len(s.res.Regions) {
			cr.Region = &s.res.Regions[i]
		}
		out = append(out, cr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGeoJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(s.geojson)
}

type regionsResponse struct {
	Regions  []cluster.Region `json:"regions"`
	Coverage *cluster.Region  `json:"coverage,omitempty"`
}

func (s *server) handleRegions(w http.ResponseWriter, _ *http.Request) {
	regions := s.res.Regions
	if regions == nil {
		regions = []cluster.Region{}
	}
	writeJSON(w, http.StatusOK, regionsResponse{Regions: regions, Coverage: s.res.Coverage})
}

func (s *server) handlePoints(w http.ResponseWriter, _ *http.Request) {
	pts := s.points
	if pts == nil {
		pts = []viz.LabeledPoint{}
	}
	writeJSON(w, http.StatusOK, pts)
}

func (s *server) handleClusterImages(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, "catalog not configured")
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cluster id must be an integer")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	ids, err := s.catalog.ImageIDs(r.Context(), runID, cluster.Label(id))
	if err != nil {
		s.log.Error("catalog lookup failed", "cluster_id", id, "err", err)
		writeError(w, http.StatusBadGateway, "catalog lookup failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cluster_id": id, "run_id": runID, "images": ids})
}

func (s *server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.events.recent())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// eventLog keeps the most recent artifact events, newest last.
type eventLog struct {
	mu    sync.Mutex
	limit int
	list  []retrieval.ArtifactEvent
}

func newEventLog(limit int) *eventLog { return &eventLog{limit: limit} }

func (l *eventLog) add(ev retrieval.ArtifactEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, ev)
	if len(l.list) > l.limit {
		l.list = l.list[len(l.list)-l.limit:]
	}
}

func (l *eventLog) recent() []retrieval.ArtifactEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]retrieval.ArtifactEvent, len(l.list))
	copy(out, l.list)
	return out
}
