package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestImageOutcomes(t *testing.T) {
	r := New()
	r.Image(OutcomeDownloaded)
	r.Image(OutcomeDownloaded)
	r.Image(OutcomeSkipped)

	if v := counterValue(t, r.Images.WithLabelValues(OutcomeDownloaded)); v != 2 {
		t.Fatalf("expected 2 downloaded, got %v", v)
	}
	if v := counterValue(t, r.Images.WithLabelValues(OutcomeSkipped)); v != 1 {
		t.Fatalf("expected 1 skipped, got %v", v)
	}
}

func TestAddBytesIgnoresNonPositive(t *testing.T) {
	r := New()
	r.AddBytes(100)
	r.AddBytes(0)
	r.AddBytes(-5)
	if v := counterValue(t, r.Bytes); v != 100 {
		t.Fatalf("expected 100, got %v", v)
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.Image(OutcomeDownloaded)
	r.Region(RegionDone)
	r.AddBytes(10)
	r.LoadResult(1, 2, 3)
	r.SetClusters(4)
	r.ObserveAPI("search", time.Now(), nil)
	r.BreakerTransition("open")
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{errors.New("boom"), "error"},
		{timeoutErr{}, "timeout"},
		{context.DeadlineExceeded, "timeout"},
	}
	for _, tt := range tests {
		if got := result(tt.err); got != tt.want {
			t.Errorf("result(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	r := New()
	r.LoadResult(10, 2, 1)
	r.SetClusters(3)
	r.Region(RegionFailed)
	r.ObserveAPI("detail", time.Now(), nil)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`hotspots_points_total{outcome="retained"} 10`,
		`hotspots_clusters 3`,
		`hotspots_regions_total{state="failed"} 1`,
		`hotspots_api_request_duration_seconds_count{op="detail",result="ok"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
