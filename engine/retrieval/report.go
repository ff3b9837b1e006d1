package retrieval

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/pkg/metrics"
)

// Region terminal states.
const (
	StateDone   = metrics.RegionDone
	StateFailed = metrics.RegionFailed
)

// RegionReport counts what happened to each image of one region.
type RegionReport struct {
	ClusterID      cluster.Label `json:"cluster_id"`
	State          string        `json:"state"`
	Err            string        `json:"error,omitempty"`
	Discovered     int           `json:"discovered"`
	Attempted      int           `json:"attempted"`
	Downloaded     int           `json:"downloaded"`
	Skipped        int           `json:"skipped"`
	NoURL          int           `json:"no_url"`
	DetailFailed   int           `json:"detail_failed"`
	DownloadFailed int           `json:"download_failed"`
	Bytes          int64         `json:"bytes"`
}

func (r *RegionReport) record(o outcome) {
	switch o.kind {
	case metrics.OutcomeDownloaded:
		r.Downloaded++
		r.Bytes += o.bytes
	case metrics.OutcomeSkipped:
		r.Skipped++
	case metrics.OutcomeNoURL:
		r.NoURL++
	case metrics.OutcomeDetailFailed:
		r.DetailFailed++
	case metrics.OutcomeDownloadFailed:
		r.DownloadFailed++
	}
}

// Failed is the number of images that hit a network or storage failure.
func (r RegionReport) Failed() int { return r.DetailFailed + r.DownloadFailed }

// Summary is the outcome of one Run.
type Summary struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Regions    []RegionReport `json:"regions"`
}

// Totals sums all regions. State holds the number of failed regions.
func (s Summary) Totals() RegionReport {
	var t RegionReport
	failed := 0
	for _, r := range s.Regions {
		if r.State == StateFailed {
			failed++
		}
		t.Discovered += r.Discovered
		t.Attempted += r.Attempted
		t.Downloaded += r.Downloaded
		t.Skipped += r.Skipped
		t.NoURL += r.NoURL
		t.DetailFailed += r.DetailFailed
		t.DownloadFailed += r.DownloadFailed
		t.Bytes += r.Bytes
	}
	t.State = fmt.Sprintf("%d failed", failed)
	return t
}

// WriteTable prints one row per region plus a total row.
func (s Summary) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "cluster\tstate\tdiscovered\tattempted\tdownloaded\tskipped\tno_url\tdetail_failed\tdownload_failed\tbytes\t")
	row := func(name, state string, r RegionReport) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n", name, state,
			r.Discovered, r.Attempted, r.Downloaded, r.Skipped, r.NoURL, r.DetailFailed, r.DownloadFailed, r.Bytes)
	}
	for _, r := range s.Regions {
		row(fmt.Sprintf("cluster_%d", r.ClusterID), r.State, r)
	}
	t := s.Totals()
	row("total", t.State, t)
	return tw.Flush()
}
