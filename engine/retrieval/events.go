package retrieval

import (
	"context"

	"github.com/curbwatch/hotspots/engine/artifact"
	"github.com/curbwatch/hotspots/pkg/natsutil"
)

// ArtifactEvent announces one persisted image.
type ArtifactEvent struct {
	RunID      string  `json:"run_id"`
	ClusterID  int     `json:"cluster_id"`
	ImageID    string  `json:"image_id"`
	Key        string  `json:"key"`
	ImageURL   string  `json:"image_url"`
	Resolution string  `json:"resolution,omitempty"`
	Bytes      int64   `json:"bytes"`
	CapturedAt *int64  `json:"captured_at,omitempty"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

func newArtifactEvent(runID string, k artifact.Key, m artifact.Metadata) ArtifactEvent {
	return ArtifactEvent{
		RunID:      runID,
		ClusterID:  k.ClusterID,
		ImageID:    k.ImageID,
		Key:        k.ImageName(),
		ImageURL:   m.ImageURL,
		Resolution: m.Resolution,
		Bytes:      m.Bytes,
		CapturedAt: m.CapturedAt,
		Lat:        m.Lat,
		Lon:        m.Lon,
	}
}

// Publisher announces stored artifacts and finished runs.
type Publisher interface {
	PublishArtifact(ctx context.Context, ev ArtifactEvent) error
	PublishSummary(ctx context.Context, s Summary) error
}

// SummarySubject is the subject suffix used for run summaries.
const SummarySubject = ".summary"

// NATSPublisher publishes events as JSON on a NATS subject. Summaries go to
// subject + SummarySubject.
type NATSPublisher struct {
	conn    natsutil.MsgPublisher
	subject string
}

// NewNATSPublisher creates a NATSPublisher. conn is usually a *nats.Conn.
func NewNATSPublisher(conn natsutil.MsgPublisher, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) PublishArtifact(ctx context.Context, ev ArtifactEvent) error {
	return natsutil.Publish(ctx, p.conn, p.subject, ev)
}

func (p *NATSPublisher) PublishSummary(ctx context.Context, s Summary) error {
	return natsutil.Publish(ctx, p.conn, p.subject+SummarySubject, s)
}
