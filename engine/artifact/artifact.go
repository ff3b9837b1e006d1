// Package artifact persists downloaded images and their metadata, one
// directory (or key prefix) per cluster. The image object is the durable
// "already downloaded" marker and is always committed last.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/curbwatch/hotspots/engine/domain"
)

// ImageExt is the extension of stored image files.
const ImageExt = ".jpg"

// Key addresses an artifact.
type Key struct {
	ClusterID int
	ImageID   string
}

// Dir is the per-cluster directory name.
func (k Key) Dir() string { return fmt.Sprintf("cluster_%d", k.ClusterID) }

// ImageName is the image path relative to the store root.
func (k Key) ImageName() string { return path.Join(k.Dir(), k.ImageID+ImageExt) }

// MetaName is the metadata path relative to the store root.
func (k Key) MetaName() string { return path.Join(k.Dir(), k.ImageID+".json") }

func (k Key) String() string { return k.Dir() + "/" + k.ImageID }

// Metadata is the sidecar record written next to every image.
type Metadata struct {
	ID           string          `json:"id"`
	CapturedAt   *int64          `json:"capturedAt"`
	Compass      *float64        `json:"compass"`
	Lat          float64         `json:"lat"`
	Lon          float64         `json:"lon"`
	Cluster      int             `json:"cluster"`
	ImageURL     string          `json:"image_url"`
	Resolution   string          `json:"resolution,omitempty"`
	Bytes        int64           `json:"bytes"`
	RunID        string          `json:"run_id,omitempty"`
	FullResponse json.RawMessage `json:"full_response,omitempty"`
}

// Encode renders metadata as indented JSON.
func (m Metadata) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata %s: %w", m.ID, err)
	}
	return b, nil
}

// Store persists artifacts.
//
// Put consumes body completely, verifies it against size when size >= 0,
// then writes metadata, then commits the image. A Put on a key that already
// has an image returns domain.ErrAlreadyPersisted and writes nothing.
type Store interface {
	Exists(ctx context.Context, k Key) (bool, error)
	Put(ctx context.Context, k Key, body io.Reader, size int64, meta Metadata) (int64, error)
}

// verifier counts bytes and turns a short stream into domain.ErrTruncated.
// The error is also kept in err for writers that re-wrap read errors.
type verifier struct {
	r    io.Reader
	want int64
	n    int64
	err  error
}

func (v *verifier) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.n += int64(n)
	switch {
	case err == io.EOF && v.want >= 0 && v.n != v.want:
		v.err = fmt.Errorf("%w: got %d of %d bytes", domain.ErrTruncated, v.n, v.want)
	case v.want >= 0 && v.n > v.want:
		v.err = fmt.Errorf("%w: body longer than %d bytes", domain.ErrTruncated, v.want)
	default:
		return n, err
	}
	return n, v.err
}
