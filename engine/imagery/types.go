package imagery

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DetailFields is the field list requested for every image.
const DetailFields = "id,captured_at,compass_angle,geometry,thumb_2048_url,thumb_1024_url,thumb_original_url"

// Image is a search hit.
type Image struct {
	ID string `json:"id"`
}

// Page is one page of search results. Next is empty on the last page.
type Page struct {
	Images []Image
	Next   string
}

type searchResponse struct {
	Data   []Image `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// Detail is the extended metadata of one image. Raw keeps the response body as received.
type Detail struct {
	ID               string            `json:"id"`
	CapturedAt       *int64            `json:"captured_at,omitempty"`
	CompassAngle     *float64          `json:"compass_angle,omitempty"`
	Geometry         *geojson.Geometry `json:"geometry,omitempty"`
	Thumb2048URL     string            `json:"thumb_2048_url,omitempty"`
	Thumb1024URL     string            `json:"thumb_1024_url,omitempty"`
	ThumbOriginalURL string            `json:"thumb_original_url,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Location returns the image point, or the zero point when geometry is absent.
func (d Detail) Location() orb.Point {
	if d.Geometry == nil {
		return orb.Point{}
	}
	if p, ok := d.Geometry.Coordinates.(orb.Point); ok {
		return p
	}
	return orb.Point{}
}

// ParseDetail decodes a detail response and keeps the raw payload.
func ParseDetail(body []byte) (Detail, error) {
	var d Detail
	if err := json.Unmarshal(body, &d); err != nil {
		return Detail{}, fmt.Errorf("decode detail: %w", err)
	}
	d.Raw = append(json.RawMessage(nil), body...)
	return d, nil
}

// Resolution names a candidate download URL.
type Resolution string

const (
	Res2048     Resolution = "thumb_2048"
	Res1024     Resolution = "thumb_1024"
	ResOriginal Resolution = "thumb_original"
)

// Preference is the fixed order in which URLs are chosen, highest resolution first.
var Preference = []Resolution{Res2048, Res1024, ResOriginal}

// URL returns the candidate URL for r.
func (d Detail) URL(r Resolution) string {
	switch r {
	case Res2048:
		return d.Thumb2048URL
	case Res1024:
		return d.Thumb1024URL
	case ResOriginal:
		return d.ThumbOriginalURL
	}
	return ""
}

// SelectURL picks the first non-empty URL in Preference order.
func SelectURL(d Detail) (string, Resolution, bool) {
	for _, r := range Preference {
		if u := d.URL(r); u != "" {
			return u, r, true
		}
	}
	return "", "", false
}
