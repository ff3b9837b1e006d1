package geo

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/curbwatch/hotspots/engine/domain"
)

// Source yields point records. Rows with unusable coordinates are dropped and
// counted; they never fail the load.
type Source interface {
	Load(ctx context.Context) (LoadResult, error)
}

// LoadResult is the outcome of a load.
type LoadResult struct {
	Records  []PointRecord
	Dropped  int // missing or non-numeric coordinates
	Filtered int // rows rejected by the attribute filter
}

// Total is every row the source produced.
func (r LoadResult) Total() int { return len(r.Records) + r.Dropped + r.Filtered }

// Columns names the CSV header fields used to build a PointRecord.
type Columns struct {
	ID   string
	Lon  string
	Lat  string
	Time string
}

// DefaultColumns matches the NYC 311 service request export.
var DefaultColumns = Columns{
	ID:   "Unique Key",
	Lon:  "Longitude",
	Lat:  "Latitude",
	Time: "Created Date",
}

// Filter keeps only rows whose Column equals Value. The zero Filter keeps everything.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter parses "column=value". An empty string yields the zero Filter.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}
	col, val, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(col) == "" {
		return Filter{}, fmt.Errorf("%w: filter %q must be column=value", domain.ErrInvalidConfig, s)
	}
	return Filter{Column: strings.TrimSpace(col), Value: strings.TrimSpace(val)}, nil
}

// Active reports whether the filter rejects anything.
func (f Filter) Active() bool { return f.Column != "" }

// timeLayouts are tried in order for the timestamp column.
var timeLayouts = []string{
	"01/02/2006 03:04:05 PM",
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// CSVSource reads point records from a CSV file with a header row.
type CSVSource struct {
	Path    string
	Columns Columns
	Filter  Filter
}

// Load opens Path and reads it.
func (s CSVSource) Load(ctx context.Context) (LoadResult, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("open points: %w", err)
	}
	defer f.Close()
	return ReadCSV(ctx, f, s.Columns, s.Filter)
}

// ReadCSV parses CSV rows from r. An empty input yields an empty result.
// The header must contain the longitude and latitude columns.
func ReadCSV(ctx context.Context, r io.Reader, cols Columns, filter Filter) (LoadResult, error) {
	if cols == (Columns{}) {
		cols = DefaultColumns
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return LoadResult{}, nil
	}
	if err != nil {
		return LoadResult{}, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	lonIdx, ok := index[cols.Lon]
	if !ok {
		return LoadResult{}, fmt.Errorf("%w: column %q not in header", domain.ErrInvalidConfig, cols.Lon)
	}
	latIdx, ok := index[cols.Lat]
	if !ok {
		return LoadResult{}, fmt.Errorf("%w: column %q not in header", domain.ErrInvalidConfig, cols.Lat)
	}
	idIdx, hasID := index[cols.ID]
	timeIdx, hasTime := index[cols.Time]
	filterIdx := -1
	if filter.Active() {
		i, ok := index[filter.Column]
		if !ok {
			return LoadResult{}, fmt.Errorf("%w: filter column %q not in header", domain.ErrInvalidConfig, filter.Column)
		}
		filterIdx = i
	}

	var res LoadResult
	for row := 1; ; row++ {
		if row%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				res.Dropped++
				continue
			}
			return res, fmt.Errorf("read row %d: %w", row, err)
		}

		if filterIdx >= 0 && field(rec, filterIdx) != filter.Value {
			res.Filtered++
			continue
		}

		lon, lat, err := ParseCoordinate(field(rec, lonIdx), field(rec, latIdx))
		if err != nil {
			res.Dropped++
			continue
		}

		p := PointRecord{ID: strconv.Itoa(row), Lon: lon, Lat: lat}
		if hasID && field(rec, idIdx) != "" {
			p.ID = field(rec, idIdx)
		}
		if hasTime {
			p.Timestamp = parseTime(field(rec, timeIdx))
		}
		p.Attributes = make(map[string]string, len(header))
		for i, h := range header {
			if i == lonIdx || i == latIdx || (hasID && i == idIdx) || (hasTime && i == timeIdx) {
				continue
			}
			if v := field(rec, i); v != "" {
				p.Attributes[strings.TrimSpace(h)] = v
			}
		}
		res.Records = append(res.Records, p)
	}
	return res, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
