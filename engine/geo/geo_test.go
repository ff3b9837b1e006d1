package geo

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample311 = `Unique Key,Created Date,Complaint Type,Descriptor,Latitude,Longitude
59893521,01/05/2024 08:15:00 AM,Street Condition,Pothole,40.7128,-74.0060
59893522,01/05/2024 09:20:00 PM,Street Condition,Pothole,,
59893523,01/06/2024 10:00:00 AM,Noise,Loud Music,40.7484,-73.9857
59893524,01/06/2024 11:00:00 AM,Street Condition,Pothole,not-a-number,-73.9
59893525,,Street Condition,Cave-in,40.831735,-73.928780
59893526,01/07/2024 11:00:00 AM,Street Condition,Pothole,95.0,-73.9
`

func TestReadCSVDropsInvalidCoordinates(t *testing.T) {
	res, err := ReadCSV(context.Background(), strings.NewReader(sample311), DefaultColumns, Filter{})
	require.NoError(t, err)

	require.Len(t, res.Records, 3)
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, 0, res.Filtered)
	assert.Equal(t, 6, res.Total())

	first := res.Records[0]
	assert.Equal(t, "59893521", first.ID)
	assert.InDelta(t, -74.0060, first.Lon, 1e-9)
	assert.InDelta(t, 40.7128, first.Lat, 1e-9)
	assert.Equal(t, time.Date(2024, 1, 5, 8, 15, 0, 0, time.UTC), first.Timestamp)
	assert.Equal(t, "Pothole", first.Attributes["Descriptor"])
	assert.NotContains(t, first.Attributes, "Latitude")

	assert.True(t, res.Records[2].Timestamp.IsZero(), "missing timestamp stays zero")
}

func TestReadCSVFilter(t *testing.T) {
	f, err := ParseFilter("Complaint Type=Street Condition")
	require.NoError(t, err)

	res, err := ReadCSV(context.Background(), strings.NewReader(sample311), DefaultColumns, f)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, res.Filtered)
	for _, r := range res.Records {
		assert.Equal(t, "Street Condition", r.Attributes["Complaint Type"])
	}
}

func TestReadCSVEmptyInput(t *testing.T) {
	res, err := ReadCSV(context.Background(), strings.NewReader(""), DefaultColumns, Filter{})
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	res, err = ReadCSV(context.Background(), strings.NewReader("Unique Key,Latitude,Longitude\n"), DefaultColumns, Filter{})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestReadCSVMissingColumn(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader("id,lat\n1,40.7\n"), DefaultColumns, Filter{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestReadCSVRowNumberID(t *testing.T) {
	in := "\ufefflon,lat\n-74,40.7\n-73.9,40.8\n"
	res, err := ReadCSV(context.Background(), strings.NewReader(in), Columns{ID: "id", Lon: "lon", Lat: "lat"}, Filter{})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "1", res.Records[0].ID)
	assert.Equal(t, "2", res.Records[1].ID)
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("")
	require.NoError(t, err)
	assert.False(t, f.Active())

	_, err = ParseFilter("no-equals")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	f, err = ParseFilter(" Borough = BROOKLYN ")
	require.NoError(t, err)
	assert.Equal(t, Filter{Column: "Borough", Value: "BROOKLYN"}, f)
}

func TestCSVSourceLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample311), 0o644))

	res, err := CSVSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)

	_, err = CSVSource{Path: filepath.Join(t.TempDir(), "missing.csv")}.Load(context.Background())
	assert.Error(t, err)
}

func TestProjectionOrigin(t *testing.T) {
	proj, err := ProjectionFor("EPSG:2263")
	require.NoError(t, err)

	x, y := proj.Forward(-74, 40+10.0/60)
	assert.InDelta(t, 984250, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)
}

func TestProjectionKnownPoints(t *testing.T) {
	proj, err := ProjectionFor("epsg:2263")
	require.NoError(t, err)

	tests := []struct {
		name     string
		lon, lat float64
		x, y     float64
	}{
		{"city hall", -74.0060, 40.7128, 982586.634, 198968.820},
		{"empire state", -73.9857, 40.7484, 988212.237, 211939.279},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := proj.Forward(tt.lon, tt.lat)
			assert.InDelta(t, tt.x, x, 0.01)
			assert.InDelta(t, tt.y, y, 0.01)
		})
	}
}

func TestProjectionRoundTrip(t *testing.T) {
	for _, crs := range []string{"EPSG:2263", "EPSG:32118"} {
		proj, err := ProjectionFor(crs)
		require.NoError(t, err)
		for _, pt := range [][2]float64{{-74.0060, 40.7128}, {-73.7, 40.9}, {-74.25, 40.5}} {
			x, y := proj.Forward(pt[0], pt[1])
			lon, lat := proj.Inverse(x, y)
			assert.InDelta(t, pt[0], lon, 1e-9, crs)
			assert.InDelta(t, pt[1], lat, 1e-9, crs)
		}
	}
}

func TestProjectionPreservesDistance(t *testing.T) {
	ft, err := ProjectionFor("EPSG:2263")
	require.NoError(t, err)
	m, err := ProjectionFor("EPSG:32118")
	require.NoError(t, err)

	a := ProjectedPoint{}
	b := ProjectedPoint{}
	a.X, a.Y = ft.Forward(-74.0060, 40.7128)
	b.X, b.Y = ft.Forward(-74.0060, 40.7138)
	feet := math.Hypot(a.X-b.X, a.Y-b.Y)

	a.X, a.Y = m.Forward(-74.0060, 40.7128)
	b.X, b.Y = m.Forward(-74.0060, 40.7138)
	metres := math.Hypot(a.X-b.X, a.Y-b.Y)

	assert.InDelta(t, feet*USSurveyFoot, metres, 1e-6)
	assert.InDelta(t, 364.33, feet, 0.01)
}

func TestProjectionForUnknown(t *testing.T) {
	_, err := ProjectionFor("EPSG:4326")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestProjectKeepsOrder(t *testing.T) {
	proj, err := ProjectionFor("EPSG:2263")
	require.NoError(t, err)
	records := []PointRecord{{ID: "a", Lon: -74, Lat: 40.7}, {ID: "b", Lon: -73.9, Lat: 40.8}}

	pts := Project(records, proj)
	require.Len(t, pts, 2)
	for i, r := range records {
		x, y := proj.Forward(r.Lon, r.Lat)
		assert.Equal(t, ProjectedPoint{X: x, Y: y}, pts[i])
	}
	assert.Empty(t, Project(nil, proj))
}

func TestBBox(t *testing.T) {
	b := BBox{West: -74, South: 40, East: -73, North: 41}
	assert.True(t, b.Valid())
	assert.Equal(t, b, BBoxFromBound(b.Bound()))
	assert.False(t, BBox{West: 1, East: 1, South: 0, North: 1}.Valid())
}

func TestParseCoordinate(t *testing.T) {
	lon, lat, err := ParseCoordinate(" -74.006 ", "40.7128")
	require.NoError(t, err)
	assert.Equal(t, -74.006, lon)
	assert.Equal(t, 40.7128, lat)

	for _, in := range [][2]string{{"", "40.7"}, {"abc", "40.7"}, {"-74", "NaN"}, {"200", "40"}} {
		_, _, err := ParseCoordinate(in[0], in[1])
		assert.ErrorIs(t, err, domain.ErrMissingCoordinate, "input %v", in)
	}
}

func TestValidCoordinate(t *testing.T) {
	assert.True(t, validCoordinate(-74, 40.7))
	assert.False(t, validCoordinate(math.NaN(), 40))
	assert.False(t, validCoordinate(-74, math.Inf(1)))
	assert.False(t, validCoordinate(-181, 0))
	assert.False(t, validCoordinate(0, 91))
}

// fakeRows implements the pgx.Rows methods PostgresSource uses.
type fakeRows struct {
	pgx.Rows
	data   [][]interface{}
	pos    int
	closed bool
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.data)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.data[r.pos-1]
	for i, d := range dest {
		switch p := d.(type) {
		case **string:
			if v, ok := row[i].(string); ok {
				*p = &v
			}
		case **float64:
			if v, ok := row[i].(float64); ok {
				*p = &v
			}
		case **time.Time:
			if v, ok := row[i].(time.Time); ok {
				*p = &v
			}
		}
	}
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     { r.closed = true }

type fakeQuerier struct {
	rows  *fakeRows
	err   error
	query string
}

func (q *fakeQuerier) Query(_ context.Context, sql string, _ ...interface{}) (pgx.Rows, error) {
	q.query = sql
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func TestPostgresSourceLoad(t *testing.T) {
	ts := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	rows := &fakeRows{data: [][]interface{}{
		{"1", -74.0, 40.7, ts},
		{"2", nil, 40.7, nil},
		{nil, -73.9, 40.8, nil},
		{"4", -200.0, 40.8, nil},
	}}
	q := &fakeQuerier{rows: rows}

	res, err := PostgresSource{DB: q}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultPointsQuery, q.query)
	assert.True(t, rows.closed)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, ts, res.Records[0].Timestamp)
	assert.Equal(t, "row-3", res.Records[1].ID)
}

func TestPostgresSourceQueryError(t *testing.T) {
	q := &fakeQuerier{err: errors.New("connection refused")}
	_, err := PostgresSource{DB: q, Query: "SELECT 1"}.Load(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, "SELECT 1", q.query)
}
