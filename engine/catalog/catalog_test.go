package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/curbwatch/hotspots/engine/artifact"
	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/engine/geo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	cypher string
	params map[string]any
}

type fakeResult struct {
	records []*neo4j.Record
	pos     int
}

func (r *fakeResult) Next(context.Context) bool {
	if r.pos >= len(r.records) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeResult) Record() *neo4j.Record { return r.records[r.pos-1] }

func (r *fakeResult) Consume(context.Context) (neo4j.ResultSummary, error) { return nil, nil }

type fakeSession struct {
	calls   *[]call
	records []*neo4j.Record
	err     error
	closed  *int
}

func (s *fakeSession) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	*s.calls = append(*s.calls, call{cypher, params})
	if s.err != nil {
		return nil, s.err
	}
	return &fakeResult{records: s.records}, nil
}

func (s *fakeSession) Close(context.Context) error {
	*s.closed++
	return nil
}

func newFake(records []*neo4j.Record, err error) (*Catalog, *[]call, *int) {
	calls := &[]call{}
	closed := new(int)
	c := &Catalog{newSession: func(context.Context) runner {
		return &fakeSession{calls: calls, records: records, err: err, closed: closed}
	}}
	return c, calls, closed
}

func TestSaveRegion(t *testing.T) {
	c, calls, closed := newFake(nil, nil)
	r := cluster.Region{
		BBox:      geo.BBox{West: -73.93, South: 40.83, East: -73.92, North: 40.84},
		ClusterID: 4,
		Size:      57,
	}
	require.NoError(t, c.SaveRegion(context.Background(), "run-1", r))

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Contains(t, got.cypher, "MERGE (c:Cluster")
	assert.Equal(t, "run-1", got.params["run_id"])
	assert.EqualValues(t, 4, got.params["cluster_id"])
	assert.EqualValues(t, 57, got.params["size"])
	assert.Equal(t, -73.93, got.params["west"])
	assert.Equal(t, 1, *closed)
}

func TestSaveImage(t *testing.T) {
	c, calls, _ := newFake(nil, nil)
	ts := int64(1690000000000)
	meta := artifact.Metadata{ID: "123", CapturedAt: &ts, Lat: 40.83, Lon: -73.92, Cluster: 4, ImageURL: "u", Bytes: 10}
	k := artifact.Key{ClusterID: 4, ImageID: "123"}
	require.NoError(t, c.SaveImage(context.Background(), "run-1", k, meta))

	got := (*calls)[0]
	assert.Contains(t, got.cypher, "MERGE (c)-[:CONTAINS]->(i)")
	assert.Equal(t, "123", got.params["id"])
	assert.Equal(t, ts, got.params["captured_at"])
	assert.Nil(t, got.params["compass"])
	assert.Equal(t, "cluster_4/123.jpg", got.params["key"])
}

func TestSaveError(t *testing.T) {
	c, _, closed := newFake(nil, errors.New("unavailable"))
	err := c.SaveRegion(context.Background(), "r", cluster.Region{ClusterID: 2})
	assert.ErrorContains(t, err, "cluster_2")
	assert.ErrorContains(t, err, "unavailable")
	assert.Equal(t, 1, *closed)
}

func TestImageIDs(t *testing.T) {
	records := []*neo4j.Record{
		{Keys: []string{"id"}, Values: []any{"a"}},
		{Keys: []string{"id"}, Values: []any{"b"}},
	}
	c, calls, _ := newFake(records, nil)
	ids, err := c.ImageIDs(context.Background(), "run-1", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.EqualValues(t, 4, (*calls)[0].params["cluster_id"])
}

func TestCloseWithoutDriver(t *testing.T) {
	assert.NoError(t, (&Catalog{}).Close(context.Background()))
}
