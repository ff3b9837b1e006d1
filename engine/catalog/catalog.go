// Package catalog records clusters and the images stored for them in Neo4j.
// It is browse and audit data only; the artifact store stays the source of
// truth for what has been downloaded.
package catalog

import (
	"context"
	"fmt"

	"github.com/curbwatch/hotspots/engine/artifact"
	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Consume(ctx context.Context) (neo4j.ResultSummary, error)
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// Catalog writes Cluster and Image nodes.
type Catalog struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) runner // for testing
}

// New wraps an existing driver.
func New(driver neo4j.DriverWithContext) *Catalog {
	return &Catalog{driver: driver}
}

// Connect opens a driver and verifies connectivity.
func Connect(ctx context.Context, url, user, pass string) (*Catalog, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	return New(driver), nil
}

// Close closes the driver.
func (c *Catalog) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}

func (c *Catalog) session(ctx context.Context) runner {
	if c.newSession != nil {
		return c.newSession(ctx)
	}
	return &sessionAdapter{sess: c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})}
}

func (c *Catalog) exec(ctx context.Context, cypher string, params map[string]any) error {
	sess := c.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

const mergeCluster = `MERGE (c:Cluster {run_id: $run_id, cluster_id: $cluster_id})
SET c.size = $size, c.west = $west, c.south = $south, c.east = $east, c.north = $north`

// SaveRegion upserts the Cluster node for a region.
func (c *Catalog) SaveRegion(ctx context.Context, runID string, r cluster.Region) error {
	err := c.exec(ctx, mergeCluster, map[string]any{
		"run_id":     runID,
		"cluster_id": int64(r.ClusterID),
		"size":       int64(r.Size),
		"west":       r.West,
		"south":      r.South,
		"east":       r.East,
		"north":      r.North,
	})
	if err != nil {
		return fmt.Errorf("catalog region %s: %w", r.Key(), err)
	}
	return nil
}

const mergeImage = `MERGE (i:Image {id: $id})
SET i.lat = $lat, i.lon = $lon, i.captured_at = $captured_at, i.compass = $compass,
    i.image_url = $image_url, i.resolution = $resolution, i.bytes = $bytes, i.key = $key
WITH i
MATCH (c:Cluster {run_id: $run_id, cluster_id: $cluster_id})
MERGE (c)-[:CONTAINS]->(i)`

// SaveImage upserts an Image node and links it to its run's Cluster.
func (c *Catalog) SaveImage(ctx context.Context, runID string, k artifact.Key, meta artifact.Metadata) error {
	params := map[string]any{
		"id":          meta.ID,
		"lat":         meta.Lat,
		"lon":         meta.Lon,
		"captured_at": nil,
		"compass":     nil,
		"image_url":   meta.ImageURL,
		"resolution":  meta.Resolution,
		"bytes":       meta.Bytes,
		"key":         k.ImageName(),
		"run_id":      runID,
		"cluster_id":  int64(k.ClusterID),
	}
	if meta.CapturedAt != nil {
		params["captured_at"] = *meta.CapturedAt
	}
	if meta.Compass != nil {
		params["compass"] = *meta.Compass
	}
	if err := c.exec(ctx, mergeImage, params); err != nil {
		return fmt.Errorf("catalog image %s: %w", k, err)
	}
	return nil
}

const imagesForCluster = `MATCH (c:Cluster {run_id: $run_id, cluster_id: $cluster_id})-[:CONTAINS]->(i:Image)
RETURN i.id AS id ORDER BY id`

// ImageIDs lists the image ids linked to a cluster in one run.
func (c *Catalog) ImageIDs(ctx context.Context, runID string, clusterID cluster.Label) ([]string, error) {
	sess := c.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, imagesForCluster, map[string]any{"run_id": runID, "cluster_id": int64(clusterID)})
	if err != nil {
		return nil, fmt.Errorf("catalog images cluster_%d: %w", clusterID, err)
	}
	var ids []string
	for res.Next(ctx) {
		v, ok := res.Record().Get("id")
		if !ok {
			continue
		}
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	if _, err := res.Consume(ctx); err != nil {
		return nil, fmt.Errorf("catalog images cluster_%d: %w", clusterID, err)
	}
	return ids, nil
}
