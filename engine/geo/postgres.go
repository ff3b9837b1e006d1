package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// DefaultPointsQuery selects id, longitude, latitude and timestamp in that order.
const DefaultPointsQuery = `SELECT unique_key::text, longitude, latitude, created_date FROM service_requests`

// Querier is the subset of *pgxpool.Pool used by PostgresSource.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// PostgresSource loads point records from a SQL query. The query must return
// (id text, lon float8, lat float8, ts timestamptz); NULL lon/lat rows are dropped.
type PostgresSource struct {
	DB    Querier
	Query string
	Args  []interface{}
}

// Load runs the query and scans every row.
func (s PostgresSource) Load(ctx context.Context) (LoadResult, error) {
	q := s.Query
	if q == "" {
		q = DefaultPointsQuery
	}
	rows, err := s.DB.Query(ctx, q, s.Args...)
	if err != nil {
		return LoadResult{}, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var res LoadResult
	for rows.Next() {
		var (
			id       *string
			lon, lat *float64
			ts       *time.Time
		)
		if err := rows.Scan(&id, &lon, &lat, &ts); err != nil {
			return res, fmt.Errorf("scan point: %w", err)
		}
		if lon == nil || lat == nil || !validCoordinate(*lon, *lat) {
			res.Dropped++
			continue
		}
		p := PointRecord{Lon: *lon, Lat: *lat}
		if id != nil {
			p.ID = *id
		} else {
			p.ID = fmt.Sprintf("row-%d", res.Total()+1)
		}
		if ts != nil {
			p.Timestamp = *ts
		}
		res.Records = append(res.Records, p)
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("iterate points: %w", err)
	}
	return res, nil
}

// ConnectPostgres opens and pings a pgx pool.
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 4

	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return db, nil
}
