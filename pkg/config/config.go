// Package config builds the run configuration from the environment. It is
// the only package that reads environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Points    PointsConfig
	Cluster   ClusterConfig
	Imagery   ImageryConfig
	Retrieval RetrievalConfig
	Store     StoreConfig
	NATS      NATSConfig
	Neo4j     Neo4jConfig
	Server    ServerConfig
	Log       LogConfig
}

// PointsConfig selects and shapes the input records.
type PointsConfig struct {
	CSV         string
	IDColumn    string
	LonColumn   string
	LatColumn   string
	TimeColumn  string
	Filter      string // column=value
	PostgresURL string
	Query       string
}

// ClusterConfig holds projection, clustering and region parameters.
type ClusterConfig struct {
	CRS            string
	Eps            float64
	MinSamples     int
	TopN           int
	RegionBuffer   float64
	CoverageBuffer float64
}

// ImageryConfig holds imagery API settings.
type ImageryConfig struct {
	Token            string
	BaseURL          string
	PageLimit        int
	MaxPages         int
	Timeout          time.Duration
	RetryAttempts    int
	RetryWait        time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// RetrievalConfig holds pipeline settings. Enabled and RegionsFile are set
// by the binary, not the environment.
type RetrievalConfig struct {
	Enabled            bool
	RegionsFile        string // regions come from this file instead of clustering
	MaxImagesPerRegion int
	PaceInterval       time.Duration
	PaceStrategy       string
	PaceBurst          int
}

// Store backends.
const (
	BackendLocal = "local"
	BackendMinio = "minio"
)

// StoreConfig selects the artifact store.
type StoreConfig struct {
	Backend        string
	OutputDir      string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioPrefix    string
	MinioSecure    bool
}

// NATSConfig holds event publishing settings. An empty URL disables events.
type NATSConfig struct {
	URL     string
	Subject string
}

// Neo4jConfig holds catalog settings. An empty URL disables the catalog.
type Neo4jConfig struct {
	URL  string
	User string
	Pass string
}

// ServerConfig holds HTTP settings for the metrics endpoint and the API.
type ServerConfig struct {
	MetricsAddr string
	Port        int
	CORSOrigin  string
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads the given .env files, or ./.env when none are named, and builds
// a Config from the environment. A missing default .env is not an error.
// Variables already set in the environment win over .env values.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", strings.Join(envFiles, ","), err)
	}

	return Config{
		Points: PointsConfig{
			CSV:         getEnv("POINTS_CSV", ""),
			IDColumn:    getEnv("POINTS_ID_COLUMN", "Unique Key"),
			LonColumn:   getEnv("POINTS_LON_COLUMN", "Longitude"),
			LatColumn:   getEnv("POINTS_LAT_COLUMN", "Latitude"),
			TimeColumn:  getEnv("POINTS_TIME_COLUMN", "Created Date"),
			Filter:      getEnv("POINTS_FILTER", ""),
			PostgresURL: getEnv("POSTGRES_URL", ""),
			Query:       getEnv("POINTS_QUERY", ""),
		},
		Cluster: ClusterConfig{
			CRS:            getEnv("PROJECTION_CRS", "EPSG:2263"),
			Eps:            getEnvAsFloat("CLUSTER_EPS", 30),
			MinSamples:     getEnvAsInt("CLUSTER_MIN_SAMPLES", 5),
			TopN:           getEnvAsInt("CLUSTER_TOP_N", 3),
			RegionBuffer:   getEnvAsFloat("REGION_BUFFER", 60),
			CoverageBuffer: getEnvAsFloat("COVERAGE_BUFFER", 25),
		},
		Imagery: ImageryConfig{
			Token:            getEnv("MAPILLARY_TOKEN", ""),
			BaseURL:          getEnv("MAPILLARY_BASE_URL", "https://graph.mapillary.com"),
			PageLimit:        getEnvAsInt("MAPILLARY_PAGE_LIMIT", 1000),
			MaxPages:         getEnvAsInt("MAPILLARY_MAX_PAGES", 1),
			Timeout:          getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			RetryAttempts:    getEnvAsInt("RETRY_ATTEMPTS", 1),
			RetryWait:        getEnvAsDuration("RETRY_WAIT", time.Second),
			BreakerThreshold: getEnvAsInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Retrieval: RetrievalConfig{
			Enabled:            true,
			MaxImagesPerRegion: getEnvAsInt("MAX_IMAGES_PER_REGION", 0),
			PaceInterval:       getEnvAsDuration("PACE_INTERVAL", 500*time.Millisecond),
			PaceStrategy:       getEnv("PACE_STRATEGY", "interval"),
			PaceBurst:          getEnvAsInt("PACE_BURST", 1),
		},
		Store: StoreConfig{
			Backend:        getEnv("STORE_BACKEND", BackendLocal),
			OutputDir:      getEnv("OUTPUT_DIR", "data/raw"),
			MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
			MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
			MinioBucket:    getEnv("MINIO_BUCKET", "hotspots"),
			MinioPrefix:    getEnv("MINIO_PREFIX", "raw"),
			MinioSecure:    getEnvAsBool("MINIO_SECURE", false),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", ""),
			Subject: getEnv("NATS_SUBJECT", "hotspots.artifacts"),
		},
		Neo4j: Neo4jConfig{
			URL:  getEnv("NEO4J_URL", ""),
			User: getEnv("NEO4J_USER", "neo4j"),
			Pass: getEnv("NEO4J_PASS", ""),
		},
		Server: ServerConfig{
			MetricsAddr: getEnv("METRICS_ADDR", ""),
			Port:        getEnvAsInt("API_PORT", 8080),
			CORSOrigin:  getEnv("CORS_ORIGIN", "*"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}, nil
}

// Validate reports the first configuration problem. Missing credentials are
// domain.ErrMissingCredential, everything else domain.ErrInvalidConfig.
func (c Config) Validate() error {
	if c.Points.CSV == "" && c.Points.PostgresURL == "" && c.Retrieval.RegionsFile == "" {
		return fmt.Errorf("%w: set POINTS_CSV or POSTGRES_URL", domain.ErrInvalidConfig)
	}
	if !positive(c.Cluster.Eps) {
		return fmt.Errorf("%w: CLUSTER_EPS must be positive, got %v", domain.ErrInvalidConfig, c.Cluster.Eps)
	}
	if c.Cluster.MinSamples <= 0 {
		return fmt.Errorf("%w: CLUSTER_MIN_SAMPLES must be positive, got %d", domain.ErrInvalidConfig, c.Cluster.MinSamples)
	}
	if !positive(c.Cluster.RegionBuffer) {
		return fmt.Errorf("%w: REGION_BUFFER must be positive, got %v", domain.ErrInvalidConfig, c.Cluster.RegionBuffer)
	}
	if c.Cluster.CoverageBuffer < 0 || math.IsNaN(c.Cluster.CoverageBuffer) {
		return fmt.Errorf("%w: COVERAGE_BUFFER must not be negative", domain.ErrInvalidConfig)
	}
	if c.Cluster.TopN < 0 {
		return fmt.Errorf("%w: CLUSTER_TOP_N must not be negative", domain.ErrInvalidConfig)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	if !c.Retrieval.Enabled {
		return nil
	}

	if c.Imagery.Token == "" {
		return fmt.Errorf("%w: MAPILLARY_TOKEN", domain.ErrMissingCredential)
	}
	if c.Imagery.Timeout <= 0 {
		return fmt.Errorf("%w: REQUEST_TIMEOUT must be positive", domain.ErrInvalidConfig)
	}
	if c.Retrieval.PaceInterval < 0 {
		return fmt.Errorf("%w: PACE_INTERVAL must not be negative", domain.ErrInvalidConfig)
	}
	switch c.Retrieval.PaceStrategy {
	case "interval", "token-bucket", "none":
	default:
		return fmt.Errorf("%w: PACE_STRATEGY %q", domain.ErrInvalidConfig, c.Retrieval.PaceStrategy)
	}

	switch c.Store.Backend {
	case BackendLocal:
		if c.Store.OutputDir == "" {
			return fmt.Errorf("%w: OUTPUT_DIR is empty", domain.ErrInvalidConfig)
		}
	case BackendMinio:
		if c.Store.MinioEndpoint == "" || c.Store.MinioBucket == "" {
			return fmt.Errorf("%w: MINIO_ENDPOINT and MINIO_BUCKET", domain.ErrInvalidConfig)
		}
		if c.Store.MinioAccessKey == "" || c.Store.MinioSecretKey == "" {
			return fmt.Errorf("%w: MINIO_ACCESS_KEY and MINIO_SECRET_KEY", domain.ErrMissingCredential)
		}
	default:
		return fmt.Errorf("%w: STORE_BACKEND %q", domain.ErrInvalidConfig, c.Store.Backend)
	}
	return nil
}

func positive(v float64) bool { return v > 0 && !math.IsInf(v, 0) }

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("%w: LOG_LEVEL %q", domain.ErrInvalidConfig, c.Level)
	}
	return l, nil
}

// Logger builds the process logger writing to w. Unknown levels fall back to info.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
