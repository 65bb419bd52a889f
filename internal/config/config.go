package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Source layouts understood by the sync engine.
const (
	SourceStatic = "static"
	SourceAPI    = "api"
)

// Bounds is the geographic rectangle tiles are cached for.
type Bounds struct {
	North float64
	South float64
	East  float64
	West  float64
}

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	ProxyAddr       string
	LogLevel        string
	LogFormat       string
	LogFile         string
	ShutdownTimeout time.Duration
	DataDir         string

	// Record sync.
	SyncSource         string
	SourceBaseURL      string
	APIBaseURL         string
	APIKey             string
	SourceTimeout      time.Duration
	SyncYears          []int
	CurrentYear        int
	StalenessTTL       time.Duration
	PartitionCacheSize int

	// Tile acquisition.
	TileBounds      Bounds
	TileMinZoom     int
	TileMaxZoom     int
	TileURLTemplate string
	TilePackageURL  string
	TileBatchSize   int
	TileBatchDelay  time.Duration
	TileMaxStored   int
	TileHostSuffix  string

	// Background update process.
	WorkerOrigin         string
	WorkerCachePrefix    string
	WorkerCacheVersion   string
	WorkerMessageTimeout time.Duration

	WatchDir string

	// Sync event notifications.
	KafkaEnabled   bool
	KafkaBrokers   []string
	KafkaSyncTopic string

	MDNSEnabled bool
}

// RecordDBPath is the SQLite file holding records and sync metadata.
func (c *Config) RecordDBPath() string { return filepath.Join(c.DataDir, "records.db") }

// TileDBPath is the SQLite file holding map tiles.
func (c *Config) TileDBPath() string { return filepath.Join(c.DataDir, "tiles.db") }

// CacheDBPath is the SQLite file holding the proxy's response caches.
func (c *Config) CacheDBPath() string { return filepath.Join(c.DataDir, "cache.db") }

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	sourceTimeout, err := parseDuration("SOURCE_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	staleness, err := parseDuration("SYNC_STALENESS_TTL", "24h")
	if err != nil {
		return nil, err
	}
	batchDelay, err := parseDuration("TILE_BATCH_DELAY", "100ms")
	if err != nil {
		return nil, err
	}
	msgTimeout, err := parseDuration("WORKER_MESSAGE_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	years, err := parseYears(sharedcfg.EnvOrDefault("SYNC_YEARS", "2023,2024,2025"))
	if err != nil {
		return nil, err
	}
	currentYear, err := parsePositiveInt("CURRENT_YEAR", "2025")
	if err != nil {
		return nil, err
	}

	bounds, err := parseBounds(sharedcfg.EnvOrDefault("TILE_BOUNDS", "40.807,40.764,-119.176,-119.233"))
	if err != nil {
		return nil, err
	}
	minZoom, err := parseInt("TILE_MIN_ZOOM", "12")
	if err != nil {
		return nil, err
	}
	maxZoom, err := parseInt("TILE_MAX_ZOOM", "17")
	if err != nil {
		return nil, err
	}
	batchSize, err := parsePositiveInt("TILE_BATCH_SIZE", "10")
	if err != nil {
		return nil, err
	}
	maxStored, err := parsePositiveInt("TILE_MAX_STORED", "5000")
	if err != nil {
		return nil, err
	}
	cacheSize, err := parsePositiveInt("PARTITION_CACHE_SIZE", "32")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		ProxyAddr:       sharedcfg.EnvOrDefault("PROXY_ADDR", ":8081"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		LogFile:         os.Getenv("LOG_FILE"),
		ShutdownTimeout: shutdownTimeout,
		DataDir:         sharedcfg.EnvOrDefault("DATA_DIR", "data"),

		SyncSource:         strings.ToLower(sharedcfg.EnvOrDefault("SYNC_SOURCE", SourceStatic)),
		SourceBaseURL:      strings.TrimRight(sharedcfg.EnvOrDefault("SOURCE_BASE_URL", "http://localhost:8000"), "/"),
		APIBaseURL:         strings.TrimRight(sharedcfg.EnvOrDefault("API_BASE_URL", "https://api.burningman.org/api"), "/"),
		APIKey:             os.Getenv("API_KEY"),
		SourceTimeout:      sourceTimeout,
		SyncYears:          years,
		CurrentYear:        currentYear,
		StalenessTTL:       staleness,
		PartitionCacheSize: cacheSize,

		TileBounds:      bounds,
		TileMinZoom:     minZoom,
		TileMaxZoom:     maxZoom,
		TileURLTemplate: sharedcfg.EnvOrDefault("TILE_URL_TEMPLATE", "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"),
		TilePackageURL:  sharedcfg.EnvOrDefault("TILE_PACKAGE_URL", "http://localhost:8000/tiles-package.zip"),
		TileBatchSize:   batchSize,
		TileBatchDelay:  batchDelay,
		TileMaxStored:   maxStored,
		TileHostSuffix:  sharedcfg.EnvOrDefault("TILE_HOST_SUFFIX", "tile.openstreetmap.org"),

		WorkerOrigin:         strings.TrimRight(sharedcfg.EnvOrDefault("WORKER_ORIGIN", "http://localhost:8000"), "/"),
		WorkerCachePrefix:    sharedcfg.EnvOrDefault("WORKER_CACHE_PREFIX", "ok-offline"),
		WorkerCacheVersion:   sharedcfg.EnvOrDefault("WORKER_CACHE_VERSION", "v7"),
		WorkerMessageTimeout: msgTimeout,

		WatchDir: os.Getenv("WATCH_DIR"),

		KafkaEnabled:   os.Getenv("KAFKA_ENABLED") == "true",
		KafkaBrokers:   sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSyncTopic: sharedcfg.EnvOrDefault("KAFKA_SYNC_TOPIC", "ok-offline-sync-events"),

		MDNSEnabled: os.Getenv("MDNS_ENABLED") == "true",
	}

	if cfg.SyncSource != SourceStatic && cfg.SyncSource != SourceAPI {
		return nil, fmt.Errorf("SYNC_SOURCE must be %q or %q", SourceStatic, SourceAPI)
	}
	if cfg.SyncSource == SourceAPI && cfg.APIKey == "" {
		return nil, errors.New("SYNC_SOURCE is api but API_KEY is not set")
	}
	if minZoom < 0 || maxZoom > 22 || minZoom > maxZoom {
		return nil, errors.New("TILE_MIN_ZOOM and TILE_MAX_ZOOM must satisfy 0 <= min <= max <= 22")
	}
	if !containsYear(years, currentYear) {
		return nil, errors.New("CURRENT_YEAR must be one of SYNC_YEARS")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is empty")
	}
	if cfg.KafkaEnabled && cfg.KafkaSyncTopic == "" {
		return nil, errors.New("KAFKA_SYNC_TOPIC is required")
	}

	return cfg, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key, def string) (int, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parsePositiveInt(key, def string) (int, error) {
	n, err := parseInt(key, def)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}

func parseYears(s string) ([]int, error) {
	var years []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil || y <= 0 {
			return nil, fmt.Errorf("invalid SYNC_YEARS entry %q", part)
		}
		years = append(years, y)
	}
	if len(years) == 0 {
		return nil, errors.New("SYNC_YEARS is required")
	}
	return years, nil
}

// parseBounds reads "north,south,east,west".
func parseBounds(s string) (Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bounds{}, errors.New("TILE_BOUNDS must be north,south,east,west")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Bounds{}, fmt.Errorf("invalid TILE_BOUNDS value %q", p)
		}
		v[i] = f
	}
	b := Bounds{North: v[0], South: v[1], East: v[2], West: v[3]}
	if b.North <= b.South || b.East <= b.West {
		return Bounds{}, errors.New("TILE_BOUNDS must have north > south and east > west")
	}
	return b, nil
}

func containsYear(years []int, y int) bool {
	for _, v := range years {
		if v == y {
			return true
		}
	}
	return false
}
