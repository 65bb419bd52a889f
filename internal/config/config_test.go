package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":8081", cfg.ProxyAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.LogFile)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "data", cfg.DataDir)

	assert.Equal(t, SourceStatic, cfg.SyncSource)
	assert.Equal(t, "http://localhost:8000", cfg.SourceBaseURL)
	assert.Equal(t, 30*time.Second, cfg.SourceTimeout)
	assert.Equal(t, []int{2023, 2024, 2025}, cfg.SyncYears)
	assert.Equal(t, 2025, cfg.CurrentYear)
	assert.Equal(t, 24*time.Hour, cfg.StalenessTTL)
	assert.Equal(t, 32, cfg.PartitionCacheSize)

	assert.Equal(t, Bounds{North: 40.807, South: 40.764, East: -119.176, West: -119.233}, cfg.TileBounds)
	assert.Equal(t, 12, cfg.TileMinZoom)
	assert.Equal(t, 17, cfg.TileMaxZoom)
	assert.Equal(t, "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png", cfg.TileURLTemplate)
	assert.Equal(t, 10, cfg.TileBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.TileBatchDelay)
	assert.Equal(t, 5000, cfg.TileMaxStored)

	assert.Equal(t, "ok-offline", cfg.WorkerCachePrefix)
	assert.Equal(t, "v7", cfg.WorkerCacheVersion)
	assert.Equal(t, 5*time.Second, cfg.WorkerMessageTimeout)

	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.MDNSEnabled)
	assert.Equal(t, "data/records.db", cfg.RecordDBPath())
	assert.Equal(t, "data/tiles.db", cfg.TileDBPath())
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("SYNC_SOURCE", "API")
	t.Setenv("API_KEY", "secret")
	t.Setenv("API_BASE_URL", "https://example.test/api/")
	t.Setenv("SYNC_YEARS", "2024, 2025,2026")
	t.Setenv("CURRENT_YEAR", "2026")
	t.Setenv("SYNC_STALENESS_TTL", "1h")
	t.Setenv("TILE_BOUNDS", "41,40,-119,-120")
	t.Setenv("TILE_MIN_ZOOM", "10")
	t.Setenv("TILE_MAX_ZOOM", "11")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("DATA_DIR", "/var/lib/ok")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, SourceAPI, cfg.SyncSource)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, "https://example.test/api", cfg.APIBaseURL)
	assert.Equal(t, []int{2024, 2025, 2026}, cfg.SyncYears)
	assert.Equal(t, 2026, cfg.CurrentYear)
	assert.Equal(t, time.Hour, cfg.StalenessTTL)
	assert.Equal(t, Bounds{North: 41, South: 40, East: -119, West: -120}, cfg.TileBounds)
	assert.Equal(t, 10, cfg.TileMinZoom)
	assert.Equal(t, 11, cfg.TileMaxZoom)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "/var/lib/ok/tiles.db", cfg.TileDBPath())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"shutdown timeout", map[string]string{"SHUTDOWN_TIMEOUT": "soon"}, "SHUTDOWN_TIMEOUT"},
		{"source timeout", map[string]string{"SOURCE_TIMEOUT": "x"}, "SOURCE_TIMEOUT"},
		{"unknown source", map[string]string{"SYNC_SOURCE": "ftp"}, "SYNC_SOURCE"},
		{"api without key", map[string]string{"SYNC_SOURCE": "api"}, "API_KEY"},
		{"bad year", map[string]string{"SYNC_YEARS": "2024,next"}, "SYNC_YEARS"},
		{"current year not synced", map[string]string{"CURRENT_YEAR": "2030"}, "CURRENT_YEAR"},
		{"bounds count", map[string]string{"TILE_BOUNDS": "1,2,3"}, "TILE_BOUNDS"},
		{"bounds inverted", map[string]string{"TILE_BOUNDS": "40,41,-119,-120"}, "TILE_BOUNDS"},
		{"zoom order", map[string]string{"TILE_MIN_ZOOM": "15", "TILE_MAX_ZOOM": "12"}, "TILE_MIN_ZOOM"},
		{"batch size", map[string]string{"TILE_BATCH_SIZE": "0"}, "TILE_BATCH_SIZE"},
		{"batch delay", map[string]string{"TILE_BATCH_DELAY": "-1s"}, "TILE_BATCH_DELAY"},
		{"message timeout", map[string]string{"WORKER_MESSAGE_TIMEOUT": "fast"}, "WORKER_MESSAGE_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
