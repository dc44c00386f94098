package observability

import (
	"testing"
	"time"

	"github.com/smallbiznis/drawledger/internal/config"
	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("LOG_LEVEL", "")

	cfg := LoadConfig(config.Config{Environment: "production", AppVersion: "1.2.3"})

	assert.Equal(t, "drawledger", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.False(t, cfg.OtelEnabled)
	assert.False(t, cfg.Debug())
}

func TestLoadConfigOtelFromEndpoint(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := LoadConfig(config.Config{AppName: "drawledger-worker"})

	assert.True(t, cfg.OtelEnabled)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.Equal(t, "drawledger-worker", cfg.ServiceName)
	assert.True(t, cfg.Debug())
}

func TestLoadConfigTracesProtocolOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")

	cfg := LoadConfig(config.Config{})

	assert.Equal(t, "http", cfg.OtelExporterProtocol)
}

func TestGormLoggerConfig(t *testing.T) {
	t.Setenv("DB_LOG_LEVEL", "")
	t.Setenv("DB_SLOW_QUERY_MS", "")

	defaults := LoadConfig(config.Config{}).GormLogger()
	assert.Equal(t, gormlogger.Warn, defaults.Level)
	assert.Equal(t, 250*time.Millisecond, defaults.SlowThreshold)

	t.Setenv("DB_LOG_LEVEL", "Info")
	t.Setenv("DB_SLOW_QUERY_MS", "40")
	tuned := LoadConfig(config.Config{}).GormLogger()
	assert.Equal(t, gormlogger.Info, tuned.Level)
	assert.Equal(t, 40*time.Millisecond, tuned.SlowThreshold)
	assert.True(t, tuned.IgnoreRecordNotFound)

	t.Setenv("DB_LOG_LEVEL", "chatty")
	assert.Equal(t, gormlogger.Warn, LoadConfig(config.Config{}).GormLogger().Level)
}
