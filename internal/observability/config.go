package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/drawledger/internal/config"
	"github.com/smallbiznis/drawledger/internal/observability/logger"
	gormlogger "gorm.io/gorm/logger"
)

const defaultServiceName = "drawledger"

// Config holds observability settings. App config supplies the identity, and
// LOG_*, DB_LOG_* and OTEL_* variables override it.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	// DBLogLevel is one of silent, error, warn or info.
	DBLogLevel  string
	DBSlowQuery time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig derives observability settings for one process.
func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	endpoint := getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	protocol := getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))

	return Config{
		ServiceName: serviceName,
		Environment: getenv("DEPLOYMENT_ENV", cfg.Environment),
		Version:     getenv("SERVICE_VERSION", cfg.AppVersion),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getenv("LOG_FORMAT", "json")),

		DBLogLevel:  strings.ToLower(getenv("DB_LOG_LEVEL", "warn")),
		DBSlowQuery: time.Duration(getenvInt("DB_SLOW_QUERY_MS", 250)) * time.Millisecond,

		OtelEnabled:          getenvBool("OTEL_ENABLED", endpoint != ""),
		OtelExporterEndpoint: endpoint,
		OtelExporterProtocol: strings.ToLower(protocol),
		OtelSamplingRatio:    getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

// Debug reports whether verbose logging applies: an explicit debug level or a dev environment.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

// GormLogger maps the DB_LOG_* settings onto the gorm logger config. Unknown
// levels fall back to warn.
func (c Config) GormLogger() logger.GormLoggerConfig {
	out := logger.DefaultGormLoggerConfig()
	switch strings.TrimSpace(c.DBLogLevel) {
	case "silent":
		out.Level = gormlogger.Silent
	case "error":
		out.Level = gormlogger.Error
	case "info":
		out.Level = gormlogger.Info
	}
	if c.DBSlowQuery > 0 {
		out.SlowThreshold = c.DBSlowQuery
	}
	return out
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return parsed
}
