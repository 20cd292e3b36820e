package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultServiceName      = "creditledger"
	defaultSlowQuery        = 200 * time.Millisecond
	defaultSamplingInitial  = 100
	defaultSamplingRepeated = 100
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel            string
	LogFormat           string
	LogSamplingInitial  int
	LogSamplingRepeated int

	// DBLogLevel is one of silent, error, warn or info.
	DBLogLevel           string
	DBSlowQueryThreshold time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig reads observability settings from the process environment.
func LoadConfig(cfg config.Config) Config {
	return loadConfig(cfg, os.Getenv)
}

func loadConfig(cfg config.Config, lookup func(string) string) Config {
	env := envSource(lookup)

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	protocol := env.lower("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	protocol = env.lower("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", protocol)

	out := Config{
		ServiceName:          serviceName,
		Environment:          env.str("DEPLOYMENT_ENV", strings.TrimSpace(cfg.Environment)),
		Version:              env.str("SERVICE_VERSION", strings.TrimSpace(cfg.AppVersion)),
		LogLevel:             env.lower("LOG_LEVEL", "info"),
		LogFormat:            env.lower("LOG_FORMAT", "json"),
		LogSamplingInitial:   env.positiveInt("LOG_SAMPLING_INITIAL", defaultSamplingInitial),
		LogSamplingRepeated:  env.positiveInt("LOG_SAMPLING_THEREAFTER", defaultSamplingRepeated),
		DBLogLevel:           env.lower("DB_LOG_LEVEL", "warn"),
		DBSlowQueryThreshold: time.Duration(env.positiveInt("DB_SLOW_QUERY_MS", int(defaultSlowQuery/time.Millisecond))) * time.Millisecond,
		OtelEnabled:          env.boolean("OTEL_ENABLED", true),
		OtelExporterEndpoint: env.str("OTEL_EXPORTER_OTLP_ENDPOINT", strings.TrimSpace(cfg.OTLPEndpoint)),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    env.ratio("OTEL_SAMPLING_RATIO", 0.1),
	}
	if out.Debug() && env.str("DB_LOG_LEVEL", "") == "" {
		out.DBLogLevel = "info"
	}
	return out
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// GormLogger returns the query logging settings for the ledger's database pool.
func (c Config) GormLogger() logger.GormLoggerConfig {
	out := logger.DefaultGormLoggerConfig()
	switch strings.ToLower(strings.TrimSpace(c.DBLogLevel)) {
	case "silent":
		out.Level = gormlogger.Silent
	case "error":
		out.Level = gormlogger.Error
	case "info":
		out.Level = gormlogger.Info
	}
	if c.DBSlowQueryThreshold > 0 {
		out.SlowThreshold = c.DBSlowQueryThreshold
	}
	return out
}

type envSource func(string) string

func (e envSource) str(key, def string) string {
	if value := strings.TrimSpace(e(key)); value != "" {
		return value
	}
	return def
}

func (e envSource) lower(key, def string) string {
	return strings.ToLower(e.str(key, def))
}

func (e envSource) boolean(key string, def bool) bool {
	switch e.lower(key, "") {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func (e envSource) positiveInt(key string, def int) int {
	parsed, err := strconv.Atoi(e.str(key, ""))
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func (e envSource) ratio(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(e.str(key, ""), 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return def
	}
	return parsed
}
