package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port         string          `mapstructure:"port"`
	LogLevel     string          `mapstructure:"log_level"`
	OTLPEndpoint string          `mapstructure:"otlp_endpoint"`
	CORSOrigins  []string        `mapstructure:"cors_origins"`
	MQTT         MQTTConfig      `mapstructure:"mqtt"`
	Postgres     DBConfig        `mapstructure:"postgres"`
	Meta         MetaConfig      `mapstructure:"meta"`
	Archive      ArchiveConfig   `mapstructure:"archive"`
	Ingest       IngestConfig    `mapstructure:"ingest"`
	Retention    RetentionConfig `mapstructure:"retention"`
	Query        QueryConfig     `mapstructure:"query"`
	Redis        RedisConfig     `mapstructure:"redis"`
	RateLimit    RateLimitConfig `mapstructure:"ratelimit"`
}

type MQTTConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	Topic     string `mapstructure:"topic"`
}

type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the libpq keyword/value connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}

// MetaConfig points at the vessel/station metadata database. An empty DSN
// with the postgres driver reuses the index database.
type MetaConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"automigrate"`
}

type ArchiveConfig struct {
	Backend         string `mapstructure:"backend"`
	Path            string `mapstructure:"path"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Snapshots       bool   `mapstructure:"snapshots"`
	PageSize        int    `mapstructure:"page_size"`
	SortBy          string `mapstructure:"sort_by"`
	ListConcurrency int    `mapstructure:"list_concurrency"`
	ListLimit       int    `mapstructure:"list_limit"`
}

// IngestConfig bounds each store call made while ingesting one event.
type IngestConfig struct {
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

type RetentionConfig struct {
	MaxEntries    int    `mapstructure:"max_entries"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

type QueryConfig struct {
	InstantTimeout  time.Duration `mapstructure:"instant_timeout"`
	HistoricTimeout time.Duration `mapstructure:"historic_timeout"`
	Timezone        string        `mapstructure:"timezone"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	HeightTTL time.Duration `mapstructure:"height_ttl"`
}

// RateLimitConfig throttles POST /data/ingest per client. Zero RPS or no
// redis disables it.
type RateLimitConfig struct {
	IngestRPS   int `mapstructure:"ingest_rps"`
	IngestBurst int `mapstructure:"ingest_burst"`
}

var defaults = map[string]any{
	"port":                     "8095",
	"log_level":                "info",
	"otlp_endpoint":            "",
	"cors_origins":             []string{"*"},
	"mqtt.broker_url":          "",
	"mqtt.client_id":           "telemetry-service",
	"mqtt.topic":               "hydronode/+/telemetry",
	"postgres.user":            "",
	"postgres.password":        "",
	"postgres.db":              "",
	"postgres.host":            "",
	"postgres.port":            "5432",
	"postgres.sslmode":         "disable",
	"meta.driver":              "postgres",
	"meta.dsn":                 "",
	"meta.automigrate":         false,
	"archive.backend":          "badger",
	"archive.path":             "/var/lib/telemetry/archive",
	"archive.bucket":           "",
	"archive.prefix":           "iot-data/",
	"archive.snapshots":        true,
	"archive.page_size":        1000,
	"archive.sort_by":          "keyTimestamp",
	"archive.list_concurrency": 20,
	"archive.list_limit":       20,
	"ingest.store_timeout":     10 * time.Second,
	"retention.max_entries":    22,
	"retention.sweep_schedule": "0 */15 * * * *",
	"query.instant_timeout":    10 * time.Second,
	"query.historic_timeout":   20 * time.Second,
	"query.timezone":           "Europe/Berlin",
	"redis.addr":               "",
	"redis.password":           "",
	"redis.db":                 0,
	"redis.height_ttl":         5 * time.Minute,
	"ratelimit.ingest_rps":     0,
	"ratelimit.ingest_burst":   20,
}

// Environment names kept compatible with the rest of the deployment.
var envNames = map[string]string{
	"port":                     "TELEMETRY_SERVICE_PORT",
	"log_level":                "LOG_LEVEL",
	"otlp_endpoint":            "OTEL_EXPORTER_OTLP_ENDPOINT",
	"cors_origins":             "CORS_ALLOWED_ORIGINS",
	"mqtt.broker_url":          "MQTT_BROKER_URL",
	"mqtt.client_id":           "TELEMETRY_MQTT_CLIENT_ID",
	"mqtt.topic":               "TELEMETRY_INGEST_TOPIC",
	"postgres.user":            "POSTGRES_USER",
	"postgres.password":        "POSTGRES_PASSWORD",
	"postgres.db":              "POSTGRES_DB",
	"postgres.host":            "POSTGRES_HOST",
	"postgres.port":            "POSTGRES_PORT",
	"postgres.sslmode":         "POSTGRES_SSLMODE",
	"meta.driver":              "META_DB_DRIVER",
	"meta.dsn":                 "META_DB_DSN",
	"meta.automigrate":         "META_DB_AUTOMIGRATE",
	"archive.backend":          "ARCHIVE_BACKEND",
	"archive.path":             "ARCHIVE_PATH",
	"archive.bucket":           "ARCHIVE_BUCKET",
	"archive.prefix":           "ARCHIVE_PREFIX",
	"archive.snapshots":        "ARCHIVE_SNAPSHOTS",
	"archive.page_size":        "ARCHIVE_PAGE_SIZE",
	"archive.sort_by":          "ARCHIVE_SORT_BY",
	"archive.list_concurrency": "ARCHIVE_LIST_CONCURRENCY",
	"archive.list_limit":       "ARCHIVE_LIST_LIMIT",
	"ingest.store_timeout":     "INGEST_STORE_TIMEOUT",
	"retention.max_entries":    "RETENTION_MAX_ENTRIES",
	"retention.sweep_schedule": "RETENTION_SWEEP_SCHEDULE",
	"query.instant_timeout":    "QUERY_INSTANT_TIMEOUT",
	"query.historic_timeout":   "QUERY_HISTORIC_TIMEOUT",
	"query.timezone":           "TELEMETRY_TIMEZONE",
	"redis.addr":               "REDIS_ADDR",
	"redis.password":           "REDIS_PASSWORD",
	"redis.db":                 "REDIS_DB",
	"redis.height_ttl":         "REDIS_HEIGHT_TTL",
	"ratelimit.ingest_rps":     "INGEST_RATE_LIMIT_RPS",
	"ratelimit.ingest_burst":   "INGEST_RATE_LIMIT_BURST",
}

// Load reads defaults, then the optional YAML file at path, then the
// environment. Later sources win.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, def := range defaults {
		v.SetDefault(k, def)
	}
	for k, env := range envNames {
		if err := v.BindEnv(k, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}

	slog.Info("telemetry config loaded", "port", cfg.Port, "mqtt", cfg.MQTT.BrokerURL, "archive", cfg.Archive.Backend)
	return &cfg, nil
}

// Location resolves the timezone used for daily aggregation buckets.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Query.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Query.Timezone, err)
	}
	return loc, nil
}

// MetaDSN returns the metadata DSN, falling back to the index database.
func (c *Config) MetaDSN() string {
	if strings.TrimSpace(c.Meta.DSN) != "" {
		return c.Meta.DSN
	}
	return c.Postgres.DSN()
}

// env values arrive as one comma separated string
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
