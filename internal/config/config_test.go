package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention.MaxEntries != 22 {
		t.Fatalf("max entries=%d", cfg.Retention.MaxEntries)
	}
	if cfg.Query.InstantTimeout != 10*time.Second || cfg.Query.HistoricTimeout != 20*time.Second {
		t.Fatalf("timeouts=%v/%v", cfg.Query.InstantTimeout, cfg.Query.HistoricTimeout)
	}
	if cfg.Archive.PageSize != 1000 || cfg.Archive.ListConcurrency != 20 {
		t.Fatalf("archive=%+v", cfg.Archive)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RETENTION_MAX_ENTRIES", "5")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("QUERY_INSTANT_TIMEOUT", "3s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention.MaxEntries != 5 {
		t.Fatalf("max entries=%d", cfg.Retention.MaxEntries)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Fatalf("host=%q", cfg.Postgres.Host)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("origins=%v", cfg.CORSOrigins)
	}
	if cfg.Query.InstantTimeout != 3*time.Second {
		t.Fatalf("instant timeout=%v", cfg.Query.InstantTimeout)
	}
	if cfg.MetaDSN() != cfg.Postgres.DSN() {
		t.Fatalf("meta dsn should fall back to postgres")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.yaml")
	body := "archive:\n  backend: s3\n  bucket: sensor-archive\nquery:\n  timezone: UTC\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Archive.Backend != "s3" || cfg.Archive.Bucket != "sensor-archive" {
		t.Fatalf("archive=%+v", cfg.Archive)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("loc=%v err=%v", loc, err)
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	t.Setenv("TELEMETRY_TIMEZONE", "Mars/Olympus")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error")
	}
}
