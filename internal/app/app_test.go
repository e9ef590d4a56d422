package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hydronode/telemetry-service/internal/config"
	"github.com/hydronode/telemetry-service/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Archive.Path = ""
	return cfg
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open("file:app_"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestCheckRequired(t *testing.T) {
	cfg := testConfig(t)
	if err := CheckRequired(cfg); err == nil || !strings.Contains(err.Error(), "POSTGRES_USER") {
		t.Fatalf("expected POSTGRES_USER error, got %v", err)
	}
	cfg.Postgres.User, cfg.Postgres.DBName, cfg.Postgres.Host = "u", "telemetry", "db"
	if err := CheckRequired(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Meta.Driver = "mysql"
	if err := CheckRequired(cfg); err == nil || !strings.Contains(err.Error(), "META_DB_DSN") {
		t.Fatalf("expected META_DB_DSN error, got %v", err)
	}
	cfg.Meta.DSN = "user:pw@tcp(meta:3306)/hydronode"
	if err := CheckRequired(cfg); err != nil {
		t.Fatalf("unexpected error with mysql dsn: %v", err)
	}
	cfg.Archive.Backend = "s3"
	if err := CheckRequired(cfg); err == nil || !strings.Contains(err.Error(), "ARCHIVE_BUCKET") {
		t.Fatalf("expected ARCHIVE_BUCKET error, got %v", err)
	}
}

func TestBuildWiresWriterAndMeta(t *testing.T) {
	cfg := testConfig(t)
	cfg.Meta.Driver = "sqlite"
	cfg.Meta.DSN = "file:" + filepath.Join(t.TempDir(), "meta.db")
	cfg.Meta.AutoMigrate = true

	a, err := build(context.Background(), cfg, time.UTC, openTestDB(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if a.Writer.MaxEntries != 22 || a.Writer.Prefix != "iot-data/" || a.Writer.Index != a.Repo {
		t.Fatalf("writer not wired from config: %+v", a.Writer)
	}
	vessels, err := a.Meta.ListVessels(context.Background())
	if err != nil {
		t.Fatalf("list vessels: %v", err)
	}
	if len(vessels) != 0 {
		t.Fatalf("expected empty metadata, got %v", vessels)
	}
	if _, err := a.Heights.HeightForNode(context.Background(), "n1"); err == nil {
		t.Fatalf("expected not found for unknown node")
	}
	if _, err := a.ArchiveReader(); err != nil {
		t.Fatalf("archive reader: %v", err)
	}
}

func TestMetaReusesIndexDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Meta.AutoMigrate = true
	db := openTestDB(t)
	a, err := build(context.Background(), cfg, time.UTC, db)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if _, err := a.Meta.ListVessels(context.Background()); err != nil {
		t.Fatalf("list vessels: %v", err)
	}
	if !db.Migrator().HasTable(&store.Vessel{}) {
		t.Fatalf("expected vessels table in the index database")
	}
}

func TestOpenArchiveRejectsUnknownBackend(t *testing.T) {
	if _, err := OpenArchive(context.Background(), config.ArchiveConfig{Backend: "ftp"}); err == nil {
		t.Fatalf("expected error")
	}
}
