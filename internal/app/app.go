// Package app assembles the stores and the ingestion writer from config.
// The service, the Lambda handler and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/hydronode/telemetry-service/internal/archive"
	"github.com/hydronode/telemetry-service/internal/config"
	"github.com/hydronode/telemetry-service/internal/ingest"
	"github.com/hydronode/telemetry-service/internal/ratelimit"
	"github.com/hydronode/telemetry-service/internal/store"
)

type App struct {
	Config   *config.Config
	Location *time.Location
	DB       *gorm.DB
	Repo     *store.Repo
	Archive  archive.Store
	Meta     *store.MetaRepo
	Heights  *store.HeightResolver
	Writer   *ingest.Writer

	redis *redis.Client
}

// CheckRequired reports the first missing setting the index database needs.
func CheckRequired(cfg *config.Config) error {
	required := []struct{ key, val string }{
		{"POSTGRES_USER", cfg.Postgres.User},
		{"POSTGRES_DB", cfg.Postgres.DBName},
		{"POSTGRES_HOST", cfg.Postgres.Host},
		{"POSTGRES_PORT", cfg.Postgres.Port},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return fmt.Errorf("missing required env %s", r.key)
		}
	}
	if d := cfg.Meta.Driver; d != "" && d != "postgres" && strings.TrimSpace(cfg.Meta.DSN) == "" {
		return fmt.Errorf("missing required env META_DB_DSN for driver %s", d)
	}
	if cfg.Archive.Backend == "s3" && strings.TrimSpace(cfg.Archive.Bucket) == "" {
		return errors.New("missing required env ARCHIVE_BUCKET")
	}
	return nil
}

// Open connects the index database and the archive. The metadata database
// is connected lazily on first use.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	db, err := store.Open("postgres", cfg.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return build(ctx, cfg, loc, db)
}

func build(ctx context.Context, cfg *config.Config, loc *time.Location, db *gorm.DB) (*App, error) {
	repo, err := store.New(db)
	if err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	arch, err := OpenArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Location: loc, DB: db, Repo: repo, Archive: arch}
	a.Meta = store.NewMetaRepo(store.NewLazyDB(a.openMeta))
	a.Heights = &store.HeightResolver{Meta: a.Meta}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, height cache disabled", "addr", addr, "error", err)
			_ = a.redis.Close()
			a.redis = nil
		} else {
			a.Heights.Cache = store.NewHeightCache(a.redis, cfg.Redis.HeightTTL)
		}
	}

	a.Writer = &ingest.Writer{
		Archive:    arch,
		Index:      repo,
		Rollups:    repo,
		Heights:    a.Heights,
		Prefix:     cfg.Archive.Prefix,
		MaxEntries: cfg.Retention.MaxEntries,
		Snapshots:  cfg.Archive.Snapshots,
		Location:   loc,
		Topic:      cfg.MQTT.Topic,
		Timeout:    cfg.Ingest.StoreTimeout,
	}
	return a, nil
}

func (a *App) openMeta(ctx context.Context) (*gorm.DB, error) {
	driver := a.Config.Meta.Driver
	var db *gorm.DB
	if (driver == "" || driver == "postgres") && strings.TrimSpace(a.Config.Meta.DSN) == "" {
		db = a.DB
	} else {
		var err error
		if db, err = store.Open(driver, a.Config.MetaDSN()); err != nil {
			return nil, err
		}
	}
	if a.Config.Meta.AutoMigrate {
		if err := store.MigrateMeta(db.WithContext(ctx)); err != nil {
			return nil, err
		}
	}
	slog.Info("metadata database ready", "driver", driver)
	return db, nil
}

// OpenArchive opens the configured archive backend on its own.
func OpenArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, error) {
	switch cfg.Backend {
	case "", "badger":
		s, err := archive.OpenBadger(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open archive %s: %w", cfg.Path, err)
		}
		return s, nil
	case "s3":
		s, err := archive.NewS3(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open archive bucket %s: %w", cfg.Bucket, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
}

// ArchiveReader builds the listing reader with the configured paging.
func (a *App) ArchiveReader() (*archive.Reader, error) {
	by, err := archive.ParseSortBy(a.Config.Archive.SortBy)
	if err != nil {
		return nil, err
	}
	return archive.NewReader(a.Archive, archive.ListOptions{
		PageSize:    a.Config.Archive.PageSize,
		SortBy:      by,
		Concurrency: a.Config.Archive.ListConcurrency,
		Timeout:     a.Config.Query.InstantTimeout,
	}), nil
}

// IngestLimiter returns the HTTP ingest throttle, or nil when it is disabled
// or redis is not configured.
func (a *App) IngestLimiter() *ratelimit.Limiter {
	if a.redis == nil || a.Config.RateLimit.IngestRPS <= 0 {
		return nil
	}
	return ratelimit.New(a.redis, "telemetry:ingest", ratelimit.Config{
		RPS:   a.Config.RateLimit.IngestRPS,
		Burst: a.Config.RateLimit.IngestBurst,
	})
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.Archive.Close(); err != nil {
		slog.Warn("archive close failed", "error", err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
