package store

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

// LazyDB opens its connection pool on first use and keeps it for the life of
// the process. Concurrent first callers share a single open; a failed open
// is retried by the next caller.
type LazyDB struct {
	open  func(ctx context.Context) (*gorm.DB, error)
	group singleflight.Group
	mu    sync.RWMutex
	db    *gorm.DB
}

func NewLazyDB(open func(ctx context.Context) (*gorm.DB, error)) *LazyDB {
	return &LazyDB{open: open}
}

func (l *LazyDB) Get(ctx context.Context) (*gorm.DB, error) {
	l.mu.RLock()
	db := l.db
	l.mu.RUnlock()
	if db != nil {
		return db, nil
	}

	v, err, _ := l.group.Do("open", func() (any, error) {
		l.mu.RLock()
		existing := l.db
		l.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		// the pool outlives the request that happened to open it
		db, err := l.open(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.db = db
		l.mu.Unlock()
		return db, nil
	})
	if err != nil {
		return nil, apperrors.Store("open metadata db", err)
	}
	return v.(*gorm.DB), nil
}
