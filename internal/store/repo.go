package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

// Repo owns the recent index and the daily rollups.
type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&RecentReading{}, &MetricRollup{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// UpsertReading writes the row for (node, ts), replacing any previous
// readings at that key entirely.
func (r *Repo) UpsertReading(ctx context.Context, row *RecentReading) error {
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}, {Name: "ts"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "readings", "updated_at"}),
	}).Create(row).Error
	return apperrors.Store("upsert reading", err)
}

// ListTimestamps returns every ts held for nodeID, newest first.
func (r *Repo) ListTimestamps(ctx context.Context, nodeID string) ([]int64, error) {
	var ts []int64
	err := r.db.WithContext(ctx).Model(&RecentReading{}).
		Where("node_id = ?", nodeID).
		Order("ts desc").
		Pluck("ts", &ts).Error
	if err != nil {
		return nil, apperrors.Store("list timestamps", err)
	}
	return ts, nil
}

// DeleteReading removes one row. A missing row is not an error.
func (r *Repo) DeleteReading(ctx context.Context, nodeID string, ts int64) error {
	err := r.db.WithContext(ctx).
		Where("node_id = ? AND ts = ?", nodeID, ts).
		Delete(&RecentReading{}).Error
	return apperrors.Store("delete reading", err)
}

// TrimToLimit deletes every row of nodeID beyond the newest max.
func (r *Repo) TrimToLimit(ctx context.Context, nodeID string, max int) (int, error) {
	if max <= 0 {
		return 0, apperrors.Invalid("retention limit must be positive")
	}
	ts, err := r.ListTimestamps(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if len(ts) <= max {
		return 0, nil
	}
	cutoff := ts[max-1]
	res := r.db.WithContext(ctx).
		Where("node_id = ? AND ts < ?", nodeID, cutoff).
		Delete(&RecentReading{})
	if res.Error != nil {
		return 0, apperrors.Store("trim readings", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r *Repo) ListNodes(ctx context.Context) ([]string, error) {
	var nodes []string
	err := r.db.WithContext(ctx).Model(&RecentReading{}).
		Distinct("node_id").
		Order("node_id").
		Pluck("node_id", &nodes).Error
	if err != nil {
		return nil, apperrors.Store("list nodes", err)
	}
	return nodes, nil
}

// ReadingsAscending returns all rows for nodeID, oldest first.
func (r *Repo) ReadingsAscending(ctx context.Context, nodeID string) ([]RecentReading, error) {
	var rows []RecentReading
	err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("ts asc").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Store("query readings", err)
	}
	return rows, nil
}

type Page struct {
	Readings   []RecentReading `json:"readings"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (r *Repo) ListReadings(ctx context.Context, nodeID string, limit int, cursor *Cursor, desc bool) (Page, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "node_id"}, Value: nodeID},
	}
	if cursor != nil {
		if desc {
			exprs = append(exprs, clause.Lt{Column: clause.Column{Name: "ts"}, Value: cursor.TS})
		} else {
			exprs = append(exprs, clause.Gt{Column: clause.Column{Name: "ts"}, Value: cursor.TS})
		}
	}
	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "ts"}, Desc: desc},
	}}

	var rows []RecentReading
	q := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1)
	if err := q.Find(&rows).Error; err != nil {
		return Page{}, apperrors.Store("list readings", err)
	}

	out := Page{Readings: rows}
	if len(rows) > limit {
		out.Readings = rows[:limit]
		out.NextCursor = EncodeCursor(Cursor{TS: rows[limit-1].TS})
	}
	return out, nil
}
