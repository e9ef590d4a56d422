package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

type Granularity string

const (
	Daily   Granularity = "day"
	Monthly Granularity = "month"
)

// Bucket is one aggregated period. Day is zero for monthly buckets.
type Bucket struct {
	Year  int     `json:"year"`
	Month int     `json:"month"`
	Day   int     `json:"day,omitempty"`
	Value float64 `json:"value"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
}

func dayKey(y int, m time.Month, d int) int { return y*10000 + int(m)*100 + d }

// AddSample folds v into the rollup of the calendar day of at, in at's
// location.
func (r *Repo) AddSample(ctx context.Context, nodeID, metric string, at time.Time, v float64) error {
	y, m, d := at.Date()
	row := &MetricRollup{
		ID:         uuid.New(),
		NodeID:     nodeID,
		Metric:     metric,
		DayKey:     dayKey(y, m, d),
		Year:       y,
		Month:      int(m),
		Day:        d,
		ValueSum:   v,
		ValueCount: 1,
		ValueMin:   v,
		ValueMax:   v,
		UpdatedAt:  time.Now().UTC(),
	}
	least, greatest := "LEAST", "GREATEST"
	if r.db.Dialector.Name() == "sqlite" {
		least, greatest = "MIN", "MAX"
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "node_id"}, {Name: "metric"}, {Name: "day_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value_sum":   gorm.Expr("metric_rollups.value_sum + ?", v),
			"value_count": gorm.Expr("metric_rollups.value_count + 1"),
			"value_min":   gorm.Expr(least+"(metric_rollups.value_min, ?)", v),
			"value_max":   gorm.Expr(greatest+"(metric_rollups.value_max, ?)", v),
			"updated_at":  row.UpdatedAt,
		}),
	}).Create(row).Error
	return apperrors.Store("add rollup sample", err)
}

// Aggregate returns buckets for nodeID/metric from the local day of since
// onwards, oldest first. Values are means.
func (r *Repo) Aggregate(ctx context.Context, nodeID, metric string, g Granularity, since time.Time) ([]Bucket, error) {
	y, m, d := since.Date()
	var rows []MetricRollup
	err := r.db.WithContext(ctx).
		Where("node_id = ? AND metric = ? AND day_key >= ?", nodeID, metric, dayKey(y, m, d)).
		Order("day_key asc").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Store("aggregate rollups", err)
	}

	out := make([]Bucket, 0, len(rows))
	var sum float64
	for _, row := range rows {
		if g == Monthly && len(out) > 0 {
			last := &out[len(out)-1]
			if last.Year == row.Year && last.Month == row.Month {
				sum += row.ValueSum
				last.Count += row.ValueCount
				last.Min = min(last.Min, row.ValueMin)
				last.Max = max(last.Max, row.ValueMax)
				last.Value = sum / float64(last.Count)
				continue
			}
		}
		b := Bucket{
			Year:  row.Year,
			Month: row.Month,
			Value: row.ValueSum / float64(row.ValueCount),
			Min:   row.ValueMin,
			Max:   row.ValueMax,
			Count: row.ValueCount,
		}
		if g != Monthly {
			b.Day = row.Day
		}
		sum = row.ValueSum
		out = append(out, b)
	}
	return out, nil
}
