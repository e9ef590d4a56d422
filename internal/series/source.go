package series

import (
	"context"
	"time"

	"github.com/hydronode/telemetry-service/internal/store"
)

// StoreSource reads series straight from the index and rollup tables.
type StoreSource struct {
	Repo     *store.Repo
	Location *time.Location
	Now      func() time.Time
}

func (s *StoreSource) Instant(ctx context.Context, nodeID, metric string) ([]Entry, error) {
	rows, err := s.Repo.ReadingsAscending(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		vals, err := row.Values()
		if err != nil {
			continue
		}
		if v, ok := vals[metric]; ok {
			out = append(out, Entry{Timestamp: row.TS, Value: v})
		}
	}
	return out, nil
}

func (s *StoreSource) Historic(ctx context.Context, nodeID, metric string, tf Timeframe) ([]Entry, error) {
	loc := s.location()
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	buckets, err := s.Repo.Aggregate(ctx, nodeID, metric, tf.Granularity, tf.Since(now().In(loc)))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, BucketEntry(b, loc))
	}
	return out, nil
}

func (s *StoreSource) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}
