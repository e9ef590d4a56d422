package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type HeightCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewHeightCache(rdb *redis.Client, ttl time.Duration) *HeightCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HeightCache{rdb: rdb, ttl: ttl}
}

func heightKey(nodeID string) string { return "vessel:height:" + nodeID }

func (c *HeightCache) Get(ctx context.Context, nodeID string) (float64, bool, error) {
	h, err := c.rdb.Get(ctx, heightKey(nodeID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return h, true, nil
}

func (c *HeightCache) Set(ctx context.Context, nodeID string, height float64) error {
	return c.rdb.Set(ctx, heightKey(nodeID), height, c.ttl).Err()
}

// HeightResolver looks up vessel heights by node, through the cache when one
// is configured. Cache failures fall through to the metadata store.
type HeightResolver struct {
	Meta  *MetaRepo
	Cache *HeightCache
}

func (h *HeightResolver) HeightForNode(ctx context.Context, nodeID string) (float64, error) {
	if h.Cache != nil {
		height, ok, err := h.Cache.Get(ctx, nodeID)
		if err != nil {
			slog.Warn("height cache read failed", "node_id", nodeID, "error", err)
		} else if ok {
			return height, nil
		}
	}
	v, err := h.Meta.VesselForNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, nodeID, v.Height); err != nil {
			slog.Warn("height cache write failed", "node_id", nodeID, "error", err)
		}
	}
	return v.Height, nil
}
