// Package retention enforces the recent-index cap on a schedule. Ingestion
// trims at most one row per event; the sweeper brings every node back to
// exactly the cap.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hydronode/telemetry-service/internal/observability"
)

type Trimmer interface {
	ListNodes(ctx context.Context) ([]string, error)
	TrimToLimit(ctx context.Context, nodeID string, max int) (int, error)
}

type Sweeper struct {
	repo       Trimmer
	maxEntries int
	timeout    time.Duration
	cron       *cron.Cron
}

func New(repo Trimmer, maxEntries int) *Sweeper {
	return &Sweeper{
		repo:       repo,
		maxEntries: maxEntries,
		timeout:    time.Minute,
		cron:       cron.New(cron.WithSeconds()),
	}
}

// SweepOnce trims every node. A failing node does not stop the others; their
// errors are joined.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	nodes, err := s.repo.ListNodes(ctx)
	if err != nil {
		return 0, err
	}
	var (
		total int
		errs  []error
	)
	for _, node := range nodes {
		n, err := s.repo.TrimToLimit(ctx, node, s.maxEntries)
		if err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", node, err))
			continue
		}
		if n > 0 {
			slog.Info("retention trimmed node", "node_id", node, "deleted", n)
			observability.IndexTrims.WithLabelValues("sweep").Add(float64(n))
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Start schedules SweepOnce with a six-field cron expression (seconds first).
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if n, err := s.SweepOnce(ctx); err != nil {
			slog.Error("retention sweep failed", "deleted", n, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	slog.Info("retention sweeper scheduled", "schedule", schedule, "max_entries", s.maxEntries)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
