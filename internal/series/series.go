// Package series rebuilds per-metric time series for a node, either from the
// recent index (NOW) or from daily rollups, and derives the fill series.
package series

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

const (
	MetricDistance = "distance"
	MetricFill     = "fill"
)

type Entry struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type Series struct {
	Data      []Entry  `json:"data"`
	LastSeen  *int64   `json:"lastSeen"`
	LastValue *float64 `json:"lastValue"`
}

func newSeries(entries []Entry) Series {
	if entries == nil {
		entries = []Entry{}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	s := Series{Data: entries}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		s.LastSeen = &last.Timestamp
		s.LastValue = &last.Value
	}
	return s
}

// Source supplies raw series for one metric.
type Source interface {
	Instant(ctx context.Context, nodeID, metric string) ([]Entry, error)
	Historic(ctx context.Context, nodeID, metric string, tf Timeframe) ([]Entry, error)
}

type Request struct {
	NodeID       string
	Types        []string
	Timeframe    string
	VesselHeight float64
}

// Result holds every series that could be built. A metric whose fetch failed
// appears in Errors instead of Series.
type Result struct {
	Series map[string]Series
	Errors map[string]error
}

type Reader struct {
	Source          Source
	InstantTimeout  time.Duration
	HistoricTimeout time.Duration
}

func NewReader(src Source) *Reader {
	return &Reader{Source: src, InstantTimeout: 10 * time.Second, HistoricTimeout: 20 * time.Second}
}

// FetchSeries fetches every requested metric concurrently. Only an invalid
// request fails the whole call.
func (r *Reader) FetchSeries(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.NodeID) == "" {
		return Result{}, apperrors.Invalid("node id is required")
	}
	tf, err := LookupTimeframe(req.Timeframe)
	if err != nil {
		return Result{}, err
	}

	res := Result{Series: map[string]Series{}, Errors: map[string]error{}}
	var mu sync.Mutex
	var g errgroup.Group
	seen := map[string]bool{}
	for _, metric := range req.Types {
		metric = strings.TrimSpace(metric)
		if metric == "" || metric == MetricFill || seen[metric] {
			continue
		}
		seen[metric] = true
		g.Go(func() error {
			entries, err := r.fetch(ctx, req.NodeID, metric, tf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[metric] = err
				return nil
			}
			res.Series[metric] = newSeries(entries)
			return nil
		})
	}
	_ = g.Wait()

	if distance, ok := res.Series[MetricDistance]; ok && ValidHeight(req.VesselHeight) {
		res.Series[MetricFill] = newSeries(FillSeries(req.VesselHeight, distance.Data))
	}
	return res, nil
}

func (r *Reader) fetch(ctx context.Context, nodeID, metric string, tf Timeframe) ([]Entry, error) {
	timeout, op := r.HistoricTimeout, "historic query"
	if tf.IsNow() {
		timeout, op = r.InstantTimeout, "instant query"
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		entries []Entry
		err     error
	)
	if tf.IsNow() {
		entries, err = r.Source.Instant(ctx, nodeID, metric)
	} else {
		entries, err = r.Source.Historic(ctx, nodeID, metric, tf)
	}
	switch {
	case err == nil:
		return entries, nil
	case errors.Is(err, apperrors.ErrNotFound):
		return nil, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, apperrors.Timeout(fmt.Sprintf("%s %s", op, metric), err)
	default:
		return nil, err
	}
}
