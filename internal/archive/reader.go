package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

type SortBy string

const (
	SortByKeyTimestamp SortBy = "keyTimestamp"
	SortByModifiedTime SortBy = "modifiedTime"
)

func ParseSortBy(s string) (SortBy, error) {
	switch SortBy(s) {
	case "", SortByKeyTimestamp:
		return SortByKeyTimestamp, nil
	case SortByModifiedTime:
		return SortByModifiedTime, nil
	}
	return "", apperrors.Invalid("unknown sort %q", s)
}

// ListOptions configures a Reader. Timeout bounds each List page and each
// object fetch.
type ListOptions struct {
	PageSize    int
	SortBy      SortBy
	Concurrency int
	Timeout     time.Duration
}

func DefaultListOptions() ListOptions {
	return ListOptions{PageSize: 1000, SortBy: SortByKeyTimestamp, Concurrency: 20, Timeout: 10 * time.Second}
}

// Result is one fetched object. Err is set instead of Data when that object
// could not be fetched or parsed.
type Result struct {
	Key          string
	LastModified int64
	Data         any
	Err          error
}

type Reader struct {
	store Store
	opts  ListOptions
}

func NewReader(store Store, opts ListOptions) *Reader {
	def := DefaultListOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.SortBy == "" {
		opts.SortBy = def.SortBy
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Reader{store: store, opts: opts}
}

// ListAll follows continuation tokens until the prefix is exhausted.
func (r *Reader) ListAll(ctx context.Context, prefix string) ([]Object, error) {
	var (
		all   []Object
		token string
	)
	for {
		pageCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		page, err := r.store.List(pageCtx, prefix, token, r.opts.PageSize)
		cancel()
		if err != nil {
			return nil, err
		}
		all = append(all, page.Objects...)
		if page.NextToken == "" {
			return all, nil
		}
		token = page.NextToken
	}
}

// ListLatest returns the limit newest objects under prefix, newest first.
// The whole prefix is enumerated before sorting so the result is the global
// top-N, not the top of the first page.
func (r *Reader) ListLatest(ctx context.Context, prefix string, limit int) ([]Result, error) {
	return r.ListLatestBy(ctx, prefix, limit, r.opts.SortBy)
}

func (r *Reader) ListLatestBy(ctx context.Context, prefix string, limit int, by SortBy) ([]Result, error) {
	objects, err := r.ListAll(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return []Result{}, nil
	}
	sortNewestFirst(objects, by)
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}

	results := make([]Result, len(objects))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, obj := range objects {
		results[i] = Result{Key: obj.Key, LastModified: obj.LastModified.UnixMilli()}
		g.Go(func() error {
			results[i].Data, results[i].Err = r.fetch(ctx, obj.Key)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (r *Reader) fetch(ctx context.Context, key string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	body, err := r.store.Get(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Timeout("get "+key, ctx.Err())
		}
		return nil, err
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Malformed(key, fmt.Errorf("parse json: %w", err))
	}
	return data, nil
}

// Keys without a numeric stem sort after every timestamped key.
func sortNewestFirst(objects []Object, by SortBy) {
	sort.SliceStable(objects, func(i, j int) bool {
		if by == SortByModifiedTime {
			if !objects[i].LastModified.Equal(objects[j].LastModified) {
				return objects[i].LastModified.After(objects[j].LastModified)
			}
			return objects[i].Key > objects[j].Key
		}
		ti, okI := KeyTimestamp(objects[i].Key)
		tj, okJ := KeyTimestamp(objects[j].Key)
		if okI != okJ {
			return okI
		}
		if ti != tj {
			return ti > tj
		}
		return objects[i].Key > objects[j].Key
	})
}
