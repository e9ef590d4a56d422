package series

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hydronode/telemetry-service/internal/apperrors"
	"github.com/hydronode/telemetry-service/internal/store"
)

type fakeSource struct {
	instant  map[string][]Entry
	historic map[string][]Entry
	fail     map[string]error
	block    map[string]bool
}

func (f *fakeSource) Instant(ctx context.Context, nodeID, metric string) ([]Entry, error) {
	if f.block[metric] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.fail[metric]; err != nil {
		return nil, err
	}
	return append([]Entry(nil), f.instant[metric]...), nil
}

func (f *fakeSource) Historic(ctx context.Context, nodeID, metric string, tf Timeframe) ([]Entry, error) {
	if err := f.fail[metric]; err != nil {
		return nil, err
	}
	return append([]Entry(nil), f.historic[metric]...), nil
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestFillPercent(t *testing.T) {
	got := FillSeries(1000, []Entry{{Timestamp: 1, Value: 200}, {Timestamp: 2, Value: 1200}})
	if len(got) != 2 || !near(got[0].Value, 80) || !near(got[1].Value, 0) {
		t.Fatalf("unexpected fill: %+v", got)
	}
	if f, ok := FillPercent(1000, -100); !ok || f != 100 {
		t.Fatalf("expected clamp to 100, got %v", f)
	}
	if _, ok := FillPercent(0, 100); ok {
		t.Fatalf("zero height must not compute")
	}
	if FillSeries(-5, []Entry{{Value: 1}}) != nil {
		t.Fatalf("negative height must not compute")
	}
	for _, h := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		if f, ok := FillPercent(h, 100); ok {
			t.Fatalf("height %v must not compute, got %v", h, f)
		}
		if FillSeries(h, []Entry{{Value: 1}}) != nil {
			t.Fatalf("height %v must not produce a series", h)
		}
	}
	if f, ok := FillPercent(1000, math.Inf(1)); !ok || f != 0 {
		t.Fatalf("infinite distance must clamp to 0, got %v %v", f, ok)
	}
}

func TestFetchSeriesSkipsFillForNonFiniteHeight(t *testing.T) {
	src := &fakeSource{instant: map[string][]Entry{MetricDistance: {{Timestamp: 1, Value: 100}}}}
	res, err := NewReader(src).FetchSeries(context.Background(), Request{NodeID: "n1", Types: []string{MetricDistance}, VesselHeight: math.Inf(1)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, ok := res.Series[MetricFill]; ok {
		t.Fatalf("fill must be absent for an infinite height: %+v", res.Series[MetricFill])
	}
}

func TestFetchSeriesIsolatesFailures(t *testing.T) {
	src := &fakeSource{
		instant: map[string][]Entry{
			"distance":    {{Timestamp: 2, Value: 300}, {Timestamp: 1, Value: 250}},
			"temperature": {{Timestamp: 1, Value: 20}},
			"humidity":    {{Timestamp: 1, Value: 55}},
			"battery":     {{Timestamp: 1, Value: 3.7}},
		},
		fail: map[string]error{"pressure": apperrors.Store("query", errors.New("connection reset"))},
	}
	r := NewReader(src)
	res, err := r.FetchSeries(context.Background(), Request{
		NodeID:    "n1",
		Types:     []string{"distance", "temperature", "humidity", "battery", "pressure"},
		Timeframe: "NOW",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, m := range []string{"distance", "temperature", "humidity", "battery"} {
		if _, ok := res.Series[m]; !ok {
			t.Fatalf("missing series %s", m)
		}
	}
	if _, ok := res.Series["pressure"]; ok {
		t.Fatalf("failed metric must not appear as a series")
	}
	if !errors.Is(res.Errors["pressure"], apperrors.ErrStoreUnavailable) {
		t.Fatalf("expected pressure error, got %v", res.Errors["pressure"])
	}
	if _, ok := res.Series["fill"]; ok {
		t.Fatalf("fill requires a vessel height")
	}
}

func TestFetchSeriesOrdersAscendingAndDerivesFill(t *testing.T) {
	src := &fakeSource{instant: map[string][]Entry{
		"distance": {{Timestamp: 30, Value: 500}, {Timestamp: 10, Value: 200}, {Timestamp: 20, Value: 1200}},
	}}
	res, err := NewReader(src).FetchSeries(context.Background(), Request{
		NodeID: "n1", Types: []string{"distance", "fill"}, Timeframe: "now", VesselHeight: 1000,
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	d := res.Series["distance"]
	if d.Data[0].Timestamp != 10 || d.Data[2].Timestamp != 30 {
		t.Fatalf("expected ascending order: %+v", d.Data)
	}
	if d.LastSeen == nil || *d.LastSeen != 30 || *d.LastValue != 500 {
		t.Fatalf("latest should be the max timestamp: %+v", d)
	}
	fill := res.Series["fill"]
	if len(fill.Data) != 3 || !near(fill.Data[0].Value, 80) || fill.Data[1].Value != 0 || !near(fill.Data[2].Value, 50) {
		t.Fatalf("unexpected fill: %+v", fill.Data)
	}
}

func TestFetchSeriesTimeout(t *testing.T) {
	src := &fakeSource{block: map[string]bool{"distance": true}}
	r := NewReader(src)
	r.InstantTimeout = 20 * time.Millisecond
	res, err := r.FetchSeries(context.Background(), Request{NodeID: "n1", Types: []string{"distance"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !errors.Is(res.Errors["distance"], apperrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", res.Errors["distance"])
	}
}

func TestFetchSeriesNotFoundIsEmpty(t *testing.T) {
	src := &fakeSource{fail: map[string]error{"distance": apperrors.ErrNotFound}}
	res, err := NewReader(src).FetchSeries(context.Background(), Request{NodeID: "n1", Types: []string{"distance"}, Timeframe: "WEEK"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	s, ok := res.Series["distance"]
	if !ok || len(s.Data) != 0 || s.LastSeen != nil {
		t.Fatalf("expected empty series, got %+v", s)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("not found is not an error: %v", res.Errors)
	}
}

func TestFetchSeriesRejectsBadRequest(t *testing.T) {
	r := NewReader(&fakeSource{})
	if _, err := r.FetchSeries(context.Background(), Request{Types: []string{"distance"}}); !errors.Is(err, apperrors.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for missing node, got %v", err)
	}
	if _, err := r.FetchSeries(context.Background(), Request{NodeID: "n1", Timeframe: "DECADE"}); !errors.Is(err, apperrors.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for timeframe, got %v", err)
	}
}

func TestTimeframeSince(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2024, 3, 5, 15, 4, 0, 0, loc)

	week, _ := LookupTimeframe("WEEK")
	if got := week.Since(now); !got.Equal(time.Date(2024, 2, 28, 0, 0, 0, 0, loc)) {
		t.Fatalf("week since: %v", got)
	}
	year, _ := LookupTimeframe("year")
	if got := year.Since(now); !got.Equal(time.Date(2023, 4, 1, 0, 0, 0, 0, loc)) {
		t.Fatalf("year since: %v", got)
	}
	e := BucketEntry(store.Bucket{Year: 2024, Month: 2, Value: 7}, loc)
	if e.Timestamp != time.Date(2024, 2, 1, 0, 0, 0, 0, loc).UnixMilli() || e.Value != 7 {
		t.Fatalf("bucket entry: %+v", e)
	}
}

func TestStoreSource(t *testing.T) {
	dsn := "file:series_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	for ts, body := range map[int64]string{
		2000: `{"distance":300}`,
		1000: `{"distance":250,"temperature":19}`,
		3000: `{"temperature":21}`,
	} {
		if err := repo.UpsertReading(ctx, &store.RecentReading{NodeID: "n1", TS: ts, Readings: datatypes.JSON(body)}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	loc := time.UTC
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, loc)
	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-47 * time.Hour), now} {
		if err := repo.AddSample(ctx, "n1", "distance", at, 100); err != nil {
			t.Fatalf("add sample: %v", err)
		}
	}

	src := &StoreSource{Repo: repo, Location: loc, Now: func() time.Time { return now }}
	r := NewReader(src)
	res, err := r.FetchSeries(ctx, Request{NodeID: "n1", Types: []string{"distance", "temperature"}, VesselHeight: 1000})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if d := res.Series["distance"].Data; len(d) != 2 || d[0].Timestamp != 1000 || d[1].Value != 300 {
		t.Fatalf("distance: %+v", d)
	}
	if tmp := res.Series["temperature"].Data; len(tmp) != 2 || tmp[1].Timestamp != 3000 {
		t.Fatalf("temperature: %+v", tmp)
	}
	if f := res.Series["fill"].Data; len(f) != 2 || !near(f[0].Value, 75) {
		t.Fatalf("fill: %+v", f)
	}

	week, err := r.FetchSeries(ctx, Request{NodeID: "n1", Types: []string{"distance"}, Timeframe: "WEEK"})
	if err != nil {
		t.Fatalf("fetch week: %v", err)
	}
	d := week.Series["distance"].Data
	if len(d) != 2 || d[0].Timestamp != time.Date(2024, 6, 8, 0, 0, 0, 0, loc).UnixMilli() {
		t.Fatalf("week distance: %+v", d)
	}
}
