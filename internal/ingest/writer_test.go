package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hydronode/telemetry-service/internal/apperrors"
	"github.com/hydronode/telemetry-service/internal/archive"
	"github.com/hydronode/telemetry-service/internal/realtime"
	"github.com/hydronode/telemetry-service/internal/store"
)

const baseTS = int64(1_700_000_000_000)

type fakeMsg struct {
	topic   string
	payload []byte
}

func (m fakeMsg) Topic() string   { return m.topic }
func (m fakeMsg) Payload() []byte { return m.payload }

// flakyArchive fails every Put whose key contains one of the failing metrics.
type flakyArchive struct {
	archive.Store
	failing []string
}

func (a *flakyArchive) Put(ctx context.Context, key string, body []byte) error {
	for _, m := range a.failing {
		if strings.Contains(key, "_"+m+"_") {
			return apperrors.Store("archive put", errors.New("throttled"))
		}
	}
	return a.Store.Put(ctx, key, body)
}

type brokenIndex struct {
	listed bool
}

func (b *brokenIndex) UpsertReading(context.Context, *store.RecentReading) error {
	return apperrors.Store("upsert reading", errors.New("db down"))
}

func (b *brokenIndex) ListTimestamps(context.Context, string) ([]int64, error) {
	b.listed = true
	return nil, nil
}

func (b *brokenIndex) DeleteReading(context.Context, string, int64) error { return nil }

// stallingIndex blocks every call until its context ends.
type stallingIndex struct{}

func (stallingIndex) UpsertReading(ctx context.Context, _ *store.RecentReading) error {
	<-ctx.Done()
	return apperrors.Store("upsert reading", ctx.Err())
}

func (stallingIndex) ListTimestamps(ctx context.Context, _ string) ([]int64, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingIndex) DeleteReading(ctx context.Context, _ string, _ int64) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixedHeights map[string]float64

func (f fixedHeights) HeightForNode(_ context.Context, nodeID string) (float64, error) {
	h, ok := f[nodeID]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	return h, nil
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) Broadcast(ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:ingest_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func openArchive(t *testing.T) *archive.BadgerStore {
	t.Helper()
	a, err := archive.OpenBadger("")
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func readings(pairs ...string) []RawReading {
	var out []RawReading
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, RawReading{Type: pairs[i], Value: json.RawMessage(pairs[i+1])})
	}
	return out
}

func event(node string, ts int64, rs []RawReading) Event {
	return Event{NodeID: node, Timestamp: strconv.FormatInt(ts, 10), Readings: rs}
}

func TestIngestRetentionKeepsNewest(t *testing.T) {
	repo := openRepo(t)
	w := &Writer{Archive: openArchive(t), Index: repo, Rollups: repo, MaxEntries: 22}
	ctx := context.Background()

	for i := int64(0); i < 30; i++ {
		if _, err := w.Ingest(ctx, event("n1", baseTS+i*1000, readings("distance", "400"))); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	ts, err := repo.ListTimestamps(ctx, "n1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ts) != 22 {
		t.Fatalf("expected 22 rows, got %d", len(ts))
	}
	if oldest := ts[len(ts)-1]; oldest != baseTS+8*1000 {
		t.Fatalf("expected oldest retained to be the 9th event, got %d", oldest)
	}
}

func TestIngestArchiveIsAppendOnly(t *testing.T) {
	repo := openRepo(t)
	a := openArchive(t)
	w := &Writer{Archive: a, Index: repo}
	ctx := context.Background()

	for _, ts := range []int64{baseTS, baseTS + 1} {
		if _, err := w.Ingest(ctx, event("n1", ts, readings("distance", "400"))); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	objs, err := archive.NewReader(a, archive.ListOptions{}).ListAll(ctx, archive.DefaultPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objs))
	}

	body, err := a.Get(ctx, archive.MetricKey(archive.DefaultPrefix, "n1", "distance", baseTS))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["node-id"] != "n1" || doc["sensor-id"] != "distance" || doc["value"] != float64(400) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestIngestArchiveFailureIsIsolated(t *testing.T) {
	repo := openRepo(t)
	w := &Writer{Archive: &flakyArchive{Store: openArchive(t), failing: []string{"humidity"}}, Index: repo}
	ctx := context.Background()

	rep, err := w.Ingest(ctx, event("n1", baseTS, readings(
		"distance", "400", "temperature", "21.5", "humidity", "60", "battery", "3.7", "pressure", "1013",
	)))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rep.Archived != 4 || rep.ArchiveFailed != 1 || !rep.Indexed {
		t.Fatalf("unexpected report: %+v", rep)
	}

	rows, err := repo.ReadingsAscending(ctx, "n1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows: %v %v", rows, err)
	}
	vals, _ := rows[0].Values()
	if len(vals) != 5 {
		t.Fatalf("index should hold all five readings, got %v", vals)
	}
}

func TestIngestIndexFailureSkipsRetention(t *testing.T) {
	idx := &brokenIndex{}
	notes := &recorder{}
	w := &Writer{Archive: openArchive(t), Index: idx, Notifier: notes}

	rep, err := w.Ingest(context.Background(), event("n1", baseTS, readings("distance", "400")))
	if err != nil {
		t.Fatalf("store failures must not surface: %v", err)
	}
	if rep.Indexed || rep.Archived != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if idx.listed {
		t.Fatalf("retention ran after a failed index write")
	}
	if len(notes.events) != 0 {
		t.Fatalf("nothing should be broadcast")
	}
}

func TestIngestRejectsInvalidEvents(t *testing.T) {
	w := &Writer{Archive: openArchive(t), Index: &brokenIndex{}}
	ctx := context.Background()
	cases := map[string]Event{
		"no node":        event("", baseTS, readings("distance", "1")),
		"slash in node":  event("a/b", baseTS, readings("distance", "1")),
		"no timestamp":   {NodeID: "n1", Readings: readings("distance", "1")},
		"bad timestamp":  {NodeID: "n1", Timestamp: "yesterday", Readings: readings("distance", "1")},
		"no readings":    event("n1", baseTS, nil),
		"only bad reads": event("n1", baseTS, readings("", "1", "distance", "null", "temp", `"warm"`)),
	}
	for name, ev := range cases {
		if _, err := w.Ingest(ctx, ev); !errors.Is(err, apperrors.ErrInvalidPayload) {
			t.Fatalf("%s: expected invalid payload, got %v", name, err)
		}
	}
}

func TestIngestSkipsBadReadings(t *testing.T) {
	repo := openRepo(t)
	w := &Writer{Archive: openArchive(t), Index: repo}
	rep, err := w.Ingest(context.Background(), event("n1", baseTS, readings("distance", `"412.5"`, "temperature", "null", "", "3")))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rep.Skipped != 2 || rep.Archived != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestIngestSnapshotCarriesFill(t *testing.T) {
	repo := openRepo(t)
	a := openArchive(t)
	notes := &recorder{}
	w := &Writer{Archive: a, Index: repo, Snapshots: true, Heights: fixedHeights{"n1": 1000}, Notifier: notes}
	ctx := context.Background()

	if _, err := w.Ingest(ctx, event("n1", baseTS, readings("distance", "250", "temperature", "19"))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	body, err := a.Get(ctx, archive.SnapshotKey(archive.DefaultPrefix, "n1", baseTS))
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	var doc struct {
		NodeID   string             `json:"node-id"`
		Readings map[string]float64 `json:"readings"`
		Fill     float64            `json:"fill_percent"`
		Height   float64            `json:"max_hoehe_mm"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.NodeID != "n1" || doc.Fill != 75 || doc.Height != 1000 || len(doc.Readings) != 2 {
		t.Fatalf("unexpected snapshot: %s", body)
	}
	if len(notes.events) != 1 || notes.events[0].Readings["distance"] != 250 {
		t.Fatalf("unexpected broadcast: %+v", notes.events)
	}
}

func TestIngestUpdatesRollups(t *testing.T) {
	repo := openRepo(t)
	w := &Writer{Archive: openArchive(t), Index: repo, Rollups: repo, Location: time.UTC}
	ctx := context.Background()
	for i, v := range []string{"100", "200"} {
		if _, err := w.Ingest(ctx, event("n1", baseTS+int64(i), readings("distance", v))); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	buckets, err := repo.Aggregate(ctx, "n1", "distance", store.Daily, time.UnixMilli(baseTS).UTC())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(buckets) != 1 || buckets[0].Value != 150 || buckets[0].Count != 2 {
		t.Fatalf("unexpected buckets: %+v", buckets)
	}
}

func TestHandleMessage(t *testing.T) {
	repo := openRepo(t)
	w := &Writer{Archive: openArchive(t), Index: repo, Topic: "hydronode/+/telemetry"}
	ctx := context.Background()

	w.HandleMessage(ctx, fakeMsg{
		topic:   "hydronode/node-7/telemetry",
		payload: []byte(`{"reported":{"readings":[{"type":"distance","value":300}]},"ts":1700000000}`),
	})
	w.HandleMessage(ctx, fakeMsg{topic: "hydronode/node-7/telemetry", payload: []byte(`{not-json}`)})

	rows, err := repo.ReadingsAscending(ctx, "node-7")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].TS != 1_700_000_000_000 {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]int64{
		"1700000000":                1_700_000_000_000,
		"1700000000.5":              1_700_000_000_500,
		"1700000000123":             1_700_000_000_123,
		"2023-11-14T22:13:20Z":      1_700_000_000_000,
		"2023-11-14T23:13:20+01:00": 1_700_000_000_000,
	}
	for raw, want := range cases {
		got, err := ParseTimestamp(raw)
		if err != nil || got != want {
			t.Fatalf("%s: got %d err=%v", raw, got, err)
		}
	}
	for _, raw := range []string{"", "-5", "soon"} {
		if _, err := ParseTimestamp(raw); !errors.Is(err, apperrors.ErrInvalidPayload) {
			t.Fatalf("%q: expected invalid payload, got %v", raw, err)
		}
	}
}

func TestEnvelopeEvent(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"thingName":"n1","reported":{"readings":[{"type":"distance","value":1}]},"ts":"1700000000"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := env.Event("fallback")
	if ev.NodeID != "n1" || ev.Timestamp != "1700000000" || len(ev.Readings) != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if NodeFromTopic("hydronode/+/telemetry", "hydronode/n2/telemetry") != "n2" {
		t.Fatalf("topic node")
	}
	if NodeFromTopic("hydronode/+/telemetry", "other/n2/telemetry") != "" {
		t.Fatalf("foreign topic must not match")
	}
}

func TestIngestBoundsStoreCalls(t *testing.T) {
	w := &Writer{Archive: openArchive(t), Index: stallingIndex{}, Timeout: 50 * time.Millisecond}

	done := make(chan Report, 1)
	go func() {
		rep, err := w.Ingest(context.Background(), event("n1", baseTS, readings("distance", "400")))
		if err != nil {
			t.Errorf("ingest: %v", err)
		}
		done <- rep
	}()
	select {
	case rep := <-done:
		if rep.Indexed || rep.Archived != 1 {
			t.Fatalf("unexpected report: %+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ingest blocked on a stalled index")
	}
}

func TestIngestRepeatedTypeKeepsOneValue(t *testing.T) {
	repo := openRepo(t)
	a := openArchive(t)
	w := &Writer{Archive: a, Index: repo}
	ctx := context.Background()

	rep, err := w.Ingest(ctx, event("n1", baseTS, readings("distance", "100", "temperature", "20", "distance", "300")))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rep.Archived != 2 || rep.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	body, err := a.Get(ctx, archive.MetricKey(archive.DefaultPrefix, "n1", "distance", baseTS))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rows, err := repo.ReadingsAscending(ctx, "n1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows: %v %v", rows, err)
	}
	vals, err := rows[0].Values()
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	if doc["value"] != float64(300) || vals["distance"] != 300 {
		t.Fatalf("archive %v and index %v disagree", doc["value"], vals["distance"])
	}
}

func TestHandleLambdaAcknowledgesInvalidEvents(t *testing.T) {
	repo := openRepo(t)
	w := &Writer{Archive: openArchive(t), Index: repo}
	ctx := context.Background()

	if _, err := w.HandleLambda(ctx, Envelope{}); err != nil {
		t.Fatalf("invalid event must be acknowledged, got %v", err)
	}
	if _, err := w.HandleEnvelope(ctx, Envelope{}); !errors.Is(err, apperrors.ErrInvalidPayload) {
		t.Fatalf("HTTP path must still see invalid payload, got %v", err)
	}

	env, err := DecodeEnvelope([]byte(`{"thingName":"n1","reported":{"readings":[{"type":"distance","value":410}]},"ts":1700000000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rep, err := w.HandleLambda(ctx, env)
	if err != nil || !rep.Indexed || rep.TS != baseTS {
		t.Fatalf("valid event: %+v %v", rep, err)
	}
}
