// Package ingest fans reading events out to the object archive, the bounded
// recent index and the daily rollups.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/hydronode/telemetry-service/internal/apperrors"
	"github.com/hydronode/telemetry-service/internal/archive"
	"github.com/hydronode/telemetry-service/internal/observability"
	"github.com/hydronode/telemetry-service/internal/realtime"
	"github.com/hydronode/telemetry-service/internal/series"
	"github.com/hydronode/telemetry-service/internal/store"
)

const (
	DefaultMaxEntries   = 22
	DefaultStoreTimeout = 10 * time.Second
)

type Event struct {
	NodeID    string
	Timestamp string
	Readings  []RawReading
}

type Index interface {
	UpsertReading(ctx context.Context, row *store.RecentReading) error
	ListTimestamps(ctx context.Context, nodeID string) ([]int64, error)
	DeleteReading(ctx context.Context, nodeID string, ts int64) error
}

type Rollups interface {
	AddSample(ctx context.Context, nodeID, metric string, at time.Time, v float64) error
}

type HeightLookup interface {
	HeightForNode(ctx context.Context, nodeID string) (float64, error)
}

type Notifier interface {
	Broadcast(ev realtime.Event)
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
}

// Writer is safe for concurrent use. Rollups, Heights and Notifier are
// optional. Timeout bounds every single store call.
type Writer struct {
	Archive    archive.Store
	Index      Index
	Rollups    Rollups
	Heights    HeightLookup
	Notifier   Notifier
	Prefix     string
	MaxEntries int
	Snapshots  bool
	Location   *time.Location
	Topic      string
	Timeout    time.Duration
}

// Report describes what one Ingest call managed to persist.
type Report struct {
	NodeID        string `json:"nodeId"`
	TS            int64  `json:"timestamp"`
	Archived      int    `json:"archived"`
	ArchiveFailed int    `json:"archiveFailed"`
	Skipped       int    `json:"skipped"`
	Indexed       bool   `json:"indexed"`
	Trimmed       int    `json:"trimmed"`
}

type reading struct {
	metric string
	value  float64
}

// Ingest persists one event. Only a structurally invalid event returns an
// error; store failures are logged and reflected in the report.
func (w *Writer) Ingest(ctx context.Context, ev Event) (Report, error) {
	nodeID := strings.TrimSpace(ev.NodeID)
	if nodeID == "" || strings.Contains(nodeID, "/") {
		observability.IngestEvents.WithLabelValues("invalid").Inc()
		return Report{}, apperrors.Invalid("node id %q is missing or contains '/'", ev.NodeID)
	}
	ts, err := ParseTimestamp(ev.Timestamp)
	if err != nil {
		observability.IngestEvents.WithLabelValues("invalid").Inc()
		return Report{}, err
	}
	if len(ev.Readings) == 0 {
		observability.IngestEvents.WithLabelValues("invalid").Inc()
		return Report{}, apperrors.Invalid("event has no readings")
	}

	rep := Report{NodeID: nodeID, TS: ts}
	var valid []reading
	for _, raw := range ev.Readings {
		metric := strings.TrimSpace(raw.Type)
		v, ok := raw.value()
		if metric == "" || strings.Contains(metric, "/") || !ok {
			slog.Warn("ingest skipping reading", "node_id", nodeID, "type", raw.Type, "value", string(raw.Value))
			rep.Skipped++
			continue
		}
		valid = append(valid, reading{metric: metric, value: v})
	}
	valid, dups := dedupe(valid)
	if dups > 0 {
		slog.Warn("ingest event repeats reading types, keeping the last value", "node_id", nodeID, "duplicates", dups)
		rep.Skipped += dups
	}
	if len(valid) == 0 {
		observability.IngestEvents.WithLabelValues("invalid").Inc()
		return rep, apperrors.Invalid("event has no usable readings")
	}

	rep.Archived, rep.ArchiveFailed = w.archiveReadings(ctx, nodeID, ts, valid)

	values := make(map[string]float64, len(valid))
	for _, r := range valid {
		values[r.metric] = r.value
	}
	if w.Snapshots {
		w.archiveSnapshot(ctx, nodeID, ts, values)
	}

	if err := w.index(ctx, nodeID, ts, ev.Timestamp, values); err != nil {
		slog.Error("ingest index write failed", "node_id", nodeID, "ts", ts, "error", err)
		observability.IngestEvents.WithLabelValues("index_failed").Inc()
		return rep, nil
	}
	rep.Indexed = true
	rep.Trimmed = w.trim(ctx, nodeID)

	w.rollup(ctx, nodeID, ts, valid)
	if w.Notifier != nil {
		w.Notifier.Broadcast(realtime.Event{Type: realtime.EventReadingIngested, NodeID: nodeID, TS: ts, Readings: values})
	}
	observability.IngestEvents.WithLabelValues("ok").Inc()
	slog.Debug("ingest stored", "node_id", nodeID, "ts", ts, "archived", rep.Archived, "trimmed", rep.Trimmed)
	return rep, nil
}

// dedupe keeps one reading per metric, the last one seen, at the position of
// the first.
func dedupe(in []reading) ([]reading, int) {
	pos := make(map[string]int, len(in))
	out := in[:0:0]
	for _, r := range in {
		if i, ok := pos[r.metric]; ok {
			out[i].value = r.value
			continue
		}
		pos[r.metric] = len(out)
		out = append(out, r)
	}
	return out, len(in) - len(out)
}

func (w *Writer) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := w.Timeout
	if d <= 0 {
		d = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, d)
}

// archiveReadings writes one object per reading. Writes are independent; a
// failure never stops its siblings.
func (w *Writer) archiveReadings(ctx context.Context, nodeID string, ts int64, readings []reading) (ok, failed int) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(8)
	for _, r := range readings {
		g.Go(func() error {
			body, _ := json.Marshal(map[string]any{
				"node-id":   nodeID,
				"sensor-id": r.metric,
				"timestamp": ts,
				"value":     r.value,
			})
			key := archive.MetricKey(w.prefix(), nodeID, r.metric, ts)
			putCtx, cancel := w.storeCtx(ctx)
			err := w.Archive.Put(putCtx, key, body)
			cancel()
			result := archiveResult(err)
			observability.ArchiveWrites.WithLabelValues("metric", result).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case "ok":
				ok++
			case "exists":
				slog.Debug("ingest archive object already present", "key", key)
				ok++
			default:
				slog.Error("ingest archive write failed", "key", key, "error", err)
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return ok, failed
}

// archiveSnapshot stores the whole event, enriched with the fill level when
// the node's vessel height is known.
func (w *Writer) archiveSnapshot(ctx context.Context, nodeID string, ts int64, values map[string]float64) {
	doc := map[string]any{
		"node-id":   nodeID,
		"timestamp": ts,
		"readings":  values,
	}
	if d, ok := values[series.MetricDistance]; ok && w.Heights != nil {
		lookupCtx, cancel := w.storeCtx(ctx)
		height, err := w.Heights.HeightForNode(lookupCtx, nodeID)
		cancel()
		switch {
		case err == nil:
			if fill, ok := series.FillPercent(height, d); ok {
				doc["fill_percent"] = fill
				doc["max_hoehe_mm"] = height
			}
		case errors.Is(err, apperrors.ErrNotFound):
		default:
			slog.Warn("ingest vessel height lookup failed", "node_id", nodeID, "error", err)
		}
	}
	body, _ := json.Marshal(doc)
	key := archive.SnapshotKey(w.prefix(), nodeID, ts)
	putCtx, cancel := w.storeCtx(ctx)
	defer cancel()
	err := w.Archive.Put(putCtx, key, body)
	result := archiveResult(err)
	observability.ArchiveWrites.WithLabelValues("snapshot", result).Inc()
	if result == "error" {
		slog.Error("ingest snapshot write failed", "key", key, "error", err)
	}
}

func (w *Writer) index(ctx context.Context, nodeID string, ts int64, raw string, values map[string]float64) error {
	b, err := json.Marshal(values)
	if err != nil {
		return err
	}
	ctx, cancel := w.storeCtx(ctx)
	defer cancel()
	return w.Index.UpsertReading(ctx, &store.RecentReading{
		NodeID:    nodeID,
		TS:        ts,
		Timestamp: raw,
		Readings:  datatypes.JSON(b),
	})
}

// trim removes the single oldest row once the node holds more than
// MaxEntries. It is a soft cap: concurrent ingests may leave the node a few
// rows over until the next ingest or sweep.
func (w *Writer) trim(ctx context.Context, nodeID string) int {
	limit := w.MaxEntries
	if limit <= 0 {
		limit = DefaultMaxEntries
	}
	listCtx, cancel := w.storeCtx(ctx)
	ts, err := w.Index.ListTimestamps(listCtx, nodeID)
	cancel()
	if err != nil {
		slog.Error("ingest retention query failed", "node_id", nodeID, "error", err)
		return 0
	}
	if len(ts) <= limit {
		return 0
	}
	oldest := ts[len(ts)-1]
	delCtx, cancel := w.storeCtx(ctx)
	defer cancel()
	if err := w.Index.DeleteReading(delCtx, nodeID, oldest); err != nil {
		slog.Error("ingest retention delete failed", "node_id", nodeID, "ts", oldest, "error", err)
		return 0
	}
	observability.IndexTrims.WithLabelValues("ingest").Inc()
	return 1
}

func (w *Writer) rollup(ctx context.Context, nodeID string, ts int64, readings []reading) {
	if w.Rollups == nil {
		return
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	at := time.UnixMilli(ts).In(loc)
	for _, r := range readings {
		addCtx, cancel := w.storeCtx(ctx)
		err := w.Rollups.AddSample(addCtx, nodeID, r.metric, at, r.value)
		cancel()
		if err != nil {
			slog.Warn("ingest rollup update failed", "node_id", nodeID, "type", r.metric, "error", err)
		}
	}
}

func (w *Writer) prefix() string {
	if w.Prefix == "" {
		return archive.DefaultPrefix
	}
	return w.Prefix
}

func archiveResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrObjectExists):
		return "exists"
	default:
		return "error"
	}
}

// HandleEnvelope ingests a decoded envelope.
func (w *Writer) HandleEnvelope(ctx context.Context, env Envelope) (Report, error) {
	return w.Ingest(ctx, env.Event(""))
}

// HandleLambda ingests one Lambda invocation. Invalid events are logged and
// acknowledged so the trigger does not redeliver them.
func (w *Writer) HandleLambda(ctx context.Context, env Envelope) (Report, error) {
	rep, err := w.HandleEnvelope(ctx, env)
	if errors.Is(err, apperrors.ErrInvalidPayload) {
		slog.Warn("ingest rejected lambda event", "thing", env.ThingName, "error", err)
		return rep, nil
	}
	return rep, err
}

// HandleMessage ingests one MQTT message. Failures are logged, never
// returned, so a bad message cannot stall the subscription.
func (w *Writer) HandleMessage(ctx context.Context, msg MQTTMessage) {
	topic := msg.Topic()
	payload := msg.Payload()
	if len(payload) == 0 {
		return
	}
	env, err := DecodeEnvelope(payload)
	if err != nil {
		slog.Warn("ingest invalid json", "topic", topic, "error", err)
		observability.IngestEvents.WithLabelValues("invalid").Inc()
		return
	}
	if _, err := w.Ingest(ctx, env.Event(NodeFromTopic(w.Topic, topic))); err != nil {
		slog.Warn("ingest rejected message", "topic", topic, "error", err)
	}
}
