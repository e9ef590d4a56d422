package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hydronode/telemetry-service/internal/apperrors"
	"github.com/hydronode/telemetry-service/internal/archive"
	"github.com/hydronode/telemetry-service/internal/ingest"
	"github.com/hydronode/telemetry-service/internal/series"
	"github.com/hydronode/telemetry-service/internal/store"
)

type nowPoint struct {
	Timestamp int64   `json:"timestamp"`
	NodeID    string  `json:"nodeId"`
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
}

type objectDTO struct {
	Key          string `json:"key"`
	LastModified int64  `json:"lastModified"`
	Data         any    `json:"data"`
}

type objectErr struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type seriesResponse struct {
	NodeID    string                   `json:"nodeId"`
	Timeframe string                   `json:"timeframe"`
	Data      map[string]series.Series `json:"data"`
	Errors    map[string]string        `json:"errors,omitempty"`
}

func requireParams(w http.ResponseWriter, r *http.Request, names ...string) ([]string, bool) {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.TrimSpace(r.URL.Query().Get(n))
		if out[i] == "" {
			badRequest(w, n+" is required")
			return nil, false
		}
	}
	return out, true
}

// handleNow returns every indexed value of one metric, oldest first.
func (s *Server) handleNow(w http.ResponseWriter, r *http.Request) {
	p, ok := requireParams(w, r, "node-id", "type")
	if !ok {
		return
	}
	nodeID, metric := p[0], p[1]

	rows, err := s.opts.Repo.ReadingsAscending(r.Context(), nodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	points := make([]nowPoint, 0, len(rows))
	for _, row := range rows {
		vals, err := row.Values()
		if err != nil {
			slog.Warn("skipping undecodable index row", "node_id", nodeID, "ts", row.TS, "error", err)
			continue
		}
		if v, ok := vals[metric]; ok {
			points = append(points, nowPoint{Timestamp: row.TS, NodeID: nodeID, Type: metric, Value: v})
		}
	}
	if len(points) == 0 {
		apperrors.WriteError(w, apperrors.NotFound("no readings for node "+nodeID+" and type "+metric))
		return
	}
	writeData(w, points)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	p, ok := requireParams(w, r, "node-id", "type", "timeframe")
	if !ok {
		return
	}
	tf, err := series.LookupTimeframe(p[2])
	if err != nil || tf.IsNow() {
		badRequest(w, "timeframe must be one of WEEK, MONTH, YEAR")
		return
	}
	since := tf.Since(time.Now().In(s.opts.Location))
	buckets, err := s.opts.Repo.Aggregate(r.Context(), p[0], p[1], tf.Granularity, since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(buckets) == 0 {
		apperrors.WriteError(w, apperrors.NotFound("no aggregates for node "+p[0]+" and type "+p[1]))
		return
	}
	writeData(w, buckets)
}

// handleSeries runs the aggregation reader. Per-metric failures are reported
// next to the series that did load.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodeID := strings.TrimSpace(q.Get("node-id"))
	if nodeID == "" {
		badRequest(w, "node-id is required")
		return
	}
	var types []string
	for _, v := range q["type"] {
		types = append(types, strings.Split(v, ",")...)
	}
	if len(types) == 0 {
		badRequest(w, "type is required")
		return
	}

	height, err := s.vesselHeight(r, nodeID)
	if err != nil {
		badRequest(w, "invalid vessel-height")
		return
	}

	res, err := s.opts.Series.FetchSeries(r.Context(), series.Request{
		NodeID:       nodeID,
		Types:        types,
		Timeframe:    q.Get("timeframe"),
		VesselHeight: height,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	tf, _ := series.LookupTimeframe(q.Get("timeframe"))
	resp := seriesResponse{NodeID: nodeID, Timeframe: tf.Name, Data: res.Series}
	if len(res.Errors) > 0 {
		resp.Errors = make(map[string]string, len(res.Errors))
		for metric, err := range res.Errors {
			slog.Warn("series metric failed", "node_id", nodeID, "type", metric, "error", err)
			resp.Errors[metric] = errorText(apperrors.FromError(err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// vesselHeight prefers an explicit query parameter and falls back to the
// metadata store. An unknown vessel yields 0, which disables fill.
func (s *Server) vesselHeight(r *http.Request, nodeID string) (float64, error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("vessel-height")); raw != "" {
		h, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, err
		}
		if math.IsInf(h, 0) || math.IsNaN(h) {
			return 0, fmt.Errorf("vessel-height %q is not finite", raw)
		}
		return h, nil
	}
	if s.opts.Heights == nil {
		return 0, nil
	}
	h, err := s.opts.Heights.HeightForNode(r.Context(), nodeID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			slog.Warn("vessel height lookup failed", "node_id", nodeID, "error", err)
		}
		return 0, nil
	}
	return h, nil
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	p, ok := requireParams(w, r, "node-id")
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	desc := strings.EqualFold(strings.TrimSpace(q.Get("order")), "desc")
	cursor, err := store.DecodeCursor(q.Get("cursor"))
	if err != nil {
		badRequest(w, "invalid cursor")
		return
	}
	page, err := s.opts.Repo.ListReadings(r.Context(), p[0], limit, cursor, desc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTimeframes(w http.ResponseWriter, _ *http.Request) {
	writeData(w, series.Timeframes())
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	thing := strings.TrimSpace(chi.URLParam(r, "thing"))
	if thing == "" || strings.Contains(thing, "/") {
		badRequest(w, "invalid thing")
		return
	}
	s.listLatest(w, r, archive.NodePrefix(s.opts.Prefix, thing))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = s.opts.Prefix
	}
	s.listLatest(w, r, prefix)
}

func (s *Server) listLatest(w http.ResponseWriter, r *http.Request, prefix string) {
	q := r.URL.Query()
	limit := s.opts.ListLimit
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	by, err := archive.ParseSortBy(q.Get("sort"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	results, err := s.opts.Archive.ListLatestBy(r.Context(), prefix, limit, by)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data := make([]objectDTO, 0, len(results))
	var failed []objectErr
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, objectErr{Key: res.Key, Error: res.Err.Error()})
			continue
		}
		data = append(data, objectDTO{Key: res.Key, LastModified: res.LastModified, Data: res.Data})
	}
	body := map[string]any{"data": data}
	if len(failed) > 0 {
		body["errors"] = failed
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, "could not read body")
		return
	}
	env, err := ingest.DecodeEnvelope(payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := s.opts.Writer.HandleEnvelope(r.Context(), env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rep)
}
