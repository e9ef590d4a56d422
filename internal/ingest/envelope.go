package ingest

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

// Envelope is the device shadow style message nodes publish:
//
//	{"thingName":"node-1","reported":{"readings":[{"type":"distance","value":412}]},"ts":1717000000}
type Envelope struct {
	ThingName string          `json:"thingName"`
	Reported  Reported        `json:"reported"`
	TS        json.RawMessage `json:"ts"`
}

type Reported struct {
	Readings []RawReading `json:"readings"`
}

type RawReading struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, apperrors.Invalid("decode envelope: %v", err)
	}
	return env, nil
}

// Event converts the envelope, taking fallbackNode when thingName is empty.
func (e Envelope) Event(fallbackNode string) Event {
	node := strings.TrimSpace(e.ThingName)
	if node == "" {
		node = fallbackNode
	}
	return Event{NodeID: node, Timestamp: rawString(e.TS), Readings: e.Reported.Readings}
}

func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

// ParseTimestamp normalises epoch seconds, epoch milliseconds or RFC 3339 to
// epoch milliseconds. Numbers below 1e12 are taken as seconds.
func ParseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, apperrors.Invalid("timestamp is required")
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, apperrors.Invalid("timestamp %q out of range", raw)
		}
		if f < 1e12 {
			return int64(math.Round(f * 1000)), nil
		}
		return int64(f), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, apperrors.Invalid("unparseable timestamp %q", raw)
	}
	return t.UnixMilli(), nil
}

// value accepts JSON numbers and numeric strings.
func (r RawReading) value() (float64, bool) {
	s := rawString(r.Value)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// NodeFromTopic returns the topic level matched by the single '+' wildcard
// of pattern, e.g. "hydronode/+/telemetry" and "hydronode/n1/telemetry"
// yield "n1".
func NodeFromTopic(pattern, topic string) string {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	if len(p) != len(t) {
		return ""
	}
	node := ""
	for i := range p {
		switch p[i] {
		case "+":
			node = t[i]
		case t[i]:
		default:
			return ""
		}
	}
	return node
}
