// Package archive is the append-only object archive for raw readings and the
// reader that lists and fetches the newest objects under a prefix.
package archive

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"
)

const DefaultPrefix = "iot-data/"

type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Page is one listing page. NextToken is empty on the last page.
type Page struct {
	Objects   []Object
	NextToken string
}

// Store is a write-once blob store addressed by key. Put fails with
// apperrors.ErrObjectExists when the key is already taken, Get with
// apperrors.ErrNotFound when it is missing. List returns keys in
// lexicographic order, at most maxKeys per page.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix, token string, maxKeys int) (Page, error)
	Close() error
}

// MetricKey addresses the single-reading object for one metric of one event.
func MetricKey(prefix, nodeID, metric string, ts int64) string {
	return prefix + nodeID + "_" + metric + "_" + strconv.FormatInt(ts, 10) + ".json"
}

// SnapshotKey addresses the whole-event snapshot object.
func SnapshotKey(prefix, nodeID string, ts int64) string {
	return NodePrefix(prefix, nodeID) + strconv.FormatInt(ts, 10) + ".json"
}

func NodePrefix(prefix, nodeID string) string {
	return prefix + nodeID + "/"
}

// KeyTimestamp extracts the numeric stem of a key. It accepts
// "<prefix>/<epoch>.json", "<prefix>/<node>/<epoch>.json" and
// "<node>_<metric>_<epoch>.json".
func KeyTimestamp(key string) (int64, bool) {
	stem := strings.TrimSuffix(path.Base(key), ".json")
	if i := strings.LastIndex(stem, "_"); i >= 0 {
		stem = stem[i+1:]
	}
	ts, err := strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
