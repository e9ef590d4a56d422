package series

import (
	"strings"
	"time"

	"github.com/hydronode/telemetry-service/internal/apperrors"
	"github.com/hydronode/telemetry-service/internal/store"
)

const Now = "NOW"

// Timeframe is a named aggregation window. Span counts buckets of
// Granularity, the current one included.
type Timeframe struct {
	Name        string
	Granularity store.Granularity
	Span        int
}

var timeframes = []Timeframe{
	{Name: Now},
	{Name: "WEEK", Granularity: store.Daily, Span: 7},
	{Name: "MONTH", Granularity: store.Daily, Span: 31},
	{Name: "YEAR", Granularity: store.Monthly, Span: 12},
}

func Timeframes() []string {
	out := make([]string, 0, len(timeframes))
	for _, tf := range timeframes {
		out = append(out, tf.Name)
	}
	return out
}

func LookupTimeframe(name string) (Timeframe, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		n = Now
	}
	for _, tf := range timeframes {
		if tf.Name == n {
			return tf, nil
		}
	}
	return Timeframe{}, apperrors.Invalid("unknown timeframe %q", name)
}

func (tf Timeframe) IsNow() bool { return tf.Name == Now }

// Since returns the local start of the oldest bucket in the window ending at now.
func (tf Timeframe) Since(now time.Time) time.Time {
	y, m, d := now.Date()
	switch tf.Granularity {
	case store.Monthly:
		return time.Date(y, m-time.Month(tf.Span-1), 1, 0, 0, 0, 0, now.Location())
	case store.Daily:
		return time.Date(y, m, d-(tf.Span-1), 0, 0, 0, 0, now.Location())
	}
	return now
}

// BucketEntry places a bucket at local midnight of its first day.
func BucketEntry(b store.Bucket, loc *time.Location) Entry {
	day := b.Day
	if day == 0 {
		day = 1
	}
	return Entry{
		Timestamp: time.Date(b.Year, time.Month(b.Month), day, 0, 0, 0, 0, loc).UnixMilli(),
		Value:     b.Value,
	}
}
