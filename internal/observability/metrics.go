package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_events_total",
			Help: "Ingested reading events by result.",
		},
		[]string{"result"},
	)
	ArchiveWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_archive_writes_total",
			Help: "Archive object writes by kind and result.",
		},
		[]string{"kind", "result"},
	)
	IndexTrims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_index_trims_total",
			Help: "Recent-index rows deleted by retention, by trigger.",
		},
		[]string{"trigger"},
	)
)

func init() {
	prometheus.MustRegister(IngestEvents, ArchiveWrites, IndexTrims)
}

// SetupLogging installs a text slog handler on stdout as the default logger.
func SetupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
