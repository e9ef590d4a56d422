package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hydronode/telemetry-service/internal/app"
	"github.com/hydronode/telemetry-service/internal/config"
	"github.com/hydronode/telemetry-service/internal/httpapi"
	"github.com/hydronode/telemetry-service/internal/mqtt"
	"github.com/hydronode/telemetry-service/internal/observability"
	"github.com/hydronode/telemetry-service/internal/realtime"
	"github.com/hydronode/telemetry-service/internal/retention"
	"github.com/hydronode/telemetry-service/internal/series"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	observability.SetupLogging(cfg.LogLevel)

	if err := app.CheckRequired(cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, promHandler, tracer, err := observability.Setup(ctx, "telemetry-service", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	reader, err := a.ArchiveReader()
	if err != nil {
		slog.Error("invalid archive settings", "error", err)
		os.Exit(1)
	}

	hub := realtime.NewHub(realtime.Options{AllowedOrigins: cfg.CORSOrigins})
	a.Writer.Notifier = hub

	if strings.TrimSpace(cfg.MQTT.BrokerURL) != "" {
		mq, err := mqtt.Connect(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID)
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()
		if err := mq.Subscribe(cfg.MQTT.Topic, func(m mqtt.Message) {
			a.Writer.HandleMessage(ctx, m)
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", cfg.MQTT.Topic, "error", err)
			os.Exit(1)
		}
		slog.Info("telemetry ingest subscribed", "topic", cfg.MQTT.Topic)
	} else {
		slog.Warn("MQTT_BROKER_URL not set, ingesting over HTTP only")
	}

	sweeper := retention.New(a.Repo, cfg.Retention.MaxEntries)
	if err := sweeper.Start(cfg.Retention.SweepSchedule); err != nil {
		slog.Error("retention schedule invalid", "schedule", cfg.Retention.SweepSchedule, "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	seriesReader := series.NewReader(&series.StoreSource{Repo: a.Repo, Location: a.Location})
	seriesReader.InstantTimeout = cfg.Query.InstantTimeout
	seriesReader.HistoricTimeout = cfg.Query.HistoricTimeout

	srv := httpapi.New(httpapi.Options{
		Repo:        a.Repo,
		Archive:     reader,
		Series:      seriesReader,
		Writer:      a.Writer,
		Limiter:     a.IngestLimiter(),
		Meta:        a.Meta,
		Heights:     a.Heights,
		Hub:         hub,
		Metrics:     promHandler,
		Tracer:      tracer,
		Location:    a.Location,
		Prefix:      cfg.Archive.Prefix,
		ListLimit:   cfg.Archive.ListLimit,
		CORSOrigins: cfg.CORSOrigins,
	})
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("telemetry-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}
