// Command ingest-lambda runs the ingestion writer as an AWS Lambda handler
// fed by an IoT topic rule. Each invocation carries one device envelope.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/hydronode/telemetry-service/internal/app"
	"github.com/hydronode/telemetry-service/internal/config"
	"github.com/hydronode/telemetry-service/internal/observability"
)

func main() {
	cfg, err := config.Load(os.Getenv("TELEMETRY_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	observability.SetupLogging(cfg.LogLevel)
	if err := app.CheckRequired(cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	a, err := app.Open(context.Background(), cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	lambda.Start(a.Writer.HandleLambda)
}
