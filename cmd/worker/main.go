package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-idempotent-upload/internal/app"
	"github.com/imrishuroy/go-idempotent-upload/internal/aws"
	"github.com/imrishuroy/go-idempotent-upload/internal/config"
	"github.com/imrishuroy/go-idempotent-upload/internal/logging"
	"github.com/imrishuroy/go-idempotent-upload/internal/upload"
	"github.com/imrishuroy/go-idempotent-upload/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid_configuration", "error", err.Error())
		os.Exit(1)
	}

	logger := logging.NewJSONLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		logger.Error("aws_clients_init_failed", "error", err.Error())
		os.Exit(1)
	}

	deps, err := app.New(ctx, cfg, clients, logger)
	if err != nil {
		logger.Error("dependencies_init_failed", "error", err.Error())
		os.Exit(1)
	}
	defer deps.Close()

	v := validation.New()
	processor := NewProcessor(deps.Coordinator(deps.Uploader(upload.IdempotentPrefix).Operation(v)), v, logger)

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if cfg.RunLocal {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"message":"local worker upload"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: testBody},
			},
		}
		resp, err := processor.Handle(ctx, event)
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Error("local_handler_failed", "failures", len(resp.BatchItemFailures))
		}
		return
	}

	lambda.Start(processor.Handle)
}
