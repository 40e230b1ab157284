package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-idempotent-upload/internal/app"
	"github.com/imrishuroy/go-idempotent-upload/internal/aws"
	"github.com/imrishuroy/go-idempotent-upload/internal/config"
	"github.com/imrishuroy/go-idempotent-upload/internal/handlers"
	"github.com/imrishuroy/go-idempotent-upload/internal/logging"
	"github.com/imrishuroy/go-idempotent-upload/internal/upload"
	"github.com/imrishuroy/go-idempotent-upload/internal/validation"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestID(), handlers.RequestLogger(cfg.Logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterUploadRoutes(r, cfg)

	return r
}

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

	if cfg.RunLocal {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	v := validation.New()
	r := setupRouter(handlers.HandlerConfig{
		PlainUploader: deps.Uploader(upload.PlainPrefix),
		Coordinator:   deps.Coordinator(deps.Uploader(upload.IdempotentPrefix).Operation(v)),
		Validator:     v,
		Logger:        logger,
	})

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		logger.Info("local_server_start", "addr", cfg.LocalAddr)
		if err := r.Run(cfg.LocalAddr); err != nil {
			logger.Error("local_server_failed", "error", err.Error())
			os.Exit(1)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
