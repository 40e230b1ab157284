// Package app wires the configured idempotency store, metrics and upload
// event publisher for the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-idempotent-upload/internal/aws"
	"github.com/imrishuroy/go-idempotent-upload/internal/config"
	"github.com/imrishuroy/go-idempotent-upload/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-upload/internal/upload"
)

const redisPingTimeout = 3 * time.Second

// Deps are the shared runtime dependencies.
type Deps struct {
	Config  config.Config
	Logger  *slog.Logger
	Clients *aws.AWSClients
	Store   idempotency.Store
	Deriver *idempotency.Deriver

	// Recorder and Notifier are nil when their feature is not configured.
	Recorder idempotency.Recorder
	Notifier upload.Notifier

	closers []func() error
}

// New builds Deps from cfg. Close releases backend connections.
func New(ctx context.Context, cfg config.Config, clients *aws.AWSClients, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Logger: logger, Clients: clients}

	deriver, err := idempotency.NewDeriver(cfg.KeyExpression, cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	d.Deriver = deriver

	if err := d.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.MetricsNamespace != "" {
		d.Recorder = aws.NewMetricsRecorder(clients.CloudWatch, cfg.MetricsNamespace, logger)
	}
	if cfg.UploadEventsQueueURL != "" {
		d.Notifier = aws.NewPublisher(clients.SQS, cfg.UploadEventsQueueURL)
	}
	return d, nil
}

func (d *Deps) openStore(ctx context.Context) error {
	switch d.Config.Backend {
	case config.BackendDynamoDB:
		d.Store = idempotency.NewDynamoStore(d.Clients.DynamoDB, d.Config.IdempotencyTable)
	case config.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{d.Config.RedisAddr}})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping %s: %w", d.Config.RedisAddr, err)
		}
		d.Store = idempotency.NewRedisStore(client, d.Config.RedisKeyPrefix)
		d.closers = append(d.closers, client.Close)
	case config.BackendMemory:
		d.Logger.Warn("idempotency_memory_backend", "detail", "records are not shared between instances")
		d.Store = idempotency.NewMemoryStore()
	default:
		return fmt.Errorf("%w: unknown backend %q", config.ErrConfigurationMissing, d.Config.Backend)
	}
	d.Logger.Info("idempotency_store_ready", "backend", d.Config.Backend)
	return nil
}

// Uploader returns an uploader for prefix that publishes events when configured.
func (d *Deps) Uploader(prefix string) *upload.Uploader {
	opts := []upload.Option{upload.WithLogger(d.Logger)}
	if d.Notifier != nil {
		opts = append(opts, upload.WithNotifier(d.Notifier))
	}
	return upload.NewUploader(d.Clients.S3, d.Config.BucketName, prefix, opts...)
}

// Coordinator wraps op with the configured TTLs, logger and recorder.
func (d *Deps) Coordinator(op idempotency.Operation) *idempotency.Coordinator {
	opts := []idempotency.Option{
		idempotency.WithInProgressTTL(d.Config.InProgressTTL),
		idempotency.WithCompletedTTL(d.Config.CompletedTTL),
		idempotency.WithStaleAfter(d.Config.StaleAfter),
		idempotency.WithLogger(d.Logger),
	}
	if d.Recorder != nil {
		opts = append(opts, idempotency.WithRecorder(d.Recorder))
	}
	return idempotency.NewCoordinator(d.Store, d.Deriver, op, opts...)
}

// Close releases backend connections.
func (d *Deps) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
