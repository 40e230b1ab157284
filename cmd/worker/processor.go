package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-upload/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-upload/internal/validation"
)

// Queued requests are fingerprinted under this method and path.
const (
	queueMethod = "SQS"
	queuePath   = "sqs"
)

type executor interface {
	Execute(ctx context.Context, req idempotency.Request) (idempotency.Response, error)
}

// Processor runs queued upload requests through the idempotency coordinator.
type Processor struct {
	coordinator executor
	validator   *validatorv10.Validate
	logger      *slog.Logger
}

// NewProcessor creates a worker processor around coordinator.
func NewProcessor(coordinator executor, v *validatorv10.Validate, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{coordinator: coordinator, validator: v, logger: logger}
}

// Handle processes every record and reports the ones to redeliver.
// Malformed records are dropped since redelivery cannot fix them.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	p.logger.Info("sqs_batch_received", "records", len(ev.Records))

	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	log := p.logger.With("message_id", rec.MessageId)

	var req validation.UploadRequest
	if err := validation.Decode([]byte(rec.Body), &req, p.validator); err != nil {
		log.Warn("sqs_message_dropped", "reason", "invalid body", "error", err.Error())
		return nil
	}

	_, err := p.coordinator.Execute(ctx, idempotency.Request{
		Method: queueMethod,
		Path:   queuePath,
		Body:   []byte(rec.Body),
	})
	switch {
	case err == nil:
		log.Info("sqs_message_processed")
		return nil
	case errors.Is(err, idempotency.ErrMalformedRequest):
		log.Warn("sqs_message_dropped", "reason", "malformed", "error", err.Error())
		return nil
	case errors.Is(err, idempotency.ErrInProgress):
		log.Info("sqs_message_deferred", "reason", "in progress")
		return err
	default:
		log.Error("sqs_message_failed", "error", err.Error())
		return err
	}
}
