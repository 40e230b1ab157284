package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-upload/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-upload/internal/upload"
	"github.com/imrishuroy/go-idempotent-upload/internal/validation"
)

// --- mock implementations ---

type mockS3 struct {
	mu    sync.Mutex
	puts  int
	fails int
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return nil, errors.New("SlowDown")
	}
	m.puts++
	return &s3.PutObjectOutput{}, nil
}

type fixture struct {
	s3        *mockS3
	store     *idempotency.MemoryStore
	deriver   *idempotency.Deriver
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	v := validation.New()
	deriver, err := idempotency.NewDeriver("body", "upload")
	require.NoError(t, err)

	f := &fixture{s3: &mockS3{}, store: idempotency.NewMemoryStore(), deriver: deriver}
	op := upload.NewUploader(f.s3, "bucket", upload.IdempotentPrefix, upload.WithLogger(logger)).Operation(v)
	coord := idempotency.NewCoordinator(f.store, deriver, op, idempotency.WithLogger(logger))
	f.processor = NewProcessor(coord, v, logger)
	return f
}

func msg(id, body string) events.SQSMessage {
	return events.SQSMessage{MessageId: id, Body: body}
}

// --- test cases ---

func TestWorkerProcess_DuplicateDeliveriesUploadOnce(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		msg("m1", `{"message":"hello"}`),
		msg("m2", `{"message":"hello"}`),
		msg("m3", `{"message":"other"}`),
	}})

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 2, f.s3.puts)
}

func TestWorkerProcess_MalformedIsDropped(t *testing.T) {
	f := newFixture(t)

	resp, err := f.processor.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		msg("bad-1", `not-json`),
		msg("bad-2", `{"msg":"hello"}`),
	}})

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Zero(t, f.s3.puts)
}

func TestWorkerProcess_FailureIsRedelivered(t *testing.T) {
	f := newFixture(t)
	f.s3.fails = 1

	resp, err := f.processor.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		msg("m1", `{"message":"hello"}`),
		msg("m2", `{"message":"world"}`),
	}})

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m1", resp.BatchItemFailures[0].ItemIdentifier)

	// the redelivery succeeds because the failed attempt released its slot
	resp, err = f.processor.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		msg("m1", `{"message":"hello"}`),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 2, f.s3.puts)
}

func TestWorkerProcess_InProgressIsRedelivered(t *testing.T) {
	f := newFixture(t)
	body := `{"message":"hello"}`
	key, err := f.deriver.Derive(idempotency.Request{Method: queueMethod, Path: queuePath, Body: []byte(body)})
	require.NoError(t, err)
	_, err = f.store.TryInsertInProgress(context.Background(), key, time.Minute)
	require.NoError(t, err)

	resp, err := f.processor.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{msg("m1", body)}})

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m1", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Zero(t, f.s3.puts)
}
