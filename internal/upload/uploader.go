package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/imrishuroy/go-idempotent-upload/internal/aws"
)

// Object key prefixes for the two upload endpoints.
const (
	PlainPrefix      = "plain-"
	IdempotentPrefix = "idempotent-"
)

// keyTimeLayout is an ISO-8601 UTC timestamp with millisecond precision.
const keyTimeLayout = "2006-01-02T15:04:05.000Z"

// Notifier receives an event after every successful upload.
type Notifier interface {
	Publish(ctx context.Context, messageBody string, attributes map[string]string) error
}

// Result describes a stored object.
type Result struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int    `json:"size"`
}

// Uploader writes messages to S3 as text objects.
type Uploader struct {
	client   aws.S3API
	bucket   string
	prefix   string
	notifier Notifier
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithNotifier publishes an upload event after each stored object.
func WithNotifier(n Notifier) Option {
	return func(u *Uploader) { u.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

// WithClock overrides the time source used for object keys.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.nowFunc = now }
}

// NewUploader returns an Uploader that stores objects named prefix+timestamp+".txt" in bucket.
func NewUploader(client aws.S3API, bucket, prefix string, opts ...Option) *Uploader {
	u := &Uploader{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ObjectKey returns the key an upload at t is stored under.
func (u *Uploader) ObjectKey(t time.Time) string {
	return u.prefix + t.UTC().Format(keyTimeLayout) + ".txt"
}

// Upload stores message as a new object. The notifier, if any, is best effort.
func (u *Uploader) Upload(ctx context.Context, message string) (Result, error) {
	key := u.ObjectKey(u.nowFunc())
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &u.bucket,
		Key:           &key,
		Body:          strings.NewReader(message),
		ContentType:   awsString("text/plain; charset=utf-8"),
		ContentLength: awsInt64(int64(len(message))),
	})
	if err != nil {
		return Result{}, fmt.Errorf("put object %s/%s: %w", u.bucket, key, err)
	}

	res := Result{Bucket: u.bucket, Key: key, Size: len(message)}
	u.logger.Info("object_uploaded", "bucket", res.Bucket, "key", res.Key, "size", res.Size)
	u.notify(ctx, res)
	return res, nil
}

func (u *Uploader) notify(ctx context.Context, res Result) {
	if u.notifier == nil {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		u.logger.Warn("upload_event_encode_failed", "key", res.Key, "error", err.Error())
		return
	}
	attrs := map[string]string{"bucket": res.Bucket, "key": res.Key}
	if err := u.notifier.Publish(ctx, string(body), attrs); err != nil {
		u.logger.Warn("upload_event_publish_failed", "key", res.Key, "error", err.Error())
	}
}

// SuccessMessage is the confirmation text returned to clients.
func SuccessMessage(message string) string {
	return fmt.Sprintf("File uploaded successfully with content: '%s'", message)
}

// FailureMessage is the error text returned to clients when the upload fails.
func FailureMessage(err error) string {
	return "Error uploading file to S3: " + err.Error()
}

func awsString(s string) *string { return &s }
func awsInt64(i int64) *int64    { return &i }
