package handlers_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-upload/internal/handlers"
	"github.com/imrishuroy/go-idempotent-upload/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-upload/internal/upload"
	"github.com/imrishuroy/go-idempotent-upload/internal/validation"
)

// fakeS3 records objects and can fail or block on demand.
type fakeS3 struct {
	mu       sync.Mutex
	keys     []string
	bodies   []string
	failNext int
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("ServiceUnavailable")
	}
	b, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, string(b))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

// countingStore counts record accesses.
type countingStore struct {
	idempotency.Store
	calls atomic.Int32
}

func (s *countingStore) TryInsertInProgress(ctx context.Context, key string, ttl time.Duration) (idempotency.Outcome, error) {
	s.calls.Add(1)
	return s.Store.TryInsertInProgress(ctx, key, ttl)
}

type brokenStore struct{ idempotency.Store }

func (brokenStore) TryInsertInProgress(ctx context.Context, key string, ttl time.Duration) (idempotency.Outcome, error) {
	return idempotency.Outcome{}, errors.New("dial tcp: connection refused")
}

func newRouter(t *testing.T, s3c *fakeS3, store idempotency.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.DiscardHandler)
	v := validation.New()
	deriver, err := idempotency.NewDeriver("body", "upload")
	require.NoError(t, err)

	op := upload.NewUploader(s3c, "test-bucket", upload.IdempotentPrefix, upload.WithLogger(logger)).Operation(v)
	r := gin.New()
	r.Use(handlers.RequestID(), handlers.RequestLogger(logger))
	handlers.RegisterUploadRoutes(r, handlers.HandlerConfig{
		PlainUploader: upload.NewUploader(s3c, "test-bucket", upload.PlainPrefix, upload.WithLogger(logger)),
		Coordinator:   idempotency.NewCoordinator(store, deriver, op, idempotency.WithLogger(logger)),
		Validator:     v,
		Logger:        logger,
	})
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPlainUpload_Success(t *testing.T) {
	s3c := &fakeS3{}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	w := post(r, "/upload", `{"message":"hello"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"File uploaded successfully with content: 'hello'"}`, w.Body.String())
	require.Equal(t, 1, s3c.writes())
	assert.True(t, strings.HasPrefix(s3c.keys[0], "plain-"))
	assert.True(t, strings.HasSuffix(s3c.keys[0], ".txt"))
	assert.Equal(t, "hello", s3c.bodies[0])
	assert.NotEmpty(t, w.Header().Get(handlers.RequestIDHeader))
}

func TestUpload_MessageIsNotHTMLEscaped(t *testing.T) {
	r := newRouter(t, &fakeS3{}, idempotency.NewMemoryStore())
	want := `{"message":"File uploaded successfully with content: 'a<b & c>d'"}`

	plain := post(r, "/upload", `{"message":"a<b & c>d"}`)
	hardened := post(r, "/upload-idempotent", `{"message":"a<b & c>d"}`)

	assert.Equal(t, want, strings.TrimSpace(plain.Body.String()))
	assert.Equal(t, want, hardened.Body.String())
}

func TestPlainUpload_DuplicatesWriteTwice(t *testing.T) {
	s3c := &fakeS3{}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	post(r, "/upload", `{"message":"hello"}`)
	post(r, "/upload", `{"message":"hello"}`)

	assert.Equal(t, 2, s3c.writes())
}

func TestPlainUpload_InvalidBody(t *testing.T) {
	s3c := &fakeS3{}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	w := post(r, "/upload", `not-json`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, s3c.writes())
}

func TestPlainUpload_S3Failure(t *testing.T) {
	s3c := &fakeS3{failNext: 1}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	w := post(r, "/upload", `{"message":"hello"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Error uploading file to S3: ")
	assert.Contains(t, w.Body.String(), "ServiceUnavailable")
}

func TestIdempotentUpload_DuplicateReplays(t *testing.T) {
	s3c := &fakeS3{}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	first := post(r, "/upload-idempotent", `{"message":"hello"}`)
	second := post(r, "/upload-idempotent", `{ "message" : "hello" }`)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"File uploaded successfully with content: 'hello'"}`, first.Body.String())
	require.Equal(t, 1, s3c.writes())
	assert.True(t, strings.HasPrefix(s3c.keys[0], "idempotent-"))
}

func TestIdempotentUpload_DifferentMessagesBothWrite(t *testing.T) {
	s3c := &fakeS3{}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	a := post(r, "/upload-idempotent", `{"message":"a"}`)
	b := post(r, "/upload-idempotent", `{"message":"b"}`)

	assert.Equal(t, http.StatusOK, a.Code)
	assert.Equal(t, http.StatusOK, b.Code)
	assert.Equal(t, 2, s3c.writes())
	assert.NotEqual(t, a.Body.String(), b.Body.String())
}

func TestIdempotentUpload_InFlightDuplicateConflicts(t *testing.T) {
	s3c := &fakeS3{entered: make(chan struct{}), release: make(chan struct{})}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- post(r, "/upload-idempotent", `{"message":"hello"}`) }()
	<-s3c.entered

	dup := post(r, "/upload-idempotent", `{"message":"hello"}`)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.JSONEq(t, `{"message":"Request already in progress"}`, dup.Body.String())

	close(s3c.release)
	first := <-done
	require.Equal(t, http.StatusOK, first.Code)

	s3c.entered = nil
	replay := post(r, "/upload-idempotent", `{"message":"hello"}`)
	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, 1, s3c.writes())
}

func TestIdempotentUpload_ConcurrentDuplicatesWriteOnce(t *testing.T) {
	s3c := &fakeS3{}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	const n = 16
	results := make([]*httptest.ResponseRecorder, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = post(r, "/upload-idempotent", `{"message":"hello"}`)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, s3c.writes())
	var okBody string
	for _, w := range results {
		require.Contains(t, []int{http.StatusOK, http.StatusConflict}, w.Code)
		if w.Code != http.StatusOK {
			continue
		}
		if okBody == "" {
			okBody = w.Body.String()
		}
		assert.Equal(t, okBody, w.Body.String())
	}
	assert.NotEmpty(t, okBody)
}

func TestIdempotentUpload_MalformedSkipsStore(t *testing.T) {
	s3c := &fakeS3{}
	store := &countingStore{Store: idempotency.NewMemoryStore()}
	r := newRouter(t, s3c, store)

	for _, body := range []string{`not-json`, `{}`, `{"message":""}`, ``} {
		w := post(r, "/upload-idempotent", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.JSONEq(t, `{"message":"Invalid request body"}`, w.Body.String())
	}
	assert.Zero(t, store.calls.Load())
	assert.Zero(t, s3c.writes())
}

func TestIdempotentUpload_FailureThenRetrySucceeds(t *testing.T) {
	s3c := &fakeS3{failNext: 1}
	r := newRouter(t, s3c, idempotency.NewMemoryStore())

	first := post(r, "/upload-idempotent", `{"message":"hello"}`)
	require.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Contains(t, first.Body.String(), "Error uploading file to S3: ")

	retry := post(r, "/upload-idempotent", `{"message":"hello"}`)
	assert.Equal(t, http.StatusOK, retry.Code)
	assert.Equal(t, 1, s3c.writes())
}

func TestIdempotentUpload_StoreUnavailable(t *testing.T) {
	s3c := &fakeS3{}
	r := newRouter(t, s3c, brokenStore{})

	w := post(r, "/upload-idempotent", `{"message":"hello"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"message":"Internal server error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.Zero(t, s3c.writes())
}

func TestRequestID_PropagatesCallerHeader(t *testing.T) {
	r := newRouter(t, &fakeS3{}, idempotency.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"message":"x"}`))
	req.Header.Set(handlers.RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(handlers.RequestIDHeader))
}
