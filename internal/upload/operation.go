package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-upload/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-upload/internal/validation"
)

// Operation adapts the uploader to the idempotency coordinator. The response
// body is the JSON confirmation; an invalid payload wraps ErrMalformedRequest.
func (u *Uploader) Operation(v *validatorv10.Validate) idempotency.Operation {
	return func(ctx context.Context, req idempotency.Request) (idempotency.Response, error) {
		var in validation.UploadRequest
		if err := validation.Decode(req.Body, &in, v); err != nil {
			return idempotency.Response{}, fmt.Errorf("%w: %v", idempotency.ErrMalformedRequest, err)
		}
		if _, err := u.Upload(ctx, in.Message); err != nil {
			return idempotency.Response{}, err
		}
		body, err := MessageBody(SuccessMessage(in.Message))
		if err != nil {
			return idempotency.Response{}, err
		}
		return idempotency.Response{StatusCode: http.StatusOK, Body: body}, nil
	}
}

// MessageBody encodes {"message": msg} without HTML escaping, so <, > and &
// are returned as sent.
func MessageBody(msg string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]string{"message": msg}); err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
