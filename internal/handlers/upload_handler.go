package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-upload/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-upload/internal/upload"
	"github.com/imrishuroy/go-idempotent-upload/internal/validation"
)

// Client-facing messages for failures that carry no operation detail.
const (
	msgInvalidBody = "Invalid request body"
	msgInProgress  = "Request already in progress"
	msgInternal    = "Internal server error"
)

// HandlerConfig groups dependencies for the upload handlers.
type HandlerConfig struct {
	// PlainUploader serves POST /upload.
	PlainUploader *upload.Uploader
	// Coordinator serves POST /upload-idempotent.
	Coordinator *idempotency.Coordinator
	Validator   *validatorv10.Validate
	Logger      *slog.Logger
}

// RegisterUploadRoutes registers the plain and idempotent upload routes.
func RegisterUploadRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r.POST("/upload", plainUpload(cfg))
	r.POST("/upload-idempotent", idempotentUpload(cfg))
}

func plainUpload(cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req validation.UploadRequest
		if err := validation.BindAndValidate(c, &req, cfg.Validator); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		if _, err := cfg.PlainUploader.Upload(c.Request.Context(), req.Message); err != nil {
			_ = c.Error(err)
			c.PureJSON(http.StatusInternalServerError, gin.H{"message": upload.FailureMessage(err)})
			return
		}

		c.PureJSON(http.StatusOK, gin.H{"message": upload.SuccessMessage(req.Message)})
	}
}

func idempotentUpload(cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidBody})
			return
		}

		// Reject bad payloads before any idempotency record is touched.
		var req validation.UploadRequest
		if err := validation.Decode(raw, &req, cfg.Validator); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidBody})
			return
		}

		resp, err := cfg.Coordinator.Execute(c.Request.Context(), idempotency.Request{
			Method: c.Request.Method,
			Path:   c.FullPath(),
			Body:   raw,
		})
		if err != nil {
			writeExecuteError(c, cfg.Logger, err)
			return
		}

		c.Data(resp.StatusCode, "application/json", []byte(resp.Body))
	}
}

func writeExecuteError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, idempotency.ErrMalformedRequest):
		c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidBody})
	case errors.Is(err, idempotency.ErrInProgress):
		c.JSON(http.StatusConflict, gin.H{"message": msgInProgress})
	case errors.Is(err, idempotency.ErrStoreUnavailable):
		_ = c.Error(err)
		logger.Error("idempotency_unavailable", "request_id", RequestIDFromContext(c), "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
	default:
		_ = c.Error(err)
		c.PureJSON(http.StatusInternalServerError, gin.H{"message": upload.FailureMessage(err)})
	}
}
