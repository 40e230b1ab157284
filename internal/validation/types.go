package validation

// MaxMessageBytes bounds the uploaded payload in bytes, not runes.
const MaxMessageBytes = 256 * 1024

// UploadRequest is the payload for POST /upload and POST /upload-idempotent.
type UploadRequest struct {
	Message string `json:"message" validate:"required,notblank,maxbytes=262144"` // object content
}
