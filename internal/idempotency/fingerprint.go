package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jmespath/go-jmespath"
)

// Request is the transport-neutral view of an inbound request.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Deriver turns a Request into a stable deduplication key by hashing a
// JMESPath projection of {"method", "path", "body"}.
type Deriver struct {
	expression string
	query      *jmespath.JMESPath
	prefix     string
}

// NewDeriver compiles expression. prefix namespaces the derived keys (may be empty).
func NewDeriver(expression, prefix string) (*Deriver, error) {
	query, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile key expression %q: %w", expression, err)
	}
	return &Deriver{expression: expression, query: query, prefix: prefix}, nil
}

// Derive returns the key for req. The body must be JSON and the projection
// must select a non-null value, otherwise ErrMalformedRequest is returned.
func (d *Deriver) Derive(req Request) (string, error) {
	trimmed := bytes.TrimSpace(req.Body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrMalformedRequest)
	}
	// Numbers stay json.Number so large integers keep every digit.
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var body interface{}
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("%w: body is not valid JSON: %v", ErrMalformedRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: trailing data after JSON body", ErrMalformedRequest)
	}

	envelope := map[string]interface{}{
		"method": req.Method,
		"path":   req.Path,
		"body":   body,
	}
	projected, err := d.query.Search(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: evaluate %q: %v", ErrMalformedRequest, d.expression, err)
	}
	if projected == nil {
		return "", fmt.Errorf("%w: %q selected nothing", ErrMalformedRequest, d.expression)
	}

	// encoding/json sorts map keys, which makes this the canonical form.
	canonical, err := json.Marshal(projected)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalize projection: %v", ErrMalformedRequest, err)
	}
	sum := sha256.Sum256(canonical)
	digest := hex.EncodeToString(sum[:])
	if d.prefix == "" {
		return digest, nil
	}
	return d.prefix + "#" + digest, nil
}
