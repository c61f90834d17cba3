package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/polisai/polis-federation/pkg/domain"
)

// DefaultMaxBodyBytes bounds request bodies parsed by the federation API.
const DefaultMaxBodyBytes int64 = 50 * 1024 * 1024

// BodyParser decodes request bodies as JSON objects.
type BodyParser struct {
	MaxBytes int64
}

// ParseJSONObject reads r's body and decodes it as a JSON object. A missing
// or blank body is not JSON.
func (p BodyParser) ParseJSONObject(r *http.Request) (map[string]any, error) {
	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	if r.Body == nil || r.Body == http.NoBody {
		return nil, domain.NewError(http.StatusBadRequest, domain.CodeNotJSON, domain.ErrNotJSON, "Content not JSON.")
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, domain.NewError(http.StatusBadRequest, domain.CodeNotJSON, errors.Join(domain.ErrNotJSON, err), "Failed to read request body")
	}
	if int64(len(data)) > limit {
		return nil, domain.NewError(http.StatusRequestEntityTooLarge, domain.CodeTooLarge, domain.ErrTooLarge, "Request body too large")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, domain.NewError(http.StatusBadRequest, domain.CodeNotJSON, domain.ErrNotJSON, "Content not JSON.")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, domain.NewError(http.StatusBadRequest, domain.CodeNotJSON, errors.Join(domain.ErrNotJSON, err), "Content not JSON.")
	}
	if dec.More() {
		return nil, domain.NewError(http.StatusBadRequest, domain.CodeNotJSON, domain.ErrNotJSON, "Content not JSON.")
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, domain.NewError(http.StatusBadRequest, domain.CodeBadJSON, domain.ErrBadJSON, "Content must be a JSON object.")
	}
	return obj, nil
}
