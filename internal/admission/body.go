package admission

import (
	"errors"
	"io"
	"net/http"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// ReadBody reads the request body, enforcing limit for bodies whose length
// was not declared up front. limit <= 0 disables the cap.
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, *canonical.Error) {
	if r.Body == nil {
		return nil, nil
	}
	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, PayloadTooLarge(limit)
		}
		if ce := canonical.FromContext(r.Context()); ce != nil {
			return nil, ce
		}
		return nil, canonical.DecodeErrorf("failed to read request body: %v", err)
	}
	return data, nil
}
