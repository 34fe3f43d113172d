package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/phishguard/phishguard/internal/service"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, invalidMsg string) bool {
	if invalidMsg == "" {
		invalidMsg = "invalid json"
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, service.CodeInvalidRequest, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, service.CodeInvalidRequest, invalidMsg)
		return false
	}
	return true
}

// readPayload decodes an optional JSON body. An empty body is a nil payload.
func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true
	}
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, true
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, service.CodeInvalidRequest, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, service.CodeInvalidRequest, "invalid json")
		return nil, false
	}
	return payload, true
}
