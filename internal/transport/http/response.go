package httptransport

import (
	"encoding/json"
	"net/http"

	"clipservice/internal/entity"
)

// apiError is the error envelope of every non-2xx JSON response. RetryAfter
// is in seconds and only set on RateLimited and QueueFull rejections.
type apiError struct {
	ErrorKind  entity.ErrorKind `json:"errorKind"`
	Message    string           `json:"message"`
	RetryAfter int              `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, kind entity.ErrorKind, msg string) {
	writeJSON(w, code, apiError{ErrorKind: kind, Message: msg})
}
