package llm

import "errors"

// ErrorResponse represents an error returned to the HTTP client.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrNotReady is returned when generation is requested before model loading
// has completed. Non-fatal; the client may retry.
var ErrNotReady = errors.New("Model not loaded yet")
