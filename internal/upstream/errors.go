package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is an explicit rejection from the provider: the upstream returned
// a non-200 status with a structured error envelope. The classification
// fields are passed through untouched for programmatic handling or display.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("upstream rejected request: %s (%s)", e.Message, e.Type)
	}
	return "upstream rejected request: " + e.Message
}

// upstreamError maps a non-200 response body to either an *APIError (body
// carried an error envelope) or a generic error embedding a best-effort
// decode of the body, falling back to the HTTP status text.
func upstreamError(status int, body []byte) error {
	var env providerErrorResponse
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return &APIError{
			Message: env.Error.Message,
			Type:    env.Error.Type,
			Param:   env.Error.Param,
			Code:    errorCode(env.Error.Code),
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("upstream: status %d: %s", status, truncate(msg, 200))
}

// errorCode normalizes the envelope's code field, which providers send as
// either a string or a number.
func errorCode(v interface{}) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		return fmt.Sprintf("%d", int64(c))
	default:
		return fmt.Sprint(c)
	}
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
