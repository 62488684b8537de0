package wire

import (
	"encoding/json"
	"strings"
)

// Exception is the structured error payload of the exception topic.
type Exception struct {
	Status  json.RawMessage `json:"status"` // "error", "unauthorized" or a numeric code
	Message string          `json:"message"`
}

// DecodeException parses an exception payload. Plain string payloads are
// accepted as the message.
func DecodeException(raw json.RawMessage) Exception {
	var ex Exception
	if err := json.Unmarshal(raw, &ex); err == nil {
		return ex
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return Exception{Message: msg}
	}
	return Exception{Message: string(raw)}
}

// IsUnauthorized reports whether the exception invalidates the session
// credential.
func (e Exception) IsUnauthorized() bool {
	if strings.EqualFold(strings.TrimSpace(e.Message), "unauthorized") {
		return true
	}

	var code int
	if err := json.Unmarshal(e.Status, &code); err == nil {
		return code == 401
	}
	var status string
	if err := json.Unmarshal(e.Status, &status); err == nil {
		return strings.EqualFold(status, "unauthorized") || status == "401"
	}
	return false
}

func (e Exception) Error() string {
	if e.Message == "" {
		return "server exception"
	}
	return "server exception: " + e.Message
}
