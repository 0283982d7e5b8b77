package provisioning

import (
	"bytes"
	"encoding/json"
	"net/http"

	"droplift/internal/logging"
)

// Classification is the retry decision for one provider response.
type Classification int

const (
	Success Classification = iota
	RetryableTransient
	RetryableRateLimited
	Fatal
)

func (c Classification) String() string {
	switch c {
	case Success:
		return "success"
	case RetryableTransient:
		return "retryable_transient"
	case RetryableRateLimited:
		return "retryable_rate_limited"
	default:
		return "fatal"
	}
}

// Retryable reports whether the orchestrator may try the call again.
func (c Classification) Retryable() bool {
	return c == RetryableTransient || c == RetryableRateLimited
}

// Kind maps the classification onto the user facing error kind.
func (c Classification) Kind() ErrorKind {
	switch c {
	case RetryableTransient:
		return KindTransient
	case RetryableRateLimited:
		return KindRateLimited
	default:
		return KindFatal
	}
}

// Classify maps an HTTP status and body to a classification. Status 0 means
// no response was received. A 2xx body must be empty or JSON, anything else
// is treated as a truncated or proxy-generated response.
func Classify(status int, body []byte) Classification {
	switch {
	case status == 0:
		return RetryableTransient
	case status >= 200 && status < 300:
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 || json.Valid(trimmed) {
			return Success
		}
		return RetryableTransient
	case status == http.StatusTooManyRequests:
		return RetryableRateLimited
	case status >= 500:
		return RetryableTransient
	default:
		return Fatal
	}
}

// messageFromBody pulls a human readable message out of the common error
// envelopes: {"message": ...}, {"error": {"message": ...}} and {"error": "..."}.
func messageFromBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var envelope struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if err := json.Unmarshal(envelope.Error, &plain); err == nil && plain != "" {
			return plain
		}
	}
	return logging.Truncate(string(trimmed))
}
