package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"droplift/internal/config"
)

var (
	// ErrInvalidRequest is returned before any network call when a request is incomplete.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTerminalHandle is returned for operations on Deleted or Failed handles.
	ErrTerminalHandle = errors.New("instance handle is terminal")
	// ErrInstanceFailed is reported by FetchStatus when the provider marks the instance itself as failed.
	ErrInstanceFailed = errors.New("instance failed on provider side")
)

// ErrorKind groups errors by how the caller should react.
type ErrorKind int

const (
	KindConfigurationMissing ErrorKind = iota
	KindInvalidRequest
	KindTransient
	KindRateLimited
	KindFatal
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfigurationMissing:
		return "ConfigurationMissing"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindTransient:
		return "Transient"
	case KindRateLimited:
		return "RateLimited"
	case KindFatal:
		return "Fatal"
	case KindTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// APIError is a provider response that was not a success.
type APIError struct {
	Provider   string
	Op         string
	StatusCode int
	Code       string
	Message    string
	Class      Classification
	NotFound   bool

	// Rate limit hints. RateRemaining is -1 and the others zero when the
	// provider did not send them.
	RetryAfter    time.Duration
	RateRemaining int
	RateReset     time.Time

	Err error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("%s %s: %d %s: %s", e.Provider, e.Op, e.StatusCode, e.Code, msg)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: %d: %s", e.Provider, e.Op, e.StatusCode, msg)
	case e.Code != "":
		return fmt.Sprintf("%s %s: %s: %s", e.Provider, e.Op, e.Code, msg)
	default:
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// newHTTPError builds an APIError from an HTTP status and body, classifying it on the way.
func newHTTPError(provider, op string, status int, body []byte, header http.Header, err error) *APIError {
	apiErr := &APIError{
		Provider:      provider,
		Op:            op,
		StatusCode:    status,
		Message:       messageFromBody(body),
		Class:         Classify(status, body),
		NotFound:      status == http.StatusNotFound,
		RateRemaining: -1,
		Err:           err,
	}
	if header != nil {
		apiErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return apiErr
}

// newCodeError builds an APIError for SDKs that report symbolic codes
// instead of HTTP statuses.
func newCodeError(provider, op, code string, class Classification, notFound bool, err error) *APIError {
	return &APIError{
		Provider:      provider,
		Op:            op,
		Code:          code,
		Class:         class,
		NotFound:      notFound,
		RateRemaining: -1,
		Err:           err,
	}
}

// unexpectedResponse reports a 2xx response the adapter could not make sense of.
func unexpectedResponse(provider, op string, err error) *APIError {
	return &APIError{
		Provider:      provider,
		Op:            op,
		Message:       "unexpected response shape",
		Class:         Fatal,
		RateRemaining: -1,
		Err:           err,
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// IsNotFound reports whether the provider said the resource does not exist.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound
}

// ClassifyError maps any adapter error onto a classification.
// Errors without a provider response are network failures and therefore transient.
func ClassifyError(err error) Classification {
	if err == nil {
		return Success
	}
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Class
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrTerminalHandle),
		errors.Is(err, ErrInstanceFailed),
		errors.Is(err, config.ErrConfigurationMissing),
		errors.Is(err, context.Canceled):
		return Fatal
	default:
		return RetryableTransient
	}
}

// KindOf maps an error to the ErrorKind reported to the user.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, config.ErrConfigurationMissing):
		return KindConfigurationMissing
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrTerminalHandle):
		return KindInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return KindTimeout
		}
	}
	return ClassifyError(err).Kind()
}
