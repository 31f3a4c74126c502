package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/genai"
)

// Failure categories of an upstream call.
var (
	ErrTimeout   = errors.New("upstream timeout")
	ErrAuth      = errors.New("upstream authentication failed")
	ErrMalformed = errors.New("malformed upstream response")
	ErrStatus    = errors.New("upstream error status")
)

// ErrThrottled is returned when the process-wide call ceiling is reached
// before the deadline. No request was sent upstream.
var ErrThrottled = errors.New("upstream call ceiling reached")

// UpstreamError is returned for every failed call. Kind is one of the
// category sentinels above and matches with errors.Is.
type UpstreamError struct {
	Kind       error
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StatusCode is the status recorded in the usage log for the outcome of a call.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return http.StatusInternalServerError
}

// Billable reports whether a call that returned err reached the upstream and
// must be accounted for.
func Billable(err error) bool {
	return !errors.Is(err, ErrThrottled)
}

// classify maps an SDK or transport error to an *UpstreamError.
func classify(err error) *UpstreamError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: ErrTimeout, StatusCode: http.StatusGatewayTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamError{Kind: ErrTimeout, StatusCode: http.StatusGatewayTimeout, Err: err}
	}

	if code, ok := apiErrorCode(err); ok {
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &UpstreamError{Kind: ErrAuth, StatusCode: code, Err: err}
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return &UpstreamError{Kind: ErrTimeout, StatusCode: http.StatusGatewayTimeout, Err: err}
		default:
			return &UpstreamError{Kind: ErrStatus, StatusCode: code, Err: err}
		}
	}

	return &UpstreamError{Kind: ErrStatus, StatusCode: http.StatusBadGateway, Err: err}
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}

func malformed(format string, args ...any) *UpstreamError {
	return &UpstreamError{
		Kind:       ErrMalformed,
		StatusCode: http.StatusInternalServerError,
		Err:        fmt.Errorf(format, args...),
	}
}
