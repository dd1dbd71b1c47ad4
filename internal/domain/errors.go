package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrBadRequest          = errors.New("invalid request")
	ErrModelNotFound       = errors.New("model not found")
	ErrModelInactive       = errors.New("model is not active")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrUpstream            = errors.New("upstream error")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrInternal            = errors.New("internal error")

	ErrUserNotFound   = errors.New("user not found")
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// UpstreamError is a non-success answer from a model backend. Status and body
// are relayed to the client unchanged.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       []byte
	// ContentType is the media type of Body as sent by the backend.
	ContentType string
	Err         error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s error: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// HTTPStatus maps an error onto the status code returned to the client.
func HTTPStatus(err error) int {
	var upstream *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &upstream) && upstream.StatusCode >= 400:
		return upstream.StatusCode
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrModelNotFound), errors.Is(err, ErrModelInactive):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsupportedProvider):
		return http.StatusNotImplemented
	case errors.Is(err, ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorType is the "type" field of the error envelope.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "authentication_error"
	case errors.Is(err, ErrForbidden):
		return "permission_error"
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrModelNotFound), errors.Is(err, ErrModelInactive):
		return "invalid_request_error"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limit_error"
	case errors.Is(err, ErrUnsupportedProvider):
		return "not_implemented_error"
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return "upstream_error"
	default:
		return "server_error"
	}
}

// ErrorCode is the machine readable "code" field of the error envelope.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "invalid_credentials"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBadRequest):
		return "invalid_request"
	case errors.Is(err, ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, ErrModelInactive):
		return "model_inactive"
	case errors.Is(err, ErrUnsupportedProvider):
		return "unsupported_provider"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return "upstream_timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "internal_error"
	}
}
