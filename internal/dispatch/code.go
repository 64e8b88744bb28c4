package dispatch

import (
	"errors"
	"net/http"

	"github.com/nexthop-dev/retunnel/internal/core"
)

// domainCodeToStatus maps domain-level error codes to their HTTP
// equivalents.
var domainCodeToStatus = map[core.ErrorCode]int{
	core.ErrorCodeInternal:           http.StatusInternalServerError,
	core.ErrorCodeInvalidArgument:    http.StatusBadRequest,
	core.ErrorCodeNotFound:           http.StatusNotFound,
	core.ErrorCodeUnavailable:        http.StatusServiceUnavailable,
	core.ErrorCodeFailedPrecondition: http.StatusBadRequest,
	core.ErrorCodeResourceExhausted:  http.StatusTooManyRequests,
	core.ErrorCodeDeadlineExceeded:   http.StatusGatewayTimeout,
}

// statusFromError converts a domain error into the HTTP status and
// public message the edge emits for it. Domain-specific error types
// are checked first, then DomainError codes are mapped. Unrecognised
// errors fall back to a plain 500; public messages never carry the
// underlying error text.
func statusFromError(err error) (int, string) {
	var unknownAlias *core.ErrUnknownAlias
	if errors.As(err, &unknownAlias) {
		return http.StatusBadRequest, "Invalid URL"
	}
	var offline *core.ErrTunnelOffline
	if errors.As(err, &offline) {
		return http.StatusServiceUnavailable, "Client not connected"
	}
	var deadline *core.ErrDeadlineExceeded
	if errors.As(err, &deadline) {
		return http.StatusGatewayTimeout, "Gateway Timeout"
	}
	var storage *core.ErrStorageUnavailable
	if errors.As(err, &storage) {
		return http.StatusServiceUnavailable, "Service unavailable"
	}

	var domainErr *core.DomainError
	if errors.As(err, &domainErr) {
		status, ok := domainCodeToStatus[domainErr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		msg := domainErr.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return status, msg
	}

	return http.StatusInternalServerError, "Internal server error"
}
