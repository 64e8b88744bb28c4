package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/nexthop-dev/retunnel/internal/core"
)

func TestStatusFromError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err        error
		wantStatus int
		wantMsg    string
	}{
		{&core.ErrUnknownAlias{Alias: "ghost"}, http.StatusBadRequest, "Invalid URL"},
		{&core.ErrTunnelOffline{Alias: "client-aaaaaaaaaaaa"}, http.StatusServiceUnavailable, "Client not connected"},
		{&core.ErrDeadlineExceeded{RequestID: 7}, http.StatusGatewayTimeout, "Gateway Timeout"},
		{&core.ErrStorageUnavailable{Op: "find alias", Err: errors.New("down")}, http.StatusServiceUnavailable, "Service unavailable"},
		{&core.DomainError{Code: core.ErrorCodeInvalidArgument, Message: "Invalid URL"}, http.StatusBadRequest, "Invalid URL"},
		{&core.DomainError{Code: core.ErrorCodeNotFound}, http.StatusNotFound, "Not Found"},
		{errors.New("anything else"), http.StatusInternalServerError, "Internal server error"},
	}

	for _, tc := range cases {
		status, msg := statusFromError(tc.err)
		if status != tc.wantStatus || msg != tc.wantMsg {
			t.Errorf("statusFromError(%v) = %d %q, want %d %q", tc.err, status, msg, tc.wantStatus, tc.wantMsg)
		}
	}
}

func TestStatusFromErrorUnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("allocate: %w", &core.ErrStorageUnavailable{Op: "lookup user", Err: errors.New("down")})
	status, _ := statusFromError(wrapped)
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
}
