package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/voxgate/voxgate/pkg/core"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// FromError converts any error into the canonical wire error plus an HTTP
// status. Unknown errors are reported as internal without leaking details.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, StatusFromType(coreErr.Type)
	}

	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrResourceLimit:
		return http.StatusRequestEntityTooLarge
	case core.ErrProvider:
		return http.StatusBadGateway
	case core.ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
