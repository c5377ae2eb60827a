package types

import (
	"errors"
	"net/http"

	appErr "github.com/sitesync/engine/pkg/errors"
)

func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	var e *appErr.AppError
	if errors.As(err, &e) {
		if e.Code == appErr.CodeInternal {
			return &APIError{Code: string(e.Code), Message: "internal error"}
		}
		return &APIError{Code: string(e.Code), Message: e.Message}
	}
	return &APIError{Code: string(appErr.CodeUnknown), Message: "internal error"}
}

// HTTPStatus maps an error code to the status a REST caller sees.
func HTTPStatus(err error) int {
	switch appErr.CodeOf(err) {
	case appErr.CodeInvalid:
		return http.StatusBadRequest
	case appErr.CodeUnauthorized:
		return http.StatusUnauthorized
	case appErr.CodeForbidden:
		return http.StatusForbidden
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodeConflict, appErr.CodeAlreadyExists, appErr.CodeCommitInProgress, appErr.CodeDeployInProgress:
		return http.StatusConflict
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case appErr.CodeDeadline:
		return http.StatusGatewayTimeout
	case appErr.CodeBuildFailed, appErr.CodeProviderFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
