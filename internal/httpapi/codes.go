package httpapi

import (
	"errors"
	"net/http"

	"github.com/gituhq/gitu/internal/identity"
	"github.com/gituhq/gitu/internal/permission"
	"github.com/gituhq/gitu/internal/session"
	"github.com/gituhq/gitu/internal/usage"
)

// Machine-readable denial codes surfaced to clients alongside the
// human-readable reason.
const (
	CodeUnlinkedAccount   = "UNLINKED_ACCOUNT"
	CodeInvalidProof      = "INVALID_PROOF"
	CodeAlreadyLinked     = "ALREADY_LINKED_TO_OTHER_USER"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodePermissionPending = "PERMISSION_PENDING"
	CodeRequestNotPending = "REQUEST_NOT_PENDING"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeDispatchTimeout   = "DISPATCH_TIMEOUT"
	CodeExternalFailure   = "EXTERNAL_COLLABORATOR_FAILURE"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeNotFound          = "NOT_FOUND"
	CodeInternal          = "INTERNAL"
)

// ErrorCode maps a component sentinel error to its taxonomy code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, identity.ErrUnlinkedAccount):
		return CodeUnlinkedAccount
	case errors.Is(err, identity.ErrInvalidProof):
		return CodeInvalidProof
	case errors.Is(err, identity.ErrAlreadyLinked):
		return CodeAlreadyLinked
	case errors.Is(err, permission.ErrRequestNotPending):
		return CodeRequestNotPending
	case errors.Is(err, permission.ErrGrantNotFound),
		errors.Is(err, permission.ErrRequestNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, usage.ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, session.ErrSessionArchived):
		return CodeSessionExpired
	default:
		return CodeInternal
	}
}

// StatusForCode maps a taxonomy code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case CodeUnlinkedAccount, CodeInvalidProof:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyLinked, CodeRequestNotPending, CodeSessionExpired:
		return http.StatusConflict
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeDispatchTimeout:
		return http.StatusGatewayTimeout
	case CodePermissionPending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
