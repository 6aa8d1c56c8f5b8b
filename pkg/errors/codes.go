package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
// Codes are grouped by a module prefix ("COMMON", "CARE", "FAM", ...).
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common Error Codes
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeUnauthorized       ErrorCode = "COMMON_003"
	ErrCodeForbidden          ErrorCode = "COMMON_004"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeConflict           ErrorCode = "COMMON_006"
	ErrCodeTooManyRequests    ErrorCode = "COMMON_007"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeTimeout            ErrorCode = "COMMON_009"
	ErrCodeValidation         ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeDatabaseError      ErrorCode = "COMMON_012"
	ErrCodeCacheError         ErrorCode = "COMMON_013"
	ErrCodeExternalService    ErrorCode = "COMMON_014"
	ErrCodeFeatureDisabled    ErrorCode = "COMMON_015"
)

// Coordination taxonomy. These are the conditions clients are expected to
// branch on; see IsRetryable for the propagation policy.
const (
	ErrCodePermissionDenied   ErrorCode = "CARE_001"
	ErrCodeGrantExpired       ErrorCode = "CARE_002"
	ErrCodeAlreadyResolved    ErrorCode = "CARE_003"
	ErrCodeConflictPending    ErrorCode = "CARE_004"
	ErrCodeSyncReplayRejected ErrorCode = "CARE_005"
	ErrCodeNetworkUnavailable ErrorCode = "CARE_006"
)

// Family / membership error codes
const (
	ErrCodeFamilyNotFound    ErrorCode = "FAM_001"
	ErrCodeFamilyArchived    ErrorCode = "FAM_002"
	ErrCodeMemberNotFound    ErrorCode = "FAM_003"
	ErrCodeMemberExists      ErrorCode = "FAM_004"
	ErrCodeOwnerImmutable    ErrorCode = "FAM_005"
	ErrCodeChildNotFound     ErrorCode = "FAM_006"
	ErrCodeChildOutOfScope   ErrorCode = "FAM_007"
	ErrCodeInvalidRole       ErrorCode = "FAM_008"
	ErrCodeInvalidCapability ErrorCode = "FAM_009"
)

// Activity / conflict error codes
const (
	ErrCodeEventNotFound     ErrorCode = "ACT_001"
	ErrCodeEventInvalid      ErrorCode = "ACT_002"
	ErrCodeConflictNotFound  ErrorCode = "ACT_003"
	ErrCodeResolutionInvalid ErrorCode = "ACT_004"
)

// Invitation error codes
const (
	ErrCodeInvitationNotFound   ErrorCode = "INV_001"
	ErrCodeInvitationNotPending ErrorCode = "INV_002"
	ErrCodeInvitationExpired    ErrorCode = "INV_003"
)

// Aliases used throughout the codebase.
const (
	CodeInternal           = ErrCodeInternal
	CodeInvalidParam       = ErrCodeBadRequest
	CodeUnauthorized       = ErrCodeUnauthorized
	CodeForbidden          = ErrCodeForbidden
	CodeNotFound           = ErrCodeNotFound
	CodeConflict           = ErrCodeConflict
	CodeRateLimit          = ErrCodeTooManyRequests
	CodeDatabaseError      = ErrCodeDatabaseError
	CodeCacheError         = ErrCodeCacheError
	CodeSerialization      = ErrCodeSerialization
	CodeExternalService    = ErrCodeExternalService
	CodeUnknown            = ErrorCode("UNKNOWN")
	CodeOK                 = ErrorCode("OK")
	CodePermissionDenied   = ErrCodePermissionDenied
	CodeGrantExpired       = ErrCodeGrantExpired
	CodeAlreadyResolved    = ErrCodeAlreadyResolved
	CodeConflictPending    = ErrCodeConflictPending
	CodeSyncReplayRejected = ErrCodeSyncReplayRejected
	CodeNetworkUnavailable = ErrCodeNetworkUnavailable
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeValidation:         http.StatusBadRequest,
	ErrCodeSerialization:      http.StatusInternalServerError,
	ErrCodeDatabaseError:      http.StatusInternalServerError,
	ErrCodeCacheError:         http.StatusInternalServerError,
	ErrCodeExternalService:    http.StatusBadGateway,
	ErrCodeFeatureDisabled:    http.StatusNotImplemented,

	ErrCodePermissionDenied:   http.StatusForbidden,
	ErrCodeGrantExpired:       http.StatusForbidden,
	ErrCodeAlreadyResolved:    http.StatusConflict,
	ErrCodeConflictPending:    http.StatusAccepted,
	ErrCodeSyncReplayRejected: http.StatusUnprocessableEntity,
	ErrCodeNetworkUnavailable: http.StatusServiceUnavailable,

	ErrCodeFamilyNotFound:    http.StatusNotFound,
	ErrCodeFamilyArchived:    http.StatusGone,
	ErrCodeMemberNotFound:    http.StatusNotFound,
	ErrCodeMemberExists:      http.StatusConflict,
	ErrCodeOwnerImmutable:    http.StatusConflict,
	ErrCodeChildNotFound:     http.StatusNotFound,
	ErrCodeChildOutOfScope:   http.StatusForbidden,
	ErrCodeInvalidRole:       http.StatusBadRequest,
	ErrCodeInvalidCapability: http.StatusBadRequest,

	ErrCodeEventNotFound:     http.StatusNotFound,
	ErrCodeEventInvalid:      http.StatusBadRequest,
	ErrCodeConflictNotFound:  http.StatusNotFound,
	ErrCodeResolutionInvalid: http.StatusBadRequest,

	ErrCodeInvitationNotFound:   http.StatusNotFound,
	ErrCodeInvitationNotPending: http.StatusConflict,
	ErrCodeInvitationExpired:    http.StatusGone,
}

// ErrorCodeMessage maps error codes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeUnauthorized:       "unauthorized",
	ErrCodeForbidden:          "forbidden",
	ErrCodeNotFound:           "resource not found",
	ErrCodeConflict:           "resource conflict",
	ErrCodeTooManyRequests:    "too many requests",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeTimeout:            "request timeout",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization error",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeExternalService:    "external service error",
	ErrCodeFeatureDisabled:    "feature disabled",

	ErrCodePermissionDenied:   "permission denied",
	ErrCodeGrantExpired:       "access grant expired",
	ErrCodeAlreadyResolved:    "conflict already resolved",
	ErrCodeConflictPending:    "conflict pending resolution",
	ErrCodeSyncReplayRejected: "buffered action rejected",
	ErrCodeNetworkUnavailable: "network unavailable",

	ErrCodeFamilyNotFound:    "family not found",
	ErrCodeFamilyArchived:    "family archived",
	ErrCodeMemberNotFound:    "member not found",
	ErrCodeMemberExists:      "member already exists",
	ErrCodeOwnerImmutable:    "family owner cannot be modified",
	ErrCodeChildNotFound:     "child not found",
	ErrCodeChildOutOfScope:   "child outside member scope",
	ErrCodeInvalidRole:       "invalid role",
	ErrCodeInvalidCapability: "invalid capability",

	ErrCodeEventNotFound:     "activity event not found",
	ErrCodeEventInvalid:      "invalid activity event",
	ErrCodeConflictNotFound:  "conflict not found",
	ErrCodeResolutionInvalid: "invalid resolution",

	ErrCodeInvitationNotFound:   "invitation not found",
	ErrCodeInvitationNotPending: "invitation is not pending",
	ErrCodeInvitationExpired:    "invitation expired",
}

// HTTPStatusForCode returns the HTTP status code for an ErrorCode.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsClientError returns true if the ErrorCode corresponds to a 4xx HTTP status.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 400 && status < 500
}

// IsServerError returns true if the ErrorCode corresponds to a 5xx HTTP status.
func IsServerError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 500 && status < 600
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
