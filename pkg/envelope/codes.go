package envelope

// Code identifies an error category from the closed set shared by the
// gateway and every tool server. New codes are additions to this file, not
// ad-hoc strings.
type Code string

const (
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeValidationError         Code = "VALIDATION_ERROR"
	CodeInvalidContext          Code = "INVALID_CONTEXT"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidCursor           Code = "INVALID_CURSOR"
	CodeTimeout                 Code = "TIMEOUT"
	CodeUpstreamError           Code = "UPSTREAM_ERROR"
	CodeProtocolViolation       Code = "PROTOCOL_VIOLATION"
	CodeConfirmationExpired     Code = "CONFIRMATION_EXPIRED"
	CodeUserMismatch            Code = "USER_MISMATCH"
	CodeRequestTimeout          Code = "REQUEST_TIMEOUT"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeDatabaseError           Code = "DATABASE_ERROR"
	CodeOperationFailed         Code = "OPERATION_FAILED"
)

var knownCodes = map[Code]struct{}{
	CodeUnauthorized:            {},
	CodeInsufficientPermissions: {},
	CodeValidationError:         {},
	CodeInvalidContext:          {},
	CodeNotFound:                {},
	CodeInvalidCursor:           {},
	CodeTimeout:                 {},
	CodeUpstreamError:           {},
	CodeProtocolViolation:       {},
	CodeConfirmationExpired:     {},
	CodeUserMismatch:            {},
	CodeRequestTimeout:          {},
	CodeRateLimited:             {},
	CodeDatabaseError:           {},
	CodeOperationFailed:         {},
}

// ValidCode reports whether code belongs to the closed set.
func ValidCode(code Code) bool {
	_, ok := knownCodes[code]
	return ok
}

// Retryable reports whether a caller may reasonably retry the same request
// after seeing this code.
func Retryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUpstreamError, CodeRateLimited, CodeDatabaseError:
		return true
	}
	return false
}
