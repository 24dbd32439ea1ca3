package bus

import "fmt"

const (
	CodeValidation       = "validation"
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeNotAllowed       = "not_allowed"
	CodeUnknownOperation = "unknown_operation"
	CodeInternal         = "internal"
)

// Error is the structured failure every component returns. The dispatcher
// converts it into the uniform error payload; transports map Status onto
// their own status line.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation, CodeUnknownOperation:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeNotAllowed:
		return 403
	case CodeNotFound:
		return 404
	default:
		return 500
	}
}

func newError(code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Status:  statusForCode(code),
	}
}

func NewValidationJSONError(err error) error {
	return newError(CodeValidation, "invalid json: %v", err)
}

func NewInternalError(message string) error {
	return newError(CodeInternal, "%s", message)
}
