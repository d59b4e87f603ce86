package ocpp

import "fmt"

// ErrorCode is an OCPP-J CallError code.
type ErrorCode string

const (
	ErrNotSupported       ErrorCode = "NotSupported"
	ErrNotImplemented     ErrorCode = "NotImplemented"
	ErrInternalError      ErrorCode = "InternalError"
	ErrProtocolError      ErrorCode = "ProtocolError"
	ErrFormationViolation ErrorCode = "FormationViolation"
	ErrPropertyConstraint ErrorCode = "PropertyConstraintViolation"
	ErrGenericError       ErrorCode = "GenericError"
)

// Error is a CallError outcome produced by a request handler. It carries the
// wire error code plus a human-readable description.
type Error struct {
	Code        ErrorCode
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a handler error with a formatted description.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}
