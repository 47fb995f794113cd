package usecase

import "fmt"

// ErrorCode classifies the failures that end a component's loop. Generation
// failures never surface as an Error; they are replaced by fallback values.
type ErrorCode string

const (
	ErrorDecode    ErrorCode = "DECODE_ERROR"
	ErrorTransport ErrorCode = "TRANSPORT_ERROR"
	ErrorPersist   ErrorCode = "PERSIST_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
