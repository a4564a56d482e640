package errors

import "fmt"

// ErrorCode classifies signaling failures per the relay's error taxonomy.
type ErrorCode string

const (
	ErrCodeProtocol    ErrorCode = "PROTOCOL_ERROR"    // malformed envelope, unknown type
	ErrCodeRouting     ErrorCode = "ROUTING_ERROR"     // destination not registered
	ErrCodeTransport   ErrorCode = "TRANSPORT_ERROR"   // socket drop, write failure
	ErrCodeNegotiation ErrorCode = "NEGOTIATION_ERROR" // media acquisition or SDP failure
	ErrCodeBusy        ErrorCode = "BUSY"              // concurrent-call conflict
	ErrCodeInternal    ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a code and a human-readable reason so the UI layer can
// always distinguish "call ended normally", "peer unreachable" and
// "connection lost".
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

func NewProtocolError(message string) *AppError {
	return New(ErrCodeProtocol, message)
}

func NewRoutingError(message string) *AppError {
	return New(ErrCodeRouting, message)
}

func NewTransportError(err error, message string) *AppError {
	return Wrap(err, ErrCodeTransport, message)
}

func NewNegotiationError(err error, message string) *AppError {
	return Wrap(err, ErrCodeNegotiation, message)
}

func NewBusyError() *AppError {
	return New(ErrCodeBusy, "another call is already in progress")
}

// CodeOf extracts the ErrorCode from an error chain, or ErrCodeInternal when
// the error is not an AppError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternal
}
