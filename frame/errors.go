package frame

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeAuthFailed          Code = "AuthFailed"
	CodeTierDenied          Code = "TierDenied"
	CodeNotFound            Code = "NotFound"
	CodeInvalidFrame        Code = "InvalidFrame"
	CodeTimeout             Code = "Timeout"
	CodeOverloaded          Code = "Overloaded"
	CodeUpstreamUnavailable Code = "UpstreamUnavailable"
	CodeHeartbeatExpired    Code = "HeartbeatExpired"
	CodePolicyViolation     Code = "PolicyViolation"
	CodeChannelFull         Code = "ChannelFull"
	CodeInternal            Code = "Internal"
)

func (c Code) String() string { return string(c) }

// Error is the typed error carried through every component. Errors with the
// same Code match each other under errors.Is.
type Error struct {
	Code    Code
	Message string
	// Ref correlates an Internal error with the server log line that recorded it.
	Ref string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrAuthFailed          = &Error{Code: CodeAuthFailed}
	ErrTierDenied          = &Error{Code: CodeTierDenied}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrInvalidFrame        = &Error{Code: CodeInvalidFrame}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrOverloaded          = &Error{Code: CodeOverloaded}
	ErrUpstreamUnavailable = &Error{Code: CodeUpstreamUnavailable}
	ErrHeartbeatExpired    = &Error{Code: CodeHeartbeatExpired}
	ErrPolicyViolation     = &Error{Code: CodePolicyViolation}
	ErrChannelFull         = &Error{Code: CodeChannelFull}
	ErrInternal            = &Error{Code: CodeInternal}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code to err. A nil err yields nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// Internal wraps err as an Internal error with a fresh reference id that the
// caller is expected to log.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Ref: uuid.NewString(), Err: err}
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf classifies any error into the taxonomy.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	return CodeInternal
}

// FromContext converts a context error to Timeout, leaving other errors as-is.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Code: CodeTimeout, Message: "deadline exceeded", Err: err}
	}
	return err
}

// HTTPStatus maps a code to the HTTP status used by the query surface.
func HTTPStatus(c Code) int {
	switch c {
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeTierDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidFrame, CodePolicyViolation:
		return http.StatusBadRequest
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeOverloaded, CodeChannelFull:
		return http.StatusServiceUnavailable
	case CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case CodeHeartbeatExpired:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// WebSocket close codes.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	ClosePolicyViolation  = 1008
	CloseInternal         = 1011
	CloseTryAgainLater    = 1013
	CloseHeartbeatExpired = 4000
	CloseAuthFailed       = 4001
	CloseTierDenied       = 4003
)

// CloseCode maps a code that is fatal to a WebSocket session to its close code.
func CloseCode(c Code) int {
	switch c {
	case CodePolicyViolation, CodeInvalidFrame:
		return ClosePolicyViolation
	case CodeHeartbeatExpired:
		return CloseHeartbeatExpired
	case CodeAuthFailed:
		return CloseAuthFailed
	case CodeTierDenied:
		return CloseTierDenied
	case CodeOverloaded:
		return CloseTryAgainLater
	case "":
		return CloseNormal
	}
	return CloseInternal
}

// CodeFromClose is the inverse of CloseCode for the codes it produces.
func CodeFromClose(closeCode int) Code {
	switch closeCode {
	case ClosePolicyViolation:
		return CodePolicyViolation
	case CloseHeartbeatExpired:
		return CodeHeartbeatExpired
	case CloseAuthFailed:
		return CodeAuthFailed
	case CloseTierDenied:
		return CodeTierDenied
	case CloseTryAgainLater:
		return CodeOverloaded
	case CloseNormal, CloseGoingAway:
		return ""
	}
	return CodeInternal
}
