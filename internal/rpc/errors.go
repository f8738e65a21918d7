package rpc

import (
	"errors"
	"fmt"
)

// Stable codes carried in Response.errorCode.
const (
	CodeTimeout    = "timeout"
	CodeUnroutable = "unroutable"
	CodeInternal   = "internal"
)

var (
	ErrClosed      = errors.New("rpc: caller closed")
	ErrCallTimeout = NewCodedError(CodeTimeout, "rpc: call timed out")
	ErrUnroutable  = NewCodedError(CodeUnroutable, "rpc: no handler for envelope kind")
)

// Coder is implemented by errors that carry a stable code across the worker
// boundary.
type Coder interface {
	ErrorCode() string
}

// CodedError is a sentinel error with a code. Two coded errors match under
// errors.Is when their codes are equal.
type CodedError struct {
	code string
	msg  string
}

func NewCodedError(code, msg string) *CodedError { return &CodedError{code: code, msg: msg} }

func (e *CodedError) Error() string     { return e.msg }
func (e *CodedError) ErrorCode() string { return e.code }

// RemoteError is how a failure on another worker surfaces to the caller. Only
// the message and optional code survive the trip.
type RemoteError struct {
	Worker  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Worker, e.Message)
}

func (e *RemoteError) ErrorCode() string { return e.Code }

// Is matches any sentinel carrying the same non-empty code.
func (e *RemoteError) Is(target error) bool {
	if e.Code == "" {
		return false
	}
	var c Coder
	if !errors.As(target, &c) {
		return false
	}
	return c.ErrorCode() == e.Code
}

// CodeOf returns the code of the first error in err's chain that has one.
func CodeOf(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}
