package attendance

import (
	"errors"
	"fmt"
)

// Code classifies an attendance error
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func ErrInvalid(msg string) *Error  { return &Error{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *Error { return &Error{Code: CodeNotFound, Message: msg} }
func ErrConflict(msg string) *Error { return &Error{Code: CodeConflict, Message: msg} }

func ErrInternal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// CodeOf returns the code of err, CodeInternal for foreign errors
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsValidation reports whether err was caused by the caller's input or the
// current event state rather than by a system failure
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) != CodeInternal
}
