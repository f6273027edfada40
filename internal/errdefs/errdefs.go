package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a lifecycle failure so callers can decide whether to retry,
// surface, or recover.
type Code string

const (
	CodeToolUnavailable      Code = "TOOL_UNAVAILABLE"
	CodeVerificationFailed   Code = "VERIFICATION_FAILED"
	CodeBootstrapInProgress  Code = "BOOTSTRAP_IN_PROGRESS"
	CodeSetupFailed          Code = "SETUP_FAILED"
	CodePortConflict         Code = "PORT_CONFLICT"
	CodeStartTimeout         Code = "START_TIMEOUT"
	CodeProcessExited        Code = "PROCESS_EXITED"
	CodeLaunchFailed         Code = "LAUNCH_FAILED"
	CodeTransportFailure     Code = "TRANSPORT_FAILURE"
	CodeApplicationError     Code = "APPLICATION_ERROR"
	CodeInvalidConfiguration Code = "INVALID_CONFIGURATION"
)

// Retryable reports whether an automatic retry of the failed operation can help.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransportFailure, CodeStartTimeout, CodeProcessExited, CodeBootstrapInProgress:
		return true
	default:
		return false
	}
}

// Error is a coded failure with an optional human suggestion.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Suggestion string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.Suggestion != "" {
		b.WriteString("\n\nSuggestion: ")
		b.WriteString(e.Suggestion)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithSuggestion returns e with the suggestion set.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether any *Error in err's chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// Suggestion returns the first suggestion found in err's chain.
func Suggestion(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Suggestion != "" {
			return e.Suggestion
		}
		err = e.Cause
	}
	return ""
}
