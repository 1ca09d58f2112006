package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
)

var (
	// ErrFrozen is returned when registering a module after startup.
	ErrFrozen = errors.New("pipeline: module registry is frozen")
	// ErrHookPhasePassed is returned when a local hook is registered after
	// hooks of its type already ran.
	ErrHookPhasePassed = errors.New("pipeline: hook phase already passed")
	// ErrNextCalled is returned when a middleware calls next more than once.
	ErrNextCalled = errors.New("pipeline: next already called")
	// ErrDetached is returned by writes to a response abandoned after a timeout.
	ErrDetached = errors.New("pipeline: response detached after timeout")
)

// HandlerError is raised by middleware or handlers. Status is optional;
// Detail is sent to clients verbatim and must not contain internal data.
type HandlerError struct {
	Status int
	Code   string
	Detail string
	Err    error
	Stack  []byte
}

func (e *HandlerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("handler error (status %d)", e.Status)
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// StatusCode implements StatusCoder.
func (e *HandlerError) StatusCode() int {
	return e.Status
}

// TimeoutError is produced when the handler timer fires first.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler timed out after %s", e.Timeout)
}

// StatusCode implements StatusCoder.
func (e *TimeoutError) StatusCode() int {
	return http.StatusGatewayTimeout
}

// HookError wraps the failure of a single hook invocation.
type HookError struct {
	HookID   string
	Type     HookType
	Scope    Scope
	Attempts int
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s (%s/%s): %v", e.HookID, e.Scope, e.Type, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// StatusCoder lets an error declare the HTTP status it should map to.
type StatusCoder interface {
	StatusCode() int
}

type statusError struct {
	err    error
	status int
}

func (e statusError) Error() string   { return e.err.Error() }
func (e statusError) Unwrap() error   { return e.err }
func (e statusError) StatusCode() int { return e.status }

// WithStatus annotates err with an HTTP status code.
func WithStatus(err error, status int) error {
	if err == nil {
		return nil
	}
	return statusError{err: err, status: status}
}

// StatusOf returns the first valid status declared anywhere in err's chain.
// Coders reporting zero or an out of range status are skipped.
func StatusOf(err error) (int, bool) {
	for err != nil {
		if sc, ok := err.(StatusCoder); ok {
			if status := sc.StatusCode(); status >= 100 && status <= 599 {
				return status, true
			}
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				if status, ok := StatusOf(inner); ok {
					return status, true
				}
			}
			return 0, false
		}
		err = errors.Unwrap(err)
	}
	return 0, false
}

// ErrorBody is the JSON document sent for every failed request.
type ErrorBody struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id"`
}

// Classify maps err to the status and sanitized body sent to the client.
// Raw error text never leaves this function except through
// HandlerError.Detail, which handlers set deliberately.
func Classify(err error, requestID string) (int, ErrorBody) {
	status := http.StatusInternalServerError
	if s, ok := StatusOf(err); ok {
		status = s
	}
	body := ErrorBody{ErrorCode: codeFor(status), Detail: genericDetail(status), RequestID: requestID}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		body.ErrorCode = "handler_timeout"
		body.Detail = "handler timed out"
	}
	var he *HandlerError
	if errors.As(err, &he) {
		if he.Code != "" {
			body.ErrorCode = he.Code
		}
		if he.Detail != "" {
			body.Detail = he.Detail
		}
	}
	return status, body
}

func codeFor(status int) string {
	if status == http.StatusInternalServerError {
		return "internal_error"
	}
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	text = strings.ToLower(text)
	text = strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(text)
	return text
}

func genericDetail(status int) string {
	if status == http.StatusInternalServerError {
		return "internal server error"
	}
	if text := http.StatusText(status); text != "" {
		return strings.ToLower(text)
	}
	return "request failed"
}

// recovered converts a panic value into a HandlerError with the stack.
func recovered(v any) *HandlerError {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", v)
	} else {
		err = fmt.Errorf("panic: %w", err)
	}
	return &HandlerError{Status: http.StatusInternalServerError, Err: err, Stack: debug.Stack()}
}
