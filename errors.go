package xencons

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured console error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "SET_STATE", "WRITE")
	Path  string        // Frontend store path ("" if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Underlying errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("xencons: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("xencons: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by category
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeNotSupported       ErrorCode = "not supported"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeInvalidBufferSize  ErrorCode = "invalid buffer size"
	ErrCodeCancelled          ErrorCode = "cancelled"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeRetry              ErrorCode = "retry"
	ErrCodeDeviceOffline      ErrorCode = "device offline"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeNotConnected       ErrorCode = "not connected"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
)

// Category sentinels for errors.Is
var (
	ErrNotSupported      = &Error{Code: ErrCodeNotSupported}
	ErrInvalidParameters = &Error{Code: ErrCodeInvalidParameters}
	ErrInvalidBufferSize = &Error{Code: ErrCodeInvalidBufferSize}
	ErrCancelled         = &Error{Code: ErrCodeCancelled}
	ErrTimeout           = &Error{Code: ErrCodeTimeout}
	ErrDeviceOffline     = &Error{Code: ErrCodeDeviceOffline}
	ErrDeviceNotFound    = &Error{Code: ErrCodeDeviceNotFound}
	ErrNotConnected      = &Error{Code: ErrCodeNotConnected}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op, path string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Path: path,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with console context. Errno values
// anywhere in the chain pick the category.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ce *Error
	if errors.As(inner, &ce) {
		return &Error{
			Op:    op,
			Path:  ce.Path,
			Code:  ce.Code,
			Errno: ce.Errno,
			Msg:   ce.Msg,
			Inner: ce.Inner,
		}
	}

	if errors.Is(inner, context.Canceled) || errors.Is(inner, context.DeadlineExceeded) {
		code := ErrCodeCancelled
		if errors.Is(inner, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps errno values to console error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EOPNOTSUPP, syscall.ENOSYS:
		return ErrCodeNotSupported
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOBUFS:
		return ErrCodeInvalidBufferSize
	case syscall.ECANCELED:
		return ErrCodeCancelled
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EAGAIN:
		return ErrCodeRetry
	case syscall.ENODEV:
		return ErrCodeDeviceOffline
	case syscall.ENOENT:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.ENOTCONN:
		return ErrCodeNotConnected
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ce *Error
	if errors.As(err, &ce) && ce.Errno == errno {
		return true
	}
	return errors.Is(err, errno)
}
