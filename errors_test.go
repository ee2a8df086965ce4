package xencons

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewDeviceError("SET_STATE", "device/console/0", ErrCodeDeviceOffline, "backend closed")

	assert.Equal(t, "SET_STATE", err.Op)
	assert.Equal(t, ErrCodeDeviceOffline, err.Code)
	assert.Equal(t, "xencons: backend closed (op=SET_STATE)", err.Error())

	bare := &Error{Code: ErrCodeTimeout}
	assert.Equal(t, "xencons: timeout", bare.Error())
}

func TestWrapErrorMapsErrno(t *testing.T) {
	tests := []struct {
		errno syscall.Errno
		code  ErrorCode
	}{
		{syscall.EOPNOTSUPP, ErrCodeNotSupported},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.ENOBUFS, ErrCodeInvalidBufferSize},
		{syscall.ECANCELED, ErrCodeCancelled},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.EAGAIN, ErrCodeRetry},
		{syscall.ENODEV, ErrCodeDeviceOffline},
		{syscall.ENOENT, ErrCodeDeviceNotFound},
		{syscall.EBUSY, ErrCodeDeviceBusy},
		{syscall.ENOTCONN, ErrCodeNotConnected},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.EIO, ErrCodeIOError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			inner := fmt.Errorf("ring: put: %w", tt.errno)
			err := WrapError("WRITE", inner)
			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.errno, err.Errno)
			assert.True(t, errors.Is(err, tt.errno), "errno stays reachable through the chain")
			assert.True(t, IsErrno(err, tt.errno))
			assert.True(t, IsCode(err, tt.code))
		})
	}
}

func TestWrapErrorContext(t *testing.T) {
	err := WrapError("READ", fmt.Errorf("wait: %w", context.Canceled))
	assert.Equal(t, ErrCodeCancelled, err.Code)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))

	err = WrapError("READ", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestWrapErrorKeepsStructure(t *testing.T) {
	inner := NewDeviceError("CONNECT", "device/console/0", ErrCodeRetry, "commit lost")
	err := WrapError("SET_STATE", fmt.Errorf("outer: %w", inner))
	assert.Equal(t, "SET_STATE", err.Op)
	assert.Equal(t, "device/console/0", err.Path)
	assert.Equal(t, ErrCodeRetry, err.Code)

	assert.Nil(t, WrapError("NOP", nil))

	plain := WrapError("WRITE", errors.New("boom"))
	assert.Equal(t, ErrCodeIOError, plain.Code)
	assert.False(t, IsErrno(plain, syscall.EIO))
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("layer: %w", &Error{Op: "OPEN", Code: ErrCodeNotConnected})
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.False(t, errors.Is(err, ErrDeviceOffline))
	assert.Equal(t, "xencons: not connected", ErrNotConnected.Error())
}
