package frontend

import (
	"fmt"
	"syscall"

	"github.com/ehrlich-b/go-xencons/internal/uapi"
)

func (f *Frontend) property(code uint32) string {
	f.props.RLock()
	defer f.props.RUnlock()

	switch code {
	case uapi.IOCTL_XENCONS_GET_INSTANCE:
		return f.name
	case uapi.IOCTL_XENCONS_GET_NAME:
		return f.backendName
	case uapi.IOCTL_XENCONS_GET_PROTOCOL:
		return f.protocol
	default:
		return ""
	}
}

// GetProperty copies a NUL-terminated property value into output and
// returns the length the value needs, terminator included. The length is
// reported whenever the request itself was valid, so a caller can size a
// buffer from an ENOBUFS reply.
func (f *Frontend) GetProperty(code uint32, input, output []byte) (int, error) {
	name := uapi.PropertyName(code)

	value := f.property(code)
	if value == "" {
		return 0, fmt.Errorf("property %s: %w", name, syscall.EOPNOTSUPP)
	}

	if len(input) != 0 {
		return 0, fmt.Errorf("property %s: unexpected input: %w", name, syscall.EINVAL)
	}

	length := len(value) + 1
	if len(output) == 0 {
		return length, fmt.Errorf("property %s: no output buffer: %w", name, syscall.ENOBUFS)
	}

	clear(output)
	if len(output) < length {
		return length, fmt.Errorf("property %s: need %d bytes, have %d: %w", name, length, len(output), syscall.ENOBUFS)
	}

	copy(output, uapi.MarshalCString(value))
	return length, nil
}
