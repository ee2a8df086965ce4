// Package uapi provides Xen console and xenbus interface definitions
package uapi

// Xenbus states (xen/include/public/io/xenbus.h)
const (
	XenbusStateUnknown       XenbusState = 0
	XenbusStateInitialising  XenbusState = 1
	XenbusStateInitWait      XenbusState = 2 // backend waits for frontend details
	XenbusStateInitialised   XenbusState = 3
	XenbusStateConnected     XenbusState = 4
	XenbusStateClosing       XenbusState = 5
	XenbusStateClosed        XenbusState = 6
	XenbusStateReconfiguring XenbusState = 7
	XenbusStateReconfigured  XenbusState = 8
)

// Shared page layout (xen/include/public/io/console.h)
const (
	XENCONS_IN_SIZE  = 1024
	XENCONS_OUT_SIZE = 2048

	XENCONS_IN_OFFSET       = 0
	XENCONS_OUT_OFFSET      = XENCONS_IN_OFFSET + XENCONS_IN_SIZE
	XENCONS_IN_CONS_OFFSET  = XENCONS_OUT_OFFSET + XENCONS_OUT_SIZE
	XENCONS_IN_PROD_OFFSET  = XENCONS_IN_CONS_OFFSET + 4
	XENCONS_OUT_CONS_OFFSET = XENCONS_IN_PROD_OFFSET + 4
	XENCONS_OUT_PROD_OFFSET = XENCONS_OUT_CONS_OFFSET + 4

	XENCONS_INTERFACE_SIZE = XENCONS_OUT_PROD_OFFSET + 4
)

// Store keys negotiated between frontend and backend
const (
	KeyBackend   = "backend"
	KeyBackendID = "backend-id"
	KeyState     = "state"
	KeyOnline    = "online"
	KeyName      = "name"
	KeyProtocol  = "protocol"
	KeyPort      = "port"
	KeyRingRef   = "ring-ref"
	KeyError     = "error"
)

// Device control codes
const (
	FILE_DEVICE_UNKNOWN = 0x22
	METHOD_BUFFERED     = 0
	FILE_ANY_ACCESS     = 0

	_IOCTL_XENCONS_BEGIN = 0x800
)

// CtlCode builds a device control code
func CtlCode(deviceType, function, method, access uint32) uint32 {
	return (deviceType << 16) | (access << 14) | (function << 2) | method
}

// Console property requests
var (
	IOCTL_XENCONS_GET_INSTANCE = CtlCode(FILE_DEVICE_UNKNOWN, _IOCTL_XENCONS_BEGIN+0, METHOD_BUFFERED, FILE_ANY_ACCESS)
	IOCTL_XENCONS_GET_NAME     = CtlCode(FILE_DEVICE_UNKNOWN, _IOCTL_XENCONS_BEGIN+1, METHOD_BUFFERED, FILE_ANY_ACCESS)
	IOCTL_XENCONS_GET_PROTOCOL = CtlCode(FILE_DEVICE_UNKNOWN, _IOCTL_XENCONS_BEGIN+2, METHOD_BUFFERED, FILE_ANY_ACCESS)
)

// MaskIndex maps a free-running ring index onto a power-of-two buffer
func MaskIndex(idx uint32, size uint32) uint32 {
	return idx & (size - 1)
}
