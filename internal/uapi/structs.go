package uapi

import (
	"fmt"
	"unsafe"
)

// XenconsInterface is the shared console page header.
//
//	struct xencons_interface {
//	  char in[1024];
//	  char out[2048];
//	  XENCONS_RING_IDX in_cons, in_prod;
//	  XENCONS_RING_IDX out_cons, out_prod;
//	};
//
// in_prod and out_cons are written by the backend only; in_cons and
// out_prod by the frontend only.
type XenconsInterface struct {
	In      [XENCONS_IN_SIZE]byte
	Out     [XENCONS_OUT_SIZE]byte
	InCons  uint32
	InProd  uint32
	OutCons uint32
	OutProd uint32
}

// Compile-time size check
var _ [XENCONS_INTERFACE_SIZE]byte = [unsafe.Sizeof(XenconsInterface{})]byte{}

// XenbusState is the connection state each side publishes under its state key
type XenbusState uint32

func (s XenbusState) String() string {
	switch s {
	case XenbusStateUnknown:
		return "Unknown"
	case XenbusStateInitialising:
		return "Initialising"
	case XenbusStateInitWait:
		return "InitWait"
	case XenbusStateInitialised:
		return "Initialised"
	case XenbusStateConnected:
		return "Connected"
	case XenbusStateClosing:
		return "Closing"
	case XenbusStateClosed:
		return "Closed"
	case XenbusStateReconfiguring:
		return "Reconfiguring"
	case XenbusStateReconfigured:
		return "Reconfigured"
	default:
		return fmt.Sprintf("INVALID(%d)", uint32(s))
	}
}

// PropertyName returns a short name for a console property request
func PropertyName(code uint32) string {
	switch code {
	case IOCTL_XENCONS_GET_INSTANCE:
		return "INSTANCE"
	case IOCTL_XENCONS_GET_NAME:
		return "NAME"
	case IOCTL_XENCONS_GET_PROTOCOL:
		return "PROTOCOL"
	default:
		return fmt.Sprintf("0x%08x", code)
	}
}
