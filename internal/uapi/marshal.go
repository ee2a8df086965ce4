package uapi

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidState is returned when a store value is not a xenbus state
var ErrInvalidState = errors.New("invalid xenbus state")

// MarshalState formats a state the way it is stored: decimal ASCII
func MarshalState(s XenbusState) string {
	return strconv.FormatUint(uint64(s), 10)
}

// UnmarshalState parses a stored state value
func UnmarshalState(value string) (XenbusState, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	if err != nil {
		return XenbusStateUnknown, ErrInvalidState
	}
	if n > uint64(XenbusStateReconfigured) {
		return XenbusStateUnknown, ErrInvalidState
	}
	return XenbusState(n), nil
}

// ParseState is UnmarshalState with any failure folded into Unknown
func ParseState(value string) XenbusState {
	s, err := UnmarshalState(value)
	if err != nil {
		return XenbusStateUnknown
	}
	return s
}

// ParseDomain parses a backend-id value
func ParseDomain(value string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// MarshalCString returns value as a NUL-terminated byte string
func MarshalCString(value string) []byte {
	buf := make([]byte, len(value)+1)
	copy(buf, value)
	return buf
}
