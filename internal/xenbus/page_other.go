//go:build !unix

package xenbus

import (
	"unsafe"

	"github.com/ehrlich-b/go-xencons/internal/constants"
)

// allocatePage returns a page-aligned page carved out of the Go heap
func allocatePage() ([]byte, []byte, error) {
	mem := make([]byte, 2*constants.PageSize)
	off := constants.PageSize - int(uintptr(unsafe.Pointer(&mem[0]))%constants.PageSize)
	if off == constants.PageSize {
		off = 0
	}
	return mem[off : off+constants.PageSize : off+constants.PageSize], mem, nil
}

func freePage(mapping []byte) error {
	return nil
}
