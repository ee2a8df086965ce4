//go:build unix

package xenbus

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-xencons/internal/constants"
)

// allocatePage maps one anonymous, zero-filled, page-aligned page. The
// second slice is the whole mapping and must be handed back to freePage.
func allocatePage() ([]byte, []byte, error) {
	size := constants.PageSize
	if ps := unix.Getpagesize(); ps > size {
		size = ps
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("gnttab: mmap page: %w", err)
	}
	return mem[:constants.PageSize:constants.PageSize], mem, nil
}

func freePage(mapping []byte) error {
	return unix.Munmap(mapping)
}
