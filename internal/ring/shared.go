package ring

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/ehrlich-b/go-xencons/internal/uapi"
)

// Shared is a view of the console page. The frontend consumes in[] and
// produces out[]; the Peer* methods are the backend's half and exist for
// the simulated backend and tests.
//
// Every index access is atomic and bracketed by barriers: the peer may
// move its indices at any moment and is not trusted to keep them sane.
type Shared struct {
	page []byte
	intf *uapi.XenconsInterface
}

// NewShared wraps a page holding a console interface
func NewShared(page []byte) (*Shared, error) {
	if len(page) < uapi.XENCONS_INTERFACE_SIZE {
		return nil, fmt.Errorf("shared page of %d bytes: %w", len(page), syscall.EINVAL)
	}
	if uintptr(unsafe.Pointer(&page[0]))%4 != 0 {
		return nil, fmt.Errorf("shared page misaligned: %w", syscall.EINVAL)
	}
	return &Shared{
		page: page,
		intf: (*uapi.XenconsInterface)(unsafe.Pointer(&page[0])),
	}, nil
}

// Page returns the underlying page
func (s *Shared) Page() []byte {
	return s.page
}

// contiguous returns how many of n bytes starting at idx fit before the
// buffer wraps
func contiguous(idx, n, size uint32) uint32 {
	offset := uapi.MaskIndex(idx, size)
	if run := size - offset; n > run {
		return run
	}
	return n
}

// used returns prod - cons clamped to size
func used(cons, prod, size uint32) uint32 {
	if d := prod - cons; d <= size {
		return d
	}
	return size
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func clampLen(n int) uint32 {
	if n > int(^uint32(0)>>1) {
		return ^uint32(0) >> 1
	}
	return uint32(n)
}

// CopyFromRing moves up to len(dst) bytes out of in[] and returns how many
// were copied. Zero means the ring was empty.
func (s *Shared) CopyFromRing(dst []byte) uint32 {
	intf := s.intf

	mb()
	cons := atomic.LoadUint32(&intf.InCons)
	prod := atomic.LoadUint32(&intf.InProd)
	mb()

	avail := used(cons, prod, uapi.XENCONS_IN_SIZE)
	want := min32(clampLen(len(dst)), avail)

	var copied uint32
	for copied < want {
		n := contiguous(cons, want-copied, uapi.XENCONS_IN_SIZE)
		offset := uapi.MaskIndex(cons, uapi.XENCONS_IN_SIZE)
		copy(dst[copied:copied+n], intf.In[offset:offset+n])
		copied += n
		cons += n
	}

	mb()
	atomic.StoreUint32(&intf.InCons, cons)
	mb()

	return copied
}

// CopyToRing moves up to len(src) bytes into out[] and returns how many
// were copied. Zero means the ring was full.
func (s *Shared) CopyToRing(src []byte) uint32 {
	intf := s.intf

	mb()
	cons := atomic.LoadUint32(&intf.OutCons)
	prod := atomic.LoadUint32(&intf.OutProd)
	mb()

	space := uapi.XENCONS_OUT_SIZE - used(cons, prod, uapi.XENCONS_OUT_SIZE)
	want := min32(clampLen(len(src)), space)

	var copied uint32
	for copied < want {
		n := contiguous(prod, want-copied, uapi.XENCONS_OUT_SIZE)
		offset := uapi.MaskIndex(prod, uapi.XENCONS_OUT_SIZE)
		copy(intf.Out[offset:offset+n], src[copied:copied+n])
		copied += n
		prod += n
	}

	mb()
	atomic.StoreUint32(&intf.OutProd, prod)
	mb()

	return copied
}

// PeerWriteIn is the backend producing into in[]
func (s *Shared) PeerWriteIn(src []byte) uint32 {
	intf := s.intf

	mb()
	cons := atomic.LoadUint32(&intf.InCons)
	prod := atomic.LoadUint32(&intf.InProd)
	mb()

	space := uapi.XENCONS_IN_SIZE - used(cons, prod, uapi.XENCONS_IN_SIZE)
	want := min32(clampLen(len(src)), space)

	var copied uint32
	for copied < want {
		n := contiguous(prod, want-copied, uapi.XENCONS_IN_SIZE)
		offset := uapi.MaskIndex(prod, uapi.XENCONS_IN_SIZE)
		copy(intf.In[offset:offset+n], src[copied:copied+n])
		copied += n
		prod += n
	}

	mb()
	atomic.StoreUint32(&intf.InProd, prod)
	mb()

	return copied
}

// PeerReadOut is the backend consuming out[]
func (s *Shared) PeerReadOut(dst []byte) uint32 {
	intf := s.intf

	mb()
	cons := atomic.LoadUint32(&intf.OutCons)
	prod := atomic.LoadUint32(&intf.OutProd)
	mb()

	avail := used(cons, prod, uapi.XENCONS_OUT_SIZE)
	want := min32(clampLen(len(dst)), avail)

	var copied uint32
	for copied < want {
		n := contiguous(cons, want-copied, uapi.XENCONS_OUT_SIZE)
		offset := uapi.MaskIndex(cons, uapi.XENCONS_OUT_SIZE)
		copy(dst[copied:copied+n], intf.Out[offset:offset+n])
		copied += n
		cons += n
	}

	mb()
	atomic.StoreUint32(&intf.OutCons, cons)
	mb()

	return copied
}

// Indices is a snapshot of the four ring indices
type Indices struct {
	InCons  uint32
	InProd  uint32
	OutCons uint32
	OutProd uint32
}

// Indices samples all four indices
func (s *Shared) Indices() Indices {
	mb()
	defer mb()
	return Indices{
		InCons:  atomic.LoadUint32(&s.intf.InCons),
		InProd:  atomic.LoadUint32(&s.intf.InProd),
		OutCons: atomic.LoadUint32(&s.intf.OutCons),
		OutProd: atomic.LoadUint32(&s.intf.OutProd),
	}
}

// SetIndices overwrites all four indices. Used to start a ring at an
// arbitrary point of the index space or to model a misbehaving peer.
func (s *Shared) SetIndices(idx Indices) {
	mb()
	atomic.StoreUint32(&s.intf.InCons, idx.InCons)
	atomic.StoreUint32(&s.intf.InProd, idx.InProd)
	atomic.StoreUint32(&s.intf.OutCons, idx.OutCons)
	atomic.StoreUint32(&s.intf.OutProd, idx.OutProd)
	mb()
}

// InAvailable returns the bytes waiting in in[]
func (s *Shared) InAvailable() uint32 {
	idx := s.Indices()
	return used(idx.InCons, idx.InProd, uapi.XENCONS_IN_SIZE)
}

// OutPending returns the bytes in out[] the peer has not consumed
func (s *Shared) OutPending() uint32 {
	idx := s.Indices()
	return used(idx.OutCons, idx.OutProd, uapi.XENCONS_OUT_SIZE)
}

// Zero clears the page, indices included
func (s *Shared) Zero() {
	mb()
	for i := range s.page {
		s.page[i] = 0
	}
	mb()
}
