package queue

import "sync"

// System buffers for buffered read/write requests. A submitted request owns
// a pooled copy of the caller's data, so the drain procedure never touches
// caller memory after the submission returns.
//
// Uses size-bucketed pools (256B, 1KB, 4KB, 64KB); anything larger is
// allocated directly and dropped on release.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size256 = 256
	size1k  = 1024
	size4k  = 4 * 1024
	size64k = 64 * 1024
)

var globalPool = struct {
	pool256 sync.Pool
	pool1k  sync.Pool
	pool4k  sync.Pool
	pool64k sync.Pool
}{
	pool256: sync.Pool{New: func() any { b := make([]byte, size256); return &b }},
	pool1k:  sync.Pool{New: func() any { b := make([]byte, size1k); return &b }},
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
}

// GetBuffer returns a buffer of exactly size bytes backed by a pooled
// allocation when one fits. Contents are not zeroed.
// Caller must call PutBuffer when done.
func GetBuffer(size int) []byte {
	switch {
	case size <= size256:
		return (*globalPool.pool256.Get().(*[]byte))[:size]
	case size <= size1k:
		return (*globalPool.pool1k.Get().(*[]byte))[:size]
	case size <= size4k:
		return (*globalPool.pool4k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*globalPool.pool64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size256:
		globalPool.pool256.Put(&buf)
	case size1k:
		globalPool.pool1k.Put(&buf)
	case size4k:
		globalPool.pool4k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
	}
}
