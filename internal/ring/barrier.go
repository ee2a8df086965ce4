package ring

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier semantics.
// On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full fence semantics.
var barrierDummy int64

// mb issues a full memory barrier around shared index accesses. The index
// words themselves are also accessed atomically, so the pair orders the
// data copies against index publication on every architecture Go supports.
func mb() {
	atomic.AddInt64(&barrierDummy, 0)
}
