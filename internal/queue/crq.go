// Package queue implements the cancelable request queues that hold pending
// console reads and writes until the ring can satisfy them.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
)

// Kind is the direction of a request
type Kind uint8

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Owner identifies the open handle that issued a request
type Owner uint64

// AnyOwner matches every request in Remove and Peek
const AnyOwner Owner = 0

// ErrCancelled is the outcome of every cancelled request
var ErrCancelled = fmt.Errorf("request cancelled: %w", syscall.ECANCELED)

// Request is one pending read or write. Buffer is a system buffer owned by
// the request: writes carry the bytes to send, reads receive into it.
type Request struct {
	Kind   Kind
	Owner  Owner
	Buffer []byte

	pooled bool

	done      chan struct{}
	completed atomic.Bool
	n         int
	err       error

	// home is the queue the request was first inserted into
	home      atomic.Pointer[Queue]
	cancelled atomic.Bool
	queued    bool // guarded by home.mu
}

// NewRequest creates a request over a caller-supplied buffer
func NewRequest(kind Kind, owner Owner, buf []byte) *Request {
	return &Request{
		Kind:   kind,
		Owner:  owner,
		Buffer: buf,
		done:   make(chan struct{}),
	}
}

// NewWriteRequest copies p into a pooled system buffer
func NewWriteRequest(owner Owner, p []byte) *Request {
	buf := GetBuffer(len(p))
	copy(buf, p)
	r := NewRequest(KindWrite, owner, buf)
	r.pooled = true
	return r
}

// NewReadRequest allocates a pooled system buffer of length bytes
func NewReadRequest(owner Owner, length int) *Request {
	r := NewRequest(KindRead, owner, GetBuffer(length))
	r.pooled = true
	return r
}

// Complete records the outcome. Only the first call has any effect; it
// reports whether this call completed the request.
func (r *Request) Complete(n int, err error) bool {
	if !r.completed.CompareAndSwap(false, true) {
		return false
	}
	r.n = n
	r.err = err
	close(r.done)
	return true
}

// Done is closed once the request has completed
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Completed reports whether the request has an outcome
func (r *Request) Completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. Only meaningful after Done is closed.
func (r *Request) Result() (int, error) {
	return r.n, r.err
}

// Data returns the bytes a completed read received
func (r *Request) Data() []byte {
	n, _ := r.Result()
	return r.Buffer[:n]
}

// Wait blocks until the request completes. If ctx ends first the request is
// cancelled; the drain may still win that race, in which case its result is
// returned.
func (r *Request) Wait(ctx context.Context) (int, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.Cancel()
		<-r.done
	}
	return r.Result()
}

// Cancel requests cancellation. A queued request is removed and completed
// as cancelled immediately; a request the drain loop currently holds is
// cancelled when it is put back, unless the drain completes it first. A
// request not yet inserted is cancelled by its first Insert.
func (r *Request) Cancel() bool {
	r.cancelled.Store(true)
	if q := r.home.Load(); q != nil {
		return q.Cancel(r)
	}
	return false
}

// Cancelled reports whether cancellation was requested
func (r *Request) Cancelled() bool {
	return r.cancelled.Load()
}

// Release returns a pooled system buffer. The request must be complete and
// its data no longer referenced.
func (r *Request) Release() {
	if r.pooled && r.Buffer != nil {
		PutBuffer(r.Buffer)
	}
	r.Buffer = nil
}

// Queue is a FIFO of pending requests. The lock only covers list
// manipulation; copies and completions happen outside it.
type Queue struct {
	name  string
	mu    sync.Mutex
	items []*Request

	// held is the request the drain took last and has not put back
	held *Request
}

// New creates an empty queue
func New(name string) *Queue {
	return &Queue{name: name}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Insert queues r at the tail, or at the head for a request the drain loop
// is putting back. If cancellation was requested while r was out of the
// queue it is completed as cancelled and ECANCELED is returned.
func (q *Queue) Insert(r *Request, toHead bool) error {
	r.home.CompareAndSwap(nil, q)

	q.mu.Lock()
	if q.held == r {
		q.held = nil
	}
	if r.cancelled.Load() {
		q.mu.Unlock()
		q.CompleteCancelled(r)
		return ErrCancelled
	}
	if toHead {
		q.items = append(q.items, nil)
		copy(q.items[1:], q.items)
		q.items[0] = r
	} else {
		q.items = append(q.items, r)
	}
	r.queued = true
	q.mu.Unlock()
	return nil
}

// Remove dequeues the head, or with a specific owner the first request
// belonging to it. nil when nothing matches.
func (q *Queue) Remove(owner Owner) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, r := range q.items {
		if owner != AnyOwner && r.Owner != owner {
			continue
		}
		q.removeLocked(i)
		return r
	}
	return nil
}

// Take dequeues the head for the drain loop. Until the drain completes it
// or puts it back with Insert, CancelOwner still reaches it by marking it
// cancelled.
func (q *Queue) Take() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		q.held = nil
		return nil
	}
	r := q.items[0]
	q.removeLocked(0)
	q.held = r
	return r
}

// Peek returns the first request matching owner without removing it
func (q *Queue) Peek(owner Owner) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range q.items {
		if owner == AnyOwner || r.Owner == owner {
			return r
		}
	}
	return nil
}

// Cancel marks r cancelled and, if it is queued here, removes it and
// completes it as cancelled. Returns whether r was removed.
func (q *Queue) Cancel(r *Request) bool {
	q.mu.Lock()
	r.cancelled.Store(true)
	if !r.queued {
		q.mu.Unlock()
		return false
	}
	for i, item := range q.items {
		if item == r {
			q.removeLocked(i)
			break
		}
	}
	q.mu.Unlock()

	q.CompleteCancelled(r)
	return true
}

// CompleteCancelled completes r with zero bytes and ErrCancelled
func (q *Queue) CompleteCancelled(r *Request) {
	r.Complete(0, ErrCancelled)
}

// CancelOwner cancels every queued request of owner, or every request with
// AnyOwner. Returns how many were cancelled. A matching request the drain
// holds is only marked; it completes as cancelled when put back.
func (q *Queue) CancelOwner(owner Owner) int {
	q.mu.Lock()
	if h := q.held; h != nil && !h.Completed() && (owner == AnyOwner || h.Owner == owner) {
		h.cancelled.Store(true)
	}
	q.mu.Unlock()

	count := 0
	for {
		r := q.Remove(owner)
		if r == nil {
			return count
		}
		r.cancelled.Store(true)
		q.CompleteCancelled(r)
		count++
	}
}

// Len returns the number of queued requests
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) removeLocked(i int) {
	r := q.items[i]
	r.queued = false
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
}
