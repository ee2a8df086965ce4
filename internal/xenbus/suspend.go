package xenbus

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/ehrlich-b/go-xencons/internal/interfaces"
)

type suspendCallback struct {
	name string
	fn   func()
}

func (c *suspendCallback) Name() string {
	return c.name
}

// Suspend runs registered callbacks when a suspend/resume cycle is
// simulated with Trigger.
type Suspend struct {
	mu          sync.Mutex
	refs        int
	callbacks   []*suspendCallback
	count       uint64
	unavailable bool
}

// NewSuspend creates a suspend service with no callbacks
func NewSuspend() *Suspend {
	return &Suspend{}
}

// Acquire takes a reference on the suspend service
func (s *Suspend) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return fmt.Errorf("suspend: acquire: %w", syscall.ENODEV)
	}
	s.refs++
	return nil
}

// Release drops a reference taken by Acquire
func (s *Suspend) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
}

// References returns the number of outstanding Acquire calls
func (s *Suspend) References() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// SetUnavailable makes subsequent Acquire calls fail
func (s *Suspend) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	s.unavailable = unavailable
	s.mu.Unlock()
}

// Register adds a callback run after every resume
func (s *Suspend) Register(name string, fn func()) (interfaces.SuspendCallback, error) {
	if fn == nil {
		return nil, fmt.Errorf("suspend: register %s: %w", name, syscall.EINVAL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := &suspendCallback{name: name, fn: fn}
	s.callbacks = append(s.callbacks, cb)
	return cb, nil
}

// Deregister removes a callback added by Register
func (s *Suspend) Deregister(cb interfaces.SuspendCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.callbacks {
		if interfaces.SuspendCallback(c) == cb {
			s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
			return
		}
	}
}

// Callbacks returns the number of registered callbacks
func (s *Suspend) Callbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

// Trigger simulates a suspend/resume cycle and runs every callback
func (s *Suspend) Trigger() {
	s.mu.Lock()
	s.count++
	callbacks := make([]*suspendCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb.fn()
	}
}

// Count returns the number of simulated suspend cycles
func (s *Suspend) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

var _ interfaces.Suspend = (*Suspend)(nil)
