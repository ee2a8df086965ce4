package xenbus

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/ehrlich-b/go-xencons/internal/interfaces"
)

type port struct {
	number   uint32
	domain   uint16
	remote   *port
	callback func()
	masked   bool
	pending  bool
	closed   bool
}

func (p *port) Port() uint32 {
	return p.number
}

// EventChannels connects pairs of ports. Delivery masks the receiving port;
// events that arrive while masked are latched and delivered on Unmask.
// Callbacks run on the sending goroutine and must not block.
type EventChannels struct {
	mu    sync.Mutex
	refs  int
	next  uint32
	ports map[uint32]*port

	unavailable bool
	failOpen    bool

	sent map[uint32]uint64
}

// NewEventChannels creates an empty event channel table
func NewEventChannels() *EventChannels {
	return &EventChannels{
		next:  1,
		ports: make(map[uint32]*port),
		sent:  make(map[uint32]uint64),
	}
}

// Acquire takes a reference on the event channel service
func (e *EventChannels) Acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unavailable {
		return fmt.Errorf("evtchn: acquire: %w", syscall.ENODEV)
	}
	e.refs++
	return nil
}

// Release drops a reference taken by Acquire
func (e *EventChannels) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs > 0 {
		e.refs--
	}
}

// SetUnavailable makes subsequent Acquire calls fail
func (e *EventChannels) SetUnavailable(unavailable bool) {
	e.mu.Lock()
	e.unavailable = unavailable
	e.mu.Unlock()
}

// FailOpen makes Open fail
func (e *EventChannels) FailOpen(fail bool) {
	e.mu.Lock()
	e.failOpen = fail
	e.mu.Unlock()
}

func (e *EventChannels) allocLocked(domain uint16, callback func()) *port {
	p := &port{number: e.next, domain: domain, callback: callback, masked: true}
	e.next++
	e.ports[p.number] = p
	return p
}

// Open allocates an unbound port for domain to bind to. The port starts
// masked.
func (e *EventChannels) Open(domain uint16, callback func()) (interfaces.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failOpen {
		return nil, fmt.Errorf("evtchn: open: %w", syscall.ENOSPC)
	}
	return e.allocLocked(domain, callback), nil
}

// BindInterdomain binds a new local port to remotePort, which must have
// been opened for domain. The new port starts unmasked.
func (e *EventChannels) BindInterdomain(domain uint16, remotePort uint32, callback func()) (interfaces.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.ports[remotePort]
	if !ok || r.closed {
		return nil, fmt.Errorf("evtchn: bind %d: %w", remotePort, syscall.ENOENT)
	}
	if r.domain != domain {
		return nil, fmt.Errorf("evtchn: bind %d from domain %d: %w", remotePort, domain, syscall.EPERM)
	}
	if r.remote != nil {
		return nil, fmt.Errorf("evtchn: bind %d: %w", remotePort, syscall.EBUSY)
	}

	p := e.allocLocked(domain, callback)
	p.masked = false
	p.remote = r
	r.remote = p
	return p, nil
}

func (e *EventChannels) lookup(ch interfaces.Channel) *port {
	p, ok := ch.(*port)
	if !ok || p == nil {
		return nil
	}
	return p
}

// deliverLocked raises an event on p and returns the callback to run once
// the lock is dropped
func deliverLocked(p *port) func() {
	if p == nil || p.closed {
		return nil
	}
	if p.masked {
		p.pending = true
		return nil
	}
	p.masked = true
	return p.callback
}

// Send notifies the remote end of ch
func (e *EventChannels) Send(ch interfaces.Channel) {
	p := e.lookup(ch)
	if p == nil {
		return
	}

	e.mu.Lock()
	if p.closed {
		e.mu.Unlock()
		return
	}
	e.sent[p.number]++
	cb := deliverLocked(p.remote)
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Trigger raises an event on ch itself
func (e *EventChannels) Trigger(ch interfaces.Channel) {
	p := e.lookup(ch)
	if p == nil {
		return
	}

	e.mu.Lock()
	cb := deliverLocked(p)
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Unmask re-arms ch, delivering a latched event
func (e *EventChannels) Unmask(ch interfaces.Channel) {
	p := e.lookup(ch)
	if p == nil {
		return
	}

	e.mu.Lock()
	if p.closed {
		e.mu.Unlock()
		return
	}
	p.masked = false
	var cb func()
	if p.pending {
		p.pending = false
		cb = deliverLocked(p)
	}
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Close tears down ch and unbinds its remote end
func (e *EventChannels) Close(ch interfaces.Channel) {
	p := e.lookup(ch)
	if p == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p.closed = true
	if p.remote != nil {
		p.remote.remote = nil
		p.remote = nil
	}
	delete(e.ports, p.number)
}

// Masked reports whether ch is currently masked
func (e *EventChannels) Masked(ch interfaces.Channel) bool {
	p := e.lookup(ch)
	if p == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return p.masked
}

// Sent returns how many notifications were sent from port
func (e *EventChannels) Sent(number uint32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent[number]
}

// OpenPorts returns the number of open ports
func (e *EventChannels) OpenPorts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ports)
}

var _ interfaces.EventChannels = (*EventChannels)(nil)
