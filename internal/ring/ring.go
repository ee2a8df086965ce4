// Package ring drives the console's shared ring: it owns the page, the
// event channel and the two request queues, and drains the queues against
// the ring from a deferred procedure.
package ring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ehrlich-b/go-xencons/internal/dpc"
	"github.com/ehrlich-b/go-xencons/internal/interfaces"
	"github.com/ehrlich-b/go-xencons/internal/logging"
	"github.com/ehrlich-b/go-xencons/internal/queue"
	"github.com/ehrlich-b/go-xencons/internal/uapi"
)

// Config carries the collaborators a ring needs
type Config struct {
	Name      string
	Services  interfaces.Services
	Scheduler *dpc.Scheduler
	Logger    *logging.Logger
}

// Stats is a snapshot of ring counters
type Stats struct {
	Events       uint64 `json:"events"`
	Dpcs         uint64 `json:"dpcs"`
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
	PendingRead  int    `json:"pending_read"`
	PendingWrite int    `json:"pending_write"`
	Enabled      bool   `json:"enabled"`
	Connected    bool   `json:"connected"`
}

// Ring is the frontend half of one console ring
type Ring struct {
	name   string
	svc    interfaces.Services
	logger *logging.Logger

	reads  *queue.Queue
	writes *queue.Queue
	dpc    *dpc.Dpc

	mu        sync.Mutex
	enabled   bool
	connected bool

	domain  uint16
	page    []byte
	shared  *Shared
	grant   interfaces.GrantEntry
	channel interfaces.Channel
	debug   interfaces.DebugCallback
	path    string // frontend path the ring keys were written under

	events       atomic.Uint64
	dpcs         atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Create builds an unconnected ring
func Create(cfg Config) (*Ring, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("ring %s: no scheduler: %w", cfg.Name, syscall.EINVAL)
	}
	if cfg.Services.Store == nil || cfg.Services.Gnttab == nil || cfg.Services.Evtchn == nil || cfg.Services.Debug == nil {
		return nil, fmt.Errorf("ring %s: missing service: %w", cfg.Name, syscall.EINVAL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := &Ring{
		name:   cfg.Name,
		svc:    cfg.Services,
		logger: logger.WithRing(cfg.Name),
		reads:  queue.New("read"),
		writes: queue.New("write"),
	}
	r.dpc = cfg.Scheduler.New(r.drain)
	return r, nil
}

// Name returns the ring name
func (r *Ring) Name() string {
	return r.name
}

// Connect allocates and grants the page and opens the event channel to
// domain. Everything acquired is released again on failure.
func (r *Ring) Connect(domain uint16) (err error) {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return fmt.Errorf("ring %s: already connected: %w", r.name, syscall.EBUSY)
	}
	r.mu.Unlock()

	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		r.logger.Error("connect failed", "error", err)
	}()

	if err = r.svc.Evtchn.Acquire(); err != nil {
		return fmt.Errorf("ring %s: evtchn: %w", r.name, err)
	}
	undo = append(undo, r.svc.Evtchn.Release)

	if err = r.svc.Gnttab.Acquire(); err != nil {
		return fmt.Errorf("ring %s: gnttab: %w", r.name, err)
	}
	undo = append(undo, r.svc.Gnttab.Release)

	if err = r.svc.Store.Acquire(); err != nil {
		return fmt.Errorf("ring %s: store: %w", r.name, err)
	}
	undo = append(undo, r.svc.Store.Release)

	page, err := r.svc.Gnttab.AllocatePage()
	if err != nil {
		return fmt.Errorf("ring %s: allocate page: %w", r.name, err)
	}
	undo = append(undo, func() { r.svc.Gnttab.FreePage(page) })

	shared, err := NewShared(page)
	if err != nil {
		return fmt.Errorf("ring %s: %w", r.name, err)
	}

	grant, err := r.svc.Gnttab.PermitForeignAccess(domain, page, false)
	if err != nil {
		return fmt.Errorf("ring %s: grant page: %w", r.name, err)
	}
	undo = append(undo, func() {
		if rerr := r.svc.Gnttab.RevokeForeignAccess(grant); rerr != nil {
			r.logger.Warn("revoke failed", "ref", grant.Reference(), "error", rerr)
		}
	})

	channel, err := r.svc.Evtchn.Open(domain, r.interrupt)
	if err != nil {
		return fmt.Errorf("ring %s: open event channel: %w", r.name, err)
	}
	undo = append(undo, func() { r.svc.Evtchn.Close(channel) })

	if err = r.svc.Debug.Acquire(); err != nil {
		return fmt.Errorf("ring %s: debug: %w", r.name, err)
	}
	undo = append(undo, r.svc.Debug.Release)

	debug, err := r.svc.Debug.Register("ring "+r.name, r.debugCallback)
	if err != nil {
		return fmt.Errorf("ring %s: debug register: %w", r.name, err)
	}

	r.mu.Lock()
	r.domain = domain
	r.page = page
	r.shared = shared
	r.grant = grant
	r.channel = channel
	r.debug = debug
	r.connected = true
	r.mu.Unlock()

	r.svc.Evtchn.Unmask(channel)

	r.logger.Debug("connected", "domain", domain, "ref", grant.Reference(), "port", channel.Port())
	return nil
}

// StoreWrite publishes ring-ref and port under path inside txn
func (r *Ring) StoreWrite(txn interfaces.Transaction, path string) error {
	r.mu.Lock()
	grant, channel, connected := r.grant, r.channel, r.connected
	r.mu.Unlock()
	if !connected {
		return fmt.Errorf("ring %s: store write: %w", r.name, syscall.ENOTCONN)
	}

	if err := r.svc.Store.Printf(txn, path, uapi.KeyRingRef, "%d", grant.Reference()); err != nil {
		return err
	}
	if err := r.svc.Store.Printf(txn, path, uapi.KeyPort, "%d", channel.Port()); err != nil {
		return err
	}

	r.mu.Lock()
	r.path = path
	r.mu.Unlock()
	return nil
}

// Disconnect tears down everything Connect set up. The ring must already
// be disabled.
func (r *Ring) Disconnect() {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = false
	r.enabled = false
	page, grant, channel, debug, path := r.page, r.grant, r.channel, r.debug, r.path
	r.mu.Unlock()

	r.events.Store(0)
	r.dpcs.Store(0)

	r.svc.Evtchn.Close(channel)

	// No drain may touch the page past this point
	r.dpc.Flush()

	if path != "" {
		for _, key := range []string{uapi.KeyRingRef, uapi.KeyPort} {
			if err := r.svc.Store.Remove(nil, path, key); err != nil && !errors.Is(err, syscall.ENOENT) {
				r.logger.Warn("failed to remove key", "key", key, "error", err)
			}
		}
	}

	freePage := true
	if err := r.svc.Gnttab.RevokeForeignAccess(grant); err != nil {
		// Still mapped by the peer: leak the page rather than free it
		// under the peer's feet
		r.logger.Error("revoke failed, leaking page", "ref", grant.Reference(), "error", err)
		freePage = false
	}

	r.mu.Lock()
	shared := r.shared
	r.page = nil
	r.shared = nil
	r.grant = nil
	r.channel = nil
	r.debug = nil
	r.path = ""
	r.mu.Unlock()

	if freePage {
		shared.Zero()
		r.svc.Gnttab.FreePage(page)
	}

	r.svc.Debug.Deregister(debug)
	r.svc.Debug.Release()
	r.svc.Store.Release()
	r.svc.Gnttab.Release()
	r.svc.Evtchn.Release()

	r.logger.Debug("disconnected")
}

// Enable starts draining and runs one drain pass
func (r *Ring) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return fmt.Errorf("ring %s: enable: %w", r.name, syscall.ENOTCONN)
	}
	r.enabled = true
	r.dpc.Insert()
	return nil
}

// Disable stops draining. Queued requests stay queued.
func (r *Ring) Disable() {
	r.mu.Lock()
	r.enabled = false
	r.mu.Unlock()
}

// Enabled reports whether the ring drains
func (r *Ring) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Connected reports whether the page and channel are set up
func (r *Ring) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Open registers a new owner. Owners need no per-open state.
func (r *Ring) Open(owner queue.Owner) error {
	if owner == queue.AnyOwner {
		return fmt.Errorf("ring %s: open: %w", r.name, syscall.EINVAL)
	}
	return nil
}

// Close cancels every pending request of owner and returns how many. The
// wildcard owner is refused; only Destroy cancels across owners.
func (r *Ring) Close(owner queue.Owner) (int, error) {
	if owner == queue.AnyOwner {
		return 0, fmt.Errorf("ring %s: close: %w", r.name, syscall.EINVAL)
	}
	n := r.reads.CancelOwner(owner) + r.writes.CancelOwner(owner)
	if n > 0 {
		r.logger.Debug("cancelled requests on close", "owner", uint64(owner), "count", n)
	}
	return n, nil
}

// PutQueue queues req and kicks the drain. Empty requests complete at once.
func (r *Ring) PutQueue(req *queue.Request) error {
	if req.Owner == queue.AnyOwner {
		return fmt.Errorf("ring %s: put: owner %d: %w", r.name, req.Owner, syscall.EINVAL)
	}
	if len(req.Buffer) == 0 {
		req.Complete(0, nil)
		return nil
	}

	var q *queue.Queue
	switch req.Kind {
	case queue.KindRead:
		q = r.reads
	case queue.KindWrite:
		q = r.writes
	default:
		return fmt.Errorf("ring %s: request kind %v: %w", r.name, req.Kind, syscall.EOPNOTSUPP)
	}

	if err := q.Insert(req, false); err != nil {
		return err
	}
	r.dpc.Insert()
	return nil
}

// Destroy waits for the drain and cancels everything still queued
func (r *Ring) Destroy() {
	r.dpc.Flush()
	n := r.reads.CancelOwner(queue.AnyOwner) + r.writes.CancelOwner(queue.AnyOwner)
	if n > 0 {
		r.logger.Debug("cancelled requests on destroy", "count", n)
	}
}

// Stats returns a snapshot of the ring counters
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	enabled, connected := r.enabled, r.connected
	r.mu.Unlock()

	return Stats{
		Events:       r.events.Load(),
		Dpcs:         r.dpcs.Load(),
		BytesRead:    r.bytesRead.Load(),
		BytesWritten: r.bytesWritten.Load(),
		PendingRead:  r.reads.Len(),
		PendingWrite: r.writes.Len(),
		Enabled:      enabled,
		Connected:    connected,
	}
}

// Shared returns the connected page view, or nil
func (r *Ring) Shared() *Shared {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shared
}

// GrantReference returns the grant of the connected page
func (r *Ring) GrantReference() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grant == nil {
		return 0, false
	}
	return r.grant.Reference(), true
}

// Port returns the local event channel port
func (r *Ring) Port() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == nil {
		return 0, false
	}
	return r.channel.Port(), true
}

// interrupt runs on every event channel delivery
func (r *Ring) interrupt() {
	r.events.Add(1)
	if r.dpc.Insert() {
		r.dpcs.Add(1)
	}
}

// drain is the deferred procedure: poll until a pass makes no progress,
// then notify the peer and unmask.
func (r *Ring) drain() {
	var moved bool
	for {
		r.mu.Lock()
		enabled, shared := r.enabled, r.shared
		r.mu.Unlock()

		// Left masked: nobody is waiting on a disabled ring
		if !enabled || shared == nil {
			return
		}

		if r.poll(shared) == 0 {
			break
		}
		moved = true
	}

	r.mu.Lock()
	connected, channel := r.connected, r.channel
	r.mu.Unlock()
	if !connected {
		return
	}

	if moved {
		r.svc.Evtchn.Send(channel)
	}
	r.svc.Evtchn.Unmask(channel)
}

// poll makes one pass over writes then reads and returns the bytes moved
func (r *Ring) poll(shared *Shared) uint64 {
	written := r.pollQueue(r.writes, shared.CopyToRing)
	read := r.pollQueue(r.reads, shared.CopyFromRing)

	r.bytesWritten.Add(written)
	r.bytesRead.Add(read)
	return written + read
}

func (r *Ring) pollQueue(q *queue.Queue, copyFn func([]byte) uint32) uint64 {
	var progress uint64
	for {
		req := q.Take()
		if req == nil {
			break
		}

		n := copyFn(req.Buffer)
		if n == 0 {
			// Blocked: retry this one first next time. A cancellation that
			// arrived meanwhile completes it here.
			if err := q.Insert(req, true); err != nil {
				r.logger.Trace("held request cancelled", "queue", q.Name(), "owner", uint64(req.Owner))
			}
			break
		}

		req.Complete(int(n), nil)
		progress += uint64(n)
	}
	return progress
}

func (r *Ring) debugCallback(p interfaces.DebugPrinter) {
	r.mu.Lock()
	shared, enabled, connected := r.shared, r.enabled, r.connected
	r.mu.Unlock()

	if shared != nil {
		idx := shared.Indices()
		p.Printf("[IN]  cons = %08x prod = %08x\n", idx.InCons, idx.InProd)
		p.Printf("[OUT] cons = %08x prod = %08x\n", idx.OutCons, idx.OutProd)
	}
	p.Printf("Events = %d Dpcs = %d\n", r.events.Load(), r.dpcs.Load())
	p.Printf("Enabled = %t Connected = %t Reads = %d Writes = %d\n",
		enabled, connected, r.reads.Len(), r.writes.Len())
}
