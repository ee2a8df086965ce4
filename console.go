// Package xencons provides the main API for a Xen paravirtual console
// frontend: a byte stream to and from a backend domain over one shared page
// and an event channel, negotiated through xenstore.
package xencons

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-xencons/internal/constants"
	"github.com/ehrlich-b/go-xencons/internal/dpc"
	"github.com/ehrlich-b/go-xencons/internal/frontend"
	"github.com/ehrlich-b/go-xencons/internal/interfaces"
	"github.com/ehrlich-b/go-xencons/internal/logging"
	"github.com/ehrlich-b/go-xencons/internal/queue"
	"github.com/ehrlich-b/go-xencons/internal/ring"
	"github.com/ehrlich-b/go-xencons/internal/uapi"
)

// Owner identifies an open handle on the console
type Owner = queue.Owner

// AnyOwner is reserved for teardown and is never a valid handle
const AnyOwner = queue.AnyOwner

// State is the frontend connection state
type State = frontend.State

// Connection states, lowest first
const (
	StateUnknown   = frontend.StateUnknown
	StateClosed    = frontend.StateClosed
	StatePrepared  = frontend.StatePrepared
	StateConnected = frontend.StateConnected
	StateEnabled   = frontend.StateEnabled
)

// PropertyKind selects a value for GetProperty
type PropertyKind = uint32

// Property requests
var (
	PropertyInstance PropertyKind = uapi.IOCTL_XENCONS_GET_INSTANCE
	PropertyName     PropertyKind = uapi.IOCTL_XENCONS_GET_NAME
	PropertyProtocol PropertyKind = uapi.IOCTL_XENCONS_GET_PROTOCOL
)

// ConsoleABI is the surface a console device exposes to its stack
type ConsoleABI interface {
	Acquire() error
	Release()

	// D3ToD0 powers the console up; D0ToD3 powers it down
	D3ToD0(ctx context.Context) error
	D0ToD3(ctx context.Context)

	Open(owner Owner) error
	Close(owner Owner) error

	Read(ctx context.Context, owner Owner, p []byte) (int, error)
	Write(ctx context.Context, owner Owner, p []byte) (int, error)
	SubmitRead(owner Owner, length int) (*Pending, error)
	SubmitWrite(owner Owner, p []byte) (*Pending, error)

	GetProperty(kind PropertyKind, input, output []byte) (int, error)
}

// DeviceParams contains parameters for creating a console
type DeviceParams struct {
	// Name is the console instance; the frontend lives at
	// device/console/<Name> unless Path is set
	Name string
	Path string

	// Negotiation timing
	BackendTimeout     time.Duration // Ceiling on one wait for the backend
	PollInterval       time.Duration // Sleep between store polls
	PollAttempts       int           // Polls per watch wait
	TransactionRetries int           // Commit retries on conflict

	// Deferred procedure pool
	DpcWorkers  int
	DpcCapacity int
}

// DefaultParams returns default console parameters
func DefaultParams() DeviceParams {
	return DeviceParams{
		Name:               constants.DefaultInstance,
		BackendTimeout:     constants.BackendStateTimeout,
		PollInterval:       constants.WatchPollInterval,
		PollAttempts:       constants.WatchPollAttempts,
		TransactionRetries: constants.TransactionRetries,
		DpcWorkers:         constants.DefaultDpcWorkers,
		DpcCapacity:        constants.DefaultDpcCapacity,
	}
}

// Options contains the collaborators a console runs against
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Services are the bus services the frontend consumes (required)
	Services interfaces.Services

	// Logger for debug/info messages (if nil, uses the default logger)
	Logger *logging.Logger

	// Observer for metrics collection (if nil, records into Metrics())
	Observer Observer

	// Ejector receives eject requests (optional)
	Ejector interfaces.Ejector
}

// Console is a console frontend bound to a set of bus services
type Console struct {
	frontend *frontend.Frontend
	sched    *dpc.Scheduler
	params   DeviceParams

	ctx    context.Context
	cancel context.CancelFunc

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// observingEjector reports eject requests to the observer before passing
// them on
type observingEjector struct {
	next     interfaces.Ejector
	observer Observer
}

func (e observingEjector) RequestEject(path string) {
	e.observer.ObserveEject(path)
	if e.next != nil {
		e.next.RequestEject(path)
	}
}

// CreateConsole creates a console frontend in state Unknown. Call D3ToD0 to
// connect it.
//
// Example:
//
//	bus := xenbus.NewBus()
//	console, err := xencons.CreateConsole(ctx, xencons.DefaultParams(),
//		&xencons.Options{Services: bus.Services()})
//	err = console.D3ToD0(ctx)
func CreateConsole(ctx context.Context, params DeviceParams, options *Options) (*Console, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if options == nil {
		options = &Options{}
	}

	if options.Context != nil {
		ctx = options.Context
	}

	svc := options.Services
	if svc.Store == nil || svc.Gnttab == nil || svc.Evtchn == nil || svc.Suspend == nil || svc.Debug == nil {
		return nil, NewError("CREATE", ErrCodeInvalidParameters, "all bus services are required")
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	sched := dpc.NewScheduler(params.DpcWorkers, params.DpcCapacity)

	cfg := frontend.DefaultConfig(params.Name, svc)
	cfg.Path = params.Path
	cfg.Scheduler = sched
	cfg.Logger = logger
	cfg.Ejector = observingEjector{next: options.Ejector, observer: observer}
	cfg.BackendTimeout = params.BackendTimeout
	cfg.PollInterval = params.PollInterval
	cfg.PollAttempts = params.PollAttempts
	cfg.TransactionRetries = params.TransactionRetries
	cfg.OnTransition = func(t frontend.Transition) {
		observer.ObserveTransition(t.From.String(), t.To.String())
	}

	f, err := frontend.Create(cfg)
	if err != nil {
		sched.Stop()
		return nil, WrapError("CREATE", err)
	}

	c := &Console{
		frontend: f,
		sched:    sched,
		params:   params,
		metrics:  metrics,
		observer: observer,
		logger:   logger.WithFrontend(f.Path()),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.logger.Info("console created", "name", f.Name())
	return c, nil
}

// Destroy collapses the console to Unknown, cancels every pending request
// and stops its workers
func (c *Console) Destroy() {
	if c == nil {
		return
	}
	c.cancel()
	c.frontend.Destroy()
	c.sched.Stop()
	c.metrics.Stop()
	c.logger.Info("console destroyed")
}

// Path returns the frontend store path
func (c *Console) Path() string { return c.frontend.Path() }

// State returns the connection state
func (c *Console) State() State { return c.frontend.State() }

// SetState drives the connection to target one step at a time
func (c *Console) SetState(ctx context.Context, target State) error {
	if err := c.frontend.SetState(ctx, target); err != nil {
		c.observer.ObserveStateError(err)
		e := WrapError("SET_STATE", err)
		e.Path = c.Path()
		return e
	}
	return nil
}

// Acquire takes a reference on the console
func (c *Console) Acquire() error {
	if err := c.frontend.Acquire(); err != nil {
		return WrapError("ACQUIRE", err)
	}
	return nil
}

// Release drops a reference taken by Acquire
func (c *Console) Release() {
	c.frontend.Release()
}

// D3ToD0 takes a reference, which registers for suspend, then connects the
// console and enables the data path. The reference is dropped again if
// enabling fails.
func (c *Console) D3ToD0(ctx context.Context) error {
	if err := c.Acquire(); err != nil {
		return err
	}
	if err := c.SetState(ctx, StateEnabled); err != nil {
		c.Release()
		return err
	}
	return nil
}

// D0ToD3 disconnects the console and drops the reference D3ToD0 took. A
// console that a resume already collapsed is not prepared again just to be
// closed.
func (c *Console) D0ToD3(ctx context.Context) {
	if c.State() > StateClosed {
		if err := c.SetState(ctx, StateClosed); err != nil {
			c.logger.WarnContext(ctx, "power down incomplete", "error", err)
		}
	}
	c.Release()
}

// EjectFailed records in the store that an eject could not be honoured
func (c *Console) EjectFailed() error {
	if err := c.frontend.EjectFailed(); err != nil {
		return WrapError("EJECT_FAILED", err)
	}
	return nil
}

// Open registers a handle
func (c *Console) Open(owner Owner) error {
	if err := c.frontend.Ring().Open(owner); err != nil {
		return WrapError("OPEN", err)
	}
	return nil
}

// Close cancels every request the handle still has pending. AnyOwner is
// refused; Destroy is the only way to cancel across handles.
func (c *Console) Close(owner Owner) error {
	n, err := c.frontend.Ring().Close(owner)
	if err != nil {
		return WrapError("CLOSE", err)
	}
	if n > 0 {
		c.logger.Debug("handle closed with requests pending", "owner", uint64(owner), "cancelled", n)
	}
	return nil
}

// Pending is a submitted request
type Pending struct {
	req     *queue.Request
	console *Console
	start   time.Time
	once    sync.Once
}

// Done is closed once the request has completed
func (p *Pending) Done() <-chan struct{} { return p.req.Done() }

// Cancel requests cancellation
func (p *Pending) Cancel() bool { return p.req.Cancel() }

// Wait blocks until the request completes; if ctx ends first the request
// is cancelled
func (p *Pending) Wait(ctx context.Context) (int, error) {
	ctx, cancel := p.console.bind(ctx)
	defer cancel()

	n, err := p.req.Wait(ctx)
	p.record(n, err)
	if err != nil {
		return n, WrapError(p.op(), err)
	}
	return n, nil
}

// Data returns the bytes a completed read received. Valid until Release.
func (p *Pending) Data() []byte { return p.req.Data() }

// Release returns the request's buffer
func (p *Pending) Release() { p.req.Release() }

func (p *Pending) op() string {
	if p.req.Kind == queue.KindRead {
		return "READ"
	}
	return "WRITE"
}

func (p *Pending) record(n int, err error) {
	p.once.Do(func() { p.observe(n, err) })
}

func (p *Pending) observe(n int, err error) {
	if errors.Is(err, syscall.ECANCELED) {
		p.console.observer.ObserveCancel()
	}
	latency := uint64(time.Since(p.start).Nanoseconds())
	if p.req.Kind == queue.KindRead {
		p.console.observer.ObserveRead(uint64(n), latency, err == nil)
	} else {
		p.console.observer.ObserveWrite(uint64(n), latency, err == nil)
	}
}

// bind ends ctx early when the console's own context ends
func (c *Console) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Console) submit(req *queue.Request) (*Pending, error) {
	p := &Pending{req: req, console: c, start: time.Now()}
	if err := c.frontend.Ring().PutQueue(req); err != nil {
		p.record(0, err)
		req.Release()
		return nil, WrapError(p.op(), err)
	}
	return p, nil
}

// SubmitRead queues a read of up to length bytes
func (c *Console) SubmitRead(owner Owner, length int) (*Pending, error) {
	if owner == AnyOwner {
		return nil, NewError("READ", ErrCodeInvalidParameters, "owner 0 is reserved")
	}
	if length < 0 {
		return nil, NewError("READ", ErrCodeInvalidParameters, fmt.Sprintf("negative length %d", length))
	}
	return c.submit(queue.NewReadRequest(owner, length))
}

// SubmitWrite queues p for the backend. The bytes are copied.
func (c *Console) SubmitWrite(owner Owner, p []byte) (*Pending, error) {
	if owner == AnyOwner {
		return nil, NewError("WRITE", ErrCodeInvalidParameters, "owner 0 is reserved")
	}
	return c.submit(queue.NewWriteRequest(owner, p))
}

// Read waits for input and copies at most len(p) bytes of it into p
func (c *Console) Read(ctx context.Context, owner Owner, p []byte) (int, error) {
	pending, err := c.SubmitRead(owner, len(p))
	if err != nil {
		return 0, err
	}
	defer pending.Release()

	n, err := pending.Wait(ctx)
	if err != nil {
		return 0, err
	}
	return copy(p, pending.Data()[:n]), nil
}

// Write sends all of p, waiting for the backend to make room as needed
func (c *Console) Write(ctx context.Context, owner Owner, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		pending, err := c.SubmitWrite(owner, p[total:])
		if err != nil {
			return total, err
		}
		n, err := pending.Wait(ctx)
		pending.Release()
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// GetProperty copies a NUL-terminated property into output and returns
// the length the value needs
func (c *Console) GetProperty(kind PropertyKind, input, output []byte) (int, error) {
	n, err := c.frontend.GetProperty(kind, input, output)
	if err != nil {
		return n, WrapError("GET_PROPERTY", err)
	}
	return n, nil
}

// ConsoleInfo contains information about a console
type ConsoleInfo struct {
	Frontend frontend.Info   `json:"frontend"`
	Ring     ring.Stats      `json:"ring"`
	Metrics  MetricsSnapshot `json:"metrics"`
}

// Info returns a snapshot of the console
func (c *Console) Info() ConsoleInfo {
	return ConsoleInfo{
		Frontend: c.frontend.Info(),
		Ring:     c.frontend.Ring().Stats(),
		Metrics:  c.metrics.Snapshot(),
	}
}

// Metrics returns the console's built-in metrics
func (c *Console) Metrics() *Metrics {
	return c.metrics
}

// Compile-time interface check
var _ ConsoleABI = (*Console)(nil)
