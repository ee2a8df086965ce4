// Package frontend implements the console frontend's connection state
// machine: backend discovery over xenstore, ring negotiation, and the
// symmetric teardown, driven one step at a time by SetState.
package frontend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ehrlich-b/go-xencons/internal/constants"
	"github.com/ehrlich-b/go-xencons/internal/interfaces"
	"github.com/ehrlich-b/go-xencons/internal/logging"
	"github.com/ehrlich-b/go-xencons/internal/ring"
	"github.com/ehrlich-b/go-xencons/internal/uapi"
)

// Frontend is one console device's frontend
type Frontend struct {
	cfg     Config
	name    string
	path    string
	svc     interfaces.Services
	ring    *ring.Ring
	ejector interfaces.Ejector
	logger  *logging.Logger

	// mu serializes state changes and is held across negotiation
	mu      sync.Mutex
	state   State
	current atomic.Int32
	online  atomic.Bool

	onlineWatch interfaces.Watch
	debugCb     interfaces.DebugCallback

	// props guards values read outside the state lock
	props         sync.RWMutex
	backendPath   string
	backendDomain uint16
	backendName   string
	protocol      string

	refMu      sync.Mutex
	references int
	suspendCb  interfaces.SuspendCallback

	ejectWake chan struct{}
	ejectPass chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	destroyed atomic.Bool
}

// Create builds a frontend in state Unknown and starts its eject watcher
func Create(cfg Config) (*Frontend, error) {
	cfg.setDefaults()
	if cfg.Services.Store == nil || cfg.Services.Suspend == nil || cfg.Services.Debug == nil {
		return nil, fmt.Errorf("frontend %s: missing service: %w", cfg.Path, syscall.EINVAL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithFrontend(cfg.Path)

	r, err := ring.Create(ring.Config{
		Name:      cfg.Name,
		Services:  cfg.Services,
		Scheduler: cfg.Scheduler,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("frontend %s: %w", cfg.Path, err)
	}

	f := &Frontend{
		cfg:           cfg,
		name:          cfg.Name,
		path:          cfg.Path,
		svc:           cfg.Services,
		ring:          r,
		ejector:       cfg.Ejector,
		logger:        logger,
		backendDomain: constants.DomainInvalid,
		ejectWake:     make(chan struct{}, 1),
		ejectPass:     make(chan struct{}, 1),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go f.ejectWatcher()

	f.logger.Debug("frontend created")
	return f, nil
}

// Destroy collapses the frontend to Unknown, stops the eject watcher and
// cancels every pending request
func (f *Frontend) Destroy() {
	if !f.destroyed.CompareAndSwap(false, true) {
		return
	}
	f.refMu.Lock()
	if f.references > 0 {
		f.logger.Warn("destroyed with references held", "references", f.references)
		if f.suspendCb != nil {
			f.svc.Suspend.Deregister(f.suspendCb)
			f.suspendCb = nil
		}
		f.svc.Suspend.Release()
		f.references = 0
	}
	f.refMu.Unlock()

	if state := f.State(); state != StateUnknown {
		if state > StateClosed {
			f.logger.Warn("destroyed while active", "state", state.String())
		}
		_ = f.SetState(context.Background(), StateUnknown)
	}

	close(f.stop)
	<-f.stopped

	f.ring.Destroy()
	f.logger.Debug("frontend destroyed")
}

// Name returns the instance name
func (f *Frontend) Name() string { return f.name }

// Path returns the frontend store path
func (f *Frontend) Path() string { return f.path }

// Ring returns the frontend's ring
func (f *Frontend) Ring() *ring.Ring { return f.ring }

// State returns the current state without waiting for a transition
func (f *Frontend) State() State {
	return State(f.current.Load())
}

// Online reports the online flag
func (f *Frontend) Online() bool {
	return f.online.Load()
}

func (f *Frontend) backend() string {
	f.props.RLock()
	defer f.props.RUnlock()
	return f.backendPath
}

// Info returns a snapshot of the connection
func (f *Frontend) Info() Info {
	f.props.RLock()
	info := Info{
		Name:          f.name,
		Path:          f.path,
		State:         f.State().String(),
		Online:        f.Online(),
		BackendPath:   f.backendPath,
		BackendDomain: f.backendDomain,
		BackendName:   f.backendName,
		Protocol:      f.protocol,
	}
	f.props.RUnlock()

	f.refMu.Lock()
	info.References = f.references
	f.refMu.Unlock()
	return info
}

func (f *Frontend) setStateLocked(s State) {
	from := f.state
	f.state = s
	f.current.Store(int32(s))
	f.logger.Transition(from.String(), s.String())
	if f.cfg.OnTransition != nil {
		f.cfg.OnTransition(Transition{From: from, To: s})
	}
}

// SetState moves the frontend to target one step at a time. It stops at
// the first failing step, leaving the frontend in whatever state that
// step's unwinding reached.
func (f *Frontend) SetState(ctx context.Context, target State) error {
	if target < StateUnknown || target > StateEnabled {
		return fmt.Errorf("frontend %s: state %d: %w", f.path, target, syscall.EINVAL)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.InfoContext(ctx, "set state", "from", f.state.String(), "to", target.String())

	var failure error
	for f.state != target && failure == nil {
		switch f.state {
		case StateUnknown, StateClosed:
			if f.state == StateClosed && target == StateUnknown {
				f.setStateLocked(StateUnknown)
				break
			}
			if err := f.prepare(ctx); err != nil {
				failure = err
				break
			}
			f.setStateLocked(StatePrepared)

		case StatePrepared:
			if target > StatePrepared {
				if err := f.connect(ctx); err != nil {
					f.close(ctx)
					f.setStateLocked(StateClosed)
					failure = err
					break
				}
				f.setStateLocked(StateConnected)
				break
			}
			f.close(ctx)
			f.setStateLocked(StateClosed)

		case StateConnected:
			if target == StateEnabled {
				if err := f.enable(); err != nil {
					f.close(ctx)
					f.setStateLocked(StateClosed)
					f.disconnect()
					failure = err
					break
				}
				f.setStateLocked(StateEnabled)
				break
			}
			f.close(ctx)
			f.setStateLocked(StateClosed)
			f.disconnect()

		case StateEnabled:
			f.disable()
			f.setStateLocked(StateConnected)
		}
	}

	if failure != nil {
		f.logger.Error("set state failed", "target", target.String(), "state", f.state.String(), "error", failure)
		return fmt.Errorf("frontend %s: %s -> %s: %w", f.path, f.state, target, failure)
	}
	return nil
}

// prepare finds the backend and drives it to InitWait
func (f *Frontend) prepare(ctx context.Context) (err error) {
	if err = f.svc.Store.Acquire(); err != nil {
		return fmt.Errorf("prepare: store: %w", err)
	}

	f.setOnline()

	if err = f.acquireBackend(); err != nil {
		f.setOffline()
		f.svc.Store.Release()
		return fmt.Errorf("prepare: %w", err)
	}

	defer func() {
		if err != nil {
			f.releaseBackend()
			f.setOffline()
			f.svc.Store.Release()
		}
	}()

	state := uapi.XenbusStateUnknown
	for state != uapi.XenbusStateInitWait {
		if !f.Online() {
			break
		}

		if err := f.waitForBackendStateChange(ctx, &state); err != nil {
			return fmt.Errorf("prepare: %w", err)
		}

		switch state {
		case uapi.XenbusStateInitWait:
		case uapi.XenbusStateClosed:
			// A backend that has reached Closed cannot be reopened; any
			// further transition request crashes it
			f.setXenbusState(uapi.XenbusStateClosed)
			f.setOffline()
		default:
			f.setXenbusState(uapi.XenbusStateInitialising)
		}
	}

	if state != uapi.XenbusStateInitWait {
		return f.errOffline("prepare", state)
	}

	watch, err := f.svc.Store.WatchAdd(f.backend(), uapi.KeyOnline, f.ejectWake)
	if err != nil {
		return fmt.Errorf("prepare: online watch: %w", err)
	}
	f.onlineWatch = watch

	f.logger.Info("prepared", "backend", f.backend())
	return nil
}

// connect sets up the ring, publishes it and waits for the backend to
// connect
func (f *Frontend) connect(ctx context.Context) (err error) {
	if err = f.svc.Debug.Acquire(); err != nil {
		return fmt.Errorf("connect: debug: %w", err)
	}

	cb, err := f.svc.Debug.Register("frontend "+f.path, f.debugCallback)
	if err != nil {
		f.svc.Debug.Release()
		return fmt.Errorf("connect: debug register: %w", err)
	}
	f.debugCb = cb

	f.props.RLock()
	domain := f.backendDomain
	f.props.RUnlock()

	if err = f.ring.Connect(domain); err != nil {
		f.releaseDebug()
		return fmt.Errorf("connect: %w", err)
	}

	defer func() {
		if err != nil {
			f.ring.Disconnect()
			f.releaseDebug()
		}
	}()

	if err = f.publishRing(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	state := uapi.XenbusStateUnknown
	for state != uapi.XenbusStateConnected {
		if !f.Online() {
			break
		}

		if err := f.waitForBackendStateChange(ctx, &state); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		switch state {
		case uapi.XenbusStateInitWait:
			f.setXenbusState(uapi.XenbusStateConnected)
		case uapi.XenbusStateConnected:
		case uapi.XenbusStateUnknown, uapi.XenbusStateClosing, uapi.XenbusStateClosed:
			// Go offline without touching our state key
			f.setOffline()
		}
	}

	if state != uapi.XenbusStateConnected {
		return f.errOffline("connect", state)
	}

	backend := f.backend()
	name, nerr := f.svc.Store.Read(nil, backend, uapi.KeyName)
	protocol, perr := f.svc.Store.Read(nil, backend, uapi.KeyProtocol)

	f.props.Lock()
	if nerr == nil {
		f.backendName = name
	}
	if perr == nil {
		f.protocol = protocol
	}
	f.props.Unlock()

	f.logger.Info("connected", "name", name, "protocol", protocol)
	return nil
}

// publishRing writes ring-ref and port in one transaction, retrying
// commits that lost a race
func (f *Frontend) publishRing() error {
	attempt := 0
	for {
		txn, err := f.svc.Store.TransactionStart()
		if err != nil {
			return fmt.Errorf("transaction start: %w", err)
		}

		if err := f.ring.StoreWrite(txn, f.path); err != nil {
			_ = f.svc.Store.TransactionEnd(txn, false)
			return fmt.Errorf("store write: %w", err)
		}

		err = f.svc.Store.TransactionEnd(txn, true)
		if err == nil {
			return nil
		}
		if !isRetry(err) {
			return fmt.Errorf("transaction end: %w", err)
		}

		attempt++
		if attempt > f.cfg.TransactionRetries {
			return fmt.Errorf("transaction gave up after %d attempts: %w", attempt, err)
		}
		f.logger.Debug("transaction conflict, retrying", "attempt", attempt)
	}
}

func (f *Frontend) releaseDebug() {
	if f.debugCb != nil {
		f.svc.Debug.Deregister(f.debugCb)
		f.debugCb = nil
	}
	f.svc.Debug.Release()
}

// close walks the backend to Closed and lets go of it
func (f *Frontend) close(ctx context.Context) {
	if f.onlineWatch != nil {
		_ = f.svc.Store.WatchRemove(f.onlineWatch)
		f.onlineWatch = nil
	}

	state := uapi.XenbusStateUnknown
	for state != uapi.XenbusStateClosed {
		if !f.Online() {
			break
		}

		if err := f.waitForBackendStateChange(ctx, &state); err != nil {
			f.logger.Error("close: backend did not close", "error", err)
			break
		}

		switch state {
		case uapi.XenbusStateClosing:
			f.setXenbusState(uapi.XenbusStateClosed)
		case uapi.XenbusStateClosed:
		default:
			f.setXenbusState(uapi.XenbusStateClosing)
		}
	}

	f.releaseBackend()
	f.svc.Store.Release()
}

// disconnect drops what connect negotiated
func (f *Frontend) disconnect() {
	f.props.Lock()
	f.backendName = ""
	f.protocol = ""
	f.props.Unlock()

	f.ring.Disconnect()
	f.releaseDebug()
}

func (f *Frontend) enable() error {
	if err := f.ring.Enable(); err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	return nil
}

func (f *Frontend) disable() {
	f.ring.Disable()
}

func (f *Frontend) debugCallback(p interfaces.DebugPrinter) {
	f.props.RLock()
	defer f.props.RUnlock()

	p.Printf("PATH: %s\n", f.path)
	p.Printf("NAME: %s\n", f.backendName)
	p.Printf("PROTOCOL: %s\n", f.protocol)
	p.Printf("STATE: %s ONLINE: %t\n", f.State(), f.Online())
	p.Printf("BACKEND: %s (domain %d)\n", f.backendPath, f.backendDomain)
}
