// Package backend provides a console backend peer for the in-process bus.
// It plays the part of the toolstack and the backend driver: it publishes
// the backend keys, follows the frontend through the xenbus handshake,
// maps the shared ring and moves bytes across it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-xencons/internal/interfaces"
	"github.com/ehrlich-b/go-xencons/internal/logging"
	"github.com/ehrlich-b/go-xencons/internal/ring"
	"github.com/ehrlich-b/go-xencons/internal/uapi"
	"github.com/ehrlich-b/go-xencons/internal/xenbus"
)

// Default identity published under the backend path
const (
	DefaultName     = "xencons-sim"
	DefaultProtocol = "vt100"
)

// injectPoll is how often Inject retries against a full ring
const injectPoll = time.Millisecond

// ConsoleConfig configures a console backend
type ConsoleConfig struct {
	Bus *xenbus.Bus

	// FrontendPath is the frontend's store directory, e.g. device/console/0
	FrontendPath string

	// Path is the backend's store directory. Defaults to
	// backend/console/<Domain>/<frontend instance>.
	Path string

	// Domain is the backend's domain id, published as backend-id
	Domain uint16

	Name     string
	Protocol string

	// Output receives everything the frontend writes. When nil the bytes
	// are kept and returned by Output().
	Output io.Writer

	// Echo feeds everything the frontend writes back into its input ring
	Echo bool

	Logger *logging.Logger
}

// Console is a console backend peer
type Console struct {
	cfg    ConsoleConfig
	bus    *xenbus.Bus
	front  string
	path   string
	logger *logging.Logger

	mu      sync.Mutex
	state   uapi.XenbusState
	shared  *ring.Shared
	ref     uint32
	channel interfaces.Channel

	outMu  sync.Mutex
	output []byte

	kick        chan struct{}
	stalled     atomic.Bool
	failConnect atomic.Bool
	consumed    atomic.Uint64
	produced    atomic.Uint64
	connects    atomic.Uint64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewConsole creates a backend for the frontend at cfg.FrontendPath
func NewConsole(cfg ConsoleConfig) (*Console, error) {
	if cfg.Bus == nil || cfg.FrontendPath == "" {
		return nil, fmt.Errorf("backend: bus and frontend path are required: %w", syscall.EINVAL)
	}
	if cfg.Path == "" {
		cfg.Path = fmt.Sprintf("backend/console/%d/%s", cfg.Domain, path.Base(cfg.FrontendPath))
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Protocol == "" {
		cfg.Protocol = DefaultProtocol
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Console{
		cfg:    cfg,
		bus:    cfg.Bus,
		front:  cfg.FrontendPath,
		path:   cfg.Path,
		logger: logger.WithComponent("backend").WithFrontend(cfg.FrontendPath),
		kick:   make(chan struct{}, 1),
	}, nil
}

// Path returns the backend store directory
func (c *Console) Path() string { return c.path }

// Start publishes the device and begins following the frontend
func (c *Console) Start(ctx context.Context) error {
	if c.group != nil {
		return fmt.Errorf("backend %s: already started: %w", c.path, syscall.EBUSY)
	}

	store := c.bus.Store
	writes := []struct{ prefix, key, value string }{
		{c.front, uapi.KeyBackend, c.path},
		{c.front, uapi.KeyBackendID, strconv.FormatUint(uint64(c.cfg.Domain), 10)},
		{c.path, "frontend", c.front},
		{c.path, uapi.KeyOnline, "1"},
	}
	for _, w := range writes {
		if err := store.Write(nil, w.prefix, w.key, w.value); err != nil {
			return fmt.Errorf("backend %s: publish %s: %w", c.path, w.key, err)
		}
	}
	c.setState(uapi.XenbusStateInitialising)
	c.setState(uapi.XenbusStateInitWait)

	events := make(chan struct{}, 1)
	watch, err := store.WatchAdd(c.front, uapi.KeyState, events)
	if err != nil {
		return fmt.Errorf("backend %s: watch frontend: %w", c.path, err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		defer func() { _ = store.WatchRemove(watch) }()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-events:
				c.frontendChanged()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.kick:
				c.pump(ctx)
			}
		}
	})

	c.logger.Info("backend started", "path", c.path)
	return nil
}

// Stop halts the backend and drops any mapping it still holds
func (c *Console) Stop() error {
	if c.group == nil {
		return nil
	}
	c.cancel()
	err := c.group.Wait()
	c.group = nil

	c.mu.Lock()
	c.unmapLocked()
	c.mu.Unlock()

	c.logger.Info("backend stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// State returns the backend's xenbus state
func (c *Console) State() uapi.XenbusState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the ring is mapped
func (c *Console) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shared != nil
}

// Connects returns how many times the backend has mapped a ring
func (c *Console) Connects() uint64 { return c.connects.Load() }

// Consumed returns the number of bytes taken from the output ring
func (c *Console) Consumed() uint64 { return c.consumed.Load() }

// Produced returns the number of bytes placed on the input ring
func (c *Console) Produced() uint64 { return c.produced.Load() }

// Output returns a copy of the bytes collected when no writer is set
func (c *Console) Output() []byte {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return append([]byte(nil), c.output...)
}

// SetOnline writes the backend online flag
func (c *Console) SetOnline(online bool) error {
	v := "0"
	if online {
		v = "1"
	}
	return c.bus.Store.Write(nil, c.path, uapi.KeyOnline, v)
}

// SetStalled stops or resumes consumption of the output ring
func (c *Console) SetStalled(stalled bool) {
	c.stalled.Store(stalled)
	if !stalled {
		c.wake()
	}
}

// FailConnect makes the backend close instead of connecting
func (c *Console) FailConnect(fail bool) {
	c.failConnect.Store(fail)
}

// Rearm returns a closed backend to InitWait, as the toolstack does when
// it recreates a device
func (c *Console) Rearm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != uapi.XenbusStateClosed {
		return fmt.Errorf("backend %s: rearm in %s: %w", c.path, c.state, syscall.EBUSY)
	}
	c.setStateLocked(uapi.XenbusStateInitWait)
	return nil
}

// Inject places p on the input ring, waiting for space as the frontend
// consumes it
func (c *Console) Inject(ctx context.Context, p []byte) (int, error) {
	sent := 0
	for sent < len(p) {
		c.mu.Lock()
		if c.shared == nil {
			c.mu.Unlock()
			return sent, fmt.Errorf("backend %s: inject: %w", c.path, syscall.ENOTCONN)
		}
		n := int(c.shared.PeerWriteIn(p[sent:]))
		if n > 0 {
			c.bus.Evtchn.Send(c.channel)
		}
		c.mu.Unlock()

		sent += n
		c.produced.Add(uint64(n))
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-time.After(injectPoll):
		}
	}
	return sent, nil
}

func (c *Console) setState(s uapi.XenbusState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Console) setStateLocked(s uapi.XenbusState) {
	c.state = s
	if err := c.bus.Store.Write(nil, c.path, uapi.KeyState, uapi.MarshalState(s)); err != nil {
		c.logger.Warn("failed to write state", "state", s.String(), "error", err)
	}
	c.logger.Debug("backend state", "state", s.String())
}

func (c *Console) frontendChanged() {
	v, err := c.bus.Store.Read(nil, c.front, uapi.KeyState)
	if err != nil {
		return
	}
	fs := uapi.ParseState(v)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("frontend state", "state", fs.String(), "backend", c.state.String())

	switch fs {
	case uapi.XenbusStateConnected:
		if c.state != uapi.XenbusStateInitWait {
			return
		}
		if c.failConnect.Load() {
			c.logger.Info("refusing connection")
			c.setStateLocked(uapi.XenbusStateClosed)
			return
		}
		if err := c.mapLocked(); err != nil {
			c.logger.Error("failed to map ring", "error", err)
			c.setStateLocked(uapi.XenbusStateClosed)
			return
		}
		c.setStateLocked(uapi.XenbusStateConnected)

	case uapi.XenbusStateClosing:
		if c.state == uapi.XenbusStateClosing || c.state == uapi.XenbusStateClosed {
			return
		}
		c.flushLocked()
		c.unmapLocked()
		c.setStateLocked(uapi.XenbusStateClosing)

	case uapi.XenbusStateClosed:
		if c.state == uapi.XenbusStateClosed {
			return
		}
		// The grant must be unmapped before Closed lets the frontend revoke it
		c.flushLocked()
		c.unmapLocked()
		c.setStateLocked(uapi.XenbusStateClosed)
	}
}

// mapLocked attaches to the ring the frontend published
func (c *Console) mapLocked() error {
	store := c.bus.Store
	refValue, err := store.Read(nil, c.front, uapi.KeyRingRef)
	if err != nil {
		return err
	}
	portValue, err := store.Read(nil, c.front, uapi.KeyPort)
	if err != nil {
		return err
	}
	ref, err := strconv.ParseUint(refValue, 10, 32)
	if err != nil {
		return fmt.Errorf("ring-ref %q: %w", refValue, syscall.EINVAL)
	}
	port, err := strconv.ParseUint(portValue, 10, 32)
	if err != nil {
		return fmt.Errorf("port %q: %w", portValue, syscall.EINVAL)
	}

	page, err := c.bus.Gnttab.Map(c.cfg.Domain, uint32(ref))
	if err != nil {
		return err
	}
	shared, err := ring.NewShared(page)
	if err != nil {
		c.bus.Gnttab.Unmap(uint32(ref))
		return err
	}
	channel, err := c.bus.Evtchn.BindInterdomain(c.cfg.Domain, uint32(port), c.wake)
	if err != nil {
		c.bus.Gnttab.Unmap(uint32(ref))
		return err
	}

	if err := store.Write(nil, c.path, uapi.KeyName, c.cfg.Name); err != nil {
		c.logger.Warn("failed to write name", "error", err)
	}
	if err := store.Write(nil, c.path, uapi.KeyProtocol, c.cfg.Protocol); err != nil {
		c.logger.Warn("failed to write protocol", "error", err)
	}

	c.shared = shared
	c.ref = uint32(ref)
	c.channel = channel
	c.connects.Add(1)
	c.logger.Info("ring mapped", "ref", ref, "port", port)

	// Pick up anything written before we bound
	c.wake()
	return nil
}

func (c *Console) unmapLocked() {
	if c.shared == nil {
		return
	}
	c.bus.Evtchn.Close(c.channel)
	c.bus.Gnttab.Unmap(c.ref)
	c.shared = nil
	c.channel = nil
	c.ref = 0
	c.logger.Info("ring unmapped")
}

// wake is the event channel callback; it runs on the sender's goroutine
func (c *Console) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// pump drains the output ring and re-arms the channel
func (c *Console) pump(ctx context.Context) {
	buf := make([]byte, uapi.XENCONS_OUT_SIZE)

	c.mu.Lock()
	if c.shared == nil {
		c.mu.Unlock()
		return
	}
	var n uint32
	if !c.stalled.Load() {
		n = c.shared.PeerReadOut(buf)
		if n > 0 {
			c.bus.Evtchn.Send(c.channel)
		}
	}
	c.bus.Evtchn.Unmask(c.channel)
	c.mu.Unlock()

	if n == 0 {
		return
	}
	data := buf[:n]
	c.deliver(data)

	if c.cfg.Echo {
		if _, err := c.Inject(ctx, data); err != nil && ctx.Err() == nil {
			c.logger.Warn("echo failed", "error", err)
		}
	}
}

// flushLocked takes whatever the frontend left on the output ring before
// the mapping goes away. Nothing is echoed back.
func (c *Console) flushLocked() {
	if c.shared == nil {
		return
	}
	buf := make([]byte, uapi.XENCONS_OUT_SIZE)
	if n := c.shared.PeerReadOut(buf); n > 0 {
		c.deliver(buf[:n])
	}
}

func (c *Console) deliver(data []byte) {
	c.consumed.Add(uint64(len(data)))

	if c.cfg.Output != nil {
		if _, err := c.cfg.Output.Write(data); err != nil {
			c.logger.Warn("output write failed", "error", err)
		}
		return
	}
	c.outMu.Lock()
	c.output = append(c.output, data...)
	c.outMu.Unlock()
}
