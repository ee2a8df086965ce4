package frontend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-xencons/internal/constants"
	"github.com/ehrlich-b/go-xencons/internal/uapi"
)

// acquireBackend reads the backend path and domain. A missing or bad
// backend-id means domain 0.
func (f *Frontend) acquireBackend() error {
	path, err := f.svc.Store.Read(nil, f.path, uapi.KeyBackend)
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", f.path, uapi.KeyBackend, err)
	}

	domain := uint16(constants.DefaultBackendDomain)
	if v, err := f.svc.Store.Read(nil, f.path, uapi.KeyBackendID); err == nil {
		if d, perr := uapi.ParseDomain(v); perr == nil {
			domain = d
		} else {
			f.logger.Warn("bad backend-id, using default", "value", v)
		}
	}

	f.props.Lock()
	f.backendPath = strings.TrimSpace(path)
	f.backendDomain = domain
	f.props.Unlock()
	return nil
}

func (f *Frontend) releaseBackend() {
	f.props.Lock()
	f.backendPath = ""
	f.backendDomain = constants.DomainInvalid
	f.props.Unlock()
}

// isBackendOnline reads <backend>/online as a base-2 flag
func (f *Frontend) isBackendOnline() bool {
	v, err := f.svc.Store.Read(nil, f.backend(), uapi.KeyOnline)
	if err != nil {
		return false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 2, 32)
	return err == nil && n != 0
}

func (f *Frontend) readBackendState() uapi.XenbusState {
	v, err := f.svc.Store.Read(nil, f.backend(), uapi.KeyState)
	if err != nil {
		return uapi.XenbusStateUnknown
	}
	return uapi.ParseState(v)
}

// setXenbusState publishes our xenbus state. Closing against an offline
// backend also takes us offline.
func (f *Frontend) setXenbusState(state uapi.XenbusState) {
	online := f.isBackendOnline()

	if err := f.svc.Store.Printf(nil, f.path, uapi.KeyState, "%d", uint32(state)); err != nil {
		f.logger.Warn("failed to write state", "state", state.String(), "error", err)
	}
	f.logger.Debug("xenbus state", "state", state.String())

	if state == uapi.XenbusStateClosed && !online {
		f.setOffline()
	}
}

func (f *Frontend) setOnline() {
	f.online.Store(true)
}

func (f *Frontend) setOffline() {
	f.online.Store(false)
	f.logger.Info("offline, requesting eject")
	if f.ejector != nil {
		f.ejector.RequestEject(f.path)
	}
}

// waitForBackendStateChange blocks until the backend state differs from
// *state and stores the new value. It waits on a watch, servicing the store
// by hand between checks; if no watch can be registered it polls instead.
// Gives up with ETIMEDOUT after the configured backend timeout.
func (f *Frontend) waitForBackendStateChange(ctx context.Context, state *uapi.XenbusState) error {
	old := *state
	backend := f.backend()

	event := make(chan struct{}, 1)
	watch, err := f.svc.Store.WatchAdd(backend, uapi.KeyState, event)
	if err != nil {
		f.logger.WarnContext(ctx, "state watch failed, polling", "backend", backend, "error", err)
		watch = nil
	}
	defer func() {
		if watch != nil {
			_ = f.svc.Store.WatchRemove(watch)
		}
	}()

	f.logger.Debugf("waiting for backend %s to leave %s", backend, old)
	start := time.Now()
	for *state == old && time.Since(start) < f.cfg.BackendTimeout {
		var err error
		if watch != nil {
			err = f.waitForEvent(ctx, event)
		} else {
			err = f.pollOnce(ctx)
		}
		if err != nil {
			return err
		}
		*state = f.readBackendState()
	}

	if *state == old {
		return fmt.Errorf("backend %s stuck in %s: %w", backend, old, syscall.ETIMEDOUT)
	}
	f.logger.DebugContext(ctx, "backend state", "backend", backend, "state", state.String())
	return nil
}

// waitForEvent waits for one watch event for at most PollAttempts polls
func (f *Frontend) waitForEvent(ctx context.Context, event <-chan struct{}) error {
	for attempt := 1; attempt < f.cfg.PollAttempts; attempt++ {
		select {
		case <-event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f.svc.Store.Poll()
		time.Sleep(f.cfg.PollInterval)
	}
	return nil
}

func (f *Frontend) pollOnce(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	f.svc.Store.Poll()
	time.Sleep(f.cfg.PollInterval)
	return nil
}

// errOffline reports a negotiation abandoned because we went offline
func (f *Frontend) errOffline(step string, state uapi.XenbusState) error {
	return fmt.Errorf("%s: backend %s in %s, frontend offline: %w", step, f.backend(), state, syscall.ENODEV)
}

func isRetry(err error) bool {
	return errors.Is(err, syscall.EAGAIN)
}
