package frontend

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/go-xencons/internal/constants"
	"github.com/ehrlich-b/go-xencons/internal/uapi"
)

// ejectWatcher requests an eject whenever the backend goes offline under an
// active frontend. It runs until Destroy.
func (f *Frontend) ejectWatcher() {
	defer close(f.stopped)

	for {
		select {
		case <-f.stop:
			return
		case <-f.ejectWake:
		}

		f.mu.Lock()
		// Interfaces are only usable once prepared
		if f.state != StateUnknown && f.state != StateClosed &&
			f.Online() && !f.isBackendOnline() {
			f.logger.Info("backend offline, requesting eject")
			if f.ejector != nil {
				f.ejector.RequestEject(f.path)
			}
		}
		f.mu.Unlock()

		select {
		case f.ejectPass <- struct{}{}:
		default:
		}
	}
}

// kickEjectWatcher wakes the watcher and waits for it to finish a pass
func (f *Frontend) kickEjectWatcher() {
	select {
	case <-f.ejectPass:
	default:
	}

	select {
	case f.ejectWake <- struct{}{}:
	default:
	}

	f.logger.Trace("waiting for eject watcher")
	select {
	case <-f.ejectPass:
	case <-f.stopped:
	}
}

func (f *Frontend) suspendCallback() {
	f.logger.Info("resumed from suspend")
	if err := f.SetState(context.Background(), StateUnknown); err != nil {
		f.logger.Warn("suspend: reset failed", "error", err)
	}
	// Backends do not support reopening after Closed, so nothing is
	// re-prepared here
}

// Acquire takes a reference on the frontend. The first reference hooks
// the frontend up to suspend notifications.
func (f *Frontend) Acquire() error {
	f.refMu.Lock()

	f.references++
	if f.references == 1 {
		if err := f.svc.Suspend.Acquire(); err != nil {
			f.references--
			f.refMu.Unlock()
			return fmt.Errorf("frontend %s: suspend: %w", f.path, err)
		}

		cb, err := f.svc.Suspend.Register("frontend "+f.path, f.suspendCallback)
		if err != nil {
			_ = f.SetState(context.Background(), StateUnknown)
			f.svc.Suspend.Release()
			f.references--
			f.refMu.Unlock()
			return fmt.Errorf("frontend %s: suspend register: %w", f.path, err)
		}
		f.suspendCb = cb
	}

	f.refMu.Unlock()

	f.kickEjectWatcher()
	return nil
}

// Release drops a reference. The last one collapses the frontend to
// Unknown.
func (f *Frontend) Release() {
	f.refMu.Lock()

	if f.references == 0 {
		f.refMu.Unlock()
		f.logger.Warnf("release without acquire on %s", f.path)
		return
	}

	f.references--
	if f.references == 0 {
		if f.suspendCb != nil {
			f.svc.Suspend.Deregister(f.suspendCb)
			f.suspendCb = nil
		}
		_ = f.SetState(context.Background(), StateUnknown)
		f.svc.Suspend.Release()
	}

	f.refMu.Unlock()

	f.kickEjectWatcher()
}

// EjectFailed records that an eject request could not be honoured
func (f *Frontend) EjectFailed() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Info("device eject failed")
	if err := f.svc.Store.Printf(nil, "error/"+f.path, uapi.KeyError, "%s", constants.EjectFailedMessage); err != nil {
		return fmt.Errorf("frontend %s: eject failed: %w", f.path, err)
	}
	return nil
}
