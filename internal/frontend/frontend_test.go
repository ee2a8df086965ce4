package frontend

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-xencons/backend"
	"github.com/ehrlich-b/go-xencons/internal/dpc"
	"github.com/ehrlich-b/go-xencons/internal/logging"
	"github.com/ehrlich-b/go-xencons/internal/uapi"
	"github.com/ehrlich-b/go-xencons/internal/xenbus"
)

const testPath = "device/console/0"

type recordingEjector struct {
	mu    sync.Mutex
	paths []string
}

func (e *recordingEjector) RequestEject(path string) {
	e.mu.Lock()
	e.paths = append(e.paths, path)
	e.mu.Unlock()
}

func (e *recordingEjector) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.paths...)
}

type transitionLog struct {
	mu    sync.Mutex
	steps []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	l.steps = append(l.steps, t)
	l.mu.Unlock()
}

// take returns the steps recorded since the last call
func (l *transitionLog) take() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	steps := l.steps
	l.steps = nil
	return steps
}

type harness struct {
	bus         *xenbus.Bus
	backend     *backend.Console
	frontend    *Frontend
	ejector     *recordingEjector
	transitions *transitionLog
}

func testConfig(bus *xenbus.Bus, t *testing.T) Config {
	sched := dpc.NewScheduler(2, 16)
	t.Cleanup(sched.Stop)

	cfg := DefaultConfig("0", bus.Services())
	cfg.Scheduler = sched
	cfg.Logger = logging.Nop()
	cfg.BackendTimeout = 5 * time.Second
	cfg.PollAttempts = 10
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:         xenbus.NewBus(),
		ejector:     &recordingEjector{},
		transitions: &transitionLog{},
	}

	cfg := testConfig(h.bus, t)
	cfg.Ejector = h.ejector
	cfg.OnTransition = h.transitions.record

	var err error
	h.backend, err = backend.NewConsole(backend.ConsoleConfig{
		Bus:          h.bus,
		FrontendPath: testPath,
		Logger:       logging.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, h.backend.Start(context.Background()))
	t.Cleanup(func() { _ = h.backend.Stop() })

	h.frontend, err = Create(cfg)
	require.NoError(t, err)
	t.Cleanup(h.frontend.Destroy)
	return h
}

func (h *harness) frontendState(t *testing.T) uapi.XenbusState {
	t.Helper()
	v, err := h.bus.Store.Read(nil, testPath, uapi.KeyState)
	require.NoError(t, err)
	return uapi.ParseState(v)
}

func countOps(history []xenbus.Op, kind xenbus.OpKind, path string) int {
	n := 0
	for _, op := range history {
		if op.Kind == kind && op.Path == path {
			n++
		}
	}
	return n
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNKNOWN", StateUnknown.String())
	assert.Equal(t, "ENABLED", StateEnabled.String())
	assert.Equal(t, "INVALID", State(42).String())
}

func TestCreateRequiresServices(t *testing.T) {
	_, err := Create(Config{Name: "0"})
	require.True(t, errors.Is(err, syscall.EINVAL))
}

func TestStepSequenceUpAndDown(t *testing.T) {
	h := newHarness(t)
	f := h.frontend
	ctx := context.Background()

	require.NoError(t, f.SetState(ctx, StateEnabled))
	assert.Equal(t, []Transition{
		{StateUnknown, StatePrepared},
		{StatePrepared, StateConnected},
		{StateConnected, StateEnabled},
	}, h.transitions.take())
	assert.Equal(t, StateEnabled, f.State())
	assert.True(t, f.Ring().Enabled())
	assert.Equal(t, uapi.XenbusStateConnected, h.backend.State())
	assert.Equal(t, uapi.XenbusStateConnected, h.frontendState(t))

	info := f.Info()
	assert.Equal(t, "backend/console/0/0", info.BackendPath)
	assert.Equal(t, uint16(0), info.BackendDomain)
	assert.Equal(t, backend.DefaultName, info.BackendName)
	assert.Equal(t, backend.DefaultProtocol, info.Protocol)
	assert.True(t, info.Online)

	// Requesting the current state is a no-op
	require.NoError(t, f.SetState(ctx, StateEnabled))
	assert.Empty(t, h.transitions.take())

	require.NoError(t, f.SetState(ctx, StateClosed))
	assert.Equal(t, []Transition{
		{StateEnabled, StateConnected},
		{StateConnected, StateClosed},
	}, h.transitions.take(), "Enabled to Closed never passes through Prepared")

	assert.Equal(t, uapi.XenbusStateClosed, h.backend.State())
	assert.Equal(t, uapi.XenbusStateClosed, h.frontendState(t))
	assert.False(t, f.Ring().Connected())
	assert.Equal(t, 0, h.bus.Gnttab.Grants())
	assert.Equal(t, 0, h.bus.Store.References())
	assert.Empty(t, h.bus.Debug.Callbacks())
	assert.Empty(t, f.Info().BackendName)

	history := h.bus.Store.History()
	assert.Equal(t, 1, countOps(history, xenbus.OpWrite, testPath+"/ring-ref"))
	assert.Equal(t, 1, countOps(history, xenbus.OpWrite, testPath+"/port"))
	assert.Equal(t, 1, countOps(history, xenbus.OpRemove, testPath+"/ring-ref"))
	assert.Equal(t, 1, countOps(history, xenbus.OpRemove, testPath+"/port"))

	require.NoError(t, f.SetState(ctx, StateUnknown))
	assert.Equal(t, []Transition{{StateClosed, StateUnknown}}, h.transitions.take())
}

func TestPreparedToClosed(t *testing.T) {
	h := newHarness(t)
	f := h.frontend
	ctx := context.Background()

	require.NoError(t, f.SetState(ctx, StatePrepared))
	assert.Equal(t, 1, h.bus.Store.References())
	assert.Equal(t, 0, h.bus.Gnttab.Grants(), "prepare does not touch the ring")

	require.NoError(t, f.SetState(ctx, StateClosed))
	assert.Equal(t, []Transition{
		{StateUnknown, StatePrepared},
		{StatePrepared, StateClosed},
	}, h.transitions.take())
	assert.Equal(t, uapi.XenbusStateClosed, h.backend.State())
	assert.Equal(t, 0, h.bus.Store.References())
}

func TestInvalidTargetState(t *testing.T) {
	h := newHarness(t)
	err := h.frontend.SetState(context.Background(), State(9))
	require.True(t, errors.Is(err, syscall.EINVAL))
}

func TestClosedBackendIsNotReopened(t *testing.T) {
	h := newHarness(t)
	f := h.frontend
	ctx := context.Background()

	require.NoError(t, f.SetState(ctx, StateEnabled))
	require.NoError(t, f.SetState(ctx, StateClosed))
	h.transitions.take()
	before := len(h.bus.Store.History())

	err := f.SetState(ctx, StateEnabled)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ENODEV))
	assert.Equal(t, StateClosed, f.State())
	assert.False(t, f.Online())
	assert.Empty(t, h.transitions.take())
	assert.Contains(t, h.ejector.calls(), testPath)

	// Only our Closed state was written, nothing that would reopen it
	for _, op := range h.bus.Store.History()[before:] {
		if op.Path == testPath+"/state" {
			assert.Equal(t, uapi.MarshalState(uapi.XenbusStateClosed), op.Value)
		}
	}
	assert.Equal(t, 0, h.bus.Store.References())

	require.NoError(t, h.backend.Rearm())
	require.NoError(t, f.SetState(ctx, StateEnabled))
	assert.Equal(t, uint64(2), h.backend.Connects())
}

func TestBackendClosedDuringConnect(t *testing.T) {
	h := newHarness(t)
	f := h.frontend
	h.backend.FailConnect(true)

	err := f.SetState(context.Background(), StateEnabled)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ENODEV))
	assert.Equal(t, []Transition{
		{StateUnknown, StatePrepared},
		{StatePrepared, StateClosed},
	}, h.transitions.take())

	assert.False(t, f.Ring().Connected())
	assert.Equal(t, 0, h.bus.Gnttab.Grants())
	assert.Equal(t, 0, h.bus.Gnttab.Pages())
	assert.Equal(t, 0, h.bus.Store.References())
	assert.Empty(t, h.bus.Debug.Callbacks())
	assert.NotEmpty(t, h.ejector.calls())
}

func TestTransactionRetries(t *testing.T) {
	h := newHarness(t)
	f := h.frontend
	ctx := context.Background()

	h.bus.Store.FailNextCommits(10)
	require.NoError(t, f.SetState(ctx, StateConnected))
	assert.Equal(t, 1, countOps(h.bus.Store.History(), xenbus.OpWrite, testPath+"/ring-ref"))
	require.NoError(t, f.SetState(ctx, StateClosed))
	require.NoError(t, h.backend.Rearm())

	h.bus.Store.FailNextCommits(11)
	err := f.SetState(ctx, StateConnected)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EAGAIN))
	assert.Equal(t, StateClosed, f.State())
	assert.False(t, f.Ring().Connected())
	assert.Equal(t, 0, h.bus.Gnttab.Grants())
}

func TestBackendTimeout(t *testing.T) {
	bus := xenbus.NewBus()
	cfg := testConfig(bus, t)
	cfg.BackendTimeout = 50 * time.Millisecond

	backendPath := "backend/console/0/0"
	require.NoError(t, bus.Store.Write(nil, testPath, uapi.KeyBackend, backendPath))
	require.NoError(t, bus.Store.Write(nil, backendPath, uapi.KeyOnline, "1"))
	require.NoError(t, bus.Store.Write(nil, backendPath, uapi.KeyState, uapi.MarshalState(uapi.XenbusStateInitialising)))

	f, err := Create(cfg)
	require.NoError(t, err)
	defer f.Destroy()

	err = f.SetState(context.Background(), StatePrepared)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ETIMEDOUT))
	assert.Equal(t, StateUnknown, f.State())
	assert.Equal(t, 0, bus.Store.References())

	v, err := bus.Store.Read(nil, testPath, uapi.KeyState)
	require.NoError(t, err)
	assert.Equal(t, uapi.MarshalState(uapi.XenbusStateInitialising), v)
}

func TestMissingBackendKey(t *testing.T) {
	bus := xenbus.NewBus()
	f, err := Create(testConfig(bus, t))
	require.NoError(t, err)
	defer f.Destroy()

	err = f.SetState(context.Background(), StatePrepared)
	require.True(t, errors.Is(err, syscall.ENOENT))
	assert.Equal(t, 0, bus.Store.References())
	assert.False(t, f.Online())
}

func TestBadBackendIDDefaultsToZero(t *testing.T) {
	bus := xenbus.NewBus()
	f, err := Create(testConfig(bus, t))
	require.NoError(t, err)
	defer f.Destroy()

	require.NoError(t, bus.Store.Write(nil, testPath, uapi.KeyBackend, "backend/console/0/0"))
	require.NoError(t, bus.Store.Write(nil, testPath, uapi.KeyBackendID, "dom0"))
	require.NoError(t, f.acquireBackend())
	assert.Equal(t, uint16(0), f.Info().BackendDomain)

	f.releaseBackend()
	assert.Empty(t, f.Info().BackendPath)
}

func TestWaitFallsBackToPolling(t *testing.T) {
	bus := xenbus.NewBus()
	f, err := Create(testConfig(bus, t))
	require.NoError(t, err)
	defer f.Destroy()

	backendPath := "backend/console/0/0"
	require.NoError(t, bus.Store.Write(nil, testPath, uapi.KeyBackend, backendPath))
	require.NoError(t, f.acquireBackend())
	bus.Store.FailWatches(true)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = bus.Store.Write(nil, backendPath, uapi.KeyState, uapi.MarshalState(uapi.XenbusStateInitWait))
	}()

	state := uapi.XenbusStateUnknown
	require.NoError(t, f.waitForBackendStateChange(context.Background(), &state))
	assert.Equal(t, uapi.XenbusStateInitWait, state)
	assert.Equal(t, 0, bus.Store.Watches())
}

func TestWaitHonoursContext(t *testing.T) {
	bus := xenbus.NewBus()
	f, err := Create(testConfig(bus, t))
	require.NoError(t, err)
	defer f.Destroy()

	require.NoError(t, bus.Store.Write(nil, testPath, uapi.KeyBackend, "backend/console/0/0"))
	require.NoError(t, f.acquireBackend())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	state := uapi.XenbusStateUnknown
	err = f.waitForBackendStateChange(ctx, &state)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBackendOfflineRequestsEject(t *testing.T) {
	h := newHarness(t)
	f := h.frontend

	require.NoError(t, f.SetState(context.Background(), StateEnabled))
	assert.Empty(t, h.ejector.calls())

	require.NoError(t, h.backend.SetOnline(false))
	assert.Eventually(t, func() bool { return len(h.ejector.calls()) > 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, testPath, h.ejector.calls()[0])
}

func TestAcquireReleaseSuspend(t *testing.T) {
	h := newHarness(t)
	f := h.frontend
	ctx := context.Background()

	require.NoError(t, f.Acquire())
	require.NoError(t, f.Acquire())
	assert.Equal(t, 2, f.Info().References)
	assert.Equal(t, 1, h.bus.Suspend.Callbacks())
	assert.Equal(t, 1, h.bus.Suspend.References())

	require.NoError(t, f.SetState(ctx, StateEnabled))
	h.transitions.take()

	h.bus.Suspend.Trigger()
	assert.Equal(t, StateUnknown, f.State(), "suspend collapses the frontend")
	assert.Equal(t, []Transition{
		{StateEnabled, StateConnected},
		{StateConnected, StateClosed},
		{StateClosed, StateUnknown},
	}, h.transitions.take())

	f.Release()
	assert.Equal(t, 1, h.bus.Suspend.Callbacks())
	f.Release()
	assert.Equal(t, 0, h.bus.Suspend.Callbacks())
	assert.Equal(t, 0, h.bus.Suspend.References())
	assert.Equal(t, 0, f.Info().References)

	// Unbalanced release is ignored
	f.Release()
	assert.Equal(t, 0, f.Info().References)
}

func TestLastReleaseCollapsesState(t *testing.T) {
	h := newHarness(t)
	f := h.frontend

	require.NoError(t, f.Acquire())
	require.NoError(t, f.SetState(context.Background(), StateConnected))
	f.Release()
	assert.Equal(t, StateUnknown, f.State())
	assert.Equal(t, 0, h.bus.Gnttab.Grants())
}

func TestAcquireFailsWithoutSuspend(t *testing.T) {
	h := newHarness(t)
	h.bus.Suspend.SetUnavailable(true)
	require.Error(t, h.frontend.Acquire())
	assert.Equal(t, 0, h.frontend.Info().References)
}

func TestEjectFailedWritesErrorNode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.frontend.EjectFailed())

	v, err := h.bus.Store.Read(nil, "error/"+testPath, uapi.KeyError)
	require.NoError(t, err)
	assert.Equal(t, "UNPLUG FAILED: device is still in use", v)
}

func TestDebugCallbacksFollowConnection(t *testing.T) {
	h := newHarness(t)
	f := h.frontend

	require.NoError(t, f.SetState(context.Background(), StateConnected))
	assert.Equal(t, []string{"frontend " + testPath, "ring 0"}, h.bus.Debug.Callbacks())

	var buf bytes.Buffer
	h.bus.Debug.Dump(&buf)
	assert.Contains(t, buf.String(), "PATH: "+testPath)
	assert.Contains(t, buf.String(), "PROTOCOL: "+backend.DefaultProtocol)
	assert.Contains(t, buf.String(), "STATE: CONNECTED")
}

func TestDestroyCollapsesState(t *testing.T) {
	h := newHarness(t)
	f := h.frontend

	require.NoError(t, f.SetState(context.Background(), StateEnabled))
	f.Destroy()
	assert.Equal(t, StateUnknown, f.State())
	assert.Equal(t, uapi.XenbusStateClosed, h.backend.State())
	assert.Equal(t, 0, h.bus.Gnttab.Pages())

	// Second destroy is a no-op
	f.Destroy()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLoggedFrontend(t *testing.T, out *lockedBuffer) *Frontend {
	t.Helper()
	bus := xenbus.NewBus()
	be, err := backend.NewConsole(backend.ConsoleConfig{
		Bus:          bus,
		FrontendPath: testPath,
		Logger:       logging.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, be.Start(context.Background()))
	t.Cleanup(func() { _ = be.Stop() })

	cfg := testConfig(bus, t)
	cfg.Logger = logging.NewLogger(&logging.Config{
		Level:   logging.LevelWarn,
		Format:  "json",
		Output:  out,
		Sync:    true,
		NoColor: true,
	})
	f, err := Create(cfg)
	require.NoError(t, err)
	t.Cleanup(f.Destroy)
	return f
}

func TestDestroyWarnsOnlyWhenActive(t *testing.T) {
	ctx := context.Background()

	var closed lockedBuffer
	f := newLoggedFrontend(t, &closed)
	require.NoError(t, f.SetState(ctx, StateConnected))
	require.NoError(t, f.SetState(ctx, StateClosed))
	f.Destroy()
	assert.Equal(t, StateUnknown, f.State())
	assert.NotContains(t, closed.String(), "destroyed while active")

	var active lockedBuffer
	f = newLoggedFrontend(t, &active)
	require.NoError(t, f.SetState(ctx, StateConnected))
	f.Destroy()
	assert.Equal(t, StateUnknown, f.State())
	assert.Contains(t, active.String(), "destroyed while active")
}

func TestDestroyDropsReferences(t *testing.T) {
	h := newHarness(t)
	f := h.frontend

	require.NoError(t, f.Acquire())
	require.NoError(t, f.SetState(context.Background(), StateEnabled))
	assert.Equal(t, 1, h.bus.Suspend.Callbacks())

	f.Destroy()
	assert.Equal(t, StateUnknown, f.State())
	assert.Equal(t, 0, h.bus.Suspend.Callbacks())
	assert.Equal(t, 0, h.bus.Suspend.References())
	assert.Equal(t, 0, f.Info().References)
}
