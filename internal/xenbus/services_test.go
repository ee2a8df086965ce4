package xenbus

import (
	"bytes"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-xencons/internal/constants"
	"github.com/ehrlich-b/go-xencons/internal/interfaces"
)

func TestGrantTablePages(t *testing.T) {
	g := NewGrantTable()

	page, err := g.AllocatePage()
	require.NoError(t, err)
	require.Len(t, page, constants.PageSize)
	assert.Zero(t, uintptr(unsafe.Pointer(&page[0]))%constants.PageSize, "page is aligned")
	for _, b := range page {
		require.Zero(t, b)
	}
	assert.Equal(t, 1, g.Pages())

	page[0] = 0xAA
	g.FreePage(page)
	assert.Equal(t, 0, g.Pages())

	g.FreePage(nil)
}

func TestGrantTableMapRevoke(t *testing.T) {
	g := NewGrantTable()
	require.NoError(t, g.Acquire())
	defer g.Release()

	page := make([]byte, constants.PageSize)
	entry, err := g.PermitForeignAccess(1, page, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, entry.Reference(), uint32(firstGrantRef))

	_, err = g.Map(2, entry.Reference())
	require.True(t, errors.Is(err, syscall.EPERM), "wrong domain cannot map")

	mapped, err := g.Map(1, entry.Reference())
	require.NoError(t, err)
	mapped[5] = 7
	assert.Equal(t, byte(7), page[5], "peer sees the same memory")

	require.True(t, errors.Is(g.RevokeForeignAccess(entry), syscall.EBUSY))

	g.Unmap(entry.Reference())
	require.NoError(t, g.RevokeForeignAccess(entry))
	assert.Equal(t, 0, g.Grants())

	require.True(t, errors.Is(g.RevokeForeignAccess(entry), syscall.ENOENT))
	_, err = g.Map(1, entry.Reference())
	require.Error(t, err)

	g.FailPermit(true)
	_, err = g.PermitForeignAccess(1, page, false)
	require.Error(t, err)
}

func TestEventChannelDelivery(t *testing.T) {
	e := NewEventChannels()

	var frontend, backend atomic.Int32
	fe, err := e.Open(0, func() { frontend.Add(1) })
	require.NoError(t, err)

	_, err = e.BindInterdomain(3, fe.Port(), func() {})
	require.True(t, errors.Is(err, syscall.EPERM), "bind from the wrong domain")

	be, err := e.BindInterdomain(0, fe.Port(), func() { backend.Add(1) })
	require.NoError(t, err)

	_, err = e.BindInterdomain(0, fe.Port(), func() {})
	require.True(t, errors.Is(err, syscall.EBUSY))

	// Frontend port starts masked: the event is latched
	e.Send(be)
	assert.Equal(t, int32(0), frontend.Load())
	assert.True(t, e.Masked(fe))

	e.Unmask(fe)
	assert.Equal(t, int32(1), frontend.Load(), "latched event delivered on unmask")
	assert.True(t, e.Masked(fe), "delivery masks the port")

	// Two sends while masked collapse into one latched event
	e.Send(be)
	e.Send(be)
	e.Unmask(fe)
	assert.Equal(t, int32(2), frontend.Load())

	e.Unmask(fe)
	assert.Equal(t, int32(2), frontend.Load(), "nothing pending")
	assert.False(t, e.Masked(fe))

	e.Send(fe)
	assert.Equal(t, int32(1), backend.Load())
	assert.Equal(t, uint64(1), e.Sent(fe.Port()))

	e.Trigger(fe)
	assert.Equal(t, int32(3), frontend.Load())

	e.Close(fe)
	e.Send(be)
	e.Unmask(fe)
	assert.Equal(t, int32(3), frontend.Load(), "closed ports receive nothing")
	assert.Equal(t, 1, e.OpenPorts())
	e.Close(be)
	assert.Equal(t, 0, e.OpenPorts())
}

func TestEventChannelFailures(t *testing.T) {
	e := NewEventChannels()
	e.FailOpen(true)
	_, err := e.Open(0, func() {})
	require.Error(t, err)

	e.SetUnavailable(true)
	require.Error(t, e.Acquire())

	_, err = e.BindInterdomain(0, 99, func() {})
	require.True(t, errors.Is(err, syscall.ENOENT))
}

func TestSuspendCallbacks(t *testing.T) {
	s := NewSuspend()
	require.NoError(t, s.Acquire())

	var runs int
	cb, err := s.Register("console", func() { runs++ })
	require.NoError(t, err)
	assert.Equal(t, "console", cb.Name())

	s.Trigger()
	assert.Equal(t, 1, runs)

	s.Deregister(cb)
	s.Trigger()
	assert.Equal(t, 1, runs)
	assert.Equal(t, uint64(2), s.Count())
	assert.Equal(t, 0, s.Callbacks())

	_, err = s.Register("nil", nil)
	require.Error(t, err)

	s.Release()
	assert.Equal(t, 0, s.References())
}

func TestDebugDump(t *testing.T) {
	d := NewDebug()
	require.NoError(t, d.Acquire())

	b, err := d.Register("b", func(p interfaces.DebugPrinter) { p.Printf("second %d\n", 2) })
	require.NoError(t, err)
	_, err = d.Register("a", func(p interfaces.DebugPrinter) { p.Printf("first\n") })
	require.NoError(t, err)

	var buf bytes.Buffer
	d.Dump(&buf)
	assert.Equal(t, "a:\nfirst\nb:\nsecond 2\n", buf.String())

	d.Deregister(b)
	assert.Equal(t, []string{"a"}, d.Callbacks())
}

func TestBusDump(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Store.Write(nil, "device/console/0", "state", "1"))

	var buf bytes.Buffer
	bus.Dump(&buf)
	assert.Contains(t, buf.String(), `device/console/0/state = "1"`)

	svc := bus.Services()
	assert.NotNil(t, svc.Store)
	assert.NotNil(t, svc.Debug)
}
