package xenbus

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"syscall"

	"github.com/ehrlich-b/go-xencons/internal/interfaces"
)

type debugCallback struct {
	name string
	fn   func(interfaces.DebugPrinter)
}

func (c *debugCallback) Name() string {
	return c.name
}

type writerPrinter struct {
	w io.Writer
}

func (p writerPrinter) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Debug collects state dumps from registered callbacks
type Debug struct {
	mu          sync.Mutex
	refs        int
	callbacks   []*debugCallback
	unavailable bool
}

// NewDebug creates a debug service with no callbacks
func NewDebug() *Debug {
	return &Debug{}
}

// Acquire takes a reference on the debug service
func (d *Debug) Acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unavailable {
		return fmt.Errorf("debug: acquire: %w", syscall.ENODEV)
	}
	d.refs++
	return nil
}

// Release drops a reference taken by Acquire
func (d *Debug) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs > 0 {
		d.refs--
	}
}

// References returns the number of outstanding Acquire calls
func (d *Debug) References() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

// SetUnavailable makes subsequent Acquire calls fail
func (d *Debug) SetUnavailable(unavailable bool) {
	d.mu.Lock()
	d.unavailable = unavailable
	d.mu.Unlock()
}

// Register adds a named dump callback
func (d *Debug) Register(name string, fn func(interfaces.DebugPrinter)) (interfaces.DebugCallback, error) {
	if fn == nil {
		return nil, fmt.Errorf("debug: register %s: %w", name, syscall.EINVAL)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cb := &debugCallback{name: name, fn: fn}
	d.callbacks = append(d.callbacks, cb)
	return cb, nil
}

// Deregister removes a callback added by Register
func (d *Debug) Deregister(cb interfaces.DebugCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.callbacks {
		if interfaces.DebugCallback(c) == cb {
			d.callbacks = append(d.callbacks[:i], d.callbacks[i+1:]...)
			return
		}
	}
}

// Callbacks returns the registered callback names in order
func (d *Debug) Callbacks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.callbacks))
	for _, cb := range d.callbacks {
		names = append(names, cb.name)
	}
	sort.Strings(names)
	return names
}

// Dump runs every callback, writing its output under a name header
func (d *Debug) Dump(w io.Writer) {
	d.mu.Lock()
	callbacks := make([]*debugCallback, len(d.callbacks))
	copy(callbacks, d.callbacks)
	d.mu.Unlock()

	sort.Slice(callbacks, func(i, j int) bool { return callbacks[i].name < callbacks[j].name })
	for _, cb := range callbacks {
		fmt.Fprintf(w, "%s:\n", cb.name)
		cb.fn(writerPrinter{w: w})
	}
}

var _ interfaces.Debug = (*Debug)(nil)
