package xencons

import (
	"sync"

	"github.com/ehrlich-b/go-xencons/internal/interfaces"
)

// MockEjector records eject requests for testing. Applications embedding a
// console can use it to assert that a backend going away asked for the
// device to be removed.
type MockEjector struct {
	mu       sync.Mutex
	requests []string
	notify   chan string
}

// NewMockEjector creates an ejector that also delivers each request on
// Requests(), dropping deliveries when nobody is listening
func NewMockEjector() *MockEjector {
	return &MockEjector{notify: make(chan string, 16)}
}

// RequestEject implements the Ejector interface
func (m *MockEjector) RequestEject(path string) {
	m.mu.Lock()
	m.requests = append(m.requests, path)
	m.mu.Unlock()

	if m.notify != nil {
		select {
		case m.notify <- path:
		default:
		}
	}
}

// Requests returns a channel receiving each eject request
func (m *MockEjector) Requests() <-chan string {
	return m.notify
}

// Paths returns every path passed to RequestEject, in order
func (m *MockEjector) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Count returns the number of eject requests
func (m *MockEjector) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset forgets every recorded request
func (m *MockEjector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// MockObserver records observer calls for testing
type MockObserver struct {
	mu sync.Mutex

	reads       int
	writes      int
	failures    int
	cancels     int
	transitions []string
	stateErrors []error
	ejects      []string
}

// NewMockObserver creates an empty recording observer
func NewMockObserver() *MockObserver {
	return &MockObserver{}
}

func (o *MockObserver) ObserveRead(_ uint64, _ uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reads++
	if !success {
		o.failures++
	}
}

func (o *MockObserver) ObserveWrite(_ uint64, _ uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes++
	if !success {
		o.failures++
	}
}

func (o *MockObserver) ObserveCancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels++
}

func (o *MockObserver) ObserveTransition(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+"->"+to)
}

func (o *MockObserver) ObserveStateError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateErrors = append(o.stateErrors, err)
}

func (o *MockObserver) ObserveEject(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ejects = append(o.ejects, path)
}

// Transitions returns every observed step as "FROM->TO"
func (o *MockObserver) Transitions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

// StateErrors returns every observed SetState failure
func (o *MockObserver) StateErrors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.stateErrors...)
}

// Ejects returns every observed eject path
func (o *MockObserver) Ejects() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ejects...)
}

// CallCounts returns the number of times each request hook was called
func (o *MockObserver) CallCounts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return map[string]int{
		"read":     o.reads,
		"write":    o.writes,
		"failures": o.failures,
		"cancel":   o.cancels,
	}
}

// Compile-time interface checks
var (
	_ interfaces.Ejector = (*MockEjector)(nil)
	_ Observer           = (*MockObserver)(nil)
)
