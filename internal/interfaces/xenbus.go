package interfaces

// The console frontend consumes a small set of bus services: the xenstore
// control plane, the grant table, event channels, suspend notifications and
// debug registration. Each service is reference counted through
// Acquire/Release; calls other than Acquire are only valid while a
// reference is held.
//
// Errors are errno values (syscall.ENOENT, syscall.EAGAIN, ...) wrapped with
// context, the same error model xenstore uses on the wire.

// Transaction is an open store transaction.
type Transaction interface {
	ID() uint32
}

// Watch is a registered store watch.
type Watch interface {
	Path() string
}

// Store is the xenstore control-plane client.
type Store interface {
	Acquire() error
	Release()

	// Read returns the value of prefix/node. A nil txn reads outside any
	// transaction. A missing key is syscall.ENOENT.
	Read(txn Transaction, prefix, node string) (string, error)

	// Printf writes a formatted value to prefix/node.
	Printf(txn Transaction, prefix, node, format string, args ...any) error

	// Remove deletes prefix/node and everything below it.
	Remove(txn Transaction, prefix, node string) error

	// WatchAdd registers a watch on prefix/node. The event channel receives a
	// non-blocking send once on registration and whenever the watched subtree
	// changes.
	WatchAdd(prefix, node string, event chan<- struct{}) (Watch, error)
	WatchRemove(w Watch) error

	TransactionStart() (Transaction, error)

	// TransactionEnd commits or aborts txn. A commit that lost a race
	// returns syscall.EAGAIN and the caller may retry.
	TransactionEnd(txn Transaction, commit bool) error

	// Poll services the store connection by hand while the caller waits.
	Poll()
}

// GrantEntry is a page granted to a foreign domain.
type GrantEntry interface {
	Reference() uint32
}

// GrantTable shares pages with other domains.
type GrantTable interface {
	Acquire() error
	Release()

	// AllocatePage returns a zeroed, page-aligned page.
	AllocatePage() ([]byte, error)
	FreePage(page []byte)

	PermitForeignAccess(domain uint16, page []byte, readOnly bool) (GrantEntry, error)
	RevokeForeignAccess(entry GrantEntry) error
}

// Channel is a bound event channel.
type Channel interface {
	Port() uint32
}

// EventChannels delivers virtual interrupts.
type EventChannels interface {
	Acquire() error
	Release()

	// Open allocates an unbound port that domain may bind to. callback runs
	// on every delivery; delivery masks the channel until Unmask.
	Open(domain uint16, callback func()) (Channel, error)

	// Unmask re-arms ch and delivers any event that arrived while masked.
	Unmask(ch Channel)

	// Send notifies the remote end of ch.
	Send(ch Channel)

	Close(ch Channel)
}

// SuspendCallback is a registered suspend/resume hook.
type SuspendCallback interface {
	Name() string
}

// Suspend reports hypervisor suspend/resume cycles.
type Suspend interface {
	Acquire() error
	Release()

	// Register adds a callback run after the domain resumes from suspend.
	Register(name string, callback func()) (SuspendCallback, error)
	Deregister(cb SuspendCallback)
}

// DebugPrinter receives debug callback output.
type DebugPrinter interface {
	Printf(format string, args ...any)
}

// DebugCallback is a registered debug dump hook.
type DebugCallback interface {
	Name() string
}

// Debug collects state dumps from registered callbacks.
type Debug interface {
	Acquire() error
	Release()
	Register(name string, fn func(DebugPrinter)) (DebugCallback, error)
	Deregister(cb DebugCallback)
}

// Ejector receives cooperative device ejection requests.
type Ejector interface {
	RequestEject(path string)
}

// Services bundles the bus services a console frontend consumes.
type Services struct {
	Store   Store
	Gnttab  GrantTable
	Evtchn  EventChannels
	Suspend Suspend
	Debug   Debug
}
