package constants

import "time"

// Shared ring page geometry
const (
	// PageSize is the size of the single page shared with the backend
	PageSize = 4096

	// InCapacity is the size of the backend-to-frontend byte ring
	InCapacity = 1024

	// OutCapacity is the size of the frontend-to-backend byte ring
	OutCapacity = 2048
)

// Default configuration constants
const (
	// DefaultInstance is the console instance name used when none is given
	DefaultInstance = "0"

	// FrontendPathPrefix is the store directory holding console frontends
	FrontendPathPrefix = "device/console"

	// DefaultBackendDomain is used when backend-id is missing or unreadable
	DefaultBackendDomain = 0

	// DomainInvalid marks an unset backend domain
	DomainInvalid = 0x7FFF

	// TransactionRetries bounds commit attempts that report a conflict
	TransactionRetries = 10

	// DefaultDpcWorkers is the worker count of the deferred procedure pool
	DefaultDpcWorkers = 4

	// DefaultDpcCapacity is the task buffer of the deferred procedure pool
	DefaultDpcCapacity = 64
)

// Timing constants for backend negotiation
const (
	// BackendStateTimeout caps a single wait for the backend to change state
	BackendStateTimeout = 120 * time.Second

	// WatchPollInterval is the sleep between store polls while waiting
	WatchPollInterval = time.Millisecond

	// WatchPollAttempts bounds one watch wait before the state is re-read
	WatchPollAttempts = 1000
)

// Store error node written when an eject request could not be honoured
const (
	EjectFailedMessage = "UNPLUG FAILED: device is still in use"
)
