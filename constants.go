package xencons

import "github.com/ehrlich-b/go-xencons/internal/constants"

// Re-export constants for public API
const (
	DefaultInstance       = constants.DefaultInstance
	FrontendPathPrefix    = constants.FrontendPathPrefix
	DefaultBackendTimeout = constants.BackendStateTimeout
	DefaultPollInterval   = constants.WatchPollInterval
	DefaultPollAttempts   = constants.WatchPollAttempts
	TransactionRetries    = constants.TransactionRetries
	InCapacity            = constants.InCapacity
	OutCapacity           = constants.OutCapacity
	EjectFailedMessage    = constants.EjectFailedMessage
)
