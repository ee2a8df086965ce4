package frontend

import (
	"time"

	"github.com/ehrlich-b/go-xencons/internal/constants"
	"github.com/ehrlich-b/go-xencons/internal/dpc"
	"github.com/ehrlich-b/go-xencons/internal/interfaces"
	"github.com/ehrlich-b/go-xencons/internal/logging"
)

// State is the frontend connection state. States are ordered: each one
// includes everything set up by the ones below it.
type State int32

const (
	StateUnknown State = iota
	StateClosed
	StatePrepared
	StateConnected
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateClosed:
		return "CLOSED"
	case StatePrepared:
		return "PREPARED"
	case StateConnected:
		return "CONNECTED"
	case StateEnabled:
		return "ENABLED"
	default:
		return "INVALID"
	}
}

// Transition is one step taken by SetState
type Transition struct {
	From State
	To   State
}

type Config struct {
	// Name is the console instance name; the store path is
	// device/console/<Name> unless Path is set
	Name string
	Path string

	Services  interfaces.Services
	Scheduler *dpc.Scheduler
	Ejector   interfaces.Ejector
	Logger    *logging.Logger

	BackendTimeout     time.Duration
	PollInterval       time.Duration
	PollAttempts       int
	TransactionRetries int

	// OnTransition is called for every step, with the state lock held
	OnTransition func(Transition)
}

func DefaultConfig(name string, services interfaces.Services) Config {
	return Config{
		Name:               name,
		Services:           services,
		BackendTimeout:     constants.BackendStateTimeout,
		PollInterval:       constants.WatchPollInterval,
		PollAttempts:       constants.WatchPollAttempts,
		TransactionRetries: constants.TransactionRetries,
	}
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = constants.DefaultInstance
	}
	if c.Path == "" {
		c.Path = constants.FrontendPathPrefix + "/" + c.Name
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = constants.BackendStateTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = constants.WatchPollInterval
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = constants.WatchPollAttempts
	}
	if c.TransactionRetries <= 0 {
		c.TransactionRetries = constants.TransactionRetries
	}
}

// Info is a snapshot of the negotiated connection
type Info struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	State         string `json:"state"`
	Online        bool   `json:"online"`
	BackendPath   string `json:"backend_path,omitempty"`
	BackendDomain uint16 `json:"backend_domain"`
	BackendName   string `json:"backend_name,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	References    int    `json:"references"`
}
