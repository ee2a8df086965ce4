package xenbus

import (
	"io"

	"github.com/ehrlich-b/go-xencons/internal/interfaces"
)

// Bus is one instance of every service, shared by a frontend and the
// backend peer it talks to.
type Bus struct {
	Store   *Store
	Gnttab  *GrantTable
	Evtchn  *EventChannels
	Suspend *Suspend
	Debug   *Debug
}

// NewBus creates a fresh set of services
func NewBus() *Bus {
	return &Bus{
		Store:   NewStore(),
		Gnttab:  NewGrantTable(),
		Evtchn:  NewEventChannels(),
		Suspend: NewSuspend(),
		Debug:   NewDebug(),
	}
}

// Services returns the bus as the interface bundle a frontend consumes
func (b *Bus) Services() interfaces.Services {
	return interfaces.Services{
		Store:   b.Store,
		Gnttab:  b.Gnttab,
		Evtchn:  b.Evtchn,
		Suspend: b.Suspend,
		Debug:   b.Debug,
	}
}

// Dump writes the store contents followed by every debug callback
func (b *Bus) Dump(w io.Writer) {
	io.WriteString(w, "--- store ---\n")
	b.Store.Dump(w)
	io.WriteString(w, "--- debug ---\n")
	b.Debug.Dump(w)
}
