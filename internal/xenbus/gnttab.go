package xenbus

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/ehrlich-b/go-xencons/internal/interfaces"
	"github.com/ehrlich-b/go-xencons/internal/logging"
)

// firstGrantRef skips the references Xen reserves for the toolstack
const firstGrantRef = 8

type grant struct {
	ref      uint32
	domain   uint16
	page     []byte
	readOnly bool
	mapped   int
}

func (g *grant) Reference() uint32 {
	return g.ref
}

// GrantTable hands out grant references for locally allocated pages and
// lets a peer map them by reference.
type GrantTable struct {
	mu       sync.Mutex
	refs     int
	next     uint32
	grants   map[uint32]*grant
	mappings map[*byte][]byte

	unavailable bool
	failPermit  bool

	logger *logging.Logger
}

// NewGrantTable creates an empty grant table
func NewGrantTable() *GrantTable {
	return &GrantTable{
		next:     firstGrantRef,
		grants:   make(map[uint32]*grant),
		mappings: make(map[*byte][]byte),
		logger:   logging.Default().WithComponent("gnttab"),
	}
}

// Acquire takes a reference on the grant table
func (g *GrantTable) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unavailable {
		return fmt.Errorf("gnttab: acquire: %w", syscall.ENODEV)
	}
	g.refs++
	return nil
}

// Release drops a reference taken by Acquire
func (g *GrantTable) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refs > 0 {
		g.refs--
	}
}

// SetUnavailable makes subsequent Acquire calls fail
func (g *GrantTable) SetUnavailable(unavailable bool) {
	g.mu.Lock()
	g.unavailable = unavailable
	g.mu.Unlock()
}

// FailPermit makes PermitForeignAccess fail
func (g *GrantTable) FailPermit(fail bool) {
	g.mu.Lock()
	g.failPermit = fail
	g.mu.Unlock()
}

// AllocatePage returns a zeroed page
func (g *GrantTable) AllocatePage() ([]byte, error) {
	page, mapping, err := allocatePage()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, syscall.ENOMEM)
	}

	g.mu.Lock()
	g.mappings[&page[0]] = mapping
	g.mu.Unlock()
	return page, nil
}

// FreePage releases a page from AllocatePage
func (g *GrantTable) FreePage(page []byte) {
	if len(page) == 0 {
		return
	}

	g.mu.Lock()
	mapping, ok := g.mappings[&page[0]]
	delete(g.mappings, &page[0])
	g.mu.Unlock()

	if !ok {
		return
	}
	if err := freePage(mapping); err != nil {
		g.logger.Warn("failed to free page", "error", err)
	}
}

// Pages returns the number of allocated pages not yet freed
func (g *GrantTable) Pages() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.mappings)
}

// PermitForeignAccess grants domain access to page
func (g *GrantTable) PermitForeignAccess(domain uint16, page []byte, readOnly bool) (interfaces.GrantEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failPermit {
		return nil, fmt.Errorf("gnttab: permit domain %d: %w", domain, syscall.ENOSPC)
	}

	entry := &grant{ref: g.next, domain: domain, page: page, readOnly: readOnly}
	g.next++
	g.grants[entry.ref] = entry

	g.logger.Debug("granted page", "ref", entry.ref, "domain", domain)
	return entry, nil
}

// RevokeForeignAccess withdraws a grant. A grant the peer still has mapped
// cannot be revoked and reports EBUSY.
func (g *GrantTable) RevokeForeignAccess(entry interfaces.GrantEntry) error {
	if entry == nil {
		return fmt.Errorf("gnttab: revoke: %w", syscall.EINVAL)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.grants[entry.Reference()]
	if !ok {
		return fmt.Errorf("gnttab: revoke %d: %w", entry.Reference(), syscall.ENOENT)
	}
	if e.mapped > 0 {
		return fmt.Errorf("gnttab: revoke %d: still mapped: %w", e.ref, syscall.EBUSY)
	}
	delete(g.grants, e.ref)
	return nil
}

// Map gives domain the page behind ref
func (g *GrantTable) Map(domain uint16, ref uint32) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.grants[ref]
	if !ok {
		return nil, fmt.Errorf("gnttab: map %d: %w", ref, syscall.ENOENT)
	}
	if e.domain != domain {
		return nil, fmt.Errorf("gnttab: map %d from domain %d: %w", ref, domain, syscall.EPERM)
	}
	e.mapped++
	return e.page, nil
}

// Unmap drops a mapping made by Map
func (g *GrantTable) Unmap(ref uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.grants[ref]; ok && e.mapped > 0 {
		e.mapped--
	}
}

// Grants returns the number of live grants
func (g *GrantTable) Grants() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.grants)
}

var _ interfaces.GrantTable = (*GrantTable)(nil)
