package vm

import "sync"

// A PageTable maps a single guest's virtual page numbers to
// region-relative physical page numbers. Absence of an entry is the
// unmapped state; there is no zero-valued placeholder entry.
type PageTable interface {
	Map(page Page) MappingHandle
	Unmap(vpn uint64)
	Lookup(vpn uint64) (Page, bool)
	MappedCount() int

	// Walk visits every live entry. The visit order is unspecified.
	Walk(visit func(Page))
}

// NewPageTable creates an empty page table for the given guest.
func NewPageTable(guestID GuestID) PageTable {
	return &pageTableImpl{
		guestID: guestID,
		entries: make(map[uint64]Page),
	}
}

type pageTableImpl struct {
	sync.Mutex

	guestID GuestID
	entries map[uint64]Page
}

// Map inserts an entry, replacing any previous mapping of the same VPN.
func (pt *pageTableImpl) Map(page Page) MappingHandle {
	pt.Lock()
	defer pt.Unlock()

	pt.entries[page.VPN] = page

	return NewMappingHandle(pt.guestID, page.VPN)
}

// Unmap removes the entry for the VPN. Unmapping a VPN that was never
// mapped is a no-op.
func (pt *pageTableImpl) Unmap(vpn uint64) {
	pt.Lock()
	defer pt.Unlock()

	delete(pt.entries, vpn)
}

// Lookup returns the entry for the VPN. The bool return value reports
// whether the VPN is mapped.
func (pt *pageTableImpl) Lookup(vpn uint64) (Page, bool) {
	pt.Lock()
	defer pt.Unlock()

	page, found := pt.entries[vpn]

	return page, found
}

func (pt *pageTableImpl) MappedCount() int {
	pt.Lock()
	defer pt.Unlock()

	return len(pt.entries)
}

func (pt *pageTableImpl) Walk(visit func(Page)) {
	pt.Lock()
	defer pt.Unlock()

	for _, page := range pt.entries {
		visit(page)
	}
}
