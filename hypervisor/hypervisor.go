// Package hypervisor manages the guests that share the physical atlas.
// It allocates each guest a disjoint region of the atlas's page-index
// space, owns all page-table mutation, and produces the encoded
// page-table snapshots that the data-parallel translator consumes.
package hypervisor

import (
	"fmt"
	"math/bits"

	"github.com/geometryos/atlasvm/atlas"
	"github.com/geometryos/atlasvm/snapshot"
	"github.com/geometryos/atlasvm/vm"
)

// Hook positions of the hypervisor.
var (
	HookPosAllocate = &vm.HookPos{Name: "Allocate"}
	HookPosFree     = &vm.HookPos{Name: "Free"}
	HookPosMap      = &vm.HookPos{Name: "Map"}
	HookPosUnmap    = &vm.HookPos{Name: "Unmap"}
)

// A MapEvent is the hook item delivered at HookPosMap and HookPosUnmap.
type MapEvent struct {
	GuestID vm.GuestID
	Page    vm.Page
}

// Comp is the hypervisor. It is the single writer of all guest state:
// the translators only ever read. All operations complete synchronously.
type Comp struct {
	*vm.HookableBase

	name      string
	atlas     *atlas.Atlas
	maxGuests int

	guests  map[vm.GuestID]*Guest
	regions *regionList
}

// Name returns the name of the hypervisor.
func (c *Comp) Name() string { return c.name }

// Atlas returns the physical surface this hypervisor manages.
func (c *Comp) Atlas() *atlas.Atlas { return c.atlas }

// Allocate creates a guest with a region large enough for the requested
// number of pages. The region is padded to the next power of two so that
// it stays a compact segment of the space-filling curve. It returns
// vm.ErrTooManyGuests when the configured guest limit is reached and
// vm.ErrOutOfSpace when no sufficiently large region is free.
func (c *Comp) Allocate(requestedPageCount uint64) (*Guest, error) {
	if requestedPageCount == 0 {
		return nil, fmt.Errorf("requested page count must be positive")
	}

	if len(c.guests) >= c.maxGuests {
		return nil, vm.ErrTooManyGuests
	}

	log2Size := ceilLog2(requestedPageCount)

	start, ok := c.regions.allocate(log2Size)
	if !ok {
		return nil, vm.ErrOutOfSpace
	}

	id := c.lowestFreeID()

	guest := &Guest{
		id:              id,
		regionStart:     start,
		regionPageCount: uint64(1) << log2Size,
		regionLog2Size:  log2Size,
		pageTable:       vm.NewPageTable(id),
	}
	c.guests[id] = guest

	c.InvokeHook(vm.HookCtx{Domain: c, Pos: HookPosAllocate, Item: guest})

	return guest, nil
}

// Free destroys a guest, invalidating its ID and page table and returning
// its region for reuse.
func (c *Comp) Free(id vm.GuestID) error {
	guest, found := c.guests[id]
	if !found {
		return vm.ErrGuestNotFound
	}

	delete(c.guests, id)
	c.regions.release(guest.regionStart, guest.regionLog2Size)

	c.InvokeHook(vm.HookCtx{Domain: c, Pos: HookPosFree, Item: guest})

	return nil
}

// Guest returns the live guest with the given ID.
func (c *Comp) Guest(id vm.GuestID) (*Guest, bool) {
	guest, found := c.guests[id]
	return guest, found
}

// GuestRegion exposes the lookup that address translation needs: the
// guest's region start and its page table.
func (c *Comp) GuestRegion(id vm.GuestID) (uint64, vm.PageTable, bool) {
	guest, found := c.guests[id]
	if !found {
		return 0, nil, false
	}

	return guest.regionStart, guest.pageTable, true
}

// Guests describes every live guest, ordered by ID.
func (c *Comp) Guests() []GuestInfo {
	infos := make([]GuestInfo, 0, len(c.guests))

	for id := vm.GuestID(0); int(id) < c.maxGuests; id++ {
		if guest, found := c.guests[id]; found {
			infos = append(infos, guest.Describe())
		}
	}

	return infos
}

// Map inserts or replaces the mapping of vpn to the region-relative ppn
// for the guest. Both page numbers must fall inside the guest's region.
func (c *Comp) Map(
	id vm.GuestID,
	vpn, ppn uint64,
	flags vm.PageFlags,
) (vm.MappingHandle, error) {
	guest, found := c.guests[id]
	if !found {
		return vm.MappingHandle{}, vm.ErrGuestNotFound
	}

	if vpn >= guest.regionPageCount {
		return vm.MappingHandle{}, fmt.Errorf(
			"vpn 0x%x outside the %d-page region of guest %d",
			vpn, guest.regionPageCount, id)
	}

	if ppn >= guest.regionPageCount {
		return vm.MappingHandle{}, fmt.Errorf(
			"ppn 0x%x outside the %d-page region of guest %d",
			ppn, guest.regionPageCount, id)
	}

	page := vm.Page{VPN: vpn, PPN: ppn, Flags: flags}
	handle := guest.pageTable.Map(page)

	c.InvokeHook(vm.HookCtx{
		Domain: c,
		Pos:    HookPosMap,
		Item:   MapEvent{GuestID: id, Page: page},
	})

	return handle, nil
}

// Unmap removes the mapping of vpn for the guest.
func (c *Comp) Unmap(id vm.GuestID, vpn uint64) error {
	guest, found := c.guests[id]
	if !found {
		return vm.ErrGuestNotFound
	}

	page, _ := guest.pageTable.Lookup(vpn)
	guest.pageTable.Unmap(vpn)

	c.InvokeHook(vm.HookCtx{
		Domain: c,
		Pos:    HookPosUnmap,
		Item:   MapEvent{GuestID: id, Page: page},
	})

	return nil
}

// EncodeSnapshot serializes every guest's page table into the shared
// page-table surface. The returned snapshot is the commit point between
// host state and the parallel translator: mutations after this call are
// invisible until the next encode.
func (c *Comp) EncodeSnapshot() *snapshot.Snapshot {
	layout := snapshot.Layout{
		TableOrder: c.atlas.PageOrder(),
		PageSize:   c.atlas.PageSize(),
		PageExtent: c.atlas.PageExtent(),
	}

	tables := make([]snapshot.GuestTable, 0, len(c.guests))
	for id := vm.GuestID(0); int(id) < c.maxGuests; id++ {
		guest, found := c.guests[id]
		if !found {
			continue
		}

		tables = append(tables, snapshot.GuestTable{
			GuestID:     guest.id,
			RegionStart: guest.regionStart,
			PageCount:   guest.regionPageCount,
			Table:       guest.pageTable,
		})
	}

	return snapshot.Encode(layout, tables)
}

// FreePages returns the number of atlas pages not owned by any guest.
func (c *Comp) FreePages() uint64 {
	return c.regions.freePages()
}

func (c *Comp) lowestFreeID() vm.GuestID {
	for id := vm.GuestID(0); ; id++ {
		if _, taken := c.guests[id]; !taken {
			return id
		}
	}
}

func ceilLog2(n uint64) uint32 {
	if n <= 1 {
		return 0
	}

	return uint32(bits.Len64(n - 1))
}
