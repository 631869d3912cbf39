package hypervisor

import "github.com/geometryos/atlasvm/vm"

// A Guest is an isolated address-space owner. Each guest exclusively owns
// a contiguous, power-of-two-sized range of the atlas's linear page-index
// space and the page table that maps into it.
type Guest struct {
	id              vm.GuestID
	regionStart     uint64
	regionPageCount uint64
	regionLog2Size  uint32
	pageTable       vm.PageTable
}

// ID returns the guest's identifier.
func (g *Guest) ID() vm.GuestID { return g.id }

// RegionStart returns the inclusive first page index of the guest's
// region in the atlas's linear page-index space.
func (g *Guest) RegionStart() uint64 { return g.regionStart }

// RegionPageCount returns the size of the guest's region in pages.
func (g *Guest) RegionPageCount() uint64 { return g.regionPageCount }

// PageTable returns the page table owned by this guest.
func (g *Guest) PageTable() vm.PageTable { return g.pageTable }

// GuestInfo is the externally visible description of a guest, consumed by
// telemetry overlays and the monitoring API.
type GuestInfo struct {
	GuestID         vm.GuestID `json:"guest_id"`
	RegionStart     uint64     `json:"region_start"`
	RegionPageCount uint64     `json:"region_page_count"`
	MappedPageCount int        `json:"mapped_page_count"`
}

// Describe summarizes the guest's current state.
func (g *Guest) Describe() GuestInfo {
	return GuestInfo{
		GuestID:         g.id,
		RegionStart:     g.regionStart,
		RegionPageCount: g.regionPageCount,
		MappedPageCount: g.pageTable.MappedCount(),
	}
}
