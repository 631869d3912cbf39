// Package translator implements the host-side address translator. It
// converts (guest, virtual address) pairs into atlas pixel locations by
// consulting the guest's live page table and applying the space-filling
// transform. The data-parallel equivalent in the snapshot package must
// produce identical results for identical state.
package translator

import (
	"github.com/geometryos/atlasvm/hilbert"
	"github.com/geometryos/atlasvm/vm"
)

// HookPosFault triggers whenever a translation fails with a page fault or
// a permission violation. The hook item is a FaultEvent.
var HookPosFault = &vm.HookPos{Name: "Fault"}

// A FaultEvent is the hook item delivered at HookPosFault.
type FaultEvent struct {
	GuestID vm.GuestID
	VPN     uint64
	Err     error
}

// A GuestSource resolves a guest ID to the state translation needs: the
// region start in the atlas's page-index space and the guest's page
// table. The hypervisor implements it.
type GuestSource interface {
	GuestRegion(id vm.GuestID) (regionStart uint64, table vm.PageTable, ok bool)
}

// Comp is the host-side address translator. It holds no mutable state of
// its own: every call re-derives its result from the current page-table
// contents, so mapping changes take effect on the next lookup without any
// invalidation step.
type Comp struct {
	*vm.HookableBase

	name       string
	guests     GuestSource
	pageSize   uint64
	pageExtent uint32
	tableOrder uint32
}

// Name returns the name of the translator.
func (c *Comp) Name() string { return c.name }

// Translate converts a virtual address into the atlas location that backs
// it. It fails with vm.ErrGuestNotFound for a dead guest and with
// vm.PageFaultError when the address's VPN has no present mapping.
func (c *Comp) Translate(
	id vm.GuestID,
	vaddr uint64,
) (vm.PhysicalLocation, error) {
	return c.TranslateAccess(id, vaddr, false, false)
}

// TranslateAccess is Translate with an access intent: it additionally
// fails with vm.PermissionError when the requested access violates the
// entry's flags.
func (c *Comp) TranslateAccess(
	id vm.GuestID,
	vaddr uint64,
	wantWrite, wantExec bool,
) (vm.PhysicalLocation, error) {
	regionStart, table, ok := c.guests.GuestRegion(id)
	if !ok {
		return vm.PhysicalLocation{}, vm.ErrGuestNotFound
	}

	vpn := vaddr / c.pageSize
	offset := vaddr % c.pageSize

	page, found := table.Lookup(vpn)
	if !found || !page.Flags.Present() {
		return vm.PhysicalLocation{}, c.fault(
			vm.PageFaultError{GuestID: id, VPN: vpn})
	}

	if wantWrite && !page.Flags.Writable() {
		return vm.PhysicalLocation{}, c.fault(vm.PermissionError{
			GuestID: id, VPN: vpn, Violation: vm.ViolationWrite})
	}

	if wantExec && !page.Flags.Executable() {
		return vm.PhysicalLocation{}, c.fault(vm.PermissionError{
			GuestID: id, VPN: vpn, Violation: vm.ViolationExecute})
	}

	px, py := hilbert.IndexToCoord(regionStart+page.PPN, c.tableOrder)

	return vm.PhysicalLocation{
		PageX:      px,
		PageY:      py,
		OffsetX:    uint32(offset) % c.pageExtent,
		OffsetY:    uint32(offset) / c.pageExtent,
		PageExtent: c.pageExtent,
	}, nil
}

// CheckPermission probes whether an access of the given kind would
// succeed, without committing to a full translation. It returns false for
// dead guests, unmapped addresses, and flag violations.
func (c *Comp) CheckPermission(
	id vm.GuestID,
	vaddr uint64,
	wantWrite, wantExec bool,
) bool {
	_, table, ok := c.guests.GuestRegion(id)
	if !ok {
		return false
	}

	page, found := table.Lookup(vaddr / c.pageSize)
	if !found || !page.Flags.Present() {
		return false
	}

	if wantWrite && !page.Flags.Writable() {
		return false
	}

	if wantExec && !page.Flags.Executable() {
		return false
	}

	return true
}

func (c *Comp) fault(err error) error {
	var event FaultEvent

	switch e := err.(type) {
	case vm.PageFaultError:
		event = FaultEvent{GuestID: e.GuestID, VPN: e.VPN, Err: e}
	case vm.PermissionError:
		event = FaultEvent{GuestID: e.GuestID, VPN: e.VPN, Err: e}
	}

	c.InvokeHook(vm.HookCtx{Domain: c, Pos: HookPosFault, Item: event})

	return err
}
