// Package vm defines the core types of the atlas memory management unit:
// page-table entries, per-guest page tables, translation results, and the
// typed errors shared by the allocator and the translators.
package vm

import "github.com/rs/xid"

// GuestID identifies an isolated address-space owner. IDs are small
// integers handed out by the hypervisor and reused only after an explicit
// Free.
type GuestID uint32

// PageFlags is the access-control byte attached to every page-table entry.
// The bit layout is shared with the encoded page-table surface, so it must
// not change without re-encoding every snapshot consumer.
type PageFlags uint8

// Flag bits of a page-table entry.
const (
	FlagPresent PageFlags = 1 << iota
	FlagWritable
	FlagExecutable
)

// Present reports whether the entry maps a page at all.
func (f PageFlags) Present() bool { return f&FlagPresent != 0 }

// Writable reports whether stores to the page are allowed.
func (f PageFlags) Writable() bool { return f&FlagWritable != 0 }

// Executable reports whether the page may be executed.
func (f PageFlags) Executable() bool { return f&FlagExecutable != 0 }

// A Page is an entry in a guest's page table. VPN and PPN are both page
// numbers relative to the owning guest: PPN is an offset into the guest's
// atlas region, not an absolute atlas page index.
type Page struct {
	VPN   uint64
	PPN   uint64
	Flags PageFlags
}

// A MappingHandle is returned by Map so that callers can refer to a
// specific mapping in logs and traces.
type MappingHandle struct {
	ID      string
	GuestID GuestID
	VPN     uint64
}

// NewMappingHandle creates a handle with a fresh unique ID.
func NewMappingHandle(guestID GuestID, vpn uint64) MappingHandle {
	return MappingHandle{
		ID:      xid.New().String(),
		GuestID: guestID,
		VPN:     vpn,
	}
}
