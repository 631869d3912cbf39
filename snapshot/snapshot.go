// Package snapshot implements the encoded page-table surface that the
// data-parallel translator reads. The host encodes every guest's page
// table into one fixed-layout byte buffer; the kernel side only ever
// reads that buffer and never consults live host state, so the encode
// call is the explicit commit point between the two.
package snapshot

import (
	"fmt"

	"github.com/geometryos/atlasvm/hilbert"
	"github.com/geometryos/atlasvm/vm"
)

// RecordStride is the size of one encoded page-table record. The record
// mirrors a 4-channel pixel:
//
//	byte 0 (R): physical page x, low 8 bits
//	byte 1 (G): physical page y, low 8 bits
//	byte 2 (B): extension, x high bits in the low nibble and
//	            y high bits in the high nibble
//	byte 3 (A): flags, bit0 present, bit1 writable, bit2 executable
//
// With the 4-bit extensions each coordinate carries 12 bits, so the
// page-grid side may be at most 4096. The extension width follows the
// surface order rather than being fixed at 8 bits.
const RecordStride = 4

// maxTableOrder is the largest page-grid order the record layout can
// address: 12 bits per coordinate.
const maxTableOrder = 12

// Layout captures the geometry shared by the encoder and the kernel.
type Layout struct {
	// TableOrder is log2 of the atlas side length in page units. The
	// page-table surface is a square of side 2^TableOrder records.
	TableOrder uint32

	// PageSize is the page size in bytes.
	PageSize uint64

	// PageExtent is the pixel side length of one page.
	PageExtent uint32
}

// TableSide returns the side length of the page-table surface in records.
func (l Layout) TableSide() uint32 {
	return uint32(1) << l.TableOrder
}

// Region is the page-index range a guest owned at encode time.
type Region struct {
	Start     uint64
	PageCount uint64
}

// A GuestTable names one guest's page table and region for encoding.
type GuestTable struct {
	GuestID     vm.GuestID
	RegionStart uint64
	PageCount   uint64
	Table       vm.PageTable
}

// A Snapshot is an immutable encoding of every guest's page table. It is
// safe for concurrent readers.
type Snapshot struct {
	layout  Layout
	surface []byte
	regions map[vm.GuestID]Region
}

// Encode serializes the given guest tables into a fresh snapshot.
//
// The record for (guest, vpn) is stored at the space-filling-curve
// position of the page-table slot regionStart+vpn, and its payload holds
// the curve-transformed coordinates of the physical page. A consumer
// therefore locates and interprets records with the exact transform it
// applies to any other address.
func Encode(layout Layout, guests []GuestTable) *Snapshot {
	if layout.TableOrder > maxTableOrder {
		panic(fmt.Sprintf(
			"table order %d does not fit the %d-bit coordinates of the "+
				"record layout", layout.TableOrder, maxTableOrder))
	}

	side := uint64(layout.TableSide())

	s := &Snapshot{
		layout:  layout,
		surface: make([]byte, side*side*RecordStride),
		regions: make(map[vm.GuestID]Region, len(guests)),
	}

	for _, g := range guests {
		s.regions[g.GuestID] = Region{
			Start:     g.RegionStart,
			PageCount: g.PageCount,
		}

		g.Table.Walk(func(page vm.Page) {
			s.encodeEntry(g.RegionStart, page)
		})
	}

	return s
}

func (s *Snapshot) encodeEntry(regionStart uint64, page vm.Page) {
	slot := regionStart + page.VPN
	sx, sy := hilbert.IndexToCoord(slot, s.layout.TableOrder)

	px, py := hilbert.IndexToCoord(regionStart+page.PPN, s.layout.TableOrder)

	rec := s.record(sx, sy)
	rec[0] = byte(px)
	rec[1] = byte(py)
	rec[2] = byte((px>>8)&0xF) | byte((py>>8)&0xF)<<4
	rec[3] = byte(page.Flags)
}

func (s *Snapshot) record(sx, sy uint32) []byte {
	side := uint64(s.layout.TableSide())
	pos := (uint64(sy)*side + uint64(sx)) * RecordStride

	return s.surface[pos : pos+RecordStride]
}

// Layout returns the geometry the snapshot was encoded with.
func (s *Snapshot) Layout() Layout { return s.layout }

// Surface returns the raw encoded page-table surface. Callers must treat
// it as read-only; it is the buffer a GPU upload would consume verbatim.
func (s *Snapshot) Surface() []byte { return s.surface }

// GuestRegion returns the region of a guest at encode time.
func (s *Snapshot) GuestRegion(id vm.GuestID) (Region, bool) {
	region, found := s.regions[id]
	return region, found
}
