package vm

// A PhysicalLocation is the result of translating a virtual address. It
// is fully determined by the guest, the address, and the page-table
// contents at translation time; nothing about it is cached.
//
// PageX and PageY are atlas coordinates in page units. OffsetX and
// OffsetY locate the byte inside the page's pixel footprint, row major.
type PhysicalLocation struct {
	PageX   uint32
	PageY   uint32
	OffsetX uint32
	OffsetY uint32

	// PageExtent is the page's pixel side length, carried along so that
	// pixel coordinates can be derived without consulting the atlas.
	PageExtent uint32
}

// PixelX returns the absolute atlas X coordinate in pixels.
func (l PhysicalLocation) PixelX() uint32 {
	return l.PageX*l.PageExtent + l.OffsetX
}

// PixelY returns the absolute atlas Y coordinate in pixels.
func (l PhysicalLocation) PixelY() uint32 {
	return l.PageY*l.PageExtent + l.OffsetY
}

// FlatPixelAddress returns the row-major pixel address inside an atlas of
// the given side length.
func (l PhysicalLocation) FlatPixelAddress(atlasSide uint32) uint64 {
	return uint64(l.PixelY())*uint64(atlasSide) + uint64(l.PixelX())
}
