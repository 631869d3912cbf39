// Package atlas implements the single physical surface that backs all
// guest memory. The surface is created once, never resized, and is
// divided into square pages addressed through the space-filling index.
package atlas

import (
	"fmt"
	"math/bits"
)

// An Atlas is a fixed-size square pixel surface. One byte backs one
// pixel. The surface is managed in pages of PageSize bytes, each page
// occupying a PageExtent x PageExtent pixel footprint.
//
// Pixel data is stored sparsely: pages that were never written occupy no
// host memory.
type Atlas struct {
	sideLength uint32
	pageSize   uint64
	pageExtent uint32
	unitSize   uint64
	data       map[uint64][]byte
}

// New creates an atlas with the given pixel side length and page size in
// bytes. Both must be powers of two, and the page must tile the surface
// exactly. Configuration errors are programming errors and panic.
func New(sideLength uint32, pageSize uint64) *Atlas {
	if sideLength == 0 || sideLength&(sideLength-1) != 0 {
		panic(fmt.Sprintf("atlas side length %d is not a power of two",
			sideLength))
	}

	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("page size %d is not a power of two", pageSize))
	}

	extentBits := bits.TrailingZeros64(pageSize)
	if extentBits%2 != 0 {
		panic(fmt.Sprintf(
			"page size %d has no integer square root, pages must be square",
			pageSize))
	}

	pageExtent := uint32(1) << (extentBits / 2)
	if pageExtent > sideLength {
		panic(fmt.Sprintf("page extent %d exceeds atlas side %d",
			pageExtent, sideLength))
	}

	return &Atlas{
		sideLength: sideLength,
		pageSize:   pageSize,
		pageExtent: pageExtent,
		unitSize:   pageSize,
		data:       make(map[uint64][]byte),
	}
}

// SideLength returns the pixel side length of the surface.
func (a *Atlas) SideLength() uint32 { return a.sideLength }

// PageSize returns the page size in bytes.
func (a *Atlas) PageSize() uint64 { return a.pageSize }

// PageExtent returns the pixel side length of one page.
func (a *Atlas) PageExtent() uint32 { return a.pageExtent }

// TotalPages returns the number of pages the surface holds.
func (a *Atlas) TotalPages() uint64 {
	return uint64(a.sideLength) * uint64(a.sideLength) / a.pageSize
}

// PageOrder returns log2 of the surface side length in page units. It is
// the curve order that the space-filling indexer must use for absolute
// page indices on this atlas.
func (a *Atlas) PageOrder() uint32 {
	return uint32(bits.TrailingZeros32(a.sideLength / a.pageExtent))
}

// Capacity returns the total number of pixel bytes.
func (a *Atlas) Capacity() uint64 {
	return uint64(a.sideLength) * uint64(a.sideLength)
}

func (a *Atlas) createOrGetUnit(addr uint64) ([]byte, error) {
	if addr >= a.Capacity() {
		return nil, fmt.Errorf(
			"pixel address 0x%x beyond the atlas capacity 0x%x",
			addr, a.Capacity())
	}

	baseAddr := addr / a.unitSize * a.unitSize
	unit, ok := a.data[baseAddr]
	if !ok {
		unit = make([]byte, a.unitSize)
		a.data[baseAddr] = unit
	}

	return unit, nil
}

// Read copies length bytes starting at the flat pixel address.
func (a *Atlas) Read(addr, length uint64) ([]byte, error) {
	if addr+length > a.Capacity() {
		return nil, fmt.Errorf(
			"read of %d bytes at 0x%x beyond the atlas capacity 0x%x",
			length, addr, a.Capacity())
	}

	res := make([]byte, length)
	curr := addr

	for curr < addr+length {
		unit, err := a.createOrGetUnit(curr)
		if err != nil {
			return nil, err
		}

		inUnit := curr % a.unitSize
		n := a.unitSize - inUnit
		if left := addr + length - curr; left < n {
			n = left
		}

		copy(res[curr-addr:curr-addr+n], unit[inUnit:inUnit+n])
		curr += n
	}

	return res, nil
}

// Write copies data into the surface starting at the flat pixel address.
func (a *Atlas) Write(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > a.Capacity() {
		return fmt.Errorf(
			"write of %d bytes at 0x%x beyond the atlas capacity 0x%x",
			len(data), addr, a.Capacity())
	}

	curr := addr
	offset := uint64(0)

	for offset < uint64(len(data)) {
		unit, err := a.createOrGetUnit(curr)
		if err != nil {
			return err
		}

		inUnit := curr % a.unitSize
		n := a.unitSize - inUnit
		if left := uint64(len(data)) - offset; left < n {
			n = left
		}

		copy(unit[inUnit:inUnit+n], data[offset:offset+n])
		offset += n
		curr += n
	}

	return nil
}
