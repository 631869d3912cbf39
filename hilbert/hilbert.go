// Package hilbert provides the bijective mapping between linear page
// indices and 2D atlas coordinates. Pages that are adjacent in the linear
// index space stay adjacent on the surface, which keeps a guest's region
// spatially compact no matter where it lands in the atlas.
package hilbert

// IndexToCoord converts a linear index into the (x, y) coordinate that the
// index occupies on a curve of the given order. The curve covers a square
// of side 2^order, so index must be smaller than 4^order.
func IndexToCoord(index uint64, order uint32) (x, y uint32) {
	var rx, ry uint32
	side := uint32(1) << order

	for s := uint32(1); s < side; s <<= 1 {
		rx = uint32(index>>1) & 1
		ry = uint32(index^uint64(rx)) & 1

		x, y = rotate(s, x, y, rx, ry)

		x += s * rx
		y += s * ry

		index >>= 2
	}

	return x, y
}

// CoordToIndex is the inverse of IndexToCoord.
func CoordToIndex(x, y uint32, order uint32) uint64 {
	var index uint64
	side := uint32(1) << order

	for s := side / 2; s > 0; s /= 2 {
		var rx, ry uint32

		if x&s > 0 {
			rx = 1
		}
		if y&s > 0 {
			ry = 1
		}

		index += uint64(s) * uint64(s) * uint64((3*rx)^ry)

		x, y = rotate(side, x, y, rx, ry)
	}

	return index
}

// rotate flips or transposes the quadrant-local coordinate so that the
// curve enters and leaves each quadrant at the right corner.
func rotate(s, x, y, rx, ry uint32) (uint32, uint32) {
	if ry == 0 {
		if rx == 1 {
			x = s - 1 - x
			y = s - 1 - y
		}

		x, y = y, x
	}

	return x, y
}
