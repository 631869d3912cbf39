package hypervisor

import "math/bits"

// regionList is a buddy-style free list of power-of-two-sized, size-aligned
// page-index ranges. Regions must stay power-of-two and aligned so that a
// guest's range remains a compact segment of the space-filling curve.
// Freed regions are merged with their buddy and handed out again, so
// allocate/free churn does not leak atlas space.
type regionList struct {
	totalPages uint64
	maxLog2    uint32

	// free[k] holds the start indices of free blocks of 2^k pages.
	free map[uint32]map[uint64]struct{}
}

func newRegionList(totalPages uint64) *regionList {
	if totalPages == 0 || totalPages&(totalPages-1) != 0 {
		panic("total page count must be a power of two")
	}

	maxLog2 := uint32(bits.TrailingZeros64(totalPages))

	l := &regionList{
		totalPages: totalPages,
		maxLog2:    maxLog2,
		free:       make(map[uint32]map[uint64]struct{}),
	}

	l.insert(maxLog2, 0)

	return l
}

func (l *regionList) insert(log2Size uint32, start uint64) {
	blocks, ok := l.free[log2Size]
	if !ok {
		blocks = make(map[uint64]struct{})
		l.free[log2Size] = blocks
	}

	blocks[start] = struct{}{}
}

// takeLowest removes and returns the lowest-starting free block of the
// exact size. Picking the lowest keeps allocation order deterministic.
func (l *regionList) takeLowest(log2Size uint32) (uint64, bool) {
	blocks := l.free[log2Size]
	if len(blocks) == 0 {
		return 0, false
	}

	lowest := uint64(0)
	first := true
	for start := range blocks {
		if first || start < lowest {
			lowest = start
			first = false
		}
	}

	delete(blocks, lowest)

	return lowest, true
}

// allocate reserves a block of 2^log2Size pages, splitting larger blocks
// as needed. It reports false when no block of sufficient size is free.
func (l *regionList) allocate(log2Size uint32) (uint64, bool) {
	if log2Size > l.maxLog2 {
		return 0, false
	}

	k := log2Size
	for k <= l.maxLog2 {
		if len(l.free[k]) > 0 {
			break
		}
		k++
	}

	if k > l.maxLog2 {
		return 0, false
	}

	start, _ := l.takeLowest(k)

	for k > log2Size {
		k--
		l.insert(k, start+(uint64(1)<<k))
	}

	return start, true
}

// release returns a block to the free list and merges it with its buddy
// as long as the buddy is also free.
func (l *regionList) release(start uint64, log2Size uint32) {
	k := log2Size

	for k < l.maxLog2 {
		buddy := start ^ (uint64(1) << k)

		blocks := l.free[k]
		if _, ok := blocks[buddy]; !ok {
			break
		}

		delete(blocks, buddy)
		if buddy < start {
			start = buddy
		}
		k++
	}

	l.insert(k, start)
}

// freePages returns the total number of pages currently free.
func (l *regionList) freePages() uint64 {
	total := uint64(0)
	for k, blocks := range l.free {
		total += uint64(len(blocks)) << k
	}

	return total
}
