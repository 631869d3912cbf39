package hypervisor

import (
	"github.com/geometryos/atlasvm/atlas"
	"github.com/geometryos/atlasvm/vm"
)

// A Builder can build hypervisors.
type Builder struct {
	atlas     *atlas.Atlas
	maxGuests int
}

// MakeBuilder creates a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		maxGuests: 16,
	}
}

// WithAtlas sets the physical surface that the hypervisor manages.
func (b Builder) WithAtlas(a *atlas.Atlas) Builder {
	b.atlas = a
	return b
}

// WithMaxGuests sets the maximum number of concurrently live guests.
func (b Builder) WithMaxGuests(n int) Builder {
	b.maxGuests = n
	return b
}

// Build returns a newly created hypervisor.
func (b Builder) Build(name string) *Comp {
	if b.atlas == nil {
		panic("hypervisor requires an atlas")
	}

	if b.maxGuests <= 0 {
		panic("max guest count must be positive")
	}

	return &Comp{
		HookableBase: vm.NewHookableBase(),
		name:         name,
		atlas:        b.atlas,
		maxGuests:    b.maxGuests,
		guests:       make(map[vm.GuestID]*Guest),
		regions:      newRegionList(b.atlas.TotalPages()),
	}
}
