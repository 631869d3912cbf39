package translator

import (
	"github.com/geometryos/atlasvm/atlas"
	"github.com/geometryos/atlasvm/vm"
)

// A Builder can build address translators.
type Builder struct {
	guests     GuestSource
	pageSize   uint64
	pageExtent uint32
	tableOrder uint32
}

// MakeBuilder creates a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{}
}

// WithGuestSource sets where the translator resolves guests.
func (b Builder) WithGuestSource(src GuestSource) Builder {
	b.guests = src
	return b
}

// WithAtlas derives the translation geometry from the atlas.
func (b Builder) WithAtlas(a *atlas.Atlas) Builder {
	b.pageSize = a.PageSize()
	b.pageExtent = a.PageExtent()
	b.tableOrder = a.PageOrder()
	return b
}

// WithGeometry sets the translation geometry directly. Tests use this to
// decouple the translator from a concrete atlas.
func (b Builder) WithGeometry(
	pageSize uint64,
	pageExtent, tableOrder uint32,
) Builder {
	b.pageSize = pageSize
	b.pageExtent = pageExtent
	b.tableOrder = tableOrder
	return b
}

// Build returns a newly created translator.
func (b Builder) Build(name string) *Comp {
	if b.guests == nil {
		panic("translator requires a guest source")
	}

	if b.pageSize == 0 || b.pageExtent == 0 {
		panic("translator requires a page geometry")
	}

	return &Comp{
		HookableBase: vm.NewHookableBase(),
		name:         name,
		guests:       b.guests,
		pageSize:     b.pageSize,
		pageExtent:   b.pageExtent,
		tableOrder:   b.tableOrder,
	}
}
