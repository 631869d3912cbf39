package tracing

import (
	"github.com/geometryos/atlasvm/datarecording"
	"github.com/geometryos/atlasvm/hypervisor"
	"github.com/geometryos/atlasvm/translator"
	"github.com/geometryos/atlasvm/vm"
)

type guestEventRow struct {
	Event           string
	GuestID         uint32
	RegionStart     uint64
	RegionPageCount uint64
}

type mapEventRow struct {
	Event   string
	GuestID uint32
	VPN     uint64
	PPN     uint64
	Flags   uint8
}

type faultEventRow struct {
	GuestID uint32
	VPN     uint64
	Kind    string
}

// A DBTracer records guest lifecycle, mapping, and fault events through a
// DataRecorder.
type DBTracer struct {
	recorder datarecording.DataRecorder
}

// NewDBTracer creates a DBTracer and its tables.
func NewDBTracer(recorder datarecording.DataRecorder) *DBTracer {
	recorder.CreateTable("guest_events", guestEventRow{})
	recorder.CreateTable("map_events", mapEventRow{})
	recorder.CreateTable("fault_events", faultEventRow{})

	return &DBTracer{recorder: recorder}
}

// Func records the event.
func (t *DBTracer) Func(ctx vm.HookCtx) {
	switch ctx.Pos {
	case hypervisor.HookPosAllocate, hypervisor.HookPosFree:
		guest := ctx.Item.(*hypervisor.Guest)
		t.recorder.InsertData("guest_events", guestEventRow{
			Event:           ctx.Pos.Name,
			GuestID:         uint32(guest.ID()),
			RegionStart:     guest.RegionStart(),
			RegionPageCount: guest.RegionPageCount(),
		})
	case hypervisor.HookPosMap, hypervisor.HookPosUnmap:
		event := ctx.Item.(hypervisor.MapEvent)
		t.recorder.InsertData("map_events", mapEventRow{
			Event:   ctx.Pos.Name,
			GuestID: uint32(event.GuestID),
			VPN:     event.Page.VPN,
			PPN:     event.Page.PPN,
			Flags:   uint8(event.Page.Flags),
		})
	case translator.HookPosFault:
		event := ctx.Item.(translator.FaultEvent)

		kind := "page_fault"
		if _, ok := event.Err.(vm.PermissionError); ok {
			kind = "permission_denied"
		}

		t.recorder.InsertData("fault_events", faultEventRow{
			GuestID: uint32(event.GuestID),
			VPN:     event.VPN,
			Kind:    kind,
		})
	}
}
