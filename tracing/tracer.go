// Package tracing turns the MMU's hooks into durable or human-readable
// event streams. Tracers are hooks: attach them to the hypervisor and the
// translator with AcceptHook.
package tracing

import (
	"log"

	"github.com/geometryos/atlasvm/hypervisor"
	"github.com/geometryos/atlasvm/translator"
	"github.com/geometryos/atlasvm/vm"
)

// A LogTracer writes every hook event to a standard logger. It is the
// development-time sink; production sessions use the DBTracer.
type LogTracer struct {
	logger *log.Logger
}

// NewLogTracer creates a LogTracer.
func NewLogTracer(logger *log.Logger) *LogTracer {
	return &LogTracer{logger: logger}
}

// Func logs the event.
func (t *LogTracer) Func(ctx vm.HookCtx) {
	switch ctx.Pos {
	case hypervisor.HookPosAllocate, hypervisor.HookPosFree:
		guest := ctx.Item.(*hypervisor.Guest)
		t.logger.Printf("%s: guest %d, region [%d, %d)",
			ctx.Pos.Name, guest.ID(), guest.RegionStart(),
			guest.RegionStart()+guest.RegionPageCount())
	case hypervisor.HookPosMap, hypervisor.HookPosUnmap:
		event := ctx.Item.(hypervisor.MapEvent)
		t.logger.Printf("%s: guest %d, vpn 0x%x -> ppn 0x%x, flags %03b",
			ctx.Pos.Name, event.GuestID, event.Page.VPN,
			event.Page.PPN, event.Page.Flags)
	case translator.HookPosFault:
		event := ctx.Item.(translator.FaultEvent)
		t.logger.Printf("fault: guest %d, vpn 0x%x: %v",
			event.GuestID, event.VPN, event.Err)
	}
}
