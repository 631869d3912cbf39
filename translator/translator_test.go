package translator_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/geometryos/atlasvm/hilbert"
	"github.com/geometryos/atlasvm/translator"
	"github.com/geometryos/atlasvm/vm"
)

var _ = Describe("Translator", func() {
	var (
		mockCtrl  *gomock.Controller
		guests    *MockGuestSource
		pageTable *MockPageTable
		t         *translator.Comp
	)

	const (
		pageSize    = uint64(4096)
		pageExtent  = uint32(64)
		tableOrder  = uint32(2)
		regionStart = uint64(4)
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())

		guests = NewMockGuestSource(mockCtrl)
		pageTable = NewMockPageTable(mockCtrl)

		t = translator.MakeBuilder().
			WithGuestSource(guests).
			WithGeometry(pageSize, pageExtent, tableOrder).
			Build("Translator")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should translate a mapped address", func() {
		guests.EXPECT().
			GuestRegion(vm.GuestID(0)).
			Return(regionStart, vm.PageTable(pageTable), true)
		pageTable.EXPECT().
			Lookup(uint64(5)).
			Return(vm.Page{
				VPN:   5,
				PPN:   3,
				Flags: vm.FlagPresent | vm.FlagWritable,
			}, true)

		loc, err := t.Translate(0, 5*pageSize+130)

		Expect(err).ToNot(HaveOccurred())

		wantX, wantY := hilbert.IndexToCoord(regionStart+3, tableOrder)
		Expect(loc.PageX).To(Equal(wantX))
		Expect(loc.PageY).To(Equal(wantY))
		Expect(loc.OffsetX).To(Equal(uint32(130 % 64)))
		Expect(loc.OffsetY).To(Equal(uint32(130 / 64)))
		Expect(loc.OffsetY*pageExtent + loc.OffsetX).To(Equal(uint32(130)))
	})

	It("should page fault on an unmapped VPN", func() {
		guests.EXPECT().
			GuestRegion(vm.GuestID(0)).
			Return(regionStart, vm.PageTable(pageTable), true)
		pageTable.EXPECT().
			Lookup(uint64(1)).
			Return(vm.Page{}, false)

		_, err := t.Translate(0, 0x1000)

		var fault vm.PageFaultError
		Expect(err).To(BeAssignableToTypeOf(fault))
		Expect(err.(vm.PageFaultError).VPN).To(Equal(uint64(1)))
	})

	It("should page fault on a non-present entry", func() {
		guests.EXPECT().
			GuestRegion(vm.GuestID(0)).
			Return(regionStart, vm.PageTable(pageTable), true)
		pageTable.EXPECT().
			Lookup(uint64(0)).
			Return(vm.Page{VPN: 0, PPN: 0, Flags: 0}, true)

		_, err := t.Translate(0, 0x10)

		Expect(err).To(BeAssignableToTypeOf(vm.PageFaultError{}))
	})

	It("should refuse a write through a read-only mapping", func() {
		guests.EXPECT().
			GuestRegion(vm.GuestID(0)).
			Return(regionStart, vm.PageTable(pageTable), true).
			Times(2)
		pageTable.EXPECT().
			Lookup(uint64(2)).
			Return(vm.Page{VPN: 2, PPN: 1, Flags: vm.FlagPresent}, true).
			Times(2)

		_, err := t.TranslateAccess(0, 2*pageSize, true, false)

		Expect(err).To(BeAssignableToTypeOf(vm.PermissionError{}))
		Expect(err.(vm.PermissionError).Violation).
			To(Equal(vm.ViolationWrite))

		Expect(t.CheckPermission(0, 2*pageSize, true, false)).To(BeFalse())
	})

	It("should allow a read through a read-only mapping", func() {
		guests.EXPECT().
			GuestRegion(vm.GuestID(0)).
			Return(regionStart, vm.PageTable(pageTable), true)
		pageTable.EXPECT().
			Lookup(uint64(2)).
			Return(vm.Page{VPN: 2, PPN: 1, Flags: vm.FlagPresent}, true)

		Expect(t.CheckPermission(0, 2*pageSize, false, false)).To(BeTrue())
	})

	It("should refuse execution of a non-executable mapping", func() {
		guests.EXPECT().
			GuestRegion(vm.GuestID(0)).
			Return(regionStart, vm.PageTable(pageTable), true)
		pageTable.EXPECT().
			Lookup(uint64(0)).
			Return(vm.Page{
				Flags: vm.FlagPresent | vm.FlagWritable,
			}, true)

		Expect(t.CheckPermission(0, 0, false, true)).To(BeFalse())
	})

	It("should fail for a guest that is not live", func() {
		guests.EXPECT().
			GuestRegion(vm.GuestID(9)).
			Return(uint64(0), nil, false).
			Times(2)

		_, err := t.Translate(9, 0)
		Expect(err).To(MatchError(vm.ErrGuestNotFound))

		Expect(t.CheckPermission(9, 0, false, false)).To(BeFalse())
	})

	It("should report faults through the fault hook", func() {
		guests.EXPECT().
			GuestRegion(vm.GuestID(0)).
			Return(regionStart, vm.PageTable(pageTable), true)
		pageTable.EXPECT().
			Lookup(uint64(7)).
			Return(vm.Page{}, false)

		var seen []translator.FaultEvent
		t.AcceptHook(hookFunc(func(ctx vm.HookCtx) {
			if ctx.Pos == translator.HookPosFault {
				seen = append(seen, ctx.Item.(translator.FaultEvent))
			}
		}))

		_, err := t.Translate(0, 7*pageSize)

		Expect(err).To(HaveOccurred())
		Expect(seen).To(HaveLen(1))
		Expect(seen[0].VPN).To(Equal(uint64(7)))
	})
})

type hookFunc func(ctx vm.HookCtx)

func (f hookFunc) Func(ctx vm.HookCtx) { f(ctx) }
