package hypervisor_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/geometryos/atlasvm/atlas"
	"github.com/geometryos/atlasvm/hypervisor"
	"github.com/geometryos/atlasvm/vm"
)

var _ = Describe("Hypervisor", func() {
	var h *hypervisor.Comp

	BeforeEach(func() {
		// 256x256 pixels, 4096-byte pages: 16 pages total.
		a := atlas.New(256, 4096)
		h = hypervisor.MakeBuilder().
			WithAtlas(a).
			WithMaxGuests(4).
			Build("HV")
	})

	It("should allocate a guest with a padded region", func() {
		guest, err := h.Allocate(3)

		Expect(err).ToNot(HaveOccurred())
		Expect(guest.RegionPageCount()).To(Equal(uint64(4)))
		Expect(guest.RegionStart()).To(Equal(uint64(0)))
	})

	It("should keep live regions disjoint", func() {
		g0, err := h.Allocate(4)
		Expect(err).ToNot(HaveOccurred())

		g1, err := h.Allocate(4)
		Expect(err).ToNot(HaveOccurred())

		Expect(overlaps(g0, g1)).To(BeFalse())
	})

	It("should fail with ErrTooManyGuests at the guest limit", func() {
		for i := 0; i < 4; i++ {
			_, err := h.Allocate(1)
			Expect(err).ToNot(HaveOccurred())
		}

		_, err := h.Allocate(1)
		Expect(err).To(MatchError(vm.ErrTooManyGuests))
	})

	It("should fail with ErrOutOfSpace when the atlas is full", func() {
		_, err := h.Allocate(16)
		Expect(err).ToNot(HaveOccurred())

		_, err = h.Allocate(1)
		Expect(err).To(MatchError(vm.ErrOutOfSpace))
	})

	It("should reuse a freed region", func() {
		g0, err := h.Allocate(16)
		Expect(err).ToNot(HaveOccurred())

		Expect(h.Free(g0.ID())).To(Succeed())

		g1, err := h.Allocate(16)
		Expect(err).ToNot(HaveOccurred())
		Expect(g1.RegionStart()).To(Equal(uint64(0)))
	})

	It("should merge freed buddies back into larger regions", func() {
		guests := make([]*hypervisor.Guest, 0, 4)
		for i := 0; i < 4; i++ {
			g, err := h.Allocate(4)
			Expect(err).ToNot(HaveOccurred())
			guests = append(guests, g)
		}

		for _, g := range guests {
			Expect(h.Free(g.ID())).To(Succeed())
		}

		_, err := h.Allocate(16)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should reuse guest IDs only after free", func() {
		g0, _ := h.Allocate(1)
		g1, _ := h.Allocate(1)

		Expect(g0.ID()).To(Equal(vm.GuestID(0)))
		Expect(g1.ID()).To(Equal(vm.GuestID(1)))

		Expect(h.Free(g0.ID())).To(Succeed())

		g2, _ := h.Allocate(1)
		Expect(g2.ID()).To(Equal(vm.GuestID(0)))
	})

	It("should fail to free an unknown guest", func() {
		Expect(h.Free(7)).To(MatchError(vm.ErrGuestNotFound))
	})

	It("should keep regions disjoint under allocate/free churn", func() {
		r := rand.New(rand.NewSource(1))
		live := make(map[vm.GuestID]*hypervisor.Guest)

		for i := 0; i < 1000; i++ {
			if len(live) > 0 && r.Intn(2) == 0 {
				for id := range live {
					Expect(h.Free(id)).To(Succeed())
					delete(live, id)
					break
				}
				continue
			}

			g, err := h.Allocate(uint64(1 + r.Intn(4)))
			if err != nil {
				continue
			}
			live[g.ID()] = g

			for _, other := range live {
				if other.ID() == g.ID() {
					continue
				}
				Expect(overlaps(g, other)).To(BeFalse())
			}
		}
	})

	Describe("mapping", func() {
		var guest *hypervisor.Guest

		BeforeEach(func() {
			var err error
			guest, err = h.Allocate(4)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should map and describe pages", func() {
			handle, err := h.Map(guest.ID(), 1, 2,
				vm.FlagPresent|vm.FlagWritable)

			Expect(err).ToNot(HaveOccurred())
			Expect(handle.GuestID).To(Equal(guest.ID()))
			Expect(handle.VPN).To(Equal(uint64(1)))
			Expect(handle.ID).ToNot(BeEmpty())

			info := guest.Describe()
			Expect(info.MappedPageCount).To(Equal(1))
			Expect(info.RegionPageCount).To(Equal(uint64(4)))
		})

		It("should unmap pages", func() {
			_, err := h.Map(guest.ID(), 1, 2, vm.FlagPresent)
			Expect(err).ToNot(HaveOccurred())

			Expect(h.Unmap(guest.ID(), 1)).To(Succeed())
			Expect(guest.Describe().MappedPageCount).To(Equal(0))
		})

		It("should reject a PPN outside the region", func() {
			_, err := h.Map(guest.ID(), 0, 4, vm.FlagPresent)
			Expect(err).To(HaveOccurred())
		})

		It("should reject a VPN outside the region", func() {
			_, err := h.Map(guest.ID(), 4, 0, vm.FlagPresent)
			Expect(err).To(HaveOccurred())
		})

		It("should reject mapping for a dead guest", func() {
			Expect(h.Free(guest.ID())).To(Succeed())

			_, err := h.Map(guest.ID(), 0, 0, vm.FlagPresent)
			Expect(err).To(MatchError(vm.ErrGuestNotFound))
		})
	})

	It("should invoke hooks on allocate, map, and free", func() {
		var positions []string
		h.AcceptHook(hookFunc(func(ctx vm.HookCtx) {
			positions = append(positions, ctx.Pos.Name)
		}))

		g, err := h.Allocate(1)
		Expect(err).ToNot(HaveOccurred())

		_, err = h.Map(g.ID(), 0, 0, vm.FlagPresent)
		Expect(err).ToNot(HaveOccurred())

		Expect(h.Free(g.ID())).To(Succeed())

		Expect(positions).To(Equal([]string{"Allocate", "Map", "Free"}))
	})
})

func overlaps(a, b *hypervisor.Guest) bool {
	aEnd := a.RegionStart() + a.RegionPageCount()
	bEnd := b.RegionStart() + b.RegionPageCount()

	return a.RegionStart() < bEnd && b.RegionStart() < aEnd
}

type hookFunc func(ctx vm.HookCtx)

func (f hookFunc) Func(ctx vm.HookCtx) { f(ctx) }
