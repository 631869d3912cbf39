package snapshot_test

import (
	"errors"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/geometryos/atlasvm/atlas"
	"github.com/geometryos/atlasvm/hypervisor"
	"github.com/geometryos/atlasvm/snapshot"
	"github.com/geometryos/atlasvm/translator"
	"github.com/geometryos/atlasvm/vm"
)

// The host translator walks the live page tables; the kernel walks the
// encoded snapshot. The two must agree on every address, which is the
// central contract of the whole subsystem.
var _ = Describe("Host/kernel equivalence", func() {
	var (
		h  *hypervisor.Comp
		t  *translator.Comp
		r  *rand.Rand
		ids []vm.GuestID
	)

	BeforeEach(func() {
		a := atlas.New(4096, 4096)
		h = hypervisor.MakeBuilder().
			WithAtlas(a).
			WithMaxGuests(8).
			Build("HV")
		t = translator.MakeBuilder().
			WithGuestSource(h).
			WithAtlas(a).
			Build("Translator")

		r = rand.New(rand.NewSource(7))
		ids = nil

		for i := 0; i < 6; i++ {
			guest, err := h.Allocate(uint64(1 + r.Intn(600)))
			Expect(err).ToNot(HaveOccurred())
			ids = append(ids, guest.ID())

			// Map about half of the region with random flags.
			count := guest.RegionPageCount()
			for vpn := uint64(0); vpn < count; vpn++ {
				if r.Intn(2) == 0 {
					continue
				}

				flags := vm.FlagPresent
				if r.Intn(2) == 0 {
					flags |= vm.FlagWritable
				}
				if r.Intn(4) == 0 {
					flags |= vm.FlagExecutable
				}

				_, err := h.Map(guest.ID(), vpn,
					uint64(r.Int63n(int64(count))), flags)
				Expect(err).ToNot(HaveOccurred())
			}
		}
	})

	It("should produce identical results for 10000 random translations",
		func() {
			s := h.EncodeSnapshot()
			pageSize := s.Layout().PageSize

			reqs := make([]snapshot.Request, 10000)
			for i := range reqs {
				guest, _ := h.Guest(ids[r.Intn(len(ids))])
				extent := guest.RegionPageCount() * pageSize

				reqs[i] = snapshot.Request{
					GuestID: guest.ID(),
					VAddr:   uint64(r.Int63n(int64(extent))),
					Write:   r.Intn(2) == 0,
					Execute: r.Intn(4) == 0,
				}
			}

			results := snapshot.NewKernel(0).Submit(s, reqs).Wait()

			for i, req := range reqs {
				loc, err := t.TranslateAccess(
					req.GuestID, req.VAddr, req.Write, req.Execute)

				res := results[i]

				if err == nil {
					Expect(res.Status).To(Equal(snapshot.StatusOK))
					Expect(res.Location).To(Equal(loc))
					continue
				}

				var pageFault vm.PageFaultError
				var permission vm.PermissionError

				switch {
				case errors.As(err, &pageFault):
					Expect(res.Status).
						To(Equal(snapshot.StatusPageFault))
					Expect(res.VPN).To(Equal(pageFault.VPN))
				case errors.As(err, &permission):
					Expect(res.Status).
						To(Equal(snapshot.StatusPermissionDenied))
					Expect(res.VPN).To(Equal(permission.VPN))
				default:
					Fail("unexpected host error: " + err.Error())
				}
			}
		})

	It("should agree that a freed guest is gone after re-encode", func() {
		Expect(h.Free(ids[0])).To(Succeed())

		s := h.EncodeSnapshot()
		res := snapshot.Translate(s, snapshot.Request{GuestID: ids[0]})

		Expect(res.Status).To(Equal(snapshot.StatusGuestNotFound))

		_, err := t.Translate(ids[0], 0)
		Expect(err).To(MatchError(vm.ErrGuestNotFound))
	})
})
