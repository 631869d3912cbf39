package cmd

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/geometryos/atlasvm/atlas"
	"github.com/geometryos/atlasvm/hypervisor"
	"github.com/geometryos/atlasvm/snapshot"
	"github.com/geometryos/atlasvm/translator"
	"github.com/geometryos/atlasvm/vm"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the host translator and the snapshot kernel agree.",
	Long: `verify boots a randomized hypervisor session, encodes a ` +
		`snapshot, and translates random addresses through both the ` +
		`host translator and the data-parallel kernel. Any divergence ` +
		`between the two is reported and fails the command.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().Int("translations", 100000,
		"number of random translations to compare")
	verifyCmd.Flags().Int64("seed", 42, "random seed for the workload")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, _ []string) error {
	translations, _ := cmd.Flags().GetInt("translations")
	seed, _ := cmd.Flags().GetInt64("seed")

	r := rand.New(rand.NewSource(seed))

	a := atlas.New(4096, 4096)
	h := hypervisor.MakeBuilder().
		WithAtlas(a).
		WithMaxGuests(8).
		Build("HV")
	t := translator.MakeBuilder().
		WithGuestSource(h).
		WithAtlas(a).
		Build("Translator")

	ids := bootRandomGuests(h, r)

	s := h.EncodeSnapshot()

	reqs := make([]snapshot.Request, translations)
	for i := range reqs {
		guest, _ := h.Guest(ids[r.Intn(len(ids))])
		span := guest.RegionPageCount() * a.PageSize()

		reqs[i] = snapshot.Request{
			GuestID: guest.ID(),
			VAddr:   uint64(r.Int63n(int64(span))),
			Write:   r.Intn(2) == 0,
			Execute: r.Intn(4) == 0,
		}
	}

	results := snapshot.NewKernel(0).Submit(s, reqs).Wait()

	mismatches := 0
	for i, req := range reqs {
		if !agree(t, req, results[i]) {
			mismatches++
		}
	}

	if mismatches > 0 {
		return fmt.Errorf("%d of %d translations diverged",
			mismatches, translations)
	}

	fmt.Printf("host and kernel agree on all %d translations\n",
		translations)

	return nil
}

func bootRandomGuests(h *hypervisor.Comp, r *rand.Rand) []vm.GuestID {
	var ids []vm.GuestID

	for i := 0; i < 6; i++ {
		guest, err := h.Allocate(uint64(1 + r.Intn(600)))
		if err != nil {
			continue
		}
		ids = append(ids, guest.ID())

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
			if err != nil {
				panic(err)
			}
		}
	}

	return ids
}

func agree(
	t *translator.Comp,
	req snapshot.Request,
	res snapshot.Result,
) bool {
	loc, err := t.TranslateAccess(req.GuestID, req.VAddr,
		req.Write, req.Execute)

	if err == nil {
		return res.Status == snapshot.StatusOK && res.Location == loc
	}

	var pageFault vm.PageFaultError
	var permission vm.PermissionError

	switch {
	case errors.As(err, &pageFault):
		return res.Status == snapshot.StatusPageFault &&
			res.VPN == pageFault.VPN
	case errors.As(err, &permission):
		return res.Status == snapshot.StatusPermissionDenied &&
			res.VPN == permission.VPN
	case errors.Is(err, vm.ErrGuestNotFound):
		return res.Status == snapshot.StatusGuestNotFound
	default:
		return false
	}
}
