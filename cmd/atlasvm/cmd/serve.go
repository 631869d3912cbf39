package cmd

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/geometryos/atlasvm/atlas"
	"github.com/geometryos/atlasvm/datarecording"
	"github.com/geometryos/atlasvm/hypervisor"
	"github.com/geometryos/atlasvm/monitoring"
	"github.com/geometryos/atlasvm/tracing"
	"github.com/geometryos/atlasvm/translator"
	"github.com/geometryos/atlasvm/vm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a demo hypervisor session with the monitoring API.",
	Long: `serve creates an atlas, boots a few demo guests with random ` +
		`mappings, and exposes them through the monitoring HTTP API. ` +
		`Configuration is read from the environment (optionally a .env ` +
		`file): ATLASVM_PORT, ATLASVM_ATLAS_SIDE, ATLASVM_PAGE_SIZE, ` +
		`ATLASVM_RECORDING.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("open", false,
		"open the monitoring API in a browser")
	rootCmd.AddCommand(serveCmd)
}

func envUint(name string, fallback uint64) uint64 {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}

	n, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		log.Fatalf("invalid %s: %v", name, err)
	}

	return n
}

func runServe(cmd *cobra.Command, _ []string) error {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()

	side := uint32(envUint("ATLASVM_ATLAS_SIDE", 8192))
	pageSize := envUint("ATLASVM_PAGE_SIZE", 4096)
	port := int(envUint("ATLASVM_PORT", 0))

	a := atlas.New(side, pageSize)
	h := hypervisor.MakeBuilder().
		WithAtlas(a).
		WithMaxGuests(16).
		Build("HV")
	t := translator.MakeBuilder().
		WithGuestSource(h).
		WithAtlas(a).
		Build("Translator")

	logTracer := tracing.NewLogTracer(log.New(os.Stderr, "atlasvm ", 0))
	h.AcceptHook(logTracer)
	t.AcceptHook(logTracer)

	if path := os.Getenv("ATLASVM_RECORDING"); path != "" {
		dbTracer := tracing.NewDBTracer(datarecording.New(path))
		h.AcceptHook(dbTracer)
		t.AcceptHook(dbTracer)
	}

	if err := bootDemoGuests(h); err != nil {
		return err
	}

	monitor := monitoring.NewMonitor().WithPortNumber(port)
	monitor.RegisterHypervisor(h)
	monitor.RegisterTranslator(t)
	addr := monitor.StartServer()

	if open, _ := cmd.Flags().GetBool("open"); open {
		if err := browser.OpenURL(addr + "/api/guests"); err != nil {
			fmt.Fprintf(os.Stderr, "cannot open browser: %v\n", err)
		}
	}

	select {}
}

func bootDemoGuests(h *hypervisor.Comp) error {
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 4; i++ {
		guest, err := h.Allocate(uint64(16 << (2 * i)))
		if err != nil {
			return err
		}

		count := guest.RegionPageCount()
		for vpn := uint64(0); vpn < count; vpn += uint64(1 + r.Intn(4)) {
			flags := vm.FlagPresent
			if r.Intn(2) == 0 {
				flags |= vm.FlagWritable
			}

			_, err := h.Map(guest.ID(), vpn,
				uint64(r.Int63n(int64(count))), flags)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
