package snapshot

import (
	"runtime"
	"sync"

	"github.com/geometryos/atlasvm/hilbert"
	"github.com/geometryos/atlasvm/vm"
)

// Status reports the outcome of one kernel translation. A fault is an
// explicit status, never an in-band coordinate value, so no legitimate
// atlas location can alias "unmapped".
type Status int

// The possible translation outcomes.
const (
	StatusOK Status = iota
	StatusGuestNotFound
	StatusPageFault
	StatusPermissionDenied
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusGuestNotFound:
		return "guest not found"
	case StatusPageFault:
		return "page fault"
	case StatusPermissionDenied:
		return "permission denied"
	default:
		return "unknown"
	}
}

// A Request is one address to translate, together with the access intent
// that the permission bits are checked against.
type Request struct {
	GuestID vm.GuestID
	VAddr   uint64
	Write   bool
	Execute bool
}

// A Result is the outcome of one Request. Location is meaningful only
// when Status is StatusOK. VPN is filled on faults so that the consumer
// can report or service them.
type Result struct {
	Status   Status
	Location vm.PhysicalLocation
	VPN      uint64
}

// A Kernel translates batches of addresses against a snapshot, one
// logical invocation per address. Invocations are pure functions of the
// request and the snapshot bytes, so they run with no cross-invocation
// synchronization.
type Kernel struct {
	workers int
}

// NewKernel creates a kernel that fans each batch out over the given
// number of workers. Zero or negative means one worker per CPU.
func NewKernel(workers int) *Kernel {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	return &Kernel{workers: workers}
}

// A Future is the pending result of one submitted batch. Each batch is a
// single round trip: results come back together, not per address.
type Future struct {
	results []Result
	done    chan struct{}
}

// Wait blocks until the batch completes and returns its results, ordered
// as the requests were.
func (f *Future) Wait() []Result {
	<-f.done
	return f.results
}

// Submit launches the translation of a batch against the snapshot and
// returns immediately. The snapshot is only read.
func (k *Kernel) Submit(s *Snapshot, reqs []Request) *Future {
	f := &Future{
		results: make([]Result, len(reqs)),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(f.done)

		var wg sync.WaitGroup

		stride := (len(reqs) + k.workers - 1) / k.workers
		if stride == 0 {
			stride = 1
		}

		for lo := 0; lo < len(reqs); lo += stride {
			hi := lo + stride
			if hi > len(reqs) {
				hi = len(reqs)
			}

			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()

				for i := lo; i < hi; i++ {
					f.results[i] = Translate(s, reqs[i])
				}
			}(lo, hi)
		}

		wg.Wait()
	}()

	return f
}

// Translate is the kernel body: one invocation for one address. The two
// translators are required to agree on every address, so any change here
// must keep the arithmetic and the curve transform bit-for-bit identical
// to the host-side translator.
func Translate(s *Snapshot, req Request) Result {
	region, found := s.regions[req.GuestID]
	if !found {
		return Result{Status: StatusGuestNotFound}
	}

	vpn := req.VAddr / s.layout.PageSize
	offset := req.VAddr % s.layout.PageSize

	if vpn >= region.PageCount {
		return Result{Status: StatusPageFault, VPN: vpn}
	}

	sx, sy := hilbert.IndexToCoord(region.Start+vpn, s.layout.TableOrder)
	rec := s.record(sx, sy)

	flags := vm.PageFlags(rec[3])
	if !flags.Present() {
		return Result{Status: StatusPageFault, VPN: vpn}
	}

	if req.Write && !flags.Writable() {
		return Result{Status: StatusPermissionDenied, VPN: vpn}
	}

	if req.Execute && !flags.Executable() {
		return Result{Status: StatusPermissionDenied, VPN: vpn}
	}

	px := uint32(rec[0]) | uint32(rec[2]&0xF)<<8
	py := uint32(rec[1]) | uint32(rec[2]>>4)<<8

	extent := s.layout.PageExtent

	return Result{
		Status: StatusOK,
		VPN:    vpn,
		Location: vm.PhysicalLocation{
			PageX:      px,
			PageY:      py,
			OffsetX:    uint32(offset) % extent,
			OffsetY:    uint32(offset) / extent,
			PageExtent: extent,
		},
	}
}
