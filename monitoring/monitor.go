// Package monitoring turns a running hypervisor into a small web server
// so that guest state and translations can be inspected from outside the
// process.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/geometryos/atlasvm/hypervisor"
	"github.com/geometryos/atlasvm/translator"
	"github.com/geometryos/atlasvm/vm"
)

// Named is anything that carries a name the monitor can look up.
type Named interface {
	Name() string
}

// Monitor exposes the state of a hypervisor session over HTTP. Only read
// access is offered: all mutation stays with the host-side callers.
type Monitor struct {
	portNumber int

	hypervisor *hypervisor.Comp
	translator *translator.Comp
	components []Named
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterHypervisor registers the hypervisor whose guests are served.
func (m *Monitor) RegisterHypervisor(h *hypervisor.Comp) {
	m.hypervisor = h
	m.components = append(m.components, h)
}

// RegisterTranslator registers the translator used by the probe endpoint.
func (m *Monitor) RegisterTranslator(t *translator.Comp) {
	m.translator = t
	m.components = append(m.components, t)
}

// StartServer starts the monitor as a web server. It returns the address
// the server listens on.
func (m *Monitor) StartServer() string {
	r := m.router()

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring hypervisor with %s\n", addr)

	go func() {
		dieOnErr(http.Serve(listener, r))
	}()

	return addr
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/guests", m.listGuests)
	r.HandleFunc("/api/guest/{id}", m.describeGuest)
	r.HandleFunc("/api/translate", m.probeTranslation)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

func (m *Monitor) listGuests(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.hypervisor.Guests())
}

func (m *Monitor) describeGuest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	guest, found := m.hypervisor.Guest(vm.GuestID(id))
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, guest.Describe())
}

type translationRsp struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	PageX  uint32 `json:"page_x"`
	PageY  uint32 `json:"page_y"`
	PixelX uint32 `json:"pixel_x"`
	PixelY uint32 `json:"pixel_y"`
}

func (m *Monitor) probeTranslation(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	id, err1 := strconv.ParseUint(query.Get("guest"), 10, 32)
	addr, err2 := strconv.ParseUint(query.Get("addr"), 0, 64)
	if err1 != nil || err2 != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	wantWrite := query.Get("write") == "1"
	wantExec := query.Get("exec") == "1"

	loc, err := m.translator.TranslateAccess(
		vm.GuestID(id), addr, wantWrite, wantExec)
	if err != nil {
		writeJSON(w, translationRsp{OK: false, Error: err.Error()})
		return
	}

	writeJSON(w, translationRsp{
		OK:     true,
		PageX:  loc.PageX,
		PageY:  loc.PageY,
		PixelX: loc.PixelX(),
		PixelY: loc.PixelY(),
	})
}

func (m *Monitor) listComponentDetails(
	w http.ResponseWriter,
	r *http.Request,
) {
	name := mux.Vars(r)["name"]

	var component Named
	for _, c := range m.components {
		if c.Name() == name {
			component = c
		}
	}

	if component == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Component not found"))
		dieOnErr(err)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	dieOnErr(serializer.Serialize(w))
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
