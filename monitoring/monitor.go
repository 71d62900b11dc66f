// Package monitoring serves a small HTTP API over a running storage stack:
// the registered transport servers, the packets in flight through them, the
// run queue and the process resources.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/strata/idgen"
	"github.com/sarchlab/strata/runqueue"
	"github.com/sarchlab/strata/tracing"
	"github.com/sarchlab/strata/transport"
)

// Monitor turns a storage stack into an HTTP server that can be inspected
// and paused from outside.
type Monitor struct {
	lock       sync.Mutex
	servers    []*transport.Server
	queue      runqueue.Queue
	inflight   *tracing.BackTraceTracer
	portNumber int
	logger     zerolog.Logger

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	httpServer *http.Server
	addr       string
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		inflight: tracing.NewBackTraceTracer(nil, nil),
		logger:   zerolog.Nop(),
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// refused and a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.logger.Warn().
			Int("port", portNumber).
			Msg("monitor port not allowed, using a random port")

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(logger zerolog.Logger) *Monitor {
	m.logger = logger
	return m
}

// RegisterServer registers a transport server to be monitored. The packets it
// serves are traced so that stalls can be reported.
func (m *Monitor) RegisterServer(s *transport.Server) {
	m.lock.Lock()
	m.servers = append(m.servers, s)
	m.lock.Unlock()

	tracing.CollectTrace(s, m.inflight)
}

// RegisterQueue registers the run queue that pause and continue act on.
func (m *Monitor) RegisterQueue(q runqueue.Queue) {
	m.lock.Lock()
	m.queue = q
	m.lock.Unlock()
}

// Inflight returns the tracer that keeps the packets being served.
func (m *Monitor) Inflight() *tracing.BackTraceTracer {
	return m.inflight
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        idgen.Default().Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the monitor.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the HTTP routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pauseQueue)
	r.HandleFunc("/api/continue", m.continueQueue)
	r.HandleFunc("/api/queue", m.queueStatus)
	r.HandleFunc("/api/list_servers", m.listServers)
	r.HandleFunc("/api/server/{name}", m.serverDetails)
	r.HandleFunc("/api/field/{json}", m.fieldValue)
	r.HandleFunc("/api/inflight", m.listInflight)
	r.HandleFunc("/api/backtrace/{id}", m.backTrace)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts serving the monitor and returns the address it listens
// on.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", fmt.Errorf("monitor listen: %w", err)
	}

	m.addr = fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.httpServer = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	m.logger.Info().Str("addr", m.addr).Msg("monitoring")

	go func() {
		err := m.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("monitor stopped")
		}
	}()

	return m.addr, nil
}

// Shutdown stops the HTTP server.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.httpServer == nil {
		return nil
	}

	return m.httpServer.Shutdown(ctx)
}

// OpenBrowser opens the monitor in the default browser.
func (m *Monitor) OpenBrowser() error {
	if m.addr == "" {
		return errors.New("monitor not started")
	}

	return browser.OpenURL(m.addr + "/api/list_servers")
}

func (m *Monitor) registeredQueue() runqueue.Queue {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.queue
}

func (m *Monitor) pauseQueue(w http.ResponseWriter, _ *http.Request) {
	q := m.registeredQueue()
	if q == nil {
		http.Error(w, "no run queue registered", http.StatusNotFound)
		return
	}

	q.Pause()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) continueQueue(w http.ResponseWriter, _ *http.Request) {
	q := m.registeredQueue()
	if q == nil {
		http.Error(w, "no run queue registered", http.StatusNotFound)
		return
	}

	q.Continue()
	w.WriteHeader(http.StatusOK)
}

type queueRsp struct {
	Len int `json:"len"`
}

func (m *Monitor) queueStatus(w http.ResponseWriter, _ *http.Request) {
	q := m.registeredQueue()
	if q == nil {
		http.Error(w, "no run queue registered", http.StatusNotFound)
		return
	}

	writeJSON(w, queueRsp{Len: q.Len()})
}

type edgeDetail struct {
	ClientID    uint32 `json:"client_id"`
	ClientIndex int    `json:"client_index"`
	ServerIndex int    `json:"server_index"`
	Transport   string `json:"transport"`
	PathState   string `json:"path_state"`
	PathAttr    uint32 `json:"path_attr"`
}

type serverDetail struct {
	Name        string       `json:"name"`
	ID          uint32       `json:"id"`
	Clients     int          `json:"clients"`
	Outstanding int          `json:"outstanding"`
	Edges       []edgeDetail `json:"edges"`
}

func describeServer(s *transport.Server) serverDetail {
	d := serverDetail{
		Name:        s.Name(),
		ID:          uint32(s.ID()),
		Outstanding: s.Outstanding(),
	}

	for _, e := range s.Edges() {
		d.Edges = append(d.Edges, edgeDetail{
			ClientID:    uint32(e.ClientID()),
			ClientIndex: e.ClientIndex(),
			ServerIndex: e.ServerIndex(),
			Transport:   e.TransportID().String(),
			PathState:   e.PathState().String(),
			PathAttr:    uint32(e.PathAttr()),
		})
	}

	d.Clients = len(d.Edges)

	return d
}

func (m *Monitor) listServers(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	servers := make([]serverDetail, 0, len(m.servers))
	for _, s := range m.servers {
		d := describeServer(s)
		d.Edges = nil
		servers = append(servers, d)
	}
	m.lock.Unlock()

	writeJSON(w, servers)
}

func (m *Monitor) serverDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s := m.findServerOr404(w, name)
	if s == nil {
		return
	}

	detail := describeServer(s)

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&detail)
	serializer.SetMaxDepth(2)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	ServerName string `json:"server_name,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
}

func (m *Monitor) fieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s := m.findServerOr404(w, req.ServerName)
	if s == nil {
		return
	}

	detail := describeServer(s)

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&detail)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) findServerOr404(
	w http.ResponseWriter,
	name string,
) *transport.Server {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, s := range m.servers {
		if s.Name() == name {
			return s
		}
	}

	http.Error(w, "server not found", http.StatusNotFound)

	return nil
}

type taskRsp struct {
	ID       string        `json:"id"`
	ParentID string        `json:"parent_id"`
	What     string        `json:"what"`
	Where    string        `json:"where"`
	Age      time.Duration `json:"age_ns"`
}

func toTaskRsp(tasks []tracing.Task, now time.Time) []taskRsp {
	rsp := make([]taskRsp, 0, len(tasks))
	for _, t := range tasks {
		rsp = append(rsp, taskRsp{
			ID:       t.ID,
			ParentID: t.ParentID,
			What:     t.What,
			Where:    t.Where,
			Age:      now.Sub(t.StartTime),
		})
	}

	return rsp
}

// listInflight reports the packets being served. With ?stalled=<duration>
// only those older than the duration are reported.
func (m *Monitor) listInflight(w http.ResponseWriter, r *http.Request) {
	tasks := m.inflight.InflightTasks()

	if s := r.URL.Query().Get("stalled"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tasks = m.inflight.StalledTasks(d)
	}

	writeJSON(w, toTaskRsp(tasks, time.Now()))
}

func (m *Monitor) backTrace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	for _, t := range m.inflight.InflightTasks() {
		if t.ID == id {
			writeJSON(w, toTaskRsp(m.inflight.BackTrace(t), time.Now()))
			return
		}
	}

	http.Error(w, "task not in flight", http.StatusNotFound)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressSnapshot, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second
	if s := r.URL.Query().Get("duration"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		duration = d
	}

	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(duration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
