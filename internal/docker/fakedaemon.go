package docker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FakeWorld is the container population a FakeDaemon serves, usually loaded
// from a YAML fixture.
type FakeWorld struct {
	Containers []FakeContainer `yaml:"containers"`
}

// FakeContainer is one container in a FakeWorld.
type FakeContainer struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Image   string            `yaml:"image"`
	State   string            `yaml:"state"`
	Profile string            `yaml:"profile"` // compose profile toggled by mock-docker
	Labels  map[string]string `yaml:"labels"`
	Ports   []FakePort        `yaml:"ports"`
	Stats   FakeStats         `yaml:"stats"`
}

// FakePort is a container port; Public 0 means unpublished.
type FakePort struct {
	Private uint16 `yaml:"private"`
	Public  uint16 `yaml:"public"`
}

// FakeStats are the raw counters returned by the stats endpoint.
type FakeStats struct {
	CPUTotal    uint64 `yaml:"cpuTotal"`
	PreCPUTotal uint64 `yaml:"preCpuTotal"`
	System      uint64 `yaml:"system"`
	PreSystem   uint64 `yaml:"preSystem"`
	OnlineCPUs  uint32 `yaml:"onlineCpus"`
	MemUsage    uint64 `yaml:"memUsage"`
	MemLimit    uint64 `yaml:"memLimit"`
}

// FakeExec is the scripted outcome of one exec.
type FakeExec struct {
	Output   string
	ExitCode int
	Hang     bool // keep the stream open until the client closes it
}

// ExecHandler scripts exec results. cmd and env are as sent by the client.
type ExecHandler func(containerID string, cmd, env []string) FakeExec

// ParseFakeWorld decodes a YAML world fixture.
func ParseFakeWorld(raw []byte) (*FakeWorld, error) {
	var w FakeWorld
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse fake world: %w", err)
	}
	for i := range w.Containers {
		c := &w.Containers[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("fake-%s", strings.Trim(c.Name, "/"))
		}
		if c.State == "" {
			c.State = "running"
		}
	}
	return &w, nil
}

// LoadFakeWorld reads a YAML world fixture from disk.
func LoadFakeWorld(path string) (*FakeWorld, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFakeWorld(raw)
}

// FakeDaemon is an HTTP server on a Unix socket that implements the subset
// of the Docker Engine API the runtime gateway uses. The real SDKClient
// connects to it exactly as it would to a real daemon.
type FakeDaemon struct {
	mu         sync.Mutex
	containers []*FakeContainer
	execs      map[string]*fakeExecRecord
	nextExec   int
	onExec     ExecHandler
	restarts   map[string][]int // container id → grace periods requested

	socketPath string
	tmpDir     string
	listener   net.Listener
	server     *http.Server

	eventsMu  sync.Mutex
	eventSubs map[int]chan eventMessage
	nextSubID int
}

type fakeExecRecord struct {
	containerID string
	cmd         []string
	env         []string
	exitCode    int
	running     bool
}

// eventMessage is a Docker-style event for JSON streaming.
type eventMessage struct {
	Status   string     `json:"status"`
	ID       string     `json:"id"`
	Type     string     `json:"Type"`
	Action   string     `json:"Action"`
	Actor    eventActor `json:"Actor"`
	Time     int64      `json:"time"`
	TimeNano int64      `json:"timeNano"`
}

type eventActor struct {
	ID         string            `json:"ID"`
	Attributes map[string]string `json:"Attributes"`
}

// StartFakeDaemon serves world on socketPath. An empty socketPath puts the
// socket in a fresh temp directory.
func StartFakeDaemon(world *FakeWorld, socketPath string) (*FakeDaemon, error) {
	fd := &FakeDaemon{
		execs:     make(map[string]*fakeExecRecord),
		restarts:  make(map[string][]int),
		eventSubs: make(map[int]chan eventMessage),
	}
	if world != nil {
		for _, c := range world.Containers {
			c := c
			fd.containers = append(fd.containers, &c)
		}
	}

	if socketPath == "" {
		tmpDir, err := os.MkdirTemp("", "jarvis-fake-docker-*")
		if err != nil {
			return nil, fmt.Errorf("create temp dir: %w", err)
		}
		fd.tmpDir = tmpDir
		socketPath = filepath.Join(tmpDir, "docker.sock")
	}
	fd.socketPath = socketPath

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		if fd.tmpDir != "" {
			os.RemoveAll(fd.tmpDir)
		}
		return nil, fmt.Errorf("listen unix: %w", err)
	}
	fd.listener = listener

	mux := http.NewServeMux()
	fd.registerRoutes(mux)
	fd.server = &http.Server{Handler: fd.stripVersionPrefix(mux)}

	go func() {
		if err := fd.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("fake daemon serve", "err", err)
		}
	}()

	return fd, nil
}

// Host returns the DOCKER_HOST value for this daemon.
func (fd *FakeDaemon) Host() string {
	return "unix://" + fd.socketPath
}

// SocketPath returns the Unix socket the daemon listens on.
func (fd *FakeDaemon) SocketPath() string {
	return fd.socketPath
}

// Close stops the server and removes the socket.
func (fd *FakeDaemon) Close() {
	fd.server.Close()
	fd.listener.Close()
	if fd.tmpDir != "" {
		os.RemoveAll(fd.tmpDir)
	} else {
		os.Remove(fd.socketPath)
	}
}

// SetExecHandler installs the script for subsequent execs.
func (fd *FakeDaemon) SetExecHandler(h ExecHandler) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.onExec = h
}

// SetState changes a container's state by id or name and emits the matching event.
func (fd *FakeDaemon) SetState(idOrName, state string) bool {
	fd.mu.Lock()
	c := fd.lookup(idOrName)
	if c == nil {
		fd.mu.Unlock()
		return false
	}
	c.State = state
	id, name := c.ID, c.Name
	fd.mu.Unlock()

	fd.publishEvent(actionForState(state), id, name)
	return true
}

// SetProfileState moves every container of a compose profile to state and
// returns the names that changed, sorted. One event is published per change.
func (fd *FakeDaemon) SetProfileState(profile, state string) []string {
	type changed struct{ id, name string }
	var touched []changed

	fd.mu.Lock()
	for _, c := range fd.containers {
		if c.Profile == profile && c.State != state {
			c.State = state
			touched = append(touched, changed{c.ID, c.Name})
		}
	}
	fd.mu.Unlock()

	sort.Slice(touched, func(i, j int) bool { return touched[i].name < touched[j].name })
	names := make([]string, 0, len(touched))
	for _, c := range touched {
		fd.publishEvent(actionForState(state), c.id, c.name)
		names = append(names, c.name)
	}
	return names
}

// Restarts returns the grace periods passed to each restart of a container.
func (fd *FakeDaemon) Restarts(id string) []int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]int(nil), fd.restarts[id]...)
}

func actionForState(state string) string {
	switch state {
	case "running":
		return "start"
	case "paused":
		return "pause"
	default:
		return "die"
	}
}

// lookup must be called with fd.mu held.
func (fd *FakeDaemon) lookup(idOrName string) *FakeContainer {
	idOrName = strings.TrimPrefix(idOrName, "/")
	for _, c := range fd.containers {
		if c.ID == idOrName || c.Name == idOrName {
			return c
		}
	}
	return nil
}

// stripVersionPrefix returns middleware that strips /v{version}/ prefix from requests.
// Docker SDK sends requests like /v1.47/containers/json.
func (fd *FakeDaemon) stripVersionPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) > 2 && path[0] == '/' && path[1] == 'v' {
			if idx := strings.IndexByte(path[2:], '/'); idx >= 0 {
				r.URL.Path = path[2+idx:]
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (fd *FakeDaemon) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("HEAD /_ping", fd.handlePing)
	mux.HandleFunc("GET /_ping", fd.handlePing)

	mux.HandleFunc("GET /containers/json", fd.handleContainerList)
	mux.HandleFunc("GET /containers/{id}/json", fd.handleContainerInspect)
	mux.HandleFunc("GET /containers/{id}/stats", fd.handleContainerStats)
	mux.HandleFunc("POST /containers/{id}/restart", fd.handleContainerRestart)
	mux.HandleFunc("POST /containers/{id}/exec", fd.handleExecCreate)

	mux.HandleFunc("POST /exec/{id}/start", fd.handleExecStart)
	mux.HandleFunc("GET /exec/{id}/json", fd.handleExecInspect)

	mux.HandleFunc("GET /events", fd.handleEvents)

	// Used by mock-docker to reflect compose up/stop
	mux.HandleFunc("POST /_mock/state/{profile}", fd.handleMockProfileState)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter, what, id string) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"message": fmt.Sprintf("No such %s: %s", what, id),
	})
}

// --- Ping ---

func (fd *FakeDaemon) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Api-Version", "1.47")
	w.Header().Set("Docker-Experimental", "false")
	w.Header().Set("Ostype", "linux")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// --- Containers ---

type portJSON struct {
	IP          string `json:"IP,omitempty"`
	PrivatePort uint16 `json:"PrivatePort"`
	PublicPort  uint16 `json:"PublicPort,omitempty"`
	Type        string `json:"Type"`
}

// containerJSON matches the Docker SDK container.Summary fields read by SDKClient.
type containerJSON struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Image   string            `json:"Image"`
	Created int64             `json:"Created"`
	State   string            `json:"State"`
	Status  string            `json:"Status"`
	Labels  map[string]string `json:"Labels"`
	Ports   []portJSON        `json:"Ports"`
}

var fakeCreated = time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)

func statusString(state string) string {
	switch state {
	case "running":
		return "Up 2 hours"
	case "paused":
		return "Up 2 hours (Paused)"
	case "created":
		return "Created"
	default:
		return "Exited (0) 5 minutes ago"
	}
}

func (fd *FakeDaemon) handleContainerList(w http.ResponseWriter, r *http.Request) {
	allParam := r.URL.Query().Get("all")
	all := allParam == "1" || allParam == "true"

	fd.mu.Lock()
	out := make([]containerJSON, 0, len(fd.containers))
	for _, c := range fd.containers {
		if !all && c.State != "running" {
			continue
		}
		ports := make([]portJSON, 0, len(c.Ports))
		for _, p := range c.Ports {
			pj := portJSON{PrivatePort: p.Private, PublicPort: p.Public, Type: "tcp"}
			if p.Public != 0 {
				pj.IP = "0.0.0.0"
			}
			ports = append(ports, pj)
		}
		out = append(out, containerJSON{
			ID:      c.ID,
			Names:   []string{"/" + c.Name},
			Image:   c.Image,
			Created: fakeCreated.Unix(),
			State:   c.State,
			Status:  statusString(c.State),
			Labels:  c.Labels,
			Ports:   ports,
		})
	}
	fd.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

type portBindingJSON struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

type containerInspectJSON struct {
	ID              string                     `json:"Id"`
	Created         string                     `json:"Created"`
	Name            string                     `json:"Name"`
	State           containerStateJSON         `json:"State"`
	Image           string                     `json:"Image"`
	Config          containerConfigJSON        `json:"Config"`
	NetworkSettings inspectNetworkSettingsJSON `json:"NetworkSettings"`
}

type containerStateJSON struct {
	Status  string `json:"Status"`
	Running bool   `json:"Running"`
	Paused  bool   `json:"Paused"`
	Pid     int    `json:"Pid"`
}

type containerConfigJSON struct {
	Hostname string            `json:"Hostname"`
	Image    string            `json:"Image"`
	Labels   map[string]string `json:"Labels"`
}

type inspectNetworkSettingsJSON struct {
	Ports map[string][]portBindingJSON `json:"Ports"`
}

func (fd *FakeDaemon) handleContainerInspect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	fd.mu.Lock()
	c := fd.lookup(id)
	if c == nil {
		fd.mu.Unlock()
		writeNotFound(w, "container", id)
		return
	}

	ports := make(map[string][]portBindingJSON, len(c.Ports))
	for _, p := range c.Ports {
		key := strconv.Itoa(int(p.Private)) + "/tcp"
		if p.Public == 0 {
			ports[key] = nil
			continue
		}
		ports[key] = []portBindingJSON{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(int(p.Public))}}
	}

	pid := 0
	if c.State == "running" || c.State == "paused" {
		pid = 12345
	}
	resp := containerInspectJSON{
		ID:      c.ID,
		Created: fakeCreated.Format(time.RFC3339Nano),
		Name:    "/" + c.Name,
		State: containerStateJSON{
			Status:  c.State,
			Running: c.State == "running" || c.State == "paused",
			Paused:  c.State == "paused",
			Pid:     pid,
		},
		Image: "sha256:" + c.ID,
		Config: containerConfigJSON{
			Hostname: c.Name,
			Image:    c.Image,
			Labels:   c.Labels,
		},
		NetworkSettings: inspectNetworkSettingsJSON{Ports: ports},
	}
	fd.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// --- Stats ---

// statsJSON matches the Docker SDK container.StatsResponse fields used by ComputeSnapshot.
type statsJSON struct {
	Read        string       `json:"read"`
	PreRead     string       `json:"preread"`
	CPUStats    cpuStatsJSON `json:"cpu_stats"`
	PreCPUStats cpuStatsJSON `json:"precpu_stats"`
	MemoryStats memStatsJSON `json:"memory_stats"`
}

type cpuStatsJSON struct {
	CPUUsage    cpuUsageJSON `json:"cpu_usage"`
	SystemUsage uint64       `json:"system_cpu_usage"`
	OnlineCPUs  uint32       `json:"online_cpus"`
}

type cpuUsageJSON struct {
	TotalUsage uint64 `json:"total_usage"`
}

type memStatsJSON struct {
	Usage uint64 `json:"usage"`
	Limit uint64 `json:"limit"`
}

func (fd *FakeDaemon) handleContainerStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	fd.mu.Lock()
	c := fd.lookup(id)
	if c == nil {
		fd.mu.Unlock()
		writeNotFound(w, "container", id)
		return
	}
	s := c.Stats
	fd.mu.Unlock()

	now := time.Now()
	writeJSON(w, http.StatusOK, statsJSON{
		Read:    now.Format(time.RFC3339Nano),
		PreRead: now.Add(-time.Second).Format(time.RFC3339Nano),
		CPUStats: cpuStatsJSON{
			CPUUsage:    cpuUsageJSON{TotalUsage: s.CPUTotal},
			SystemUsage: s.System,
			OnlineCPUs:  s.OnlineCPUs,
		},
		PreCPUStats: cpuStatsJSON{
			CPUUsage:    cpuUsageJSON{TotalUsage: s.PreCPUTotal},
			SystemUsage: s.PreSystem,
			OnlineCPUs:  s.OnlineCPUs,
		},
		MemoryStats: memStatsJSON{Usage: s.MemUsage, Limit: s.MemLimit},
	})
}

// --- Restart ---

func (fd *FakeDaemon) handleContainerRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	grace, _ := strconv.Atoi(r.URL.Query().Get("t"))

	fd.mu.Lock()
	c := fd.lookup(id)
	if c == nil {
		fd.mu.Unlock()
		writeNotFound(w, "container", id)
		return
	}
	c.State = "running"
	fd.restarts[c.ID] = append(fd.restarts[c.ID], grace)
	cid, name := c.ID, c.Name
	fd.mu.Unlock()

	fd.publishEvent("stop", cid, name)
	fd.publishEvent("start", cid, name)
	w.WriteHeader(http.StatusNoContent)
}

// --- Exec ---

func (fd *FakeDaemon) handleExecCreate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Cmd []string `json:"Cmd"`
		Env []string `json:"Env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	c := fd.lookup(id)
	if c == nil {
		writeNotFound(w, "container", id)
		return
	}
	if c.State != "running" {
		writeJSON(w, http.StatusConflict, map[string]string{
			"message": fmt.Sprintf("container %s is not running", c.ID),
		})
		return
	}

	fd.nextExec++
	execID := fmt.Sprintf("exec-%d", fd.nextExec)
	fd.execs[execID] = &fakeExecRecord{containerID: c.ID, cmd: body.Cmd, env: body.Env}
	writeJSON(w, http.StatusCreated, map[string]string{"Id": execID})
}

// handleExecStart upgrades the connection the way dockerd does and writes
// the scripted output as stdcopy frames.
func (fd *FakeDaemon) handleExecStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	fd.mu.Lock()
	rec, ok := fd.execs[id]
	handler := fd.onExec
	if ok {
		rec.running = true
	}
	fd.mu.Unlock()
	if !ok {
		writeNotFound(w, "exec instance", id)
		return
	}

	result := FakeExec{Output: strings.Join(rec.cmd, " ") + "\n"}
	if handler != nil {
		result = handler(rec.containerID, rec.cmd, rec.env)
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	buf.WriteString("HTTP/1.1 101 UPGRADED\r\n" +
		"Content-Type: application/vnd.docker.multiplexed-stream\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: tcp\r\n\r\n")
	if result.Output != "" {
		writeStdcopyFrame(buf, 1, result.Output)
	}
	buf.Flush()

	if result.Hang {
		// Block until the client tears the connection down.
		io.Copy(io.Discard, bufio.NewReader(conn))
	}

	fd.mu.Lock()
	rec.running = false
	rec.exitCode = result.ExitCode
	fd.mu.Unlock()
}

func (fd *FakeDaemon) handleExecInspect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	fd.mu.Lock()
	rec, ok := fd.execs[id]
	var resp map[string]any
	if ok {
		resp = map[string]any{
			"ID":          id,
			"ContainerID": rec.containerID,
			"Running":     rec.running,
			"ExitCode":    rec.exitCode,
		}
	}
	fd.mu.Unlock()

	if !ok {
		writeNotFound(w, "exec instance", id)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeStdcopyFrame writes a payload with the Docker stdcopy multiplexing header.
// Format: [stream_type(1 byte)][0 0 0][size(4 bytes big-endian)][payload]
func writeStdcopyFrame(w io.Writer, stream byte, payload string) error {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write([]byte(payload))
	return err
}

// --- Events ---

func (fd *FakeDaemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	subID, ch := fd.subscribeEvents()
	defer fd.unsubscribeEvents(subID)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if err := enc.Encode(evt); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

func (fd *FakeDaemon) subscribeEvents() (int, chan eventMessage) {
	fd.eventsMu.Lock()
	defer fd.eventsMu.Unlock()
	id := fd.nextSubID
	fd.nextSubID++
	ch := make(chan eventMessage, 64)
	fd.eventSubs[id] = ch
	return id, ch
}

func (fd *FakeDaemon) unsubscribeEvents(id int) {
	fd.eventsMu.Lock()
	defer fd.eventsMu.Unlock()
	if ch, ok := fd.eventSubs[id]; ok {
		close(ch)
		delete(fd.eventSubs, id)
	}
}

// publishEvent sends an event to all subscribers (non-blocking).
func (fd *FakeDaemon) publishEvent(action, containerID, name string) {
	fd.eventsMu.Lock()
	defer fd.eventsMu.Unlock()

	now := time.Now()
	evt := eventMessage{
		Status: action,
		ID:     containerID,
		Type:   "container",
		Action: action,
		Actor: eventActor{
			ID:         containerID,
			Attributes: map[string]string{"name": name},
		},
		Time:     now.Unix(),
		TimeNano: now.UnixNano(),
	}

	for _, ch := range fd.eventSubs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
}

// --- Mock state ---

func (fd *FakeDaemon) handleMockProfileState(w http.ResponseWriter, r *http.Request) {
	profile := r.PathValue("profile")

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	names := fd.SetProfileState(profile, body.Status)
	writeJSON(w, http.StatusOK, map[string][]string{"containers": names})
}
