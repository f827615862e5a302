// Package testutil wires a complete App against fakes: a fake Docker daemon
// on a Unix socket, a fake auth service, one fake upstream standing in for
// the config service, LLM proxy and command center, and a compose fake that
// flips container state in the daemon.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jarvis-platform/jarvis-admin/internal/auth"
	"github.com/jarvis-platform/jarvis-admin/internal/compose"
	"github.com/jarvis-platform/jarvis-admin/internal/config"
	"github.com/jarvis-platform/jarvis-admin/internal/db"
	"github.com/jarvis-platform/jarvis-admin/internal/discovery"
	"github.com/jarvis-platform/jarvis-admin/internal/docker"
	"github.com/jarvis-platform/jarvis-admin/internal/handlers"
	"github.com/jarvis-platform/jarvis-admin/internal/models"
	"github.com/jarvis-platform/jarvis-admin/internal/modules"
	"github.com/jarvis-platform/jarvis-admin/internal/opt"
	"github.com/jarvis-platform/jarvis-admin/internal/registry"
	"github.com/jarvis-platform/jarvis-admin/internal/ws"
)

// Bearer tokens the fake auth service recognizes.
const (
	AdminToken = "admin-token"
	UserToken  = "user-token"
)

// Registry is the service registry every TestEnv loads.
const Registry = `{
  "version": "1",
  "services": [
    {"id": "auth", "name": "Auth", "category": "core", "port": 8007},
    {"id": "recipes", "name": "Recipes", "description": "Recipe box", "category": "optional", "port": 8001, "dependsOn": ["auth"]},
    {"id": "shopping", "name": "Shopping", "category": "optional", "port": 8003, "dependsOn": ["recipes"]},
    {"id": "ocr", "name": "OCR", "category": "optional", "port": 5009, "profile": "vision"}
  ]
}`

// World is the container population of every TestEnv's fake daemon.
const World = `
containers:
  - id: c-auth
    name: jarvis-auth
    image: jarvis/auth:latest
    profile: auth
    labels: {com.jarvis.managed: "true"}
  - id: c-recipes
    name: jarvis-recipes
    image: jarvis/recipes:latest
    state: running
    profile: recipes
    ports: [{private: 8001, public: 8001}]
    stats: {cpuTotal: 400, preCpuTotal: 200, system: 2000, preSystem: 1000, onlineCpus: 2, memUsage: 104857600, memLimit: 419430400}
  - id: c-shopping
    name: jarvis-shopping
    image: jarvis/shopping:latest
    state: exited
    profile: shopping
  - id: c-ocr
    name: jarvis_ocr
    image: jarvis/ocr:latest
    state: exited
    profile: vision
  - id: c-llm-api
    name: jarvis-llm-proxy-api
    image: jarvis/llm-proxy:latest
    state: running
    profile: llm
  - id: c-postgres
    name: postgres
    image: postgres:16
`

// Options tweak Setup.
type Options struct {
	NoDocker   bool // runtime absent
	NoRegistry bool // registry absent
	Gate       modules.GatePolicy
	Discoverer discovery.Discoverer // non-nil: discovery session enabled, not started
}

// TestEnv holds a fully wired test application.
type TestEnv struct {
	App      *handlers.App
	Server   *httptest.Server
	Daemon   *docker.FakeDaemon
	Composer *FakeComposer

	// AuthMux and UpstreamMux accept extra routes at any time.
	AuthMux     *http.ServeMux
	UpstreamMux *http.ServeMux
	Auth        *httptest.Server
	Upstream    *httptest.Server

	DataDir string
}

// Setup creates a test environment with a real HTTP server, BoltDB, a fake
// Docker daemon and fake upstreams.
func Setup(t testing.TB) *TestEnv {
	return SetupWith(t, Options{})
}

// SetupWith is Setup with options.
func SetupWith(t testing.TB, o Options) *TestEnv {
	t.Helper()

	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "data")

	database, err := db.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	settings := models.NewSettingStore(database)

	env := &TestEnv{DataDir: dataDir}
	env.startFakeAuth(t)
	env.UpstreamMux = http.NewServeMux()
	env.Upstream = httptest.NewServer(env.UpstreamMux)
	t.Cleanup(env.Upstream.Close)

	endpoints := config.NewEndpointStore(config.Endpoints{
		AuthURL:          env.Auth.URL,
		ConfigURL:        env.Upstream.URL,
		SettingsURL:      env.Upstream.URL,
		LLMProxyURL:      env.Upstream.URL,
		CommandCenterURL: env.Upstream.URL,
	})

	var reg opt.Value[*registry.Store]
	if !o.NoRegistry {
		path := filepath.Join(tmpDir, "registry.jsonc")
		if err := os.WriteFile(path, []byte(Registry), 0644); err != nil {
			t.Fatal(err)
		}
		store, err := registry.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		reg = opt.Some(store)
	}

	var rt opt.Value[docker.Runtime]
	if !o.NoDocker {
		world, err := docker.ParseFakeWorld([]byte(World))
		if err != nil {
			t.Fatal(err)
		}
		env.Daemon, err = docker.StartFakeDaemon(world, "")
		if err != nil {
			t.Fatal("start fake daemon:", err)
		}
		t.Cleanup(env.Daemon.Close)

		rt, err = docker.Connect(context.Background(), env.Daemon.Host())
		if err != nil {
			t.Fatal("connect fake daemon:", err)
		}
		r, _ := rt.Get()
		t.Cleanup(func() { r.Close() })
	}

	env.Composer = &FakeComposer{daemon: env.Daemon}

	wss := ws.NewServer()
	app := &handlers.App{
		Endpoints: endpoints,
		AdminKey:  "cc-admin-key",
		Registry:  reg,
		Docker:    rt,
		Modules: modules.New(modules.Options{
			Registry: reg,
			Runtime:  rt,
			Composer: opt.Some[compose.Composer](env.Composer),
			Gate:     o.Gate,
		}),
		Settings:  settings,
		Discovery: opt.None[*discovery.Session](),
		Lookup:    &discovery.Client{},
		Guard:     auth.NewGuard(func() string { return endpoints.Get().AuthURL }),
		WS:        wss,
		Version:   "test",
		StartedAt: time.Now(),
	}
	if o.Discoverer != nil {
		app.Discovery = opt.Some(discovery.NewSession(o.Discoverer, app.ApplyDiscovery))
	}
	app.InitBroadcast()
	handlers.RegisterLiveHandlers(app)

	mux := http.NewServeMux()
	app.Routes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	app.StartBroadcastWatcher(ctx)

	env.App = app
	env.Server = httptest.NewServer(mux)
	t.Cleanup(env.Server.Close)
	return env
}

func (e *TestEnv) startFakeAuth(t testing.TB) {
	e.AuthMux = http.NewServeMux()
	e.AuthMux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Header.Get("Authorization") {
		case "Bearer " + AdminToken:
			json.NewEncoder(w).Encode(auth.User{ID: 1, Email: "admin@test.com", IsSuperuser: true})
		case "Bearer " + UserToken:
			json.NewEncoder(w).Encode(auth.User{ID: 2, Email: "user@test.com"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Not authenticated"}`))
		}
	})
	e.Auth = httptest.NewServer(e.AuthMux)
	t.Cleanup(e.Auth.Close)
}

// Do sends an API request with token as bearer (none when empty) and
// returns the status and raw body.
func (e *TestEnv) Do(t testing.TB, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal("marshal body:", err)
		}
		rd = strings.NewReader(string(raw))
	}

	req, err := http.NewRequest(method, e.Server.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal("request:", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal("read body:", err)
	}
	return resp.StatusCode, raw
}

// DoJSON is Do with the body decoded into a map.
func (e *TestEnv) DoJSON(t testing.TB, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	status, raw := e.Do(t, method, path, token, body)
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s %s (%d): %v: %s", method, path, status, err, raw)
	}
	return status, m
}

// Recorded is one request the fake upstream saw.
type Recorded struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// Record registers pattern on the upstream, answering with status and body
// (served as JSON) and delivering each request on the returned channel.
func (e *TestEnv) Record(pattern string, status int, body string) <-chan Recorded {
	ch := make(chan Recorded, 8)
	e.UpstreamMux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		ch <- Recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone(), Body: string(raw)}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
	return ch
}

// Next waits for one recorded request.
func Next(t testing.TB, ch <-chan Recorded) Recorded {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("upstream was not called")
		return Recorded{}
	}
}

// FakeComposer records compose actions and mirrors them onto the fake
// daemon: enabling starts every container of the profile, disabling stops
// them.
type FakeComposer struct {
	daemon *docker.FakeDaemon

	mu    sync.Mutex
	calls []string
	err   error
}

// Fail makes subsequent actions return err.
func (f *FakeComposer) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Calls returns "enable:<profile>" and "disable:<profile>" entries in order.
func (f *FakeComposer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeComposer) EnableModule(ctx context.Context, profile, file string) (compose.Output, error) {
	return f.act("enable", profile, "running")
}

func (f *FakeComposer) DisableModule(ctx context.Context, profile, file string) (compose.Output, error) {
	return f.act("disable", profile, "exited")
}

func (f *FakeComposer) act(action, profile, state string) (compose.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, action+":"+profile)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return compose.Output{Stderr: err.Error()}, err
	}
	if f.daemon != nil {
		f.daemon.SetProfileState(profile, state)
	}
	return compose.Output{}, nil
}

var msgIDCounter int64

// DialWS opens a WebSocket connection to the live feed.
func (e *TestEnv) DialWS(t testing.TB) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.Server.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal("dial ws:", err)
	}
	conn.SetReadLimit(1 << 20)

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return conn
}

// SendAndReceive sends a WS event with an ack ID and returns the parsed ack
// data. Push messages that arrive first are skipped.
func (e *TestEnv) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, args ...any) map[string]any {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)
	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}
	data, err := json.Marshal(ws.ClientMessage{ID: &id, Event: event, Args: argsJSON})
	if err != nil {
		t.Fatal("marshal msg:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}

	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatal("read:", err)
		}
		var ack struct {
			ID   *int64         `json:"id"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(respData, &ack); err != nil {
			continue // a push whose data is not an object
		}
		if ack.ID != nil && *ack.ID == id {
			return ack.Data
		}
	}
}

// NextPush reads until a push on channel arrives and returns its raw data.
func (e *TestEnv) NextPush(t testing.TB, conn *websocket.Conn, channel string) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s push: %v", channel, err)
		}
		var msg ws.ServerMessage[json.RawMessage]
		if json.Unmarshal(raw, &msg) == nil && msg.Event == channel {
			return msg.Data
		}
	}
}
