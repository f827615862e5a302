package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jarvis-platform/jarvis-admin/internal/config"
	"github.com/jarvis-platform/jarvis-admin/internal/testutil"
)

func TestSetupStatus(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	_, body := env.DoJSON(t, "GET", "/api/setup/status", "", nil)
	if body["configured"] != true {
		t.Errorf("body = %v", body)
	}

	env.App.Endpoints.Set(config.Endpoints{})
	_, body = env.DoJSON(t, "GET", "/api/setup/status", "", nil)
	if body["configured"] != false {
		t.Errorf("after reset: %v", body)
	}
}

func TestSetupProbe(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(healthy.Close)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	tests := []struct {
		name    string
		url     string
		status  int
		healthy bool
		msg     string
	}{
		{"second path answers", healthy.URL + "/", http.StatusOK, true, ""},
		{"every path fails", broken.URL, http.StatusOK, false, "HTTP 500"},
		{"empty", "", http.StatusBadRequest, false, "URL is required"},
		{"no scheme", "localhost:8007", http.StatusBadRequest, false, "Invalid URL format"},
		{"wrong scheme", "ftp://host", http.StatusBadRequest, false, "URL must use http or https"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.DoJSON(t, "POST", "/api/setup/probe", "", map[string]any{"url": tt.url})
			if status != tt.status || body["healthy"] != tt.healthy {
				t.Fatalf("got %d %v", status, body)
			}
			if tt.msg != "" && body["error"] != tt.msg {
				t.Errorf("error = %v, want %q", body["error"], tt.msg)
			}
		})
	}
}

func TestSetupConfigure(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	configSvc := http.NewServeMux()
	configSvc.HandleFunc("GET /services", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"services":[{"name":"llm-proxy","url":"http://10.0.0.5:7704/"},{"name":"recipes","url":"http://10.0.0.5:8001"}]}`))
	})
	cfgServer := httptest.NewServer(configSvc)
	t.Cleanup(cfgServer.Close)

	status, body := env.DoJSON(t, "POST", "/api/setup/configure", testutil.AdminToken, map[string]any{
		"authUrl":   "http://10.0.0.5:8007/",
		"configUrl": cfgServer.URL,
	})
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("got %d %v", status, body)
	}

	ep := env.App.Endpoints.Get()
	want := config.Endpoints{
		AuthURL:          "http://10.0.0.5:8007",
		ConfigURL:        cfgServer.URL,
		SettingsURL:      cfgServer.URL,
		LLMProxyURL:      "http://10.0.0.5:7704",
		CommandCenterURL: env.Upstream.URL,
	}
	if ep != want {
		t.Errorf("endpoints = %+v, want %+v", ep, want)
	}

	saved, err := env.App.Settings.ApplyEndpoints(config.Endpoints{})
	if err != nil {
		t.Fatal(err)
	}
	if saved != want {
		t.Errorf("persisted = %+v, want %+v", saved, want)
	}
}

func TestSetupConfigureConfigServiceDown(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	status, _ := env.DoJSON(t, "POST", "/api/setup/configure", testutil.AdminToken, map[string]any{
		"authUrl":   "http://10.0.0.5:8007",
		"configUrl": "http://127.0.0.1:1",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	ep := env.App.Endpoints.Get()
	if ep.AuthURL != "http://10.0.0.5:8007" || ep.LLMProxyURL != env.Upstream.URL {
		t.Errorf("endpoints = %+v", ep)
	}
}

func TestSetupConfigureRequiresBothURLs(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	status, body := env.DoJSON(t, "POST", "/api/setup/configure", testutil.AdminToken, map[string]any{"authUrl": "http://a"})
	if status != http.StatusBadRequest || body["error"] != "Both authUrl and configUrl are required" {
		t.Errorf("got %d %v", status, body)
	}
}

func TestSetupConfigureOnceConfiguredRequiresSuperuser(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	before := env.App.Endpoints.Get()
	body := map[string]any{"authUrl": "http://10.0.0.66:8007", "configUrl": "http://127.0.0.1:1"}

	tests := []struct {
		name   string
		token  string
		status int
		msg    string
	}{
		{"no token", "", http.StatusUnauthorized, "Missing or invalid authorization header"},
		{"unknown token", "anything", http.StatusUnauthorized, "Invalid or expired token"},
		{"not a superuser", testutil.UserToken, http.StatusForbidden, "Superuser access required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, got := env.DoJSON(t, "POST", "/api/setup/configure", tt.token, body)
			if status != tt.status || got["error"] != tt.msg {
				t.Errorf("got %d %v", status, got)
			}
		})
	}

	if ep := env.App.Endpoints.Get(); ep != before {
		t.Errorf("endpoints changed to %+v", ep)
	}
	saved, err := env.App.Settings.ApplyEndpoints(config.Endpoints{})
	if err != nil {
		t.Fatal(err)
	}
	if saved != (config.Endpoints{}) {
		t.Errorf("persisted = %+v", saved)
	}
}

func TestSetupConfigureOpenBeforeFirstSetup(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.App.Endpoints.Set(config.Endpoints{})

	status, body := env.DoJSON(t, "POST", "/api/setup/configure", "", map[string]any{
		"authUrl":   env.Auth.URL,
		"configUrl": "http://127.0.0.1:1",
	})
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("got %d %v", status, body)
	}
	if !env.App.Endpoints.Get().Configured() {
		t.Error("server still unconfigured")
	}

	status, _ = env.DoJSON(t, "POST", "/api/setup/configure", "", map[string]any{
		"authUrl":   "http://10.0.0.66:8007",
		"configUrl": "http://127.0.0.1:1",
	})
	if status != http.StatusUnauthorized {
		t.Errorf("second open configure = %d", status)
	}
}
