package handlers_test

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/jarvis-platform/jarvis-admin/internal/config"
	"github.com/jarvis-platform/jarvis-admin/internal/testutil"
)

func TestServiceRegistryForwardsBearer(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	calls := env.Record("GET /v1/services/registry", 200, `{"services":[{"name":"recipes"}]}`)

	status, body := env.DoJSON(t, "GET", "/api/services/registry", testutil.AdminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, body)
	}
	if list, _ := body["services"].([]any); len(list) != 1 {
		t.Errorf("body = %v", body)
	}
	if got := testutil.Next(t, calls).Header.Get("Authorization"); got != "Bearer "+testutil.AdminToken {
		t.Errorf("authorization = %q", got)
	}
}

func TestUpstreamStatusRelayed(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.Record("POST /v1/services/register", 409, `{"detail":"already registered"}`)

	status, body := env.DoJSON(t, "POST", "/api/services/register", testutil.AdminToken, map[string]any{"name": "recipes"})
	if status != http.StatusConflict {
		t.Errorf("status = %d %v", status, body)
	}
}

func TestServiceRegisterPassesBody(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	calls := env.Record("POST /v1/services/register", 200, `{"ok":true}`)

	env.Do(t, "POST", "/api/services/register", testutil.AdminToken, map[string]any{"name": "recipes", "port": 8001})
	var sent map[string]any
	if err := json.Unmarshal([]byte(testutil.Next(t, calls).Body), &sent); err != nil {
		t.Fatal(err)
	}
	if sent["name"] != "recipes" || sent["port"] != 8001.0 {
		t.Errorf("forwarded body = %v", sent)
	}
}

func TestRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	status, body := env.DoJSON(t, "POST", "/api/services/probe", testutil.AdminToken, "{not json")
	if status != http.StatusBadRequest || body["error"] != "Invalid JSON body" {
		t.Errorf("got %d %v", status, body)
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.Upstream.Close()

	status, body := env.DoJSON(t, "GET", "/api/training/status", testutil.AdminToken, nil)
	if status != http.StatusBadGateway {
		t.Errorf("status = %d %v", status, body)
	}
}

func TestUpstreamNotConfigured(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.App.Endpoints.Update(func(cur config.Endpoints) config.Endpoints {
		cur.LLMProxyURL = ""
		return cur
	})

	status, body := env.DoJSON(t, "GET", "/api/training/status", testutil.AdminToken, nil)
	if status != http.StatusServiceUnavailable || body["error"] != "LLM proxy URL not configured" {
		t.Errorf("got %d %v", status, body)
	}
}

func TestSettingsRoutes(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	list := env.Record("GET /v1/settings/", 200, `{"settings":[]}`)
	update := env.Record("PUT /v1/settings/{service}/{key}", 200, `{"ok":true}`)

	if status, _ := env.Do(t, "GET", "/api/settings/?category=llm&service=jarvis-llm-proxy", testutil.AdminToken, nil); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if got := testutil.Next(t, list).Query; got != "category=llm&service=jarvis-llm-proxy" {
		t.Errorf("query = %q", got)
	}

	status, _ := env.Do(t, "PUT", "/api/settings/jarvis-recipes/page.size", testutil.AdminToken, map[string]any{"value": 20})
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}
	rec := testutil.Next(t, update)
	if rec.Path != "/v1/settings/jarvis-recipes/page.size" || !strings.Contains(rec.Body, `"value":20`) {
		t.Errorf("update = %+v", rec)
	}
}

func TestLoginForwardsOnlyCredentials(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	forwarded := make(chan map[string]any, 1)
	env.AuthMux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		json.NewDecoder(r.Body).Decode(&m)
		forwarded <- m
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"a","refresh_token":"r"}`)
	})

	status, body := env.DoJSON(t, "POST", "/api/auth/login", "", map[string]any{
		"email": "admin@test.com", "password": "pw", "is_superuser": true,
	})
	if status != http.StatusOK || body["access_token"] != "a" {
		t.Fatalf("got %d %v", status, body)
	}
	got := <-forwarded
	if len(got) != 2 || got["email"] != "admin@test.com" || got["password"] != "pw" {
		t.Errorf("forwarded = %v", got)
	}
}

func TestTrainAdapterUsesAdminKey(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	calls := env.Record("POST /api/v0/nodes/{id}/commands", 200, `{"command_id":"cmd-1"}`)

	status, body := env.DoJSON(t, "POST", "/api/nodes/node-7/train-adapter", testutil.AdminToken, nil)
	if status != http.StatusOK || body["command_id"] != "cmd-1" {
		t.Fatalf("got %d %v", status, body)
	}
	rec := testutil.Next(t, calls)
	if rec.Path != "/api/v0/nodes/node-7/commands" {
		t.Errorf("path = %q", rec.Path)
	}
	if rec.Header.Get("X-API-Key") != "cc-admin-key" || rec.Header.Get("Authorization") != "" {
		t.Errorf("headers = %v", rec.Header)
	}
	var sent map[string]any
	json.Unmarshal([]byte(rec.Body), &sent)
	if sent["command"] != "train_adapter" {
		t.Errorf("body = %s", rec.Body)
	}
	if d, ok := sent["details"].(map[string]any); !ok || len(d) != 0 {
		t.Errorf("details = %v", sent["details"])
	}
}

func TestTrainingLogsStream(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.UpstreamMux.HandleFunc("GET /v1/pipeline/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: step 1\n\ndata: step 2\n\n")
	})

	status, raw := env.Do(t, "GET", "/api/training/logs", testutil.AdminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if string(raw) != "data: step 1\n\ndata: step 2\n\n" {
		t.Errorf("stream = %q", raw)
	}
}

func TestTrainingLogsUpstreamError(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.Record("GET /v1/pipeline/logs", 404, `{"detail":"no job"}`)

	status, body := env.DoJSON(t, "GET", "/api/training/logs", testutil.AdminToken, nil)
	if status != http.StatusNotFound || body["error"] != "Failed to connect to log stream" {
		t.Errorf("got %d %v", status, body)
	}
}
