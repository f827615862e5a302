package handlers_test

import (
	"encoding/json"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/jarvis-platform/jarvis-admin/internal/docker"
	"github.com/jarvis-platform/jarvis-admin/internal/testutil"
)

func TestLLMStatus(t *testing.T) {
	t.Parallel()

	t.Run("healthy backend", func(t *testing.T) {
		env := testutil.Setup(t)
		env.Record("GET /health", 200, `{"model_service":{"status":"ok","backend_type":"gguf","model_name":"qwen"}}`)

		_, body := env.DoJSON(t, "GET", "/api/llm-setup/status", testutil.AdminToken, nil)
		if body["configured"] != true || body["model"] != "qwen" || body["backend"] != "gguf" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("placeholder model", func(t *testing.T) {
		env := testutil.Setup(t)
		env.Record("GET /health", 200, `{"model_service":{"status":"loading"}}`)
		calls := env.Record("GET /settings/model.main.name", 200, `{"value":".models/placeholder.gguf"}`)

		_, body := env.DoJSON(t, "GET", "/api/llm-setup/status", testutil.AdminToken, nil)
		if body["configured"] != false {
			t.Errorf("body = %v", body)
		}
		if got := testutil.Next(t, calls).Header.Get("Authorization"); got != "Bearer "+testutil.AdminToken {
			t.Errorf("authorization = %q", got)
		}
	})

	t.Run("upstream down", func(t *testing.T) {
		env := testutil.Setup(t)

		status, body := env.DoJSON(t, "GET", "/api/llm-setup/status", testutil.AdminToken, nil)
		if status != http.StatusOK || body["configured"] != false {
			t.Errorf("got %d %v", status, body)
		}
	})
}

func TestLLMConfigureRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	body := map[string]any{"settings": map[string]any{"model.main.name": "x", "zeta": 1, "alpha": 2}}
	status, resp := env.DoJSON(t, "POST", "/api/llm-setup/configure", testutil.AdminToken, body)
	if status != http.StatusBadRequest || resp["error"] != "Invalid settings keys: alpha, zeta" {
		t.Errorf("got %d %v", status, resp)
	}

	status, resp = env.DoJSON(t, "POST", "/api/llm-setup/configure", testutil.AdminToken, map[string]any{})
	if status != http.StatusBadRequest || resp["error"] != "settings object is required" {
		t.Errorf("missing settings: got %d %v", status, resp)
	}
}

func TestLLMConfigureRestartsProxy(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	calls := env.Record("PUT /settings/", 200, `{"updated":2}`)

	body := map[string]any{"settings": map[string]any{"model.main.name": "qwen", "model.main.backend": "gguf"}}
	status, resp := env.DoJSON(t, "POST", "/api/llm-setup/configure", testutil.AdminToken, body)
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, resp)
	}
	if resp["message"] != "Settings saved. LLM proxy restarting." {
		t.Errorf("message = %v", resp["message"])
	}
	if got := resp["settingsResult"].(map[string]any)["updated"]; got != 2.0 {
		t.Errorf("settingsResult = %v", resp["settingsResult"])
	}

	rec := testutil.Next(t, calls)
	var sent struct {
		Settings map[string]any `json:"settings"`
	}
	if err := json.Unmarshal([]byte(rec.Body), &sent); err != nil || sent.Settings["model.main.name"] != "qwen" {
		t.Errorf("forwarded body = %s", rec.Body)
	}

	if got := env.Daemon.Restarts("c-llm-api"); !reflect.DeepEqual(got, []int{10}) {
		t.Errorf("llm proxy restarts = %v", got)
	}
	if got := env.Daemon.Restarts("c-recipes"); len(got) != 0 {
		t.Errorf("unrelated container restarted: %v", got)
	}
}

func TestLLMConfigureRelaysUpstreamError(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.Record("PUT /settings/", 422, `{"detail":"bad value"}`)

	body := map[string]any{"settings": map[string]any{"model.main.context_window": -1}}
	status, _ := env.DoJSON(t, "POST", "/api/llm-setup/configure", testutil.AdminToken, body)
	if status != 422 {
		t.Errorf("status = %d, want 422", status)
	}
	if got := env.Daemon.Restarts("c-llm-api"); len(got) != 0 {
		t.Errorf("restart after failed save: %v", got)
	}
}

func TestLLMDownloadValidation(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	tests := []struct {
		name string
		body map[string]any
		msg  string
	}{
		{"missing repo", map[string]any{}, "repo is required"},
		{"bad repo", map[string]any{"repo": "no-slash"}, "Invalid repo format. Expected: owner/repo-name"},
		{"injection", map[string]any{"repo": "a/b; rm -rf /"}, "Invalid repo format. Expected: owner/repo-name"},
		{"bad filename", map[string]any{"repo": "a/b", "filename": "../x"}, "Invalid filename format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.DoJSON(t, "POST", "/api/llm-setup/download", testutil.AdminToken, tt.body)
			if status != http.StatusBadRequest || resp["error"] != tt.msg {
				t.Errorf("got %d %v", status, resp)
			}
		})
	}
}

func TestLLMDownload(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	var (
		mu     sync.Mutex
		gotID  string
		gotCmd []string
		gotEnv []string
	)
	env.Daemon.SetExecHandler(func(id string, cmd, envv []string) docker.FakeExec {
		mu.Lock()
		gotID, gotCmd, gotEnv = id, cmd, envv
		mu.Unlock()
		return docker.FakeExec{Output: "downloaded\n"}
	})

	body := map[string]any{"repo": "Qwen/Qwen2-GGUF", "filename": "qwen2.Q4_K_M.gguf", "token": "hf_secret"}
	status, resp := env.DoJSON(t, "POST", "/api/llm-setup/download", testutil.AdminToken, body)
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, resp)
	}
	if resp["message"] != "Download complete" || !strings.Contains(resp["output"].(string), "downloaded") {
		t.Errorf("body = %v", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotID != "c-llm-api" {
		t.Errorf("exec target = %q", gotID)
	}
	if len(gotCmd) != 5 || gotCmd[0] != "python" || gotCmd[3] != "Qwen/Qwen2-GGUF" || gotCmd[4] != "qwen2.Q4_K_M.gguf" {
		t.Errorf("argv = %q", gotCmd)
	}
	if strings.Contains(gotCmd[2], "hf_secret") {
		t.Error("token leaked into the script")
	}
	if !slices.Contains(gotEnv, "HUGGINGFACE_HUB_TOKEN=hf_secret") {
		t.Errorf("env = %q", gotEnv)
	}
}

func TestLLMDownloadFailure(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.Daemon.SetExecHandler(func(string, []string, []string) docker.FakeExec {
		return docker.FakeExec{Output: "401 Unauthorized", ExitCode: 1}
	})

	status, resp := env.DoJSON(t, "POST", "/api/llm-setup/download", testutil.AdminToken, map[string]any{"repo": "a/b"})
	if status != http.StatusInternalServerError || resp["error"] != "Download failed. Check server logs for details." {
		t.Errorf("got %d %v", status, resp)
	}
}

func TestLLMDownloadWithoutProxyContainer(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.Daemon.SetState("c-llm-api", "exited")

	status, resp := env.DoJSON(t, "POST", "/api/llm-setup/download", testutil.AdminToken, map[string]any{"repo": "a/b"})
	if status != http.StatusServiceUnavailable || resp["error"] != "LLM proxy container not found or not running" {
		t.Errorf("got %d %v", status, resp)
	}
}
