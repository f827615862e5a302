package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/jarvis-platform/jarvis-admin/internal/docker"
	"github.com/jarvis-platform/jarvis-admin/internal/proxy"
)

// Settings the wizard may write on the LLM proxy.
var llmSettingKeys = []string{
	"model.main.name",
	"model.main.backend",
	"model.main.chat_format",
	"model.main.context_window",
	"inference.gguf.n_gpu_layers",
	"inference.gguf.n_threads",
	"inference.vllm.quantization",
	"inference.vllm.gpu_memory_utilization",
}

var (
	repoPattern     = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
	filenamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)
)

// User values reach the interpreter as argv entries, never as source.
const (
	fileDownloadScript     = `import sys, os; from huggingface_hub import hf_hub_download; hf_hub_download(repo_id=sys.argv[1], filename=sys.argv[2], local_dir="/app/.models", token=os.environ.get("HUGGINGFACE_HUB_TOKEN") or None)`
	snapshotDownloadScript = `import sys, os; from huggingface_hub import snapshot_download; snapshot_download(repo_id=sys.argv[1], local_dir=f"/app/.models/{sys.argv[1].split('/')[-1]}", token=os.environ.get("HUGGINGFACE_HUB_TOKEN") or None)`
)

// downloadArgv builds the command run inside the LLM proxy container.
func downloadArgv(repo, filename string) []string {
	if filename != "" {
		return []string{"python", "-c", fileDownloadScript, repo, filename}
	}
	return []string{"python", "-c", snapshotDownloadScript, repo}
}

type llmStatus struct {
	Configured bool   `json:"configured"`
	Model      string `json:"model,omitempty"`
	Backend    string `json:"backend,omitempty"`
}

// handleLLMStatus reports whether a real model is configured. Any upstream
// trouble reads as not configured.
func (app *App) handleLLMStatus(w http.ResponseWriter, r *http.Request) {
	base := app.Endpoints.Get().LLMProxyURL
	if base == "" {
		writeJSON(w, http.StatusOK, llmStatus{})
		return
	}

	health := proxy.Forward(r.Context(), proxy.Request{Method: http.MethodGet, URL: base + "/health", Timeout: setupTimeout})
	if health.Status != http.StatusOK {
		writeJSON(w, http.StatusOK, llmStatus{})
		return
	}
	var h struct {
		ModelService map[string]any `json:"model_service"`
	}
	decodeData(health, &h)
	if ms := h.ModelService; ms["status"] == "ok" && truthy(ms["backend_type"]) {
		writeJSON(w, http.StatusOK, llmStatus{
			Configured: true,
			Model:      stringify(ms["model_name"]),
			Backend:    stringify(ms["backend_type"]),
		})
		return
	}

	setting := proxy.Forward(r.Context(), proxy.Request{
		Method: http.MethodGet, URL: base + "/settings/model.main.name", Headers: bearer(r), Timeout: setupTimeout,
	})
	if setting.Status != http.StatusOK {
		writeJSON(w, http.StatusOK, llmStatus{})
		return
	}
	var s struct {
		Value string `json:"value"`
	}
	decodeData(setting, &s)
	writeJSON(w, http.StatusOK, llmStatus{Configured: !isPlaceholderModel(s.Value), Model: s.Value})
}

func isPlaceholderModel(name string) bool {
	return name == "" || strings.Contains(name, "placeholder") || name == ".models/"
}

func decodeData(resp proxy.Response, dst any) bool {
	raw, ok := resp.Data.(json.RawMessage)
	return ok && json.Unmarshal(raw, dst) == nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

type llmConfigureBody struct {
	Settings map[string]any `json:"settings"`
}

type llmConfigureReply struct {
	Success        bool   `json:"success"`
	SettingsResult any    `json:"settingsResult"`
	Message        string `json:"message"`
}

// handleLLMConfigure bulk-writes allowed settings and restarts the LLM proxy
// containers so they pick them up.
func (app *App) handleLLMConfigure(w http.ResponseWriter, r *http.Request) {
	var body llmConfigureBody
	if err := decodeBody(r, &body); err != nil || body.Settings == nil {
		writeError(w, http.StatusBadRequest, "settings object is required")
		return
	}

	var invalid []string
	for k := range body.Settings {
		if !slices.Contains(llmSettingKeys, k) {
			invalid = append(invalid, k)
		}
	}
	if len(invalid) > 0 {
		slices.Sort(invalid)
		writeError(w, http.StatusBadRequest, "Invalid settings keys: "+strings.Join(invalid, ", "))
		return
	}

	base := app.Endpoints.Get().LLMProxyURL
	if base == "" {
		writeError(w, http.StatusServiceUnavailable, noLLMProxy)
		return
	}

	resp := proxy.Forward(r.Context(), proxy.Request{
		Method:  http.MethodPut,
		URL:     base + "/settings/",
		Headers: bearer(r),
		Body:    body,
		Timeout: upstreamTimeout,
	})
	if resp.Status != http.StatusOK {
		proxy.Relay(w, resp)
		return
	}

	if rt, ok := app.Docker.Get(); ok {
		app.restartLLMProxy(r, rt)
	}

	writeJSON(w, http.StatusOK, llmConfigureReply{
		Success:        true,
		SettingsResult: resp.Data,
		Message:        "Settings saved. LLM proxy restarting.",
	})
}

func isLLMProxy(name string) bool {
	return strings.Contains(name, "llm-proxy") || strings.Contains(name, "llm_proxy")
}

func (app *App) restartLLMProxy(r *http.Request, rt docker.Runtime) {
	containers, err := rt.ListManagedContainers(r.Context())
	if err != nil {
		slog.Warn("llm setup: container restart failed", "err", err)
		return
	}
	for _, c := range containers {
		if !isLLMProxy(c.Name) {
			continue
		}
		if err := rt.RestartContainer(r.Context(), c.ID); err != nil {
			slog.Warn("llm setup: container restart failed", "container", c.Name, "err", err)
			return
		}
		slog.Info("llm setup: restarted", "container", c.Name)
	}
}

// pickLLMContainer prefers a running LLM proxy API container, then any
// running LLM proxy container.
func pickLLMContainer(containers []docker.ContainerRecord) (docker.ContainerRecord, bool) {
	for _, c := range containers {
		if isLLMProxy(c.Name) && strings.Contains(c.Name, "api") && c.Running() {
			return c, true
		}
	}
	for _, c := range containers {
		if isLLMProxy(c.Name) && c.Running() {
			return c, true
		}
	}
	return docker.ContainerRecord{}, false
}

type llmDownloadBody struct {
	Repo     string `json:"repo"`
	Filename string `json:"filename"`
	Token    string `json:"token"`
}

type llmDownloadReply struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Message string `json:"message"`
}

// handleLLMDownload fetches a model from Hugging Face inside the LLM proxy
// container. The token travels only in the exec environment.
func (app *App) handleLLMDownload(w http.ResponseWriter, r *http.Request) {
	var body llmDownloadBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	if !repoPattern.MatchString(body.Repo) {
		writeError(w, http.StatusBadRequest, "Invalid repo format. Expected: owner/repo-name")
		return
	}
	if body.Filename != "" && !filenamePattern.MatchString(body.Filename) {
		writeError(w, http.StatusBadRequest, "Invalid filename format")
		return
	}

	rt, ok := app.Docker.Get()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errDockerUnavailable.Error())
		return
	}
	containers, err := rt.ListManagedContainers(r.Context())
	if err != nil {
		slog.Warn("llm download: list containers", "err", err)
	}
	target, ok := pickLLMContainer(containers)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "LLM proxy container not found or not running")
		return
	}

	var env []string
	if body.Token != "" {
		env = []string{"HUGGINGFACE_HUB_TOKEN=" + body.Token}
	}

	slog.Info("llm download started", "container", target.Name, "repo", body.Repo, "filename", body.Filename)
	out, err := rt.ExecInContainer(r.Context(), target.ID, downloadArgv(body.Repo, body.Filename), env)
	if err != nil {
		slog.Error("llm download failed", "container", target.Name, "repo", body.Repo, "err", err, "output", out)
		writeError(w, http.StatusInternalServerError, "Download failed. Check server logs for details.")
		return
	}
	writeJSON(w, http.StatusOK, llmDownloadReply{Success: true, Output: out, Message: "Download complete"})
}
