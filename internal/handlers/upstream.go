package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jarvis-platform/jarvis-admin/internal/proxy"
)

// forward relays one upstream call. An unset base URL answers 503 with
// notConfigured instead of calling out.
func (app *App) forward(w http.ResponseWriter, r *http.Request, base, notConfigured string, req proxy.Request) {
	if base == "" {
		writeError(w, http.StatusServiceUnavailable, notConfigured)
		return
	}
	req.URL = base + req.URL
	proxy.Relay(w, proxy.Forward(r.Context(), req))
}

// forwardBody is forward with the caller's JSON body passed through.
func (app *App) forwardBody(w http.ResponseWriter, r *http.Request, base, notConfigured string, req proxy.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body != nil {
		req.Body = body
	}
	app.forward(w, r, base, notConfigured, req)
}

const (
	noConfigService  = "Config service URL not configured"
	noAuthService    = "Auth service URL not configured"
	noLLMProxy       = "LLM proxy URL not configured"
	noCommandCenter  = "Command center URL not configured"
	upstreamTimeout  = 10 * time.Second
	registerTimeout  = 30 * time.Second
	settingsTimeout  = 15 * time.Second
	artifactsTimeout = 15 * time.Second
	setupTimeout     = 5 * time.Second
)

// Config service: service registry.

func (app *App) handleServiceRegistry(w http.ResponseWriter, r *http.Request) {
	app.forward(w, r, app.Endpoints.Get().ConfigURL, noConfigService, proxy.Request{
		Method: http.MethodGet, URL: "/v1/services/registry", Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

func (app *App) handleServiceRegister(w http.ResponseWriter, r *http.Request) {
	app.forwardBody(w, r, app.Endpoints.Get().ConfigURL, noConfigService, proxy.Request{
		Method: http.MethodPost, URL: "/v1/services/register", Headers: bearer(r), Timeout: registerTimeout,
	})
}

func (app *App) handleServiceRotateKey(w http.ResponseWriter, r *http.Request) {
	app.forwardBody(w, r, app.Endpoints.Get().ConfigURL, noConfigService, proxy.Request{
		Method: http.MethodPost, URL: "/v1/services/rotate-key", Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

func (app *App) handleServiceProbe(w http.ResponseWriter, r *http.Request) {
	app.forwardBody(w, r, app.Endpoints.Get().ConfigURL, noConfigService, proxy.Request{
		Method: http.MethodPost, URL: "/v1/services/probe", Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

// Config service: settings.

func (app *App) handleListSettings(w http.ResponseWriter, r *http.Request) {
	path := "/v1/settings/"
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	app.forward(w, r, app.Endpoints.Get().SettingsURL, noConfigService, proxy.Request{
		Method: http.MethodGet, URL: path, Headers: bearer(r), Timeout: settingsTimeout,
	})
}

func (app *App) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	path := "/v1/settings/" + url.PathEscape(r.PathValue("service")) + "/" + r.PathValue("key")
	app.forwardBody(w, r, app.Endpoints.Get().SettingsURL, noConfigService, proxy.Request{
		Method: http.MethodPut, URL: path, Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

// Auth service. These routes are open: they are how a client gets a token.

func (app *App) handleAuthSetupStatus(w http.ResponseWriter, r *http.Request) {
	app.forward(w, r, app.Endpoints.Get().AuthURL, noAuthService, proxy.Request{
		Method: http.MethodGet, URL: "/auth/setup-status", Timeout: setupTimeout,
	})
}

func (app *App) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	app.forwardBody(w, r, app.Endpoints.Get().AuthURL, noAuthService, proxy.Request{
		Method: http.MethodPost, URL: "/auth/setup", Timeout: upstreamTimeout,
	})
}

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (app *App) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	app.forward(w, r, app.Endpoints.Get().AuthURL, noAuthService, proxy.Request{
		Method: http.MethodPost, URL: "/auth/login", Body: body, Timeout: upstreamTimeout,
	})
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

func (app *App) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	app.forward(w, r, app.Endpoints.Get().AuthURL, noAuthService, proxy.Request{
		Method: http.MethodPost, URL: "/auth/refresh", Body: body, Timeout: upstreamTimeout,
	})
}

// Households and nodes live on the auth service; adapter training is a
// command-center command.

func (app *App) handleListHouseholds(w http.ResponseWriter, r *http.Request) {
	app.forward(w, r, app.Endpoints.Get().AuthURL, noAuthService, proxy.Request{
		Method: http.MethodGet, URL: "/households", Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

func (app *App) handleListNodes(w http.ResponseWriter, r *http.Request) {
	path := "/households/" + url.PathEscape(r.PathValue("householdId")) + "/nodes"
	app.forward(w, r, app.Endpoints.Get().AuthURL, noAuthService, proxy.Request{
		Method: http.MethodGet, URL: path, Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

type nodeCommand struct {
	Command string         `json:"command"`
	Details map[string]any `json:"details"`
}

func (app *App) handleTrainAdapter(w http.ResponseWriter, r *http.Request) {
	path := "/api/v0/nodes/" + url.PathEscape(r.PathValue("nodeId")) + "/commands"
	app.forward(w, r, app.Endpoints.Get().CommandCenterURL, noCommandCenter, proxy.Request{
		Method:  http.MethodPost,
		URL:     path,
		Headers: map[string]string{"X-API-Key": app.AdminKey},
		Body:    nodeCommand{Command: "train_adapter", Details: map[string]any{}},
		Timeout: upstreamTimeout,
	})
}

// Training pipeline on the LLM proxy.

func (app *App) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	app.forward(w, r, app.Endpoints.Get().LLMProxyURL, noLLMProxy, proxy.Request{
		Method: http.MethodGet, URL: "/v1/pipeline/status", Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

func (app *App) handleTrainingBuild(w http.ResponseWriter, r *http.Request) {
	app.forwardBody(w, r, app.Endpoints.Get().LLMProxyURL, noLLMProxy, proxy.Request{
		Method: http.MethodPost, URL: "/v1/pipeline/build", Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

func (app *App) handleTrainingCancel(w http.ResponseWriter, r *http.Request) {
	app.forward(w, r, app.Endpoints.Get().LLMProxyURL, noLLMProxy, proxy.Request{
		Method: http.MethodPost, URL: "/v1/pipeline/cancel", Headers: bearer(r), Timeout: upstreamTimeout,
	})
}

func (app *App) handleTrainingArtifacts(w http.ResponseWriter, r *http.Request) {
	app.forward(w, r, app.Endpoints.Get().LLMProxyURL, noLLMProxy, proxy.Request{
		Method: http.MethodGet, URL: "/v1/pipeline/artifacts", Headers: bearer(r), Timeout: artifactsTimeout,
	})
}

// handleTrainingLogs passes the pipeline's server-sent events through until
// either side hangs up or the stream ceiling is reached.
func (app *App) handleTrainingLogs(w http.ResponseWriter, r *http.Request) {
	base := app.Endpoints.Get().LLMProxyURL
	if base == "" {
		writeError(w, http.StatusServiceUnavailable, noLLMProxy)
		return
	}

	err := proxy.Stream(r.Context(), w, proxy.Request{
		Method:  http.MethodGet,
		URL:     base + "/v1/pipeline/logs",
		Headers: bearer(r),
	})
	if err == nil {
		return
	}
	var status *proxy.StatusError
	if errors.As(err, &status) {
		writeError(w, status.Status, "Failed to connect to log stream")
		return
	}
	slog.Warn("training log stream", "err", err)
	writeError(w, http.StatusBadGateway, "LLM proxy service unavailable")
}
