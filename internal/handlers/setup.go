package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jarvis-platform/jarvis-admin/internal/auth"
	"github.com/jarvis-platform/jarvis-admin/internal/config"
)

// Paths tried, in order, when probing a candidate service URL.
var probePaths = []string{"/health", "/info", "/"}

var probeClient = &http.Client{}

type setupStatus struct {
	Configured bool `json:"configured"`
}

func (app *App) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, setupStatus{Configured: app.Endpoints.Get().Configured()})
}

type probeResult struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// validateServiceURL returns the client-facing message for an unusable URL.
func validateServiceURL(raw string) (string, bool) {
	if raw == "" {
		return "URL is required", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "Invalid URL format", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "URL must use http or https", false
	}
	return "", true
}

// handleSetupProbe checks that a URL the setup wizard was given answers.
func (app *App) handleSetupProbe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, probeResult{Error: err.Error()})
		return
	}
	if msg, ok := validateServiceURL(body.URL); !ok {
		writeJSON(w, http.StatusBadRequest, probeResult{Error: msg})
		return
	}

	base := strings.TrimSuffix(body.URL, "/")
	var lastErr string
	for _, path := range probePaths {
		status, err := probeOnce(r.Context(), base+path)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		if status >= 200 && status < 300 {
			writeJSON(w, http.StatusOK, probeResult{Healthy: true})
			return
		}
		lastErr = fmt.Sprintf("HTTP %d", status)
	}
	writeJSON(w, http.StatusOK, probeResult{Error: lastErr})
}

func probeOnce(ctx context.Context, target string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return 0, uerr.Err
		}
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

type configureBody struct {
	AuthURL   string `json:"authUrl"`
	ConfigURL string `json:"configUrl"`
}

type okReply struct {
	OK bool `json:"ok"`
}

// handleSetupConfigure points the server at a new auth and config service.
// It is open only until the first configuration; after that a superuser of
// the current auth service must make the change.
func (app *App) handleSetupConfigure(w http.ResponseWriter, r *http.Request) {
	if app.Endpoints.Get().Configured() {
		app.Guard.RequireSuperuser(http.HandlerFunc(app.setupConfigure)).ServeHTTP(w, r)
		return
	}
	app.setupConfigure(w, r)
}

// setupConfigure builds the new endpoints as a fresh value, enriched with
// whatever the config service reports, publishes them in one step and
// persists them.
func (app *App) setupConfigure(w http.ResponseWriter, r *http.Request) {
	var body configureBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.AuthURL == "" || body.ConfigURL == "" {
		writeError(w, http.StatusBadRequest, "Both authUrl and configUrl are required")
		return
	}

	by := "initial setup"
	if u, ok := auth.UserFromContext(r.Context()); ok {
		by = u.Email
	}
	ep := app.Configure(r.Context(), body.AuthURL, body.ConfigURL)
	slog.Info("setup configured", "by", by, "auth", ep.AuthURL, "config", ep.ConfigURL, "llmProxy", ep.LLMProxyURL)
	writeJSON(w, http.StatusOK, okReply{OK: true})
}

// Configure publishes endpoints for authURL and configURL, plus any service
// URLs the config service knows, and saves them. Discovery reuses it.
func (app *App) Configure(ctx context.Context, authURL, configURL string) config.Endpoints {
	var services map[string]string
	if app.Lookup != nil {
		var err error
		services, err = app.Lookup.ListServices(ctx, configURL)
		if err != nil {
			// The config service may not have every service registered yet.
			slog.Warn("setup: service lookup", "config", configURL, "err", err)
		}
	}

	next := app.Endpoints.Update(func(cur config.Endpoints) config.Endpoints {
		return cur.WithCore(authURL, configURL).WithServices(services)
	})
	if app.Settings != nil {
		if err := app.Settings.SaveEndpoints(next); err != nil {
			slog.Error("setup: save endpoints", "err", err)
		}
	}
	return next
}
