package handlers

import (
	"net/http"
)

// Routes registers the HTTP API on mux. Everything under /api requires a
// superuser bearer token except the auth proxy, setup and discovery, which
// a client needs before it can hold one.
func (app *App) Routes(mux *http.ServeMux) {
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, app.Guard.RequireSuperuser(h))
	}

	mux.HandleFunc("GET /health", app.handleHealth)
	mux.HandleFunc("GET /healthz", app.handleHealth)
	mux.Handle("GET /ws", app.WS)

	// Open
	mux.HandleFunc("GET /api/auth/setup-status", app.handleAuthSetupStatus)
	mux.HandleFunc("POST /api/auth/setup", app.handleAuthSetup)
	mux.HandleFunc("POST /api/auth/login", app.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/refresh", app.handleAuthRefresh)
	mux.HandleFunc("GET /api/setup/status", app.handleSetupStatus)
	mux.HandleFunc("POST /api/setup/probe", app.handleSetupProbe)
	mux.HandleFunc("POST /api/setup/configure", app.handleSetupConfigure)
	mux.HandleFunc("GET /api/discovery", app.handleDiscoveryStatus)
	mux.HandleFunc("POST /api/discovery/retry", app.handleDiscoveryRetry)

	// Modules and containers
	protect("GET /api/modules", app.handleListModules)
	protect("POST /api/modules/{id}/enable", app.handleEnableModule)
	protect("POST /api/modules/{id}/disable", app.handleDisableModule)
	protect("GET /api/containers", app.handleListContainers)
	protect("GET /api/containers/{id}", app.handleGetContainer)
	protect("POST /api/containers/{id}/restart", app.handleRestartContainer)

	// Config service
	protect("GET /api/services/registry", app.handleServiceRegistry)
	protect("POST /api/services/register", app.handleServiceRegister)
	protect("POST /api/services/rotate-key", app.handleServiceRotateKey)
	protect("POST /api/services/probe", app.handleServiceProbe)
	protect("GET /api/settings/{$}", app.handleListSettings)
	protect("PUT /api/settings/{service}/{key}", app.handleUpdateSetting)

	// Households, nodes, training
	protect("GET /api/nodes", app.handleListHouseholds)
	protect("GET /api/nodes/{householdId}/nodes", app.handleListNodes)
	protect("POST /api/nodes/{nodeId}/train-adapter", app.handleTrainAdapter)
	protect("GET /api/training/status", app.handleTrainingStatus)
	protect("POST /api/training/build", app.handleTrainingBuild)
	protect("POST /api/training/cancel", app.handleTrainingCancel)
	protect("GET /api/training/artifacts", app.handleTrainingArtifacts)
	protect("GET /api/training/logs", app.handleTrainingLogs)

	// LLM setup and host
	protect("GET /api/llm-setup/status", app.handleLLMStatus)
	protect("POST /api/llm-setup/configure", app.handleLLMConfigure)
	protect("POST /api/llm-setup/download", app.handleLLMDownload)
	protect("GET /api/system/info", app.handleSystemInfo)

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
}
