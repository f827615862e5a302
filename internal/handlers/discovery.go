package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/jarvis-platform/jarvis-admin/internal/discovery"
)

type discoveryReply struct {
	Enabled bool `json:"enabled"`
	discovery.Snapshot
}

func (app *App) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := app.Discovery.Get()
	if !ok {
		writeJSON(w, http.StatusOK, discoveryReply{Snapshot: discovery.Snapshot{Status: discovery.StateIdle}})
		return
	}
	writeJSON(w, http.StatusOK, discoveryReply{Enabled: true, Snapshot: s.Snapshot()})
}

// handleDiscoveryRetry starts a new attempt after a failed one. Like setup
// configure, it is open only while the server has no endpoints; a successful
// attempt replaces them.
func (app *App) handleDiscoveryRetry(w http.ResponseWriter, r *http.Request) {
	if app.Endpoints.Get().Configured() {
		app.Guard.RequireSuperuser(http.HandlerFunc(app.discoveryRetry)).ServeHTTP(w, r)
		return
	}
	app.discoveryRetry(w, r)
}

// discoveryRetry answers with the session state right after the transition.
func (app *App) discoveryRetry(w http.ResponseWriter, r *http.Request) {
	s, ok := app.Discovery.Get()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "Discovery is not enabled")
		return
	}
	// The attempt outlives this request.
	if err := s.Retry(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, discovery.ErrNotRetryable) {
			writeJSON(w, http.StatusConflict, struct {
				Error string `json:"error"`
				discovery.Snapshot
			}{err.Error(), s.Snapshot()})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, discoveryReply{Enabled: true, Snapshot: s.Snapshot()})
}

// ApplyDiscovery adopts a discovery result as the server's endpoints. It is
// the session's ready callback.
func (app *App) ApplyDiscovery(res discovery.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), discovery.LookupTimeout)
	defer cancel()
	app.Configure(ctx, res.AuthURL, res.ConfigURL)
}
