package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jarvis-platform/jarvis-admin/internal/modules"
)

const errNoRegistry = "Service registry not configured"

func listingError(err error) string {
	if errors.Is(err, modules.ErrUnavailable) {
		return errDockerUnavailable.Error()
	}
	return err.Error()
}

func (app *App) handleListModules(w http.ResponseWriter, r *http.Request) {
	if !app.Registry.Present() {
		writeJSON(w, http.StatusServiceUnavailable, ModulesFeed{
			Modules: []modules.ModuleView{},
			Error:   errNoRegistry,
		})
		return
	}
	writeJSON(w, http.StatusOK, app.modulesFeed(r.Context()))
}

type conflictReply struct {
	Error      string   `json:"error"`
	Dependents []string `json:"dependents"`
}

func (app *App) handleEnableModule(w http.ResponseWriter, r *http.Request) {
	res, err := app.Modules.Enable(r.Context(), r.PathValue("id"))
	app.writeModuleResult(w, r, res, err)
}

func (app *App) handleDisableModule(w http.ResponseWriter, r *http.Request) {
	res, err := app.Modules.Disable(r.Context(), r.PathValue("id"))
	app.writeModuleResult(w, r, res, err)
}

func (app *App) writeModuleResult(w http.ResponseWriter, r *http.Request, res modules.Result, err error) {
	var (
		conflict *modules.ConflictError
		action   *modules.ActionError
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, actionReply{Success: true, Message: res.Message})
	case errors.Is(err, modules.ErrNotFound):
		writeError(w, http.StatusNotFound, "Module not found")
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflictReply{Error: conflict.Error(), Dependents: conflict.Dependents})
	case err == modules.ErrUnavailable:
		writeError(w, http.StatusServiceUnavailable, "Compose or registry not available")
	case errors.Is(err, modules.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &action):
		slog.Warn("module action failed", "id", action.ID, "action", action.Action, "err", action.Err)
		writeError(w, http.StatusInternalServerError, action.Error())
	default:
		slog.Error("module action", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
