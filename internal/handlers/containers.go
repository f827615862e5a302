package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/jarvis-platform/jarvis-admin/internal/docker"
)

var errDockerUnavailable = errors.New("Docker is not available")

// ContainerView is a managed container enriched with its registry entry.
// Description and Category are null for containers the registry does not
// know.
type ContainerView struct {
	docker.ContainerRecord
	DisplayName string  `json:"displayName"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
}

func (app *App) containerViews(ctx context.Context) ([]ContainerView, error) {
	rt, ok := app.Docker.Get()
	if !ok {
		return nil, errDockerUnavailable
	}
	records, err := rt.ListManagedContainers(ctx)
	if err != nil {
		return nil, err
	}

	reg, hasRegistry := app.Registry.Get()
	views := make([]ContainerView, 0, len(records))
	for _, rec := range records {
		v := ContainerView{ContainerRecord: rec, DisplayName: rec.Name}
		if id, ok := docker.ServiceIDFromName(rec.Name); ok && hasRegistry {
			if svc, ok := reg.ServiceByID(id); ok {
				v.DisplayName = svc.Name
				v.Description = &svc.Description
				v.Category = &svc.Category
			}
		}
		views = append(views, v)
	}
	return views, nil
}

type containerList struct {
	Containers []ContainerView `json:"containers"`
	Error      string          `json:"error,omitempty"`
}

func (app *App) handleListContainers(w http.ResponseWriter, r *http.Request) {
	views, err := app.containerViews(r.Context())
	switch {
	case errors.Is(err, errDockerUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, containerList{Containers: []ContainerView{}, Error: err.Error()})
	case err != nil:
		slog.Warn("list containers", "err", err)
		writeJSON(w, http.StatusBadGateway, containerList{Containers: []ContainerView{}, Error: "Failed to list containers: " + err.Error()})
	default:
		writeJSON(w, http.StatusOK, containerList{Containers: views})
	}
}

type containerDetail struct {
	Container docker.ContainerRecord   `json:"container"`
	Stats     *docker.ResourceSnapshot `json:"stats"`
}

// handleGetContainer inspects the container and reads its stats
// concurrently. A stats failure degrades to null stats; only the status
// lookup decides the response code.
func (app *App) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	rt, ok := app.Docker.Get()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errDockerUnavailable.Error())
		return
	}
	id := r.PathValue("id")

	var (
		detail containerDetail
		g      errgroup.Group
	)
	g.Go(func() error {
		rec, err := rt.GetContainerStatus(r.Context(), id)
		detail.Container = rec
		return err
	})
	g.Go(func() error {
		stats, err := rt.GetContainerStats(r.Context(), id)
		if err != nil {
			slog.Debug("container stats", "id", id, "err", err)
			return nil
		}
		detail.Stats = &stats
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			writeError(w, http.StatusNotFound, "Container not found")
			return
		}
		slog.Warn("inspect container", "id", id, "err", err)
		writeError(w, http.StatusBadGateway, "Failed to inspect container: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type actionReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (app *App) handleRestartContainer(w http.ResponseWriter, r *http.Request) {
	rt, ok := app.Docker.Get()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errDockerUnavailable.Error())
		return
	}
	id := r.PathValue("id")

	if err := rt.RestartContainer(r.Context(), id); err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			writeError(w, http.StatusNotFound, "Container not found")
			return
		}
		slog.Warn("restart container", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to restart container: "+err.Error())
		return
	}
	slog.Info("container restarting", "id", id)
	writeJSON(w, http.StatusOK, actionReply{Success: true, Message: "Container restarting"})
}
