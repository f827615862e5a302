// Package modules derives the enabled state of optional services from live
// containers and turns enable/disable requests into compose actions.
//
// There is no stored lifecycle state: every call re-reads the registry and the
// runtime. The disable gate reads container state and then acts, so a module
// enabled in between is not seen; the runtime offers nothing to close that
// window.
package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jarvis-platform/jarvis-admin/internal/compose"
	"github.com/jarvis-platform/jarvis-admin/internal/docker"
	"github.com/jarvis-platform/jarvis-admin/internal/opt"
	"github.com/jarvis-platform/jarvis-admin/internal/registry"
)

var (
	// ErrNotFound is returned for ids that are unknown or not optional.
	ErrNotFound = errors.New("module not found")

	// ErrUnavailable is returned when a collaborator the operation needs is
	// absent.
	ErrUnavailable = errors.New("collaborator unavailable")
)

// GatePolicy decides what Disable does when dependent liveness cannot be
// determined.
type GatePolicy int

const (
	// GateFailOpen disables anyway and logs a warning.
	GateFailOpen GatePolicy = iota
	// GateFailClosed refuses with ErrUnavailable.
	GateFailClosed
)

func (p GatePolicy) String() string {
	if p == GateFailClosed {
		return "closed"
	}
	return "open"
}

// ParseGatePolicy maps "closed" to GateFailClosed and anything else to
// GateFailOpen.
func ParseGatePolicy(s string) GatePolicy {
	if strings.EqualFold(strings.TrimSpace(s), "closed") {
		return GateFailClosed
	}
	return GateFailOpen
}

// ConflictError refuses a disable because running services depend on the
// module.
type ConflictError struct {
	ID         string
	Dependents []string
}

func (e *ConflictError) Error() string {
	return "Cannot disable: the following running modules depend on this one: " + strings.Join(e.Dependents, ", ")
}

// ActionError is a compose action that did not succeed.
type ActionError struct {
	ID     string
	Action string // "enable" or "disable"
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("Failed to %s module: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// ModuleView is an optional service plus its observed enabled state.
type ModuleView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Port        int      `json:"port"`
	Profile     string   `json:"profile"`
	DependsOn   []string `json:"dependsOn"`
	Enabled     bool     `json:"enabled"`
}

// Listing is the outcome of List. Err is set when the view is degraded or
// empty because a collaborator is missing; Modules is never nil.
type Listing struct {
	Modules []ModuleView
	Err     error
}

// Result describes a completed action.
type Result struct {
	Message string
	Output  compose.Output
}

// Options wires a Controller. Absent collaborators are allowed.
type Options struct {
	Registry    opt.Value[*registry.Store]
	Runtime     opt.Value[docker.Runtime]
	Composer    opt.Value[compose.Composer]
	ComposeFile string
	Gate        GatePolicy
}

// Controller runs module lifecycle operations.
type Controller struct {
	registry    opt.Value[*registry.Store]
	runtime     opt.Value[docker.Runtime]
	composer    opt.Value[compose.Composer]
	composeFile string
	gate        GatePolicy
}

// New returns a Controller over the given collaborators.
func New(o Options) *Controller {
	return &Controller{
		registry:    o.Registry,
		runtime:     o.Runtime,
		composer:    o.Composer,
		composeFile: o.ComposeFile,
		gate:        o.Gate,
	}
}

// List returns every optional service with enabled set when a running
// managed container carries its name. A stopped container does not count:
// enabled means up, the same rule the disable gate applies to dependents.
func (c *Controller) List(ctx context.Context) Listing {
	reg, ok := c.registry.Get()
	if !ok {
		return Listing{Modules: []ModuleView{}, Err: ErrUnavailable}
	}

	var listErr error
	running, err := c.runningServices(ctx)
	if err != nil {
		slog.Warn("module list without container state", "err", err)
		listErr = err
	}

	optional := reg.OptionalServices()
	views := make([]ModuleView, 0, len(optional))
	for _, svc := range optional {
		views = append(views, ModuleView{
			ID:          svc.ID,
			Name:        svc.Name,
			Description: svc.Description,
			Port:        svc.Port,
			Profile:     svc.DeploymentProfile(),
			DependsOn:   nonNil(svc.DependsOn),
			Enabled:     running[svc.ID],
		})
	}
	return Listing{Modules: views, Err: listErr}
}

// Enable brings up the module's compose profile.
func (c *Controller) Enable(ctx context.Context, id string) (Result, error) {
	svc, err := c.lookup(id)
	if err != nil {
		return Result{}, err
	}
	comp, ok := c.composer.Get()
	if !ok {
		return Result{}, ErrUnavailable
	}

	out, err := comp.EnableModule(ctx, svc.DeploymentProfile(), c.composeFile)
	if err != nil {
		return Result{Output: out}, &ActionError{ID: id, Action: "enable", Err: err}
	}
	slog.Info("module enabled", "id", id, "profile", svc.DeploymentProfile())
	return Result{Message: "Module " + svc.Name + " enabled", Output: out}, nil
}

// Disable stops the module's compose profile unless a running service
// depends on it.
func (c *Controller) Disable(ctx context.Context, id string) (Result, error) {
	svc, err := c.lookup(id)
	if err != nil {
		return Result{}, err
	}
	comp, ok := c.composer.Get()
	if !ok {
		return Result{}, ErrUnavailable
	}
	reg, _ := c.registry.Get()

	if dependents := reg.Dependents(id); len(dependents) > 0 {
		blocking, err := c.runningDependents(ctx, dependents)
		switch {
		case err != nil && c.gate == GateFailClosed:
			return Result{}, fmt.Errorf("%w: cannot verify dependents of %s: %v", ErrUnavailable, id, err)
		case err != nil:
			slog.Warn("disabling without dependent check", "id", id, "dependents", dependents, "err", err)
		case len(blocking) > 0:
			return Result{}, &ConflictError{ID: id, Dependents: blocking}
		}
	}

	out, err := comp.DisableModule(ctx, svc.DeploymentProfile(), c.composeFile)
	if err != nil {
		return Result{Output: out}, &ActionError{ID: id, Action: "disable", Err: err}
	}
	slog.Info("module disabled", "id", id, "profile", svc.DeploymentProfile())
	return Result{Message: "Module " + svc.Name + " disabled", Output: out}, nil
}

func (c *Controller) lookup(id string) (registry.ServiceDefinition, error) {
	reg, ok := c.registry.Get()
	if !ok {
		return registry.ServiceDefinition{}, ErrUnavailable
	}
	svc, ok := reg.ServiceByID(id)
	if !ok || !svc.IsOptional() {
		return registry.ServiceDefinition{}, ErrNotFound
	}
	return svc, nil
}

// runningDependents keeps the dependents that have a running container, in
// the order given.
func (c *Controller) runningDependents(ctx context.Context, dependents []string) ([]string, error) {
	running, err := c.runningServices(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dependents {
		if running[d] {
			out = append(out, d)
		}
	}
	return out, nil
}

// runningServices maps service ids to true for every running managed
// container. Both listing and the disable gate go through here so the two
// always agree on naming.
func (c *Controller) runningServices(ctx context.Context) (map[string]bool, error) {
	rt, ok := c.runtime.Get()
	if !ok {
		return map[string]bool{}, ErrUnavailable
	}
	containers, err := rt.ListManagedContainers(ctx)
	if err != nil {
		return map[string]bool{}, fmt.Errorf("list containers: %w", err)
	}
	running := make(map[string]bool, len(containers))
	for _, ctr := range containers {
		if !ctr.Running() {
			continue
		}
		if id, ok := docker.ServiceIDFromName(ctr.Name); ok {
			running[id] = true
		}
	}
	return running, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}
