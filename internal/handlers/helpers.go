package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jarvis-platform/jarvis-admin/internal/auth"
	"github.com/jarvis-platform/jarvis-admin/internal/config"
	"github.com/jarvis-platform/jarvis-admin/internal/discovery"
	"github.com/jarvis-platform/jarvis-admin/internal/docker"
	"github.com/jarvis-platform/jarvis-admin/internal/models"
	"github.com/jarvis-platform/jarvis-admin/internal/modules"
	"github.com/jarvis-platform/jarvis-admin/internal/opt"
	"github.com/jarvis-platform/jarvis-admin/internal/registry"
	"github.com/jarvis-platform/jarvis-admin/internal/ws"
)

const maxBodyBytes = 1 << 20

// App holds shared dependencies for all handlers. Optional collaborators are
// carried as opt.Value; handlers answer 503 or a degraded view when absent.
type App struct {
	Endpoints *config.EndpointStore
	AdminKey  string // command center admin key

	Registry opt.Value[*registry.Store]
	Docker   opt.Value[docker.Runtime]
	Modules  *modules.Controller

	Settings  *models.SettingStore
	Discovery opt.Value[*discovery.Session]
	Lookup    *discovery.Client // resolves service URLs from a config service

	Guard *auth.Guard
	WS    *ws.Server

	Version   string
	StartedAt time.Time

	bcastState *broadcastState
	debouncer  *channelDebouncer
}

// parseArgs unmarshals the Args JSON array into a slice of json.RawMessage.
func parseArgs(msg *ws.ClientMessage) []json.RawMessage {
	if msg == nil || len(msg.Args) == 0 {
		return nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		slog.Warn("parse args", "err", err)
		return nil
	}
	return args
}

// argString extracts a string from args at the given index.
func argString(args []json.RawMessage, index int) string {
	if index >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[index], &s); err != nil {
		return ""
	}
	return s
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

var errBadBody = errors.New("Invalid JSON body")

// readBody returns the request body as raw JSON, or nil when it is empty.
func readBody(r *http.Request) (json.RawMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errBadBody
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errBadBody
	}
	return raw, nil
}

// decodeBody decodes the request body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst any) error {
	raw, err := readBody(r)
	if err != nil || raw == nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errBadBody
	}
	return nil
}

// bearer forwards the caller's Authorization header upstream.
func bearer(r *http.Request) map[string]string {
	return map[string]string{"Authorization": r.Header.Get("Authorization")}
}
