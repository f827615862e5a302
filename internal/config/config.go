package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Gate policies for disabling a module when dependent liveness is unknown.
const (
	GateOpen   = "open"
	GateClosed = "closed"
)

type Config struct {
	Port                  int
	Endpoints             Endpoints
	CommandCenterAdminKey string
	DockerSocket          string // path of the daemon's Unix socket
	RegistryPath          string // empty: module management unavailable
	ComposeFile           string // empty: compose resolves its own project file
	StaticDir             string // empty: no frontend served
	DataDir               string
	LogLevel              slog.Level
	DisableGate           string // GateOpen or GateClosed
	Discover              bool   // locate the config service on the network at startup
}

// DockerHost returns the socket as a DOCKER_HOST style URI.
func (c *Config) DockerHost() string {
	if c.DockerSocket == "" {
		return ""
	}
	if strings.Contains(c.DockerSocket, "://") {
		return c.DockerSocket
	}
	return "unix://" + c.DockerSocket
}

// Load parses os.Args and the process environment.
func Load() (*Config, error) {
	return Parse(os.Args[1:], os.Getenv)
}

// Parse reads flags from args, then lets environment variables override them.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("jarvis-admin", pflag.ContinueOnError)

	var (
		logLevel string
		ep       Endpoints
	)
	fs.IntVar(&cfg.Port, "port", 3000, "HTTP server port")
	fs.StringVar(&ep.AuthURL, "auth-url", "http://localhost:8007", "Auth service base URL")
	fs.StringVar(&ep.ConfigURL, "config-service-url", "http://localhost:8013", "Config service base URL")
	fs.StringVar(&ep.LLMProxyURL, "llm-proxy-url", "", "LLM proxy base URL (usually resolved from the config service)")
	fs.StringVar(&ep.CommandCenterURL, "command-center-url", "", "Command center base URL (usually resolved from the config service)")
	fs.StringVar(&cfg.CommandCenterAdminKey, "command-center-admin-key", "", "Admin API key for the command center")
	fs.StringVar(&cfg.DockerSocket, "docker-socket", "/var/run/docker.sock", "Docker daemon socket")
	fs.StringVar(&cfg.RegistryPath, "registry", "", "Path to the service registry (JSON, JSONC or YAML)")
	fs.StringVar(&cfg.ComposeFile, "compose-file", "", "Compose file passed to docker compose -f")
	fs.StringVar(&cfg.StaticDir, "static-dir", "", "Directory with the built frontend")
	fs.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (bbolt DB)")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.DisableGate, "disable-gate", GateOpen, "Disable when dependents cannot be checked: open or closed")
	fs.BoolVar(&cfg.Discover, "discover", false, "Discover the config service on the local network at startup")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Env vars override flags (if set)
	if v := getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := getenv("AUTH_URL"); v != "" {
		ep.AuthURL = v
	}
	if v := getenv("CONFIG_SERVICE_URL"); v != "" {
		ep.ConfigURL = v
	}
	if v := getenv("LLM_PROXY_URL"); v != "" {
		ep.LLMProxyURL = v
	}
	if v := getenv("COMMAND_CENTER_URL"); v != "" {
		ep.CommandCenterURL = v
	}
	if v := getenv("COMMAND_CENTER_ADMIN_KEY"); v != "" {
		cfg.CommandCenterAdminKey = v
	}
	if v := getenv("DOCKER_SOCKET"); v != "" {
		cfg.DockerSocket = v
	}
	if v := getenv("REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := getenv("COMPOSE_FILE"); v != "" {
		cfg.ComposeFile = v
	}
	if v := getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("JARVIS_LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := getenv("JARVIS_DISABLE_GATE"); v != "" {
		cfg.DisableGate = v
	}
	if v := getenv("JARVIS_DISCOVER"); v == "1" || v == "true" {
		cfg.Discover = true
	}

	cfg.DisableGate = strings.ToLower(strings.TrimSpace(cfg.DisableGate))
	if cfg.DisableGate != GateOpen && cfg.DisableGate != GateClosed {
		return nil, fmt.Errorf("invalid disable gate %q: want %s or %s", cfg.DisableGate, GateOpen, GateClosed)
	}

	ep.SettingsURL = ep.ConfigURL
	cfg.Endpoints = ep.normalized()
	cfg.LogLevel = ParseLogLevel(logLevel)

	return cfg, nil
}

// ParseLogLevel maps a level name to slog; unknown names give Info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
