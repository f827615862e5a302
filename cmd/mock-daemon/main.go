// Command mock-daemon runs a standalone fake Docker daemon on a Unix socket,
// serving the containers described in a YAML world file. Point jarvis-admin at
// it with --docker-socket and put mock-docker first on PATH to exercise module
// enable/disable without a real engine.
//
// Usage:
//
//	mock-daemon --socket /tmp/jarvis-mock/docker.sock --world testdata/world.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jarvis-platform/jarvis-admin/internal/config"
	"github.com/jarvis-platform/jarvis-admin/internal/docker"
)

func main() {
	var (
		socketPath string
		worldPath  string
		logLevel   string
	)

	pflag.StringVar(&socketPath, "socket", "", "Unix socket path (default: /tmp/jarvis-mock-<pid>/docker.sock)")
	pflag.StringVar(&worldPath, "world", "", "YAML file describing the containers to serve")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(logLevel),
	})))

	if socketPath == "" {
		dir := fmt.Sprintf("/tmp/jarvis-mock-%d", os.Getpid())
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("create socket dir", "err", err)
			os.Exit(1)
		}
		socketPath = dir + "/docker.sock"
	}

	world := &docker.FakeWorld{}
	if worldPath != "" {
		w, err := docker.LoadFakeWorld(worldPath)
		if err != nil {
			slog.Error("load world", "path", worldPath, "err", err)
			os.Exit(1)
		}
		world = w
	}

	fd, err := docker.StartFakeDaemon(world, socketPath)
	if err != nil {
		slog.Error("start fake daemon", "err", err)
		os.Exit(1)
	}
	defer fd.Close()

	// Print socket path to stdout so parent processes can discover it
	fmt.Println(socketPath)

	slog.Info("mock daemon started",
		"socket", socketPath,
		"world", worldPath,
		"containers", len(world.Containers),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("mock daemon shutting down")
}
