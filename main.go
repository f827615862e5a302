package main

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jarvis-platform/jarvis-admin/internal/auth"
	"github.com/jarvis-platform/jarvis-admin/internal/compose"
	"github.com/jarvis-platform/jarvis-admin/internal/config"
	"github.com/jarvis-platform/jarvis-admin/internal/db"
	"github.com/jarvis-platform/jarvis-admin/internal/discovery"
	"github.com/jarvis-platform/jarvis-admin/internal/docker"
	"github.com/jarvis-platform/jarvis-admin/internal/handlers"
	"github.com/jarvis-platform/jarvis-admin/internal/models"
	"github.com/jarvis-platform/jarvis-admin/internal/modules"
	"github.com/jarvis-platform/jarvis-admin/internal/opt"
	"github.com/jarvis-platform/jarvis-admin/internal/registry"
	"github.com/jarvis-platform/jarvis-admin/internal/ws"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "0.1.0"

func main() {
	// Healthcheck mode for the container HEALTHCHECK: hit /healthz and exit
	// without initializing anything.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "3000"
		if v := os.Getenv("PORT"); v != "" {
			port = v
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
		if err != nil || resp.StatusCode != 200 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("starting jarvis-admin",
		"version", version,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"registry", cfg.RegistryPath,
		"dockerHost", cfg.DockerHost(),
		"disableGate", cfg.DisableGate,
		"discover", cfg.Discover,
		"logLevel", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open database
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		slog.Error("database", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	// Endpoints saved by a previous setup win over flags and env.
	settings := models.NewSettingStore(database)
	initial, err := settings.ApplyEndpoints(cfg.Endpoints)
	if err != nil {
		slog.Warn("load saved endpoints", "err", err)
	}
	endpoints := config.NewEndpointStore(initial)

	// Docker runtime. Without it the server still serves the proxy routes.
	rt, err := docker.Connect(ctx, cfg.DockerHost())
	if err != nil {
		slog.Warn("docker unavailable, container features disabled", "err", err)
	}
	if r, ok := rt.Get(); ok {
		defer r.Close()
	}

	var reg opt.Value[*registry.Store]
	if cfg.RegistryPath != "" {
		store, err := registry.Open(cfg.RegistryPath)
		if err != nil {
			slog.Warn("service registry unavailable, module management disabled", "path", cfg.RegistryPath, "err", err)
		} else {
			reg = opt.Some(store)
		}
	} else {
		slog.Warn("no service registry configured, module management disabled")
	}

	controller := modules.New(modules.Options{
		Registry:    reg,
		Runtime:     rt,
		Composer:    opt.Some[compose.Composer](&compose.Exec{DockerHost: cfg.DockerHost()}),
		ComposeFile: cfg.ComposeFile,
		Gate:        modules.ParseGatePolicy(cfg.DisableGate),
	})

	lookup := &discovery.Client{Cache: models.NewDiscoveryStore(database), Harvest: discovery.HarvestHostIPv4}

	wss := ws.NewServer()
	app := &handlers.App{
		Endpoints: endpoints,
		AdminKey:  cfg.CommandCenterAdminKey,
		Registry:  reg,
		Docker:    rt,
		Modules:   controller,
		Settings:  settings,
		Lookup:    lookup,
		Guard:     auth.NewGuard(func() string { return endpoints.Get().AuthURL }),
		WS:        wss,
		Version:   version,
		StartedAt: time.Now(),
	}

	// Network discovery of the config service
	if cfg.Discover {
		app.Discovery = opt.Some(discovery.NewSession(lookup, app.ApplyDiscovery))
	}

	app.InitBroadcast()
	handlers.RegisterLiveHandlers(app)

	// HTTP mux
	mux := http.NewServeMux()
	app.Routes(mux)
	if cfg.StaticDir != "" {
		slog.Info("serving frontend", "path", cfg.StaticDir)
		mux.Handle("/", gzipMiddleware(spaHandler(os.DirFS(cfg.StaticDir))))
	}

	// Registry edits show up in the modules feed without a restart.
	if store, ok := reg.Get(); ok {
		if err := store.Watch(ctx, func(err error) {
			if err != nil {
				slog.Warn("registry reload failed, keeping previous", "err", err)
				return
			}
			app.TriggerModulesBroadcast()
		}); err != nil {
			slog.Warn("registry watcher failed to start", "err", err)
		}
	}

	app.StartBroadcastWatcher(ctx)

	// Discovery only bootstraps an unconfigured server.
	if s, ok := app.Discovery.Get(); ok {
		if endpoints.Get().Configured() {
			slog.Info("discovery skipped, endpoints already configured")
		} else {
			s.Start(ctx)
		}
	}

	// Start HTTP server. No write timeout: log streams and model downloads
	// run long and carry their own ceilings.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cancel()
	wss.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

// spaHandler serves static files from fsys, falling back to index.html for
// client-side routes.
func spaHandler(fsys fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(fsys))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		f, err := fsys.Open(path)
		if err != nil {
			r.URL.Path = "/"
			fileServer.ServeHTTP(w, r)
			return
		}
		f.Close()
		fileServer.ServeHTTP(w, r)
	})
}

// gzipPool reuses gzip.Writer instances (~256KB internal state each).
var gzipPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
		return w
	},
}

// gzipMiddleware compresses static responses for clients that accept it.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		switch filepath.Ext(r.URL.Path) {
		case ".png", ".jpg", ".jpeg", ".gif", ".ico", ".woff", ".woff2", ".br", ".gz":
			next.ServeHTTP(w, r)
			return
		}

		gz := gzipPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			gz.Close()
			gzipPool.Put(gz)
		}()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		next.ServeHTTP(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	})
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}
