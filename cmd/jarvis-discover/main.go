// Command jarvis-discover runs one network discovery for the config service
// and prints the derived endpoints.
//
//	jarvis-discover                      # cache, localhost, then subnet
//	jarvis-discover --data-dir ./data    # reuse the server's discovery cache
//	jarvis-discover services http://10.0.0.4:8013
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jarvis-platform/jarvis-admin/internal/config"
	"github.com/jarvis-platform/jarvis-admin/internal/db"
	"github.com/jarvis-platform/jarvis-admin/internal/discovery"
	"github.com/jarvis-platform/jarvis-admin/internal/models"
)

var (
	dataDir  string
	logLevel string
	asJSON   bool
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "jarvis-discover",
	Short: "Locate the Jarvis config service on this host or its subnet",
	Long: `jarvis-discover probes the cached config-service URL, then localhost on
ports 8013-8020, then every other address of the host's /24 subnet. On
success it resolves jarvis-auth through the config service and prints the
resulting URLs.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: config.ParseLogLevel(logLevel),
		})))
	},
	RunE: runDiscover,
}

var servicesCmd = &cobra.Command{
	Use:   "services <config-url>",
	Short: "List the services registered with a config service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServices,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up after this long")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory holding the discovery cache (default: no cache)")
	rootCmd.AddCommand(servicesCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := &discovery.Client{}
	if dataDir != "" {
		database, err := db.Open(dataDir)
		if err != nil {
			return err
		}
		defer database.Close()
		client.Cache = models.NewDiscoveryStore(database)
	}

	res, err := client.Discover(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(res)
	}
	fmt.Printf("config:   %s\nauth:     %s\nsettings: %s\n", res.ConfigURL, res.AuthURL, res.SettingsURL)
	return nil
}

func runServices(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	services, err := (&discovery.Client{}).ListServices(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(services)
	}
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-20s %s\n", name, services[name])
	}
	return nil
}
