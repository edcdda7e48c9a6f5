// Iaq-server is the update and telemetry server for IAQ monitor devices.
//
// It serves the over-the-air update API, streams device state over
// WebSocket sessions and announces itself over mDNS. The server can
// run plain HTTP (for the provisioning access point) or TLS (for
// station networks), and switches between them at runtime.
//
// Usage:
//
//	iaq-server serve [flags]
//
// See 'iaq-server serve --help' for available options.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DivinityQQ/iaq-monitor-server/internal/config"
	"github.com/DivinityQQ/iaq-monitor-server/internal/flash"
	"github.com/DivinityQQ/iaq-monitor-server/internal/httpapi"
	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
	"github.com/DivinityQQ/iaq-monitor-server/internal/ota"
	"github.com/DivinityQQ/iaq-monitor-server/internal/server"
	"github.com/DivinityQQ/iaq-monitor-server/internal/telemetry"
	"github.com/DivinityQQ/iaq-monitor-server/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "iaq-server",
	Short:   "IAQ monitor update and telemetry server",
	Long:    `The update and telemetry server core of the IAQ monitor device.`,
	Version: version.Version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Serve command and flags
var (
	configPath string
	host       string
	port       int
	tlsPort    int
	certPath   string
	keyPath    string
	logLevel   string
	stateDir   string
	scheme     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the update and telemetry server",
	Long: `Start the server that handles over-the-air updates and streams
device state to WebSocket clients.

Without certificate flags a self-signed certificate is generated, so
the https scheme is always available. Firmware and frontend images are
staged under the state directory.`,
	Example: `  # Start on plain HTTP with defaults
  iaq-server serve

  # Start on TLS with provisioned certificates
  iaq-server serve --scheme https --cert fullchain.pem --key privkey.pem

  # Custom ports and verbose logging
  iaq-server serve --port 8080 --tls-port 8443 --log-level debug`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML configuration file (optional)")
	serveCmd.Flags().StringVar(&host, "host", "", "Listen address (empty = all interfaces)")
	serveCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().IntVar(&tlsPort, "tls-port", 0, "HTTPS port (overrides config)")
	serveCmd.Flags().StringVar(&certPath, "cert", "", "Path to TLS certificate file (optional, self-signed if not provided)")
	serveCmd.Flags().StringVar(&keyPath, "key", "", "Path to TLS private key file (optional)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for staged images and boot state")
	serveCmd.Flags().StringVar(&scheme, "scheme", "http", "Initial scheme to serve on (http or https)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if (certPath != "" && keyPath == "") || (certPath == "" && keyPath != "") {
		return fmt.Errorf("both --cert and --key must be provided together, or neither")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	driver, err := flash.NewSimDriver(cfg.Update.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state directory: %w", err)
	}

	updater := ota.New(driver, driver, ota.Options{
		ProjectName: cfg.Update.ProjectName,
		HeaderLen:   cfg.Update.HeaderLen,
	})

	srv, err := server.New(cfg, updater, telemetry.NewHostProvider(), httpapi.LogRebooter{})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	initial := server.Scheme(scheme)
	if initial != server.SchemeHTTP && initial != server.SchemeHTTPS {
		return fmt.Errorf("unknown scheme %q (expected http or https)", scheme)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx, initial)
}

// applyFlags layers command line overrides over the loaded config.
func applyFlags(cfg *config.Config) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if tlsPort != 0 {
		cfg.Server.TLSPort = tlsPort
	}
	if certPath != "" {
		cfg.Server.CertPath = certPath
		cfg.Server.KeyPath = keyPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if stateDir != "" {
		cfg.Update.StateDir = stateDir
	}
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("iaq-server %s (commit: %s)\n", version.Version, version.Commit)
	},
}
