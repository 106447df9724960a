// Command socks4d is a SOCKS4/4a proxy daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mcriley821/socks4d/internal/config"
	"github.com/mcriley821/socks4d/internal/logging"
	"github.com/mcriley821/socks4d/internal/metrics"
	"github.com/mcriley821/socks4d/internal/socks4"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port                    int
		threads                 int
		logDirectory            string
		logLevel                string
		configPath              string
		metricsAddress          string
		foreground              bool
		maxConnectionsPerSecond float64
	)

	prefix := os.Getenv("PREFIX")

	cmd := &cobra.Command{
		Use:   "socks4d [flags] ipv4",
		Short: "A SOCKS4/4a proxy daemon",
		Long:  "socks4d binds a SOCKS4/4a proxy to the given IPv4 address and port, relaying CONNECT tunnels to their requested destinations.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, args[0], daemonOptions{
				Port:                    port,
				Threads:                 threads,
				LogDirectory:            logDirectory,
				LogLevel:                logLevel,
				ConfigPath:              configPath,
				MetricsAddress:          metricsAddress,
				Foreground:              foreground,
				MaxConnectionsPerSecond: maxConnectionsPerSecond,
			})
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 1080, "port to bind")
	cmd.Flags().IntVarP(&threads, "threads", "t", 0, "number of OS threads (0 = hardware concurrency)")
	cmd.Flags().StringVarP(&logDirectory, "log-directory", "o", prefix+"/var/log/socks4", "specify log directory")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "specify log level (trace, debug, info, warning, error, fatal)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to an optional YAML config overlay")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "address to serve Prometheus metrics on (disabled if empty)")
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "stay attached to the controlling terminal instead of daemonizing")
	cmd.Flags().Float64Var(&maxConnectionsPerSecond, "max-connections-per-second", 0, "rate-limit accepted connections (0 = unlimited)")

	return cmd
}

type daemonOptions struct {
	Port                    int
	Threads                 int
	LogDirectory            string
	LogLevel                string
	ConfigPath              string
	MetricsAddress          string
	Foreground              bool
	MaxConnectionsPerSecond float64
}

// runDaemon resolves the overlay config, creates the log directory,
// daemonizes (unless --foreground), and runs the server to
// completion. Flag values passed explicitly on the command line are
// handled by cobra before this point; here we only need to decide
// whether a --config file should override cobra's own flag defaults —
// it does, for any field the file sets, unless the flag was changed
// explicitly (cmd.Flags().Changed).
func runDaemon(cmd *cobra.Command, ipv4Str string, opts daemonOptions) error {
	ipv4 := net.ParseIP(ipv4Str)
	if ipv4 == nil || ipv4.To4() == nil {
		return fmt.Errorf("invalid ipv4 address: %q", ipv4Str)
	}

	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			overlay, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			applyOverlay(cmd, &opts, overlay)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat config file: %w", err)
		}
	}

	if opts.Threads <= 0 {
		opts.Threads = runtime.GOMAXPROCS(0)
	}

	if err := os.MkdirAll(opts.LogDirectory, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	if !opts.Foreground {
		if err := daemonize(); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
	}

	rotating, err := logging.NewRotatingWriter(opts.LogDirectory, "socks4", logging.DefaultRotationSize, logging.DefaultMaxFiles)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer rotating.Close()

	logger := logging.NewLoggerWithWriter(opts.LogLevel, "line", rotating)

	m := metrics.NewMetrics()
	if opts.MetricsAddress != "" {
		go serveMetrics(opts.MetricsAddress, logger)
	}

	address := net.JoinHostPort(ipv4.String(), strconv.Itoa(opts.Port))
	logger.Info("launching", logging.KeyAddress, address)

	server := socks4.NewServer(socks4.ServerConfig{
		Address:             address,
		Threads:             opts.Threads,
		MaxAcceptsPerSecond: opts.MaxConnectionsPerSecond,
		Logger:              logger,
		Metrics:             m,
	})

	// Server.Run installs its own SIGINT/SIGTERM/SIGABRT handler;
	// context.Background() here carries no cancellation of its own.
	if err := server.Run(context.Background()); err != nil {
		logger.Error("server error", logging.KeyError, err)
		return err
	}

	logger.Info("exiting")
	return nil
}

// applyOverlay fills in any flag the user did not set explicitly from
// the loaded config file; explicit CLI flags always win.
func applyOverlay(cmd *cobra.Command, opts *daemonOptions, overlay *config.Config) {
	flags := cmd.Flags()
	if !flags.Changed("port") {
		opts.Port = overlay.Port
	}
	if !flags.Changed("threads") {
		opts.Threads = overlay.Threads
	}
	if !flags.Changed("log-directory") {
		opts.LogDirectory = overlay.LogDirectory
	}
	if !flags.Changed("log-level") {
		opts.LogLevel = overlay.LogLevel
	}
	if !flags.Changed("max-connections-per-second") {
		opts.MaxConnectionsPerSecond = overlay.MaxConnectionsPerSecond
	}
}

func serveMetrics(address string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", logging.KeyError, err)
	}
}
