package main

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/mcriley821/socks4d/internal/config"
)

func TestApplyOverlay_OnlyFillsUnsetFlags(t *testing.T) {
	cmd := &cobra.Command{}
	var port, threads int
	var logDirectory, logLevel string
	cmd.Flags().IntVar(&port, "port", 1080, "")
	cmd.Flags().IntVar(&threads, "threads", 0, "")
	cmd.Flags().StringVar(&logDirectory, "log-directory", "/var/log/socks4", "")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "")

	// Simulate the user explicitly passing --port on the command line.
	cmd.Flags().Set("port", "2020")

	opts := daemonOptions{
		Port:         2020,
		Threads:      0,
		LogDirectory: "/var/log/socks4",
		LogLevel:     "info",
	}
	overlay := &config.Config{
		Port:         9999,
		Threads:      8,
		LogDirectory: "/tmp/socks4",
		LogLevel:     "debug",
	}

	applyOverlay(cmd, &opts, overlay)

	if opts.Port != 2020 {
		t.Errorf("Port = %d, want 2020 (explicit flag must win)", opts.Port)
	}
	if opts.Threads != 8 {
		t.Errorf("Threads = %d, want 8 (overlay fills unset flag)", opts.Threads)
	}
	if opts.LogDirectory != "/tmp/socks4" {
		t.Errorf("LogDirectory = %q, want /tmp/socks4", opts.LogDirectory)
	}
	if opts.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", opts.LogLevel)
	}
}

func TestNewRootCmd_RejectsInvalidIPv4(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--foreground", "not-an-ip"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Error("Execute() should fail for a malformed ipv4 argument")
	}
}

func TestNewRootCmd_RequiresExactlyOneArg(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Error("Execute() should fail with no ipv4 argument")
	}
}
