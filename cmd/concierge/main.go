// Command concierge is the remote-host control service: it serves the
// HTTPS frontend and WebSocket gateway, and offers offline helpers for
// config validation, token minting, and inspecting the persisted task
// store.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

// newCLILogger builds the logger passed to config.Load from offline CLI
// subcommands: text handler to stderr, the same handler type the
// server's logger uses (see bootstrap.newLogger).
func newCLILogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	if buildTime != "" {
		v += fmt.Sprintf(" built %s", buildTime)
	}
	return v
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "concierge:", err)
		os.Exit(1)
	}
}
