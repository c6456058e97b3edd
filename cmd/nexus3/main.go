// Package main is the CLI entry point for the nexus3 agent runtime: the
// spec-native session/provider/dispatcher stack in internal/session,
// internal/provider, internal/dispatcher, and internal/contextmgr.
//
// Unlike cmd/nexus (the channel/webhook/RAG gateway built on the teacher's
// own agent engine), nexus3 runs exactly one agent turn at a time against
// that stack, wired through a single loaded Config.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus3/nexus3/internal/profile"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nexus3",
		Short:        "nexus3 agent runtime: run a turn, validate config, print its schema",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd(), buildSchemaCmd(), buildDoctorCmd())
	return root
}

func resolveConfigPath(path string) string {
	if path == "" {
		return profile.DefaultConfigPath()
	}
	return path
}

func cmdLogger() *slog.Logger {
	return slog.Default()
}
