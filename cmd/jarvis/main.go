// Package main is the jarvis CLI: one binary that runs the fabric hub,
// runs an agent runtime, and talks to a running hub.
//
// Start the hub:
//
//	jarvis serve --config jarvis.yaml
//
// Start an agent:
//
//	jarvis agent --id agent-dev --role dev
//
// Call a hub method:
//
//	jarvis call tasks.list
//	jarvis call tasks.create '{"title":"Ship the release"}'
//
// Environment variables:
//
//   - JARVIS_CONFIG: configuration file path (default: jarvis.yaml)
//   - PORT, HOST, AUTH_TOKEN: hub overrides
//   - JARVIS_NATS_URL, JARVIS_REDIS_URL, JARVIS_STORAGE_PATH
//   - JARVIS_AGENT_ID, JARVIS_AGENT_ROLE
//   - JARVIS_HUB: hub address for "jarvis call" (default: ws://127.0.0.1:8700)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY and friends, expanded inside the
//     config file with ${VAR} syntax
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "jarvis.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jarvis",
		Short: "Jarvis - distributed multi-agent orchestration fabric",
		Long: `Jarvis runs a hub and a fleet of LLM-backed agents that coordinate
over NATS and Redis. The hub schedules tasks onto agents by capability;
agents run a reasoning loop with tools and report results back.

One binary serves every role: "jarvis serve" runs the hub,
"jarvis agent" runs one agent runtime, "jarvis call" speaks to a hub.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentCmd(),
		buildCallCmd(),
		buildSetupCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then JARVIS_CONFIG, then the
// default file in the working directory.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" && flagValue != defaultConfigPath {
		return flagValue
	}
	if env := os.Getenv("JARVIS_CONFIG"); env != "" {
		return env
	}
	if flagValue != "" {
		return flagValue
	}
	return defaultConfigPath
}
