// Package main provides the CLI entry point for the personal agent's
// execution core.
//
// # Basic Usage
//
// Run a single chat turn through the orchestrator:
//
//	nexus chat --session-id s1 "what's on my calendar today?"
//
// Check configuration health:
//
//	nexus doctor
//
// Manage database migrations:
//
//	nexus migrate up
//	nexus migrate status
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - NEXUS_CONFIG: Path to configuration file (default: nexus.yaml)
//   - NEXUS_PROFILE: Active profile name
//   - NEXUS_GOVERNANCE_DIR: Directory holding modes.yaml/tools.yaml/models.yaml/safety.yaml
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version     = "dev"     // Semantic version (e.g., "v1.0.0")
	commit      = "none"    // Git commit SHA
	date        = "unknown" // Build timestamp
	profileName string
)

// main is the entry point for the Nexus CLI.
// It sets up the root command and all subcommands, then executes based on CLI args.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "Nexus - personal agent execution core",
		Long: `Nexus routes a single request through the brainstem orchestrator:
sensors and governance pick a mode, the router selects a model role, tools
execute under policy, and a reflection pass captures what happened.

Documentation: https://github.com/alextra-lab/personal-agent`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Profile name (uses ~/.nexus/profiles/<name>.yaml; or set NEXUS_PROFILE)")

	// Attach all subcommands.
	rootCmd.AddCommand(
		buildChatCmd(),
		buildTelemetryCmd(),
		buildMigrateCmd(),
		buildAgentsCmd(),
		buildDoctorCmd(),
		buildSetupCmd(),
		buildOnboardCmd(),
		buildAuthCmd(),
		buildProfileCmd(),
		buildSkillsCmd(),
		buildMemoryCmd(),
		buildMcpCmd(),
		buildTraceCmd(),
		buildArtifactsCmd(),
		buildEventsCmd(),
		buildRagCmd(),
		buildSessionsCmd(),
	)

	return rootCmd
}
