package main

import (
	"github.com/alextra-lab/personal-agent/internal/profile"
	"github.com/spf13/cobra"
)

// =============================================================================
// Chat Command
// =============================================================================

// buildChatCmd creates the "chat" command: a single-shot request through
// the brainstem orchestrator (router, LLM roles, tools, synthesis).
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message through the agent execution core",
		Long: `Route a message through the brainstem orchestrator: heuristic/LLM routing,
tool execution, and synthesis of a final reply.`,
		Example: `  nexus chat "what's 2+2?"
  nexus chat --session work-thread "summarize the last deploy"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runChat(cmd, configPath, sessionID, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to associate with this request (defaults to a generated id)")
	return cmd
}

// =============================================================================
// Telemetry Commands
// =============================================================================

// buildTelemetryCmd creates the "telemetry" command group for querying the
// structured event log.
func buildTelemetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Query structured agent telemetry",
		Long:  `Query and reconstruct timelines from the agent's structured event log.`,
	}
	cmd.AddCommand(buildTelemetryQueryCmd(), buildTelemetryTraceCmd())
	return cmd
}

func buildTelemetryQueryCmd() *cobra.Command {
	var (
		logPath   string
		event     string
		component string
		since     string
		until     string
		limit     int
		format    string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query recent telemetry events",
		Long:  `Filter the structured event log by event name, component, and time window.`,
		Example: `  nexus telemetry query --event task_completed --limit 20
  nexus telemetry query --component tool_executor --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTelemetryQuery(cmd, telemetryQueryOptions{
				logPath:   logPath,
				event:     event,
				component: component,
				since:     since,
				until:     until,
				limit:     limit,
				format:    format,
			})
		},
	}

	cmd.Flags().StringVar(&logPath, "log", "", "Path to the event log JSONL file (defaults to NEXUS_EVENT_LOG or telemetry/events.jsonl)")
	cmd.Flags().StringVar(&event, "event", "", "Filter by event name")
	cmd.Flags().StringVar(&component, "component", "", "Filter by component")
	cmd.Flags().StringVar(&since, "since", "", "Only events at or after this RFC3339 timestamp")
	cmd.Flags().StringVar(&until, "until", "", "Only events at or before this RFC3339 timestamp")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events to show")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func buildTelemetryTraceCmd() *cobra.Command {
	var (
		logPath string
		format  string
	)

	cmd := &cobra.Command{
		Use:   "trace <trace_id>",
		Short: "Reconstruct the event timeline for one trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTelemetryTrace(cmd, logPath, args[0], format)
		},
	}

	cmd.Flags().StringVar(&logPath, "log", "", "Path to the event log JSONL file (defaults to NEXUS_EVENT_LOG or telemetry/events.jsonl)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	return cmd
}
