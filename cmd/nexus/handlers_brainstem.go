package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alextra-lab/personal-agent/internal/brainstem"
	"github.com/alextra-lab/personal-agent/internal/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// =============================================================================
// Chat Command Handler
// =============================================================================

func runChat(cmd *cobra.Command, configPath, sessionID, message string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	roles, adapters, err := buildRoleConfigsFromLLMConfig(cfg.LLM)
	if err != nil {
		return err
	}

	logPath := resolveEventLogPath("")
	eventLog := brainstem.NewEventLogger(brainstem.EventLoggerConfig{Path: logPath, Component: "orchestrator"})
	defer eventLog.Close()

	gov, err := brainstem.LoadGovernanceConfig(resolveGovernanceDir(""))
	if err != nil {
		return fmt.Errorf("loading governance config: %w", err)
	}
	modes := brainstem.NewModeManager(gov, nil)
	tools := brainstem.NewToolRegistry(gov, modes, eventLog, nil)
	llm := brainstem.NewLLMClient(roles, adapters, eventLog, nil)
	router := brainstem.NewRouter(llm, brainstem.StrategyHeuristicThenLLM)

	captures := brainstem.NewCaptureWriter("")
	reflections := brainstem.NewReflectionPipeline(brainstem.ReflectionPipelineConfig{
		LLM:      llm,
		EventLog: eventLog,
		RootDir:  filepath.Join("telemetry", "captains_log"),
	})

	var background sync.WaitGroup
	orch := brainstem.NewOrchestrator(brainstem.OrchestratorConfig{
		Router:     router,
		LLM:        llm,
		Tools:      tools,
		Modes:      modes,
		Governance: gov,
		EventLog:   eventLog,
		OnCompleted: func(ctx context.Context, ec *brainstem.ExecutionContext) {
			background.Add(1)
			go func() {
				defer background.Done()
				reflectAndCapture(ctx, captures, reflections, eventLog, logPath, ec)
			}()
		},
	})

	ec, err := orch.Run(cmd.Context(), sessionID, "cli", message)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), ec.FinalReply)
	background.Wait()
	return nil
}

// reflectAndCapture runs the background half of spec §4.10 step 6 for one
// completed request: task-capture persistence, then reflection. Both are
// best-effort — a failure here is logged to the event stream and never
// surfaces to the chat reply.
func reflectAndCapture(ctx context.Context, captures *brainstem.CaptureWriter, reflections *brainstem.ReflectionPipeline, eventLog *brainstem.EventLogger, logPath string, ec *brainstem.ExecutionContext) {
	if err := captures.Write(ec); err != nil {
		eventLog.Log(ctx, brainstem.Event{
			Level:     "warn",
			EventName: "capture_persist_failed",
			Component: "capture_writer",
			TraceID:   ec.Trace.TraceID,
			SpanID:    ec.Trace.SpanID,
			Fields:    map[string]any{"error": err.Error()},
		})
	}

	summary := brainstem.RequestMonitorSummary{}
	if ec.MetricsSummary != nil {
		summary = *ec.MetricsSummary
	}
	telemetry := buildTelemetrySummaryForTrace(logPath, ec.Trace.TraceID)
	if _, err := reflections.Reflect(ctx, ec.Trace, ec.UserMessage, summary, telemetry); err != nil {
		eventLog.Log(ctx, brainstem.Event{
			Level:     "warn",
			EventName: "reflection_failed",
			Component: "reflection",
			TraceID:   ec.Trace.TraceID,
			SpanID:    ec.Trace.SpanID,
			Fields:    map[string]any{"error": err.Error()},
		})
	}
}

// buildTelemetrySummaryForTrace digests the event log's records for one
// trace into the pre-aggregated shape ReflectionPipeline.Reflect expects,
// the same event-log scan runTelemetryTrace already performs for `nexus
// telemetry trace`.
func buildTelemetrySummaryForTrace(logPath, traceID string) brainstem.TelemetryEventSummary {
	summary := brainstem.TelemetryEventSummary{EventCounts: map[string]int{}}
	records, err := loadTelemetryRecords(logPath)
	if err != nil {
		return summary
	}

	var llmLatencies, toolLatencies []float64
	for _, rec := range records {
		if rec.str("trace_id") != traceID {
			continue
		}
		event := rec.str("event")
		summary.EventCounts[event]++

		if ms, ok := rec["latency_ms"].(float64); ok {
			switch event {
			case "model_call_completed":
				llmLatencies = append(llmLatencies, ms)
			case "tool_call_completed":
				toolLatencies = append(toolLatencies, ms)
			}
		}
		if event == "tool_call_failed" {
			summary.ToolFailureCount++
			if name := rec.str("tool"); name != "" {
				summary.ToolFailureNames = append(summary.ToolFailureNames, name)
			}
			if msg := rec.str("error"); msg != "" && len(summary.FirstErrorMessages) < 5 {
				summary.FirstErrorMessages = append(summary.FirstErrorMessages, msg)
			}
		}
	}

	summary.AvgLLMLatencyMS = averageFloat(llmLatencies)
	summary.AvgToolLatencyMS = averageFloat(toolLatencies)
	return summary
}

func averageFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// resolveGovernanceDir mirrors resolveEventLogPath's flag/env/default
// fallback chain for the directory LoadGovernanceConfig reads from.
func resolveGovernanceDir(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := os.Getenv("NEXUS_GOVERNANCE_DIR"); env != "" {
		return env
	}
	return "governance"
}

// buildRoleConfigsFromLLMConfig derives brainstem role configs from the
// gateway's LLMConfig; every declared provider is reachable under its own
// role key, and the default provider additionally serves STANDARD, ROUTER,
// and REASONING unless those roles are configured explicitly.
func buildRoleConfigsFromLLMConfig(llmCfg config.LLMConfig) (map[string]brainstem.ModelRoleConfig, map[string]brainstem.ProviderAdapter, error) {
	if len(llmCfg.Providers) == 0 {
		return nil, nil, fmt.Errorf("no LLM providers configured")
	}
	defaultProvider, ok := llmCfg.Providers[llmCfg.DefaultProvider]
	if !ok {
		for _, p := range llmCfg.Providers {
			defaultProvider = p
			break
		}
	}

	roles := make(map[string]brainstem.ModelRoleConfig)
	adapters := make(map[string]brainstem.ProviderAdapter)

	baseRoleConfig := brainstem.ModelRoleConfig{
		ModelID:             defaultProvider.DefaultModel,
		Endpoint:            defaultProvider.BaseURL,
		SupportsToolCalling: true,
		DefaultTimeout:      60 * time.Second,
		MaxRetries:          2,
	}
	for _, role := range []string{"STANDARD", "ROUTER", "REASONING", "CODING"} {
		rc := baseRoleConfig
		rc.Role = role
		roles[role] = rc
	}

	if strings.EqualFold(llmCfg.DefaultProvider, "anthropic") && defaultProvider.APIKey != "" {
		adapters["STANDARD"] = brainstem.NewAnthropicAdapter(defaultProvider.APIKey)
		adapters["REASONING"] = adapters["STANDARD"]
		adapters["CODING"] = adapters["STANDARD"]
	} else if strings.EqualFold(llmCfg.DefaultProvider, "openai") && defaultProvider.APIKey != "" {
		adapter := brainstem.NewOpenAIAdapter(defaultProvider.APIKey, defaultProvider.BaseURL)
		adapters["STANDARD"] = adapter
		adapters["REASONING"] = adapter
		adapters["CODING"] = adapter
	}

	return roles, adapters, nil
}

// =============================================================================
// Telemetry Command Handlers
// =============================================================================

type telemetryQueryOptions struct {
	logPath   string
	event     string
	component string
	since     string
	until     string
	limit     int
	format    string
}

func resolveEventLogPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := os.Getenv("NEXUS_EVENT_LOG"); env != "" {
		return env
	}
	return "telemetry/events.jsonl"
}

type telemetryRecord map[string]any

func (r telemetryRecord) str(key string) string {
	v, _ := r[key].(string)
	return v
}

func (r telemetryRecord) timestamp() (time.Time, bool) {
	ts, ok := r["timestamp"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, ts)
	return t, err == nil
}

func loadTelemetryRecords(logPath string) ([]telemetryRecord, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []telemetryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec telemetryRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

func runTelemetryQuery(cmd *cobra.Command, opts telemetryQueryOptions) error {
	logPath := resolveEventLogPath(opts.logPath)
	records, err := loadTelemetryRecords(logPath)
	if err != nil {
		return fmt.Errorf("reading event log %q: %w", logPath, err)
	}

	var sinceT, untilT time.Time
	if opts.since != "" {
		if sinceT, err = time.Parse(time.RFC3339, opts.since); err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}
	if opts.until != "" {
		if untilT, err = time.Parse(time.RFC3339, opts.until); err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
	}

	var filtered []telemetryRecord
	for _, rec := range records {
		if opts.event != "" && rec.str("event") != opts.event {
			continue
		}
		if opts.component != "" && rec.str("component") != opts.component {
			continue
		}
		if !sinceT.IsZero() || !untilT.IsZero() {
			ts, ok := rec.timestamp()
			if !ok {
				continue
			}
			if !sinceT.IsZero() && ts.Before(sinceT) {
				continue
			}
			if !untilT.IsZero() && ts.After(untilT) {
				continue
			}
		}
		filtered = append(filtered, rec)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		ti, _ := filtered[i].timestamp()
		tj, _ := filtered[j].timestamp()
		return ti.Before(tj)
	})

	if opts.limit > 0 && len(filtered) > opts.limit {
		filtered = filtered[len(filtered)-opts.limit:]
	}

	return renderTelemetryRecords(cmd, filtered, opts.format)
}

func runTelemetryTrace(cmd *cobra.Command, logPath, traceID, format string) error {
	path := resolveEventLogPath(logPath)
	records, err := loadTelemetryRecords(path)
	if err != nil {
		return fmt.Errorf("reading event log %q: %w", path, err)
	}

	var matched []telemetryRecord
	for _, rec := range records {
		if rec.str("trace_id") == traceID {
			matched = append(matched, rec)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("no events found for trace: %s", traceID)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ti, _ := matched[i].timestamp()
		tj, _ := matched[j].timestamp()
		return ti.Before(tj)
	})

	return renderTelemetryRecords(cmd, matched, format)
}

func renderTelemetryRecords(cmd *cobra.Command, records []telemetryRecord, format string) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	for _, rec := range records {
		fmt.Fprintf(out, "%s  %-28s  %-20s  trace=%s\n",
			rec.str("timestamp"), rec.str("event"), rec.str("component"), rec.str("trace_id"))
	}
	return nil
}
