package brainstem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Metric is a single typed measurement extracted from a request's
// telemetry, in the fixed order: duration, cpu, memory, gpu, samples,
// violations, then peaks (see spec §4.13's determinism note).
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// ProposedChange is the optional structured suggestion a reflection can
// carry.
type ProposedChange struct {
	What string `json:"what"`
	Why  string `json:"why"`
	How  string `json:"how"`
}

// TelemetryRef points back at the metric/trace that backs a reflection's
// claim.
type TelemetryRef struct {
	TraceID    string   `json:"trace_id,omitempty"`
	MetricName string   `json:"metric_name,omitempty"`
	Value      *float64 `json:"value,omitempty"`
}

// CaptainLogEntryType distinguishes plain reflections from config-change
// proposals.
type CaptainLogEntryType string

const (
	LogEntryReflection     CaptainLogEntryType = "reflection"
	LogEntryConfigProposal CaptainLogEntryType = "config_proposal"
)

// CaptainLogEntryStatus tracks human review state.
type CaptainLogEntryStatus string

const (
	StatusAwaitingApproval CaptainLogEntryStatus = "awaiting_approval"
	StatusApproved         CaptainLogEntryStatus = "approved"
	StatusRejected         CaptainLogEntryStatus = "rejected"
)

// CaptainLogEntry is the persisted reflection record, per spec §3's
// CaptainLogEntry type.
type CaptainLogEntry struct {
	EntryID            string                 `json:"entry_id"`
	Timestamp          time.Time              `json:"timestamp"`
	Type               CaptainLogEntryType    `json:"type"`
	Title              string                 `json:"title"`
	Rationale          string                 `json:"rationale"`
	ProposedChange     *ProposedChange        `json:"proposed_change,omitempty"`
	SupportingMetrics  []string               `json:"supporting_metrics"`
	MetricsStructured  []Metric               `json:"metrics_structured,omitempty"`
	ImpactAssessment   string                 `json:"impact_assessment,omitempty"`
	Status             CaptainLogEntryStatus  `json:"status"`
	TelemetryRefs      []TelemetryRef         `json:"telemetry_refs,omitempty"`
}

// TelemetryEventSummary is the pre-digested per-trace event summary fed
// to the reflection LLM call.
type TelemetryEventSummary struct {
	EventCounts        map[string]int `json:"event_counts"`
	AvgLLMLatencyMS    float64        `json:"avg_llm_latency_ms"`
	AvgToolLatencyMS   float64        `json:"avg_tool_latency_ms"`
	ToolFailureCount   int            `json:"tool_failure_count"`
	ToolFailureNames   []string       `json:"tool_failure_names"`
	FirstErrorMessages []string       `json:"first_error_messages"`
}

// ReflectionPipelineConfig bundles the LLM client and persistence root.
type ReflectionPipelineConfig struct {
	LLM      *LLMClient
	EventLog *EventLogger
	Logger   *slog.Logger
	RootDir  string // telemetry/captains_log
	Clock    func() time.Time
	VCSCommit func(path string) error // optional, nil disables commit
}

// ReflectionPipeline generates and persists CaptainLogEntry records after
// a request completes.
type ReflectionPipeline struct {
	cfg ReflectionPipelineConfig

	seqMu sync.Mutex
	seq   map[string]int
}

// NewReflectionPipeline constructs a pipeline with defaults applied.
func NewReflectionPipeline(cfg ReflectionPipelineConfig) *ReflectionPipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Join("telemetry", "captains_log")
	}
	return &ReflectionPipeline{cfg: cfg, seq: make(map[string]int)}
}

// ExtractMetrics deterministically builds both the human-readable and
// typed metric lists from a RequestMonitorSummary, in the fixed order
// required by spec §4.13: duration, cpu, memory, gpu, samples, violations,
// then peaks.
func ExtractMetrics(summary RequestMonitorSummary) ([]string, []Metric) {
	var lines []string
	var metrics []Metric

	add := func(name string, value float64, unit string, human string) {
		lines = append(lines, human)
		metrics = append(metrics, Metric{Name: name, Value: value, Unit: unit})
	}

	add("duration_seconds", summary.DurationSeconds, "s", fmt.Sprintf("duration: %.1fs", summary.DurationSeconds))
	add("cpu_avg", summary.CPUAvg, "%", fmt.Sprintf("cpu: %.1f%%", summary.CPUAvg))
	add("memory_avg", summary.MemAvg, "%", fmt.Sprintf("memory: %.1f%%", summary.MemAvg))
	if summary.GPUMax > 0 || summary.GPUAvg > 0 {
		add("gpu_avg", summary.GPUAvg, "%", fmt.Sprintf("gpu: %.1f%%", summary.GPUAvg))
	}
	add("samples_collected", float64(summary.SamplesCollected), "", fmt.Sprintf("samples: %d", summary.SamplesCollected))
	add("violation_count", float64(len(summary.Violations)), "", fmt.Sprintf("violations: %d", len(summary.Violations)))

	add("cpu_peak", summary.CPUMax, "%", fmt.Sprintf("cpu peak: %.1f%%", summary.CPUMax))
	add("memory_peak", summary.MemMax, "%", fmt.Sprintf("memory peak: %.1f%%", summary.MemMax))
	if summary.GPUMax > 0 {
		add("gpu_peak", summary.GPUMax, "%", fmt.Sprintf("gpu peak: %.1f%%", summary.GPUMax))
	}

	return lines, metrics
}

const reflectionSystemPrompt = "You are the agent's self-reflection voice. Given the user's message, a telemetry summary, and metrics, produce a brief rationale, an optional proposed change, and an optional impact assessment, as strict JSON: {\"rationale\":string, \"proposed_change\":{\"what\":string,\"why\":string,\"how\":string}|null, \"impact_assessment\":string|null}."

type reflectionLLMOutput struct {
	Rationale        string          `json:"rationale"`
	ProposedChange   *ProposedChange `json:"proposed_change"`
	ImpactAssessment string          `json:"impact_assessment"`
}

// Reflect runs the full pipeline for one completed request: metric
// extraction, telemetry summarization, an LLM call for rationale, and
// persistence. It never returns an error that should fail the orchestrated
// request — reflection runs in the background per spec §4.10 step 6 — but
// callers may still want the error for logging.
func (p *ReflectionPipeline) Reflect(ctx context.Context, trace TraceContext, userMessage string, summary RequestMonitorSummary, telemetry TelemetryEventSummary) (*CaptainLogEntry, error) {
	metricLines, metrics := ExtractMetrics(summary)
	metricString := strings.Join(metricLines, ", ")

	output := p.callReflectionLLM(ctx, userMessage, telemetry, metricString)

	now := p.cfg.Clock()
	id := p.nextEntryID(now, trace.TraceID)

	entry := &CaptainLogEntry{
		EntryID:           id,
		Timestamp:         now,
		Type:              LogEntryReflection,
		Title:             fmt.Sprintf("Reflection for trace %s", shortTracePrefix(trace.TraceID)),
		Rationale:         output.Rationale,
		ProposedChange:    output.ProposedChange,
		SupportingMetrics: metricLines,
		MetricsStructured: metrics,
		ImpactAssessment:  output.ImpactAssessment,
		Status:            StatusAwaitingApproval,
		TelemetryRefs:     []TelemetryRef{{TraceID: trace.TraceID}},
	}

	if err := p.persist(entry); err != nil {
		p.emit(ctx, trace, "captains_log_entry_failed", map[string]any{"error": err.Error()})
		return entry, err
	}
	p.emit(ctx, trace, "captains_log_entry_created", map[string]any{"entry_id": id})

	if p.cfg.VCSCommit != nil {
		path := p.entryPath(entry)
		if err := p.cfg.VCSCommit(path); err == nil {
			p.emit(ctx, trace, "captains_log_entry_committed", map[string]any{"entry_id": id})
		}
	}

	return entry, nil
}

// callReflectionLLM implements the structured-output-then-manual-JSON-then
// -minimal-fallback cascade from spec §4.13 step 3.
func (p *ReflectionPipeline) callReflectionLLM(ctx context.Context, userMessage string, telemetry TelemetryEventSummary, metricString string) reflectionLLMOutput {
	if p.cfg.LLM == nil {
		return reflectionLLMOutput{Rationale: "no reflection model configured; metrics recorded for later review."}
	}

	telemetryJSON, _ := json.Marshal(telemetry)
	userPrompt := fmt.Sprintf("User message: %s\nTelemetry: %s\nMetrics: %s", userMessage, string(telemetryJSON), metricString)

	var structured reflectionLLMOutput
	resp, err := p.cfg.LLM.StructuredRespond(ctx, RespondRequest{
		Role:         "REASONING",
		SystemPrompt: reflectionSystemPrompt,
		Messages:     []ChatMsg{{Role: RoleUser, Content: userPrompt}},
	}, &structured)
	if err == nil && structured.Rationale != "" {
		return structured
	}

	if resp.Content != "" {
		var manual reflectionLLMOutput
		if jsonErr := json.Unmarshal([]byte(unwrapEmbeddedJSON(resp.Content)), &manual); jsonErr == nil && manual.Rationale != "" {
			return manual
		}
	}

	return reflectionLLMOutput{Rationale: "Reflection model output could not be parsed; recording metrics only."}
}

// nextEntryID builds a sortable, unique CL-YYYYMMDD-HHMMSS-[tracePrefix-]NNN
// id. The sequence is three digits per (timestamp_prefix, trace_prefix)
// group, per Testable Property 6 and Scenario E.
func (p *ReflectionPipeline) nextEntryID(now time.Time, traceID string) string {
	tsPrefix := now.UTC().Format("20060102-150405")
	tracePrefix := shortTracePrefix(traceID)

	groupKey := tsPrefix
	if tracePrefix != "" {
		groupKey += "-" + tracePrefix
	}

	p.seqMu.Lock()
	p.seq[groupKey]++
	n := p.seq[groupKey]
	p.seqMu.Unlock()

	if tracePrefix != "" {
		return fmt.Sprintf("CL-%s-%s-%03d", tsPrefix, tracePrefix, n)
	}
	return fmt.Sprintf("CL-%s-%03d", tsPrefix, n)
}

func shortTracePrefix(traceID string) string {
	cleaned := strings.ReplaceAll(traceID, "-", "")
	if len(cleaned) >= 8 {
		return cleaned[:8]
	}
	return cleaned
}

func (p *ReflectionPipeline) entryPath(entry *CaptainLogEntry) string {
	return filepath.Join(p.cfg.RootDir, entry.EntryID+".json")
}

// persist writes entry as a JSON file under RootDir via write-temp-then-
// rename, matching SPEC_FULL.md's atomic-replace convention for telemetry
// artifacts.
func (p *ReflectionPipeline) persist(entry *CaptainLogEntry) error {
	if err := os.MkdirAll(p.cfg.RootDir, 0o755); err != nil {
		return fmt.Errorf("reflection: create root dir: %w", err)
	}
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("reflection: marshal entry: %w", err)
	}

	finalPath := p.entryPath(entry)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("reflection: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("reflection: rename into place: %w", err)
	}
	return nil
}

func (p *ReflectionPipeline) emit(ctx context.Context, trace TraceContext, name string, fields map[string]any) {
	if p.cfg.EventLog == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	p.cfg.EventLog.Log(ctx, Event{
		Level:     "info",
		EventName: name,
		Component: "reflection",
		TraceID:   trace.TraceID,
		SpanID:    trace.SpanID,
		Fields:    fields,
	})
}
