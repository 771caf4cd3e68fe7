package brainstem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CapturedRequest is the per-request record persisted under
// CapturesRoot/<YYYY-MM-DD>/<trace_id>.json, the shape enumerateCaptures /
// indexCaptureFile (backfill.go) expect: a JSON object keyed by trace_id.
type CapturedRequest struct {
	TraceID        string                 `json:"trace_id"`
	SessionID      string                 `json:"session_id"`
	Channel        string                 `json:"channel"`
	Mode           Mode                   `json:"mode"`
	Timestamp      time.Time              `json:"timestamp"`
	UserMessage    string                 `json:"user_message"`
	FinalReply     string                 `json:"final_reply"`
	SelectedRole   TargetRole             `json:"selected_role"`
	RoutingHistory []RoutingResult        `json:"routing_history,omitempty"`
	ToolResults    []ToolResult           `json:"tool_results,omitempty"`
	Metrics        *RequestMonitorSummary `json:"metrics,omitempty"`
}

// CaptureWriter persists the task-capture half of spec §4.10 step 6: one
// JSON file per completed request, read back later by BackfillWorker.
type CaptureWriter struct {
	RootDir string // telemetry/captains_log/captures
	Clock   func() time.Time
}

// NewCaptureWriter constructs a writer with defaults applied.
func NewCaptureWriter(rootDir string) *CaptureWriter {
	if rootDir == "" {
		rootDir = filepath.Join("telemetry", "captains_log", "captures")
	}
	return &CaptureWriter{RootDir: rootDir, Clock: time.Now}
}

// Write renders ec as a CapturedRequest and persists it via
// write-temp-then-rename, matching ReflectionPipeline.persist's atomic-
// replace convention for telemetry artifacts.
func (w *CaptureWriter) Write(ec *ExecutionContext) error {
	now := w.clock()
	capture := CapturedRequest{
		TraceID:        ec.Trace.TraceID,
		SessionID:      ec.SessionID,
		Channel:        ec.Channel,
		Mode:           ec.Mode,
		Timestamp:      now,
		UserMessage:    ec.UserMessage,
		FinalReply:     ec.FinalReply,
		SelectedRole:   ec.SelectedRole,
		RoutingHistory: ec.RoutingHistory,
		ToolResults:    ec.ToolResults,
		Metrics:        ec.MetricsSummary,
	}

	dir := filepath.Join(w.RootDir, now.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("capture: create date dir: %w", err)
	}

	payload, err := json.MarshalIndent(capture, "", "  ")
	if err != nil {
		return fmt.Errorf("capture: marshal: %w", err)
	}

	name := capture.TraceID
	if name == "" {
		name = now.UTC().Format("20060102-150405")
	}
	finalPath := filepath.Join(dir, name+".json")
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("capture: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("capture: rename into place: %w", err)
	}
	return nil
}

func (w *CaptureWriter) clock() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return time.Now()
}
