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

// ToolParameter describes one named, typed, optionally-required tool
// argument. Parameters are explicitly enumerated per tool rather than an
// open keyword bag (see SPEC_FULL.md's Design Notes on dynamic argument
// bags).
type ToolParameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// ToolDefinition is the registry's static description of a tool.
type ToolDefinition struct {
	Name             string          `json:"name"`
	Category         string          `json:"category"`
	Parameters       []ToolParameter `json:"parameters"`
	RiskLevel        string          `json:"risk_level"`
	AllowedModes     []Mode          `json:"allowed_modes"`
	TimeoutSeconds   float64         `json:"timeout_seconds"`
	RateLimitPerHour int             `json:"rate_limit_per_hour,omitempty"`
}

// ToolResult is always returned, never an error out of Execute.
type ToolResult struct {
	ToolName  string  `json:"tool_name"`
	Success   bool    `json:"success"`
	Output    string  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// ToolFunc is the concrete side-effecting implementation behind a
// ToolDefinition.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

type registeredTool struct {
	def ToolDefinition
	fn  ToolFunc
}

// ToolRegistry maps name -> (definition, executor) and performs permission
// and argument validation before invoking the underlying function.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]registeredTool
	governance *GovernanceConfig
	modes      *ModeManager
	eventLog   *EventLogger
	logger     *slog.Logger
}

// NewToolRegistry constructs an empty registry bound to a governance config
// and mode manager for permission checks.
func NewToolRegistry(governance *GovernanceConfig, modes *ModeManager, eventLog *EventLogger, logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:      make(map[string]registeredTool),
		governance: governance,
		modes:      modes,
		eventLog:   eventLog,
		logger:     logger,
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(def ToolDefinition, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = registeredTool{def: def, fn: fn}
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Definition returns the tool's static definition, if registered.
func (r *ToolRegistry) Definition(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t.def, ok
}

// Definitions returns the definitions of every tool allowed in the current
// mode, for advertising to the LLM as callable functions. This is a
// convenience filter only: Execute re-checks permission independently, so
// advertising a tool here is never itself a grant.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	mode := ModeNormal
	if r.modes != nil {
		mode = r.modes.Current()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if len(t.def.AllowedModes) == 0 {
			out = append(out, t.def)
			continue
		}
		for _, m := range t.def.AllowedModes {
			if m == mode {
				out = append(out, t.def)
				break
			}
		}
	}
	return out
}

// Execute runs the named tool against args, after lookup, permission, and
// argument-filter checks. It never returns a Go error; denial and failure
// are both represented as a (possibly unsuccessful) ToolResult, per spec
// §4.7 step 5.
func (r *ToolRegistry) Execute(ctx context.Context, trace TraceContext, name string, args map[string]any) ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{ToolName: name, Success: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}

	if denial := r.checkPermission(ctx, tool.def, args); denial != "" {
		r.emit(ctx, trace, "policy_violation", name, map[string]any{"reason": denial})
		return ToolResult{ToolName: name, Success: false, Error: denial}
	}

	filtered, missing := r.filterArgs(tool.def, args)
	if missing != "" {
		return ToolResult{ToolName: name, Success: false, Error: missing}
	}

	r.emit(ctx, trace, "tool_call_started", name, map[string]any{"args": filtered})
	start := time.Now()

	timeout := tool.def.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
	defer cancel()

	output, err := r.runIsolated(execCtx, tool.fn, filtered)
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		r.emit(ctx, trace, "tool_call_failed", name, map[string]any{"error": err.Error(), "latency_ms": latency})
		return ToolResult{ToolName: name, Success: false, Error: err.Error(), LatencyMS: latency}
	}

	r.emit(ctx, trace, "tool_call_completed", name, map[string]any{"latency_ms": latency})
	return ToolResult{ToolName: name, Success: true, Output: output, LatencyMS: latency}
}

// runIsolated wraps a synchronous ToolFunc off the caller's goroutine so a
// panicking tool cannot take down the request path, matching "wrapping
// synchronous executors off the request's thread" in spec §4.7 step 4.
func (r *ToolRegistry) runIsolated(ctx context.Context, fn ToolFunc, args map[string]any) (output string, err error) {
	type result struct {
		output string
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				select {
				case resultCh <- result{err: fmt.Errorf("tool panicked: %v", p)}:
				default:
				}
			}
		}()
		out, e := fn(ctx, args)
		select {
		case resultCh <- result{output: out, err: e}:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("tool execution timed out or was canceled: %w", ctx.Err())
	case res := <-resultCh:
		return res.output, res.err
	}
}

func (r *ToolRegistry) checkPermission(ctx context.Context, def ToolDefinition, args map[string]any) string {
	mode := ModeNormal
	if r.modes != nil {
		mode = r.modes.Current()
	}

	allowedByMode := len(def.AllowedModes) == 0
	for _, m := range def.AllowedModes {
		if m == mode {
			allowedByMode = true
			break
		}
	}
	if !allowedByMode {
		return fmt.Sprintf("tool %q is not permitted in mode %s", def.Name, mode)
	}

	if r.governance == nil {
		return ""
	}
	policy, ok := r.governance.ToolPolicy(def.Name)
	if !ok {
		return ""
	}
	for _, m := range policy.ForbiddenInModes {
		if m == mode {
			return fmt.Sprintf("tool %q is forbidden in mode %s", def.Name, mode)
		}
	}

	if path, ok := args["path"].(string); ok && path != "" {
		for _, pattern := range policy.ForbiddenPaths {
			if matched, _ := filepath.Match(pattern, path); matched {
				return fmt.Sprintf("Permission denied: %s matches a forbidden path pattern", path)
			}
		}
		if len(policy.AllowedPaths) > 0 {
			allowed := false
			for _, pattern := range policy.AllowedPaths {
				if matched, _ := filepath.Match(pattern, path); matched {
					allowed = true
					break
				}
			}
			if !allowed {
				return fmt.Sprintf("Permission denied: %s is not in an allowed path", path)
			}
		}

		if policy.MaxFileSizeMB > 0 {
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				limit := int64(policy.MaxFileSizeMB) * 1024 * 1024
				if info.Size() > limit {
					return fmt.Sprintf("Permission denied: %s (%d bytes) exceeds max_file_size_mb of %d", path, info.Size(), policy.MaxFileSizeMB)
				}
			}
		}
	}

	return ""
}

// filterArgs drops unknown keys (with a warning) and reports missing
// required arguments as a failure message. This required-argument check
// is not present in the Python original (see SPEC_FULL.md) and is added
// per spec §4.7 step 3's explicit requirement.
func (r *ToolRegistry) filterArgs(def ToolDefinition, args map[string]any) (map[string]any, string) {
	known := make(map[string]ToolParameter, len(def.Parameters))
	for _, p := range def.Parameters {
		known[p.Name] = p
	}

	filtered := make(map[string]any, len(args))
	for k, v := range args {
		if _, ok := known[k]; ok {
			filtered[k] = v
		} else {
			r.logger.Warn("dropping unknown tool argument", "tool", def.Name, "argument", k)
		}
	}

	var missing []string
	for _, p := range def.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := filtered[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return filtered, fmt.Sprintf("missing required arguments: %s", strings.Join(missing, ", "))
	}
	return filtered, ""
}

func (r *ToolRegistry) emit(ctx context.Context, trace TraceContext, eventName, toolName string, fields map[string]any) {
	if r.eventLog == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["tool"] = toolName
	r.eventLog.Log(ctx, Event{
		Level:     "info",
		EventName: eventName,
		Component: "tool_executor",
		TraceID:   trace.TraceID,
		SpanID:    trace.SpanID,
		Fields:    fields,
	})
}
