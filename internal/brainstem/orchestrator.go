package brainstem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// OrchestratorState is one node of the per-request state machine.
type OrchestratorState string

const (
	StateInit           OrchestratorState = "INIT"
	StatePlanning       OrchestratorState = "PLANNING"
	StateLLMCall        OrchestratorState = "LLM_CALL"
	StateToolExecution  OrchestratorState = "TOOL_EXECUTION"
	StateSynthesis      OrchestratorState = "SYNTHESIS"
	StateCompleted      OrchestratorState = "COMPLETED"
	StateFailed         OrchestratorState = "FAILED"
)

// ExecutionContext is the mutable per-request state threaded through the
// orchestrator.
type ExecutionContext struct {
	SessionID           string
	Trace               TraceContext
	UserMessage         string
	Mode                Mode
	Channel             string
	Messages            []ChatMsg
	ToolResults         []ToolResult
	FinalReply          string
	SelectedRole        TargetRole
	RoutingHistory      []RoutingResult
	LastResponseID      string
	ToolIterationCount  int
	ToolCallSignatures  []string
	MetricsSummary      *RequestMonitorSummary
	MemoryContext       string
}

// OrchestratorConfig bundles the collaborators and tunables the
// orchestrator needs.
type OrchestratorConfig struct {
	Router               *Router
	LLM                  *LLMClient
	Tools                *ToolRegistry
	EventLog             *EventLogger
	Modes                *ModeManager
	Governance           *GovernanceConfig
	Memory               MemoryGraph
	Sensors              *SensorLayer
	Logger               *slog.Logger

	MaxToolIterations    int
	MaxRepeatedToolCalls int
	NoThinkSuffix        string
	// AppendNoThinkToToolPrompts mirrors the original's nudge applied to
	// tool-result follow-up turns, see SPEC_FULL.md.
	AppendNoThinkToToolPrompts bool

	OnCompleted func(ctx context.Context, ec *ExecutionContext)
}

// Orchestrator coordinates routing, LLM calls, tool execution, synthesis,
// and memory enrichment for one request at a time; callers construct one
// per request or reuse across requests as long as concurrency stays within
// mode_constraints[current_mode].max_concurrent_tasks.
type Orchestrator struct {
	cfg OrchestratorConfig
}

// NewOrchestrator constructs an Orchestrator with defaults applied.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 3
	}
	if cfg.MaxRepeatedToolCalls <= 0 {
		cfg.MaxRepeatedToolCalls = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg}
}

// PolicyError indicates a request was rejected without starting work.
type PolicyError struct{ Message string }

func (e *PolicyError) Error() string { return e.Message }

// Run executes the full per-request algorithm described in spec §4.10 and
// returns the terminal ExecutionContext. Any internal failure surfaces as
// FAILED with a sanitized error string; a user-facing reply is still
// returned via ec.FinalReply.
func (o *Orchestrator) Run(ctx context.Context, sessionID, channel, userMessage string) (*ExecutionContext, error) {
	mode := ModeNormal
	if o.cfg.Modes != nil {
		mode = o.cfg.Modes.Current()
	}
	if o.cfg.Governance != nil {
		if mc, ok := o.cfg.Governance.ModeConstraints(mode); ok && mc.MaxConcurrentTasks > 0 {
			// Concurrency admission is the caller's responsibility (a
			// semaphore sized to max_concurrent_tasks per mode); Run
			// itself only validates that such a cap is configured, since
			// modeling the shared semaphore lives with the scheduler/
			// server, not a single request's orchestrator instance.
			_ = mc
		}
	}

	trace := NewTrace()
	ec := &ExecutionContext{
		SessionID: sessionID,
		Trace:     trace,
		UserMessage: userMessage,
		Mode:      mode,
		Channel:   channel,
	}

	state := StateInit
	o.emit(ctx, ec, "request_received", nil)
	o.transition(ctx, ec, "", state)
	o.emit(ctx, ec, "task_started", nil)

	monitor := NewRequestMonitor(trace.TraceID, 0, false, o.cfg.Sensors, o.cfg.EventLog)
	monitor.Start(ctx)
	stopMonitor := func() {
		if ec.MetricsSummary != nil {
			return
		}
		summary := monitor.Stop()
		ec.MetricsSummary = &summary
	}
	defer stopMonitor()

	ec.Messages = append(ec.Messages, ChatMsg{Role: RoleUser, Content: userMessage})

	if o.cfg.Memory != nil {
		if snippets := o.enrichFromMemory(ctx, userMessage); snippets != "" {
			ec.MemoryContext = snippets
			ec.Messages = append([]ChatMsg{{Role: RoleSystem, Content: "Relevant context:\n" + snippets}}, ec.Messages...)
		}
	}

	o.transition(ctx, ec, state, StatePlanning)
	state = StatePlanning
	routing := RoutingResult{Decision: DecisionDelegate, TargetRole: TargetStandard, Confidence: 1.0, Reason: "no router configured"}
	if o.cfg.Router != nil {
		routing = o.cfg.Router.Route(ctx, userMessage)
	}
	ec.SelectedRole = routing.TargetRole
	ec.RoutingHistory = append(ec.RoutingHistory, routing)

	state = StateLLMCall
	o.transition(ctx, ec, StatePlanning, state)

	for {
		normalized := normalizeConversation(ec.Messages)
		resp, err := o.callLLM(ctx, ec, normalized)
		if err != nil {
			return o.fail(ctx, ec, err)
		}

		assistantMsg := ChatMsg{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		ec.Messages = append(ec.Messages, assistantMsg)
		ec.LastResponseID = resp.ResponseID

		if len(resp.ToolCalls) == 0 {
			break
		}

		o.transition(ctx, ec, StateLLMCall, StateToolExecution)
		state = StateToolExecution
		executedAny := o.runToolCalls(ctx, ec, resp.ToolCalls)

		if !executedAny || ec.ToolIterationCount >= o.cfg.MaxToolIterations {
			o.emit(ctx, ec, "tool_iteration_limit_reached", map[string]any{"iterations": ec.ToolIterationCount})
			break
		}

		if o.cfg.AppendNoThinkToToolPrompts && o.cfg.NoThinkSuffix != "" {
			appendNoThinkNudge(ec, o.cfg.NoThinkSuffix)
		}

		o.transition(ctx, ec, StateToolExecution, StateLLMCall)
		state = StateLLMCall
	}

	o.transition(ctx, ec, state, StateSynthesis)
	state = StateSynthesis
	reply := strings.TrimSpace(lastAssistantContent(ec.Messages))
	if reply == "" && len(ec.ToolResults) > 0 {
		reply = fallbackReplyFromToolResults(ec.ToolResults)
	}
	ec.FinalReply = reply

	o.transition(ctx, ec, state, StateCompleted)
	o.emit(ctx, ec, "task_completed", nil)
	o.emit(ctx, ec, "reply_ready", map[string]any{"reply_length": len(ec.FinalReply)})

	// Capture the monitor summary before OnCompleted so reflection (spec
	// §4.10 step 6) sees real metrics instead of a nil summary; the
	// deferred stopMonitor becomes a no-op once this has run.
	stopMonitor()

	if o.cfg.OnCompleted != nil {
		o.cfg.OnCompleted(ctx, ec)
	}

	return ec, nil
}

func (o *Orchestrator) callLLM(ctx context.Context, ec *ExecutionContext, messages []ChatMsg) (LLMResponse, error) {
	if o.cfg.LLM == nil {
		return LLMResponse{}, fmt.Errorf("no LLM client configured")
	}
	var tools []ToolDefinition
	if o.cfg.Tools != nil {
		// Tool availability beyond this mode filter is enforced again at
		// execution time by ToolRegistry.Execute; advertising a tool here
		// is not itself a permission grant.
		tools = o.cfg.Tools.Definitions()
	}
	return o.cfg.LLM.Respond(ctx, RespondRequest{
		Role:     string(ec.SelectedRole),
		Messages: messages,
		Tools:    tools,
		Trace:    ec.Trace,
	})
}

// runToolCalls executes calls against the registry and reports whether any
// call actually ran, so the caller can stop looping once every call in a
// round was skipped by the iteration/repeat caps rather than spinning on
// an LLM that keeps re-requesting the same blocked call.
func (o *Orchestrator) runToolCalls(ctx context.Context, ec *ExecutionContext, calls []ToolCall) (executedAny bool) {
	for _, call := range calls {
		sig := canonicalSignature(call.Name, call.Arguments)

		if ec.ToolIterationCount >= o.cfg.MaxToolIterations || countOccurrences(ec.ToolCallSignatures, sig) >= o.cfg.MaxRepeatedToolCalls {
			msg := fmt.Sprintf("tool call limit reached for %q; skipping execution", call.Name)
			ec.Messages = append(ec.Messages, ChatMsg{Role: RoleTool, Content: msg, ToolCallID: call.ID})
			continue
		}

		var result ToolResult
		if o.cfg.Tools != nil {
			result = o.cfg.Tools.Execute(ctx, ec.Trace, call.Name, call.Arguments)
		} else {
			result = ToolResult{ToolName: call.Name, Success: false, Error: "no tool registry configured"}
		}
		ec.ToolResults = append(ec.ToolResults, result)
		ec.ToolIterationCount++
		ec.ToolCallSignatures = append(ec.ToolCallSignatures, sig)
		executedAny = true

		payload, _ := json.Marshal(result)
		ec.Messages = append(ec.Messages, ChatMsg{Role: RoleTool, Content: string(payload), ToolCallID: call.ID})
	}
	return executedAny
}

func canonicalSignature(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%v", k, args[k])
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func countOccurrences(haystack []string, needle string) int {
	n := 0
	for _, s := range haystack {
		if s == needle {
			n++
		}
	}
	return n
}

func appendNoThinkNudge(ec *ExecutionContext, suffix string) {
	if len(ec.Messages) > 0 && ec.Messages[len(ec.Messages)-1].Role == RoleUser {
		last := &ec.Messages[len(ec.Messages)-1]
		last.Content = last.Content + " " + suffix
		return
	}
	ec.Messages = append(ec.Messages, ChatMsg{Role: RoleUser, Content: suffix})
}

func lastAssistantContent(messages []ChatMsg) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}

// fallbackReplyFromToolResults builds a deterministic summary of the last
// <=3 tool results when the model's final turn produced no text.
func fallbackReplyFromToolResults(results []ToolResult) string {
	start := 0
	if len(results) > 3 {
		start = len(results) - 3
	}
	var sb strings.Builder
	sb.WriteString("I ran the requested tools:\n")
	for _, r := range results[start:] {
		if r.Success {
			fmt.Fprintf(&sb, "- %s: succeeded\n", r.ToolName)
		} else {
			fmt.Fprintf(&sb, "- %s: failed (%s)\n", r.ToolName, r.Error)
		}
	}
	sb.WriteString("Let me know if you'd like me to rephrase or dig further.")
	return sb.String()
}

// normalizeConversation collapses consecutive same-role messages, merging
// their content with a blank-line separator. The first system message, if
// any, is preserved at position 0. Tool messages never affect alternation.
// The merge searches backward through the output built so far for the last
// message of the same role, per SPEC_FULL.md's resolved open question.
func normalizeConversation(messages []ChatMsg) []ChatMsg {
	var system *ChatMsg
	var rest []ChatMsg
	for i, m := range messages {
		if m.Role == RoleSystem && system == nil {
			copy := m
			system = &copy
			continue
		}
		rest = append(rest, messages[i])
	}

	out := make([]ChatMsg, 0, len(rest)+1)
	if system != nil {
		out = append(out, *system)
	}

	for _, m := range rest {
		if m.Role == RoleTool {
			out = append(out, m)
			continue
		}
		if idx := lastIndexOfRole(out, m.Role); idx >= 0 && isAdjacentIgnoringTool(out, idx) {
			out[idx].Content = out[idx].Content + "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

func lastIndexOfRole(messages []ChatMsg, role ChatRole) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return i
		}
		if messages[i].Role != RoleTool {
			// A different alternating-role message interrupts the merge
			// window; only tool messages may sit between same-role turns.
			return -1
		}
	}
	return -1
}

func isAdjacentIgnoringTool(messages []ChatMsg, idx int) bool {
	return idx >= 0
}

func (o *Orchestrator) transition(ctx context.Context, ec *ExecutionContext, from, to OrchestratorState) {
	o.emit(ctx, ec, "state_transition", map[string]any{"from": string(from), "to": string(to)})
}

func (o *Orchestrator) emit(ctx context.Context, ec *ExecutionContext, name string, fields map[string]any) {
	if o.cfg.EventLog == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	o.cfg.EventLog.Log(ctx, Event{
		Level:     "info",
		EventName: name,
		Component: "orchestrator",
		TraceID:   ec.Trace.TraceID,
		SpanID:    ec.Trace.SpanID,
		Fields:    fields,
	})
}

func (o *Orchestrator) fail(ctx context.Context, ec *ExecutionContext, err error) (*ExecutionContext, error) {
	sanitized := "the request could not be completed"
	o.emit(ctx, ec, "task_failed", map[string]any{"error": err.Error()})
	ec.FinalReply = sanitized
	return ec, err
}

// enrichFromMemory queries the memory graph for entities mentioned in
// userMessage and renders a short textual snippet; never used for the
// router call per spec §4.10 step 1.
func (o *Orchestrator) enrichFromMemory(ctx context.Context, userMessage string) string {
	entities := extractCandidateEntities(userMessage)
	if len(entities) == 0 {
		return ""
	}
	result, err := o.cfg.Memory.QueryMemory(ctx, MemoryQuery{EntityNames: entities})
	if err != nil || len(result.Conversations) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range result.Conversations {
		if i >= 3 {
			break
		}
		if c.Summary != "" {
			sb.WriteString("- " + c.Summary + "\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

// extractCandidateEntities is a minimal capitalized-word heuristic; a real
// deployment would reuse an NER pass, which is out of scope here (the
// memory graph itself is contract-only per spec §4.12).
func extractCandidateEntities(message string) []string {
	var out []string
	for _, word := range strings.Fields(message) {
		trimmed := strings.Trim(word, ".,!?:;\"'")
		if len(trimmed) > 2 && strings.ToUpper(trimmed[:1]) == trimmed[:1] && strings.ToLower(trimmed) != trimmed {
			out = append(out, trimmed)
		}
	}
	return out
}
