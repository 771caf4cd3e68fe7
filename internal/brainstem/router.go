package brainstem

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TargetRole is the role a routing decision selects.
type TargetRole string

const (
	TargetStandard  TargetRole = "STANDARD"
	TargetReasoning TargetRole = "REASONING"
	TargetCoding    TargetRole = "CODING"
)

// RoutingDecision is HANDLE (answer directly) or DELEGATE (hand off to the
// selected role).
type RoutingDecision string

const (
	DecisionHandle   RoutingDecision = "HANDLE"
	DecisionDelegate RoutingDecision = "DELEGATE"
)

// RoutingResult is the router's output, consumed by the orchestrator's
// PLANNING step.
type RoutingResult struct {
	Decision              RoutingDecision `json:"decision"`
	TargetRole            TargetRole      `json:"target_model"`
	Confidence            float64         `json:"confidence"`
	ReasoningDepth        int             `json:"reasoning_depth,omitempty"`
	Reason                string          `json:"reason"`
	DetectedFormat        *string         `json:"detected_format,omitempty"`
	FormatConfidence      *float64        `json:"format_confidence,omitempty"`
	FormatKeywordsMatched []string        `json:"format_keywords_matched,omitempty"`
	RecommendedParams     map[string]any  `json:"recommended_params,omitempty"`
	Response              *string         `json:"response,omitempty"`
}

// RouterStrategy selects how aggressively the router calls the LLM.
type RouterStrategy string

const (
	StrategyHeuristicThenLLM RouterStrategy = "heuristic_then_llm"
	StrategyLLMOnly          RouterStrategy = "llm_only"
	StrategyHeuristicOnly    RouterStrategy = "heuristic_only"
)

// heuristicRule pairs a compiled pattern with the role it implies.
type heuristicRule struct {
	pattern *regexp.Regexp
	target  TargetRole
	reason  string
}

var defaultHeuristicRules = []heuristicRule{
	{regexp.MustCompile(`(?i)traceback \(most recent call last\)|^\s*at \S+\(.*:\d+:\d+\)|panic:`), TargetCoding, "stack trace detected"},
	{regexp.MustCompile("```[a-zA-Z]*\\n"), TargetCoding, "code block marker detected"},
	{regexp.MustCompile(`(?i)\b(search the web|browse to|current news|latest version of)\b`), TargetStandard, "explicit web intent detected"},
	{regexp.MustCompile(`(?i)\b(prove that|formal proof|theorem|derive from first principles)\b`), TargetReasoning, "formal proof cue detected"},
}

var routerResponseSchema = mustCompileRouterSchema()

func mustCompileRouterSchema() *jsonschema.Schema {
	const schemaDoc = `{
		"type": "object",
		"required": ["target_model", "confidence", "reason"],
		"properties": {
			"target_model": {"enum": ["STANDARD", "REASONING", "CODING"]},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"reason": {"type": "string"},
			"detected_format": {"type": "string"},
			"recommended_params": {"type": "object"}
		}
	}`
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("router_response.json", strings.NewReader(schemaDoc)); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("router_response.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// Router picks a target role using deterministic heuristics, the router
// LLM role, or both depending on Strategy.
type Router struct {
	Strategy            RouterStrategy
	ConfidenceThreshold float64
	Rules               []heuristicRule
	LLM                 *LLMClient
	Logger              EventLogFunc
}

// EventLogFunc lets the router emit telemetry without importing the full
// EventLogger type, keeping Router testable without a filesystem sink.
type EventLogFunc func(ctx context.Context, name string, fields map[string]any)

// NewRouter constructs a Router with sensible defaults.
func NewRouter(llm *LLMClient, strategy RouterStrategy) *Router {
	if strategy == "" {
		strategy = StrategyHeuristicThenLLM
	}
	return &Router{
		Strategy:            strategy,
		ConfidenceThreshold: 0.7,
		Rules:               defaultHeuristicRules,
		LLM:                 llm,
	}
}

// Route decides a target role for userMessage. Per spec §4.9, the LLM call
// (when made) sees only the current user message, never memory context.
func (r *Router) Route(ctx context.Context, userMessage string) RoutingResult {
	heuristic, matched := r.heuristicPlan(userMessage)

	switch r.Strategy {
	case StrategyHeuristicOnly:
		return heuristic
	case StrategyLLMOnly:
		if result, ok := r.llmPlan(ctx, userMessage); ok {
			return result
		}
		return heuristic
	default: // heuristic_then_llm
		if matched && heuristic.Confidence >= r.ConfidenceThreshold {
			return heuristic
		}
		if result, ok := r.llmPlan(ctx, userMessage); ok {
			return result
		}
		return heuristic
	}
}

func (r *Router) heuristicPlan(userMessage string) (RoutingResult, bool) {
	for _, rule := range r.Rules {
		if rule.pattern.MatchString(userMessage) {
			return RoutingResult{
				Decision:   DecisionDelegate,
				TargetRole: rule.target,
				Confidence: 0.9,
				Reason:     rule.reason,
			}, true
		}
	}
	return RoutingResult{
		Decision:   DecisionDelegate,
		TargetRole: TargetStandard,
		Confidence: 0.5,
		Reason:     "no heuristic matched; defaulting to standard",
	}, false
}

const routerSystemPrompt = "You are a routing classifier. Given the user's message, choose exactly one target_model from STANDARD, REASONING, or CODING, and return strict JSON matching the required schema."

// llmPlan calls the router role and validates the response against the
// strict schema. Parse/validation failure returns ok=false so the caller
// falls back to the heuristic plan, per Testable Property 9.
func (r *Router) llmPlan(ctx context.Context, userMessage string) (RoutingResult, bool) {
	if r.LLM == nil {
		return RoutingResult{}, false
	}
	resp, err := r.LLM.Respond(ctx, RespondRequest{
		Role:         "ROUTER",
		SystemPrompt: routerSystemPrompt,
		Messages:     []ChatMsg{{Role: RoleUser, Content: userMessage}},
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return RoutingResult{}, false
	}

	content := unwrapEmbeddedJSON(resp.Content)
	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return RoutingResult{}, false
	}
	if err := routerResponseSchema.Validate(raw); err != nil {
		return RoutingResult{}, false
	}

	var result RoutingResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return RoutingResult{}, false
	}
	result.Decision = DecisionDelegate
	return result, true
}
