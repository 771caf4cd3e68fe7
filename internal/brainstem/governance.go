package brainstem

import "fmt"

// Mode is the operational state gating what the system may do.
type Mode string

const (
	ModeNormal    Mode = "NORMAL"
	ModeAlert     Mode = "ALERT"
	ModeDegraded  Mode = "DEGRADED"
	ModeLockdown  Mode = "LOCKDOWN"
	ModeRecovery  Mode = "RECOVERY"
)

// allowedTransitions is the static table from spec §3. Any pair not listed
// here is rejected by the mode manager.
var allowedTransitions = map[Mode]map[Mode]bool{
	ModeNormal:   {ModeAlert: true, ModeDegraded: true},
	ModeAlert:    {ModeNormal: true, ModeDegraded: true, ModeLockdown: true},
	ModeDegraded: {ModeLockdown: true},
	ModeLockdown: {ModeRecovery: true},
	ModeRecovery: {ModeNormal: true},
}

// IsAllowedTransition reports whether from -> to is permitted. Same-mode is
// never "allowed" here; callers treat same-mode as a no-op separately.
func IsAllowedTransition(from, to Mode) bool {
	return allowedTransitions[from][to]
}

// Operator is a comparison used by a transition condition.
type Operator string

const (
	OpGT Operator = ">"
	OpLT Operator = "<"
	OpEQ Operator = "=="
	OpGE Operator = ">="
	OpLE Operator = "<="
)

// Condition compares a sensor metric against a fixed value.
type Condition struct {
	Metric   string   `yaml:"metric" json:"metric"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    float64  `yaml:"value" json:"value"`
}

// Logic combines a rule's conditions.
type Logic string

const (
	LogicAny Logic = "any"
	LogicAll Logic = "all"
)

// TransitionRule is one row evaluated by the mode manager, keyed in
// GovernanceConfig by "<FROM>_to_<TO>".
type TransitionRule struct {
	Name       string      `yaml:"name" json:"name"`
	From       Mode        `yaml:"from" json:"from"`
	To         Mode        `yaml:"to" json:"to"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Logic      Logic       `yaml:"logic" json:"logic"`
}

// ModelRoleConstraints bounds how a model role may be used while the
// process is in a given mode.
type ModelRoleConstraints struct {
	AllowedRoles      []string           `yaml:"allowed_roles" json:"allowed_roles"`
	MaxTokensByRole   map[string]int     `yaml:"max_tokens_by_role" json:"max_tokens_by_role"`
	TemperatureByRole map[string]float64 `yaml:"temperature_by_role" json:"temperature_by_role"`
	TimeoutByRole     map[string]float64 `yaml:"timeout_by_role" json:"timeout_by_role"`
}

// ModeConstraints is the per-mode bundle of tool/task/model policy.
type ModeConstraints struct {
	AllowedToolCategories       []string             `yaml:"allowed_tool_categories" json:"allowed_tool_categories"`
	MaxConcurrentTasks          int                  `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	BackgroundMonitoringEnabled bool                 `yaml:"background_monitoring_enabled" json:"background_monitoring_enabled"`
	Thresholds                  map[string]float64   `yaml:"thresholds" json:"thresholds"`
	Model                       ModelRoleConstraints `yaml:"model" json:"model"`
}

// ToolPolicy is the per-tool policy independent of mode; ModeConstraints
// gate categories, this gates individual tools.
type ToolPolicy struct {
	Category         string   `yaml:"category" json:"category"`
	AllowedInModes   []Mode   `yaml:"allowed_in_modes" json:"allowed_in_modes"`
	ForbiddenInModes []Mode   `yaml:"forbidden_in_modes" json:"forbidden_in_modes"`
	AllowedPaths     []string `yaml:"allowed_paths" json:"allowed_paths"`
	ForbiddenPaths   []string `yaml:"forbidden_paths" json:"forbidden_paths"`
	MaxFileSizeMB    float64  `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	RateLimitPerHour int      `yaml:"rate_limit_per_hour" json:"rate_limit_per_hour"`
	RequiresApproval bool     `yaml:"requires_approval" json:"requires_approval"`
}

// GovernanceConfig is the purely declarative, startup-loaded policy
// document. It is read-only for the lifetime of the process; callers get
// typed lookups, never direct map access.
//
// RuleOrder records transition-rule keys in declaration order, since the
// mode manager's evaluate_transitions takes the first matching rule and
// Go map iteration order is not declaration order.
type GovernanceConfig struct {
	Modes     map[Mode]ModeConstraints  `yaml:"modes" json:"modes"`
	Tools     map[string]ToolPolicy     `yaml:"tools" json:"tools"`
	Rules     map[string]TransitionRule `yaml:"transition_rules" json:"transition_rules"`
	RuleOrder []string                  `yaml:"-" json:"-"`
}

// IsToolAllowed reports whether tool may run while the process is in mode,
// combining the tool's own allow/forbid lists with its category's
// membership in the mode's allowed categories.
func (g *GovernanceConfig) IsToolAllowed(tool string, mode Mode) bool {
	policy, ok := g.Tools[tool]
	if !ok {
		return false
	}
	for _, m := range policy.ForbiddenInModes {
		if m == mode {
			return false
		}
	}
	if len(policy.AllowedInModes) > 0 {
		allowed := false
		for _, m := range policy.AllowedInModes {
			if m == mode {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	mc, ok := g.Modes[mode]
	if !ok {
		return false
	}
	for _, cat := range mc.AllowedToolCategories {
		if cat == policy.Category {
			return true
		}
	}
	return false
}

// ToolPolicy returns the named tool's policy and whether it exists.
func (g *GovernanceConfig) ToolPolicy(tool string) (ToolPolicy, bool) {
	p, ok := g.Tools[tool]
	return p, ok
}

// ModeConstraints returns the constraints declared for mode and whether
// they exist.
func (g *GovernanceConfig) ModeConstraints(mode Mode) (ModeConstraints, bool) {
	mc, ok := g.Modes[mode]
	return mc, ok
}

// OrderedRules returns the transition rules in declaration order, per
// RuleOrder. This is what evaluate_transitions iterates.
func (g *GovernanceConfig) OrderedRules() []TransitionRule {
	rules := make([]TransitionRule, 0, len(g.RuleOrder))
	for _, key := range g.RuleOrder {
		if r, ok := g.Rules[key]; ok {
			rules = append(rules, r)
		}
	}
	return rules
}

func transitionKey(from, to Mode) string {
	return fmt.Sprintf("%s_to_%s", from, to)
}
