package brainstem

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TransitionRecord is an append-only log entry produced by a successful
// mode transition.
type TransitionRecord struct {
	Timestamp      time.Time          `json:"timestamp"`
	FromMode       Mode               `json:"from_mode"`
	ToMode         Mode               `json:"to_mode"`
	Reason         string             `json:"reason"`
	SensorSnapshot map[string]float64 `json:"sensor_snapshot,omitempty"`
}

// ModeManager is the process-wide state machine gating tool and model use.
// Exactly one writer mutates current; readers take a consistent snapshot
// under the same mutex.
type ModeManager struct {
	mu        sync.RWMutex
	current   Mode
	history   []TransitionRecord
	governance *GovernanceConfig
	logger    *slog.Logger
}

// NewModeManager starts in NORMAL mode.
func NewModeManager(governance *GovernanceConfig, logger *slog.Logger) *ModeManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModeManager{
		current:    ModeNormal,
		governance: governance,
		logger:     logger,
	}
}

// Current returns the current mode.
func (m *ModeManager) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// History returns a copy of the transition history.
func (m *ModeManager) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// TransitionTo validates target against the allowed-transition table.
// Same-mode is a no-op (no record appended). A disallowed transition is a
// logged rejection with no state change. On success, a TransitionRecord is
// appended and a mode_transition event is logged.
func (m *ModeManager) TransitionTo(ctx context.Context, target Mode, reason string, snapshot map[string]float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target == m.current {
		return true
	}
	if !IsAllowedTransition(m.current, target) {
		m.logger.WarnContext(ctx, "mode transition rejected",
			"event", "mode_transition_rejected",
			"from", string(m.current), "to", string(target), "reason", reason)
		return false
	}

	record := TransitionRecord{
		Timestamp:      time.Now().UTC(),
		FromMode:       m.current,
		ToMode:         target,
		Reason:         reason,
		SensorSnapshot: snapshot,
	}
	m.history = append(m.history, record)
	from := m.current
	m.current = target

	m.logger.InfoContext(ctx, "mode transition",
		"event", "mode_transition",
		"from", string(from), "to", string(target), "reason", reason)
	return true
}

// EvaluateTransitions scans rules whose source mode equals the current
// mode, in declaration order, and takes the first one whose conditions are
// satisfied against snapshot. At most one transition occurs. Returns true
// if a transition was made.
func (m *ModeManager) EvaluateTransitions(ctx context.Context, snapshot map[string]float64) bool {
	if m.governance == nil {
		return false
	}
	current := m.Current()
	for _, rule := range m.governance.OrderedRules() {
		if rule.From != current {
			continue
		}
		if evaluateConditions(ctx, m.logger, rule, snapshot) {
			return m.TransitionTo(ctx, rule.To, "rule:"+rule.Name, snapshot)
		}
	}
	return false
}

func evaluateConditions(ctx context.Context, logger *slog.Logger, rule TransitionRule, snapshot map[string]float64) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	results := make([]bool, 0, len(rule.Conditions))
	for _, cond := range rule.Conditions {
		val, ok := snapshot[cond.Metric]
		if !ok {
			results = append(results, false)
			continue
		}
		ok2, valid := compare(val, cond.Operator, cond.Value)
		if !valid {
			logger.WarnContext(ctx, "unknown operator in transition rule",
				"event", "mode_rule_invalid", "rule", rule.Name, "operator", string(cond.Operator))
			return false
		}
		results = append(results, ok2)
	}

	switch rule.Logic {
	case LogicAny:
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	case LogicAll:
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	default:
		logger.WarnContext(ctx, "unknown logic in transition rule",
			"event", "mode_rule_invalid", "rule", rule.Name, "logic", string(rule.Logic))
		return false
	}
}

func compare(value float64, op Operator, target float64) (result bool, valid bool) {
	switch op {
	case OpGT:
		return value > target, true
	case OpLT:
		return value < target, true
	case OpEQ:
		return value == target, true
	case OpGE:
		return value >= target, true
	case OpLE:
		return value <= target, true
	default:
		return false, false
	}
}
