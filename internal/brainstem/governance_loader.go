package brainstem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Governance files are split the way the teacher's internal/config splits
// app config: one required file per concern, merged by the loader rather
// than hand-assembled by callers. All four are required; a missing file is
// a fatal startup error per spec §6.
const (
	governanceModesFile  = "modes.yaml"
	governanceToolsFile  = "tools.yaml"
	governanceModelsFile = "models.yaml"
	governanceSafetyFile = "safety.yaml"
)

const governanceIncludeKey = "$include"

// LoadGovernanceConfig reads modes.yaml, tools.yaml, models.yaml and
// safety.yaml out of dir and assembles a GovernanceConfig. Each file
// supports $include (relative to itself, cycle-checked) and env-var
// expansion, following internal/config/loader.go's shape. Any of the four
// files being absent is reported as an error; callers that want the fatal
// startup behavior from spec §6 should treat a non-nil error here as fatal.
func LoadGovernanceConfig(dir string) (*GovernanceConfig, error) {
	modesRaw, err := loadGovernanceFile(dir, governanceModesFile)
	if err != nil {
		return nil, err
	}
	toolsRaw, err := loadGovernanceFile(dir, governanceToolsFile)
	if err != nil {
		return nil, err
	}
	modelsRaw, err := loadGovernanceFile(dir, governanceModelsFile)
	if err != nil {
		return nil, err
	}
	safetyRaw, safetyNode, err := loadGovernanceFileNode(dir, governanceSafetyFile)
	if err != nil {
		return nil, err
	}

	cfg := &GovernanceConfig{
		Modes: map[Mode]ModeConstraints{},
		Tools: map[string]ToolPolicy{},
		Rules: map[string]TransitionRule{},
	}

	modesSection, _ := modesRaw["modes"].(map[string]any)
	if err := decodeSection(modesSection, &cfg.Modes); err != nil {
		return nil, fmt.Errorf("%s: %w", governanceModesFile, err)
	}

	toolsSection, _ := toolsRaw["tools"].(map[string]any)
	if err := decodeSection(toolsSection, &cfg.Tools); err != nil {
		return nil, fmt.Errorf("%s: %w", governanceToolsFile, err)
	}

	// models.yaml carries per-mode model constraints keyed the same way as
	// modes.yaml; merge rather than replace so modes.yaml's other fields
	// survive.
	if modelsSection, ok := modelsRaw["modes"].(map[string]any); ok {
		var modelConstraints map[Mode]ModelRoleConstraints
		flat := map[string]any{}
		for mode, raw := range modelsSection {
			if entry, ok := raw.(map[string]any); ok {
				if model, ok := entry["model"]; ok {
					flat[mode] = model
				}
			}
		}
		if err := decodeSection(flat, &modelConstraints); err != nil {
			return nil, fmt.Errorf("%s: %w", governanceModelsFile, err)
		}
		for mode, mc := range modelConstraints {
			entry := cfg.Modes[mode]
			entry.Model = mc
			cfg.Modes[mode] = entry
		}
	}

	rulesSection, _ := safetyRaw["transition_rules"].(map[string]any)
	if err := decodeSection(rulesSection, &cfg.Rules); err != nil {
		return nil, fmt.Errorf("%s: %w", governanceSafetyFile, err)
	}
	cfg.RuleOrder = ruleDeclarationOrder(safetyNode)

	return cfg, nil
}

// loadGovernanceFile reads name out of dir, requiring it to exist, resolving
// $include and expanding environment variables.
func loadGovernanceFile(dir, name string) (map[string]any, error) {
	raw, _, err := loadGovernanceFileNode(dir, name)
	return raw, err
}

func loadGovernanceFileNode(dir, name string) (map[string]any, *yaml.Node, error) {
	path := filepath.Join(dir, name)
	raw, node, err := loadGovernanceRecursive(path, map[string]bool{})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("governance config: required file %s is missing: %w", path, err)
		}
		return nil, nil, err
	}
	return raw, node, nil
}

func loadGovernanceRecursive(path string, seen map[string]bool) (map[string]any, *yaml.Node, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, err
	}
	if seen[absPath] {
		return nil, nil, fmt.Errorf("governance config include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, nil, err
	}
	expanded := os.ExpandEnv(string(data))

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", absPath, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	includes, err := extractGovernanceIncludes(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incRaw, _, err := loadGovernanceRecursive(incPath, seen)
		if err != nil {
			return nil, nil, err
		}
		merged = mergeGovernanceMaps(merged, incRaw)
	}
	merged = mergeGovernanceMaps(merged, raw)

	return merged, documentRoot(&doc), nil
}

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return doc
}

func extractGovernanceIncludes(raw map[string]any) ([]string, error) {
	var includeVal any
	if val, ok := raw[governanceIncludeKey]; ok {
		includeVal = val
		delete(raw, governanceIncludeKey)
	} else if val, ok := raw["include"]; ok {
		includeVal = val
		delete(raw, "include")
	}
	if includeVal == nil {
		return nil, nil
	}
	switch typed := includeVal.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

func mergeGovernanceMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeGovernanceMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeSection round-trips a raw map section through yaml so the existing
// `yaml:"..."` struct tags on the GovernanceConfig types do the decoding,
// instead of hand-rolling a second map->struct converter.
func decodeSection(section map[string]any, out any) error {
	if section == nil {
		return nil
	}
	payload, err := yaml.Marshal(section)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(payload, out)
}

// ruleDeclarationOrder walks safety.yaml's transition_rules mapping node to
// recover declaration order, since Go map iteration order is random and
// evaluate_transitions (spec §4.5) takes the first matching rule.
func ruleDeclarationOrder(root *yaml.Node) []string {
	if root == nil || root.Kind != yaml.MappingNode {
		return nil
	}
	var rulesNode *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "transition_rules" {
			rulesNode = root.Content[i+1]
			break
		}
	}
	if rulesNode == nil || rulesNode.Kind != yaml.MappingNode {
		return nil
	}
	order := make([]string, 0, len(rulesNode.Content)/2)
	for i := 0; i+1 < len(rulesNode.Content); i += 2 {
		order = append(order, rulesNode.Content[i].Value)
	}
	return order
}
