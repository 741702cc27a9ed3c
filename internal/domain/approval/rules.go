package approval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// RulesFile is the on-disk document holding approval rules.
type RulesFile struct {
	Rules []*Rule `json:"rules" yaml:"rules"`
}

// UnmarshalJSON applies rule defaults: rules are active and use the all
// combinator unless stated otherwise. YAML input is converted to JSON before
// typed decoding, so this is the only decode path.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type alias Rule
	tmp := alias{Active: true, MatchCombinator: CombinatorAll}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*r = Rule(tmp)
	return nil
}

// ParseRules decodes approval rules from JSON or YAML. Accepts either a
// {rules: [...]} document or a bare rule array.
func ParseRules(data []byte) ([]*Rule, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.New("approval rules: empty document")
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("approval rules: malformed YAML: %w", err)
		}
		var err error
		if trimmed, err = json.Marshal(generic); err != nil {
			return nil, fmt.Errorf("approval rules: YAML is not JSON-representable: %w", err)
		}
		trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	}

	var rules []*Rule
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rules); err != nil {
			return nil, fmt.Errorf("approval rules: %w", err)
		}
	} else {
		var file RulesFile
		if err := json.Unmarshal(trimmed, &file); err != nil {
			return nil, fmt.Errorf("approval rules: %w", err)
		}
		rules = file.Rules
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// LoadRulesFile reads and parses an approval rules file.
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read approval rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ValidateRules checks struct tags plus what the tags cannot express:
// unique ids, well-formed match conditions, and that an active rule can
// actually route somewhere.
func ValidateRules(rules []*Rule) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	seen := make(map[string]bool, len(rules))
	var problems []string
	for i, r := range rules {
		if r == nil {
			problems = append(problems, fmt.Sprintf("rules[%d]: null rule", i))
			continue
		}
		if err := v.Struct(r); err != nil {
			problems = append(problems, fmt.Sprintf("rules[%d] (%s): %v", i, r.ID, err))
		}
		if seen[r.ID] {
			problems = append(problems, fmt.Sprintf("rules[%d]: duplicate rule id %q", i, r.ID))
		}
		seen[r.ID] = true
		for j, c := range r.Match {
			if err := validateMatchCondition(c); err != nil {
				problems = append(problems, fmt.Sprintf("rules[%d].match[%d]: %v", i, j, err))
			}
		}
		if r.Active && len(r.ApproverPool) == 0 && r.AutoApprove.Empty() {
			problems = append(problems, fmt.Sprintf("rules[%d] (%s): active rule needs an approver pool or auto-approve conditions", i, r.ID))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func validateMatchCondition(c *policy.Condition) error {
	if c == nil {
		return errors.New("missing condition")
	}
	if !policy.ValidOperator(c.Operator) {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Operator.IsComposite() {
		if len(c.Conditions) == 0 {
			return errors.New("composite condition needs children")
		}
		if c.Operator == policy.OpNot && len(c.Conditions) != 1 {
			return errors.New("not takes exactly one child")
		}
		for _, child := range c.Conditions {
			if err := validateMatchCondition(child); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Field == "" {
		return errors.New("leaf condition needs a field path")
	}
	if c.Operator.NeedsValue() && c.Value == nil {
		return fmt.Errorf("operator %q needs a value", c.Operator)
	}
	return nil
}
