package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document envelope constants. Documents from other API generations are
// rejected with a structural violation.
const (
	APIVersion         = "policy.llm-dev-ops.io/v1"
	KindPolicyDocument = "PolicyDocument"
)

// Document is the shipping envelope for one or more policies.
type Document struct {
	// APIVersion identifies the document schema generation.
	APIVersion string `json:"api_version" yaml:"api_version"`
	// Kind is always "PolicyDocument".
	Kind string `json:"kind" yaml:"kind"`
	// Metadata carries free-form document annotations.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// Policies are the payload.
	Policies []*Policy `json:"policies" yaml:"policies"`
}

// UnmarshalJSON applies document defaults before decoding.
func (d *Document) UnmarshalJSON(data []byte) error {
	type alias Document
	tmp := alias{APIVersion: APIVersion, Kind: KindPolicyDocument}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*d = Document(tmp)
	return nil
}

// UnmarshalJSON applies policy defaults (enabled, active) before decoding.
// YAML input is converted to JSON before typed decoding, so this is the only
// decode path.
func (p *Policy) UnmarshalJSON(data []byte) error {
	type alias Policy
	tmp := alias{Enabled: true, Status: StatusActive}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*p = Policy(tmp)
	return nil
}

// UnmarshalJSON applies the enabled-by-default rule.
func (r *PolicyRule) UnmarshalJSON(data []byte) error {
	type alias PolicyRule
	tmp := alias{Enabled: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*r = PolicyRule(tmp)
	return nil
}

// UnmarshalJSON derives the action type from the decision when omitted, and
// a default decision for log/rate_limit side-channel actions.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	if tmp.Type == "" && tmp.Decision != "" {
		tmp.Type = ActionType(tmp.Decision)
	}
	if tmp.Decision == "" {
		switch tmp.Type {
		case ActionLog:
			tmp.Decision = DecisionAllow
		case ActionRateLimit:
			tmp.Decision = DecisionWarn
		}
	}
	*a = Action(tmp)
	return nil
}

// ParseJSON decodes a policy document (or a bare policy, which is wrapped
// into a single-policy document) and validates it. The returned error is a
// *StructuralError carrying the full violation list when the input is
// malformed or invalid.
func ParseJSON(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &StructuralError{Violations: []Violation{{
			Code:     "PARSE_ERROR",
			Message:  fmt.Sprintf("malformed JSON: %v", err),
			Severity: SeverityError,
		}}}
	}

	root, ok := generic.(map[string]any)
	if !ok {
		return nil, &StructuralError{Violations: []Violation{{
			Code:     "PARSE_ERROR",
			Message:  "document root must be an object",
			Severity: SeverityError,
		}}}
	}

	// A bare policy has no "policies" array; wrap it so one schema and one
	// decode path serve both shapes.
	if _, isDocument := root["policies"]; !isDocument {
		root = map[string]any{
			"api_version": APIVersion,
			"kind":        KindPolicyDocument,
			"policies":    []any{generic},
		}
		var err error
		if data, err = json.Marshal(root); err != nil {
			return nil, fmt.Errorf("wrap bare policy: %w", err)
		}
	}

	violations := validateSchema(root)

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		violations = append(violations, Violation{
			Code:     "PARSE_ERROR",
			Message:  fmt.Sprintf("decode document: %v", err),
			Severity: SeverityError,
		})
		return nil, &StructuralError{Violations: violations}
	}

	violations = append(violations, ValidateDocument(&doc)...)
	if len(violations) > 0 {
		return nil, &StructuralError{Violations: violations}
	}
	return &doc, nil
}

// ParseYAML decodes a YAML policy document. The YAML tree is converted to
// JSON and parsed by ParseJSON, so both formats share defaults and checks.
func ParseYAML(data []byte) (*Document, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, &StructuralError{Violations: []Violation{{
			Code:     "PARSE_ERROR",
			Message:  fmt.Sprintf("malformed YAML: %v", err),
			Severity: SeverityError,
		}}}
	}
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return nil, &StructuralError{Violations: []Violation{{
			Code:     "PARSE_ERROR",
			Message:  fmt.Sprintf("YAML is not JSON-representable: %v", err),
			Severity: SeverityError,
		}}}
	}
	return ParseJSON(jsonBytes)
}

// ParseFile loads a document from disk, selecting the format by extension.
// Unknown extensions try YAML first and fall back to JSON.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		doc, yamlErr := ParseYAML(data)
		if yamlErr == nil {
			return doc, nil
		}
		if doc, jsonErr := ParseJSON(data); jsonErr == nil {
			return doc, nil
		}
		return nil, yamlErr
	}
}

// Serialize renders the document as indented JSON. Round-trips through
// ParseJSON.
func (d *Document) Serialize() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// SerializeYAML renders the document as YAML. Round-trips through ParseYAML.
func (d *Document) SerializeYAML() ([]byte, error) {
	return yaml.Marshal(d)
}

// EnabledPolicies returns the evaluable policies in evaluation order.
func (d *Document) EnabledPolicies() []*Policy {
	var out []*Policy
	for _, p := range d.Policies {
		if p.Evaluable() {
			out = append(out, p)
		}
	}
	SortForEvaluation(out)
	return out
}

// SortForEvaluation orders policies the way the engine walks them: priority
// descending, then created_at descending (newer wins a tie), then id
// ascending. The order is fully deterministic.
func SortForEvaluation(ps []*Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.After(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
