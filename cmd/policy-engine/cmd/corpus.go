package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// loadPolicyDocument parses one policy document, JSON or YAML by extension.
// Parsing is fail-closed: a document with any structural violation is
// rejected whole.
func loadPolicyDocument(path string) (*policy.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy document: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return policy.ParseYAML(data)
	case ".json":
		return policy.ParseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported policy document extension %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}
}

// loadPolicyDir walks dir and parses every policy document in it. Any
// invalid document aborts the whole load.
func loadPolicyDir(dir string) ([]*policy.Policy, error) {
	var out []*policy.Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".yaml", ".yml":
		default:
			return nil
		}
		doc, err := loadPolicyDocument(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, doc.Policies...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// seedStore saves every policy into the store. Archived or disabled policies
// are stored too; the engine filters the active corpus when it loads.
func seedStore(ctx context.Context, store outbound.PolicyStore, policies []*policy.Policy) error {
	for _, p := range policies {
		if err := store.Save(ctx, p); err != nil {
			return fmt.Errorf("save policy %s: %w", p.ID, err)
		}
	}
	return nil
}

// loadContextArg accepts either a JSON object literal or a path to a JSON or
// YAML file and returns the evaluation context.
func loadContextArg(arg string) (evaluation.Context, error) {
	if arg == "" {
		return nil, fmt.Errorf("--context is required: a JSON literal or a path to a JSON/YAML file")
	}

	trimmed := strings.TrimSpace(arg)
	if strings.HasPrefix(trimmed, "{") {
		var evalCtx evaluation.Context
		if err := json.Unmarshal([]byte(trimmed), &evalCtx); err != nil {
			return nil, fmt.Errorf("context literal is not valid JSON: %w", err)
		}
		return evalCtx, nil
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(arg)) {
	case ".yaml", ".yml":
		// YAML goes through a JSON round trip so nested values end up
		// with the same dynamic types a JSON context has.
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("context file is not valid YAML: %w", err)
		}
		jsonBytes, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("context YAML is not JSON-representable: %w", err)
		}
		data = jsonBytes
	}

	var evalCtx evaluation.Context
	if err := json.Unmarshal(data, &evalCtx); err != nil {
		return nil, fmt.Errorf("context file is not a JSON object: %w", err)
	}
	return evalCtx, nil
}
