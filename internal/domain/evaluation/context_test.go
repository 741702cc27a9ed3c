package evaluation

import "testing"

func testContext() Context {
	return Context{
		"llm": map[string]any{
			"model":       "gpt-4",
			"maxTokens":   float64(4096),
			"temperature": 0.7,
		},
		"user": map[string]any{
			"id":    "u-1",
			"roles": []any{"developer", "oncall"},
		},
		"request": map[string]any{
			"operation": "delete",
			"details": map[string]any{
				"value": float64(120),
			},
		},
		"metadata": map[string]any{
			"nullable": nil,
		},
	}
}

func TestLookup(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name    string
		path    string
		want    any
		defined bool
	}{
		{"top level", "llm", ctx["llm"], true},
		{"nested", "llm.model", "gpt-4", true},
		{"deep nested", "request.details.value", float64(120), true},
		{"camel spelling", "llm.maxTokens", float64(4096), true},
		{"snake alias of camel key", "llm.max_tokens", float64(4096), true},
		{"missing leaf", "llm.provider", nil, false},
		{"missing branch", "team.name", nil, false},
		{"descend through scalar", "llm.model.vendor", nil, false},
		{"null value is undefined", "metadata.nullable", nil, false},
		{"empty path", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, defined := ctx.Lookup(tt.path)
			if defined != tt.defined {
				t.Fatalf("Lookup(%q) defined = %v, want %v", tt.path, defined, tt.defined)
			}
			if !tt.defined {
				return
			}
			switch want := tt.want.(type) {
			case string:
				if got != want {
					t.Errorf("Lookup(%q) = %v, want %v", tt.path, got, want)
				}
			case float64:
				if got != want {
					t.Errorf("Lookup(%q) = %v, want %v", tt.path, got, want)
				}
			}
		})
	}
}

func TestLookupNilContext(t *testing.T) {
	var ctx Context
	if _, defined := ctx.Lookup("llm.model"); defined {
		t.Error("nil context should resolve nothing")
	}
}

func TestLookupAliasRoundTrip(t *testing.T) {
	ctx := Context{
		"request": map[string]any{
			"resource_type": "deployment",
		},
	}

	for _, path := range []string{"request.resource_type", "request.resourceType"} {
		got, defined := ctx.Lookup(path)
		if !defined {
			t.Fatalf("Lookup(%q) undefined", path)
		}
		if got != "deployment" {
			t.Errorf("Lookup(%q) = %v, want deployment", path, got)
		}
	}
}

func TestAliasSegment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"max_tokens", "maxTokens"},
		{"maxTokens", "max_tokens"},
		{"resource_type", "resourceType"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := aliasSegment(tt.in); got != tt.want {
			t.Errorf("aliasSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
