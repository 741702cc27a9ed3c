// Package cel compiles and evaluates policy guard expressions with
// google/cel-go. A guard is a boolean CEL expression that gates a whole
// policy before its rules are walked; compilation happens once per snapshot,
// evaluation once per request.
package cel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// maxExpressionLength caps guard source size.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit against cost-exhaustion.
const maxCostBudget = 100_000

// maxNestingDepth caps parenthesis/bracket nesting.
const maxNestingDepth = 50

// evalTimeout bounds a single guard evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) cancellation
// is checked.
const interruptCheckFreq = 100

// Compiler builds guard programs against a fixed environment exposing the
// evaluation context.
type Compiler struct {
	env         *cel.Env
	environment string
	now         func() time.Time
}

var _ outbound.GuardCompiler = (*Compiler)(nil)

// Option configures a Compiler.
type Option func(*Compiler)

// WithEnvironment sets the deployment environment exposed to guards as the
// `environment` variable.
func WithEnvironment(env string) Option {
	return func(c *Compiler) { c.environment = env }
}

// WithClock overrides the wall clock behind the `now` variable.
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) { c.now = now }
}

// NewCompiler creates a guard compiler. Guards see three variables:
// `context` (the evaluation context map, dotted-path addressable),
// `environment` (deployment env string) and `now` (timestamp), plus the
// helper functions glob, field, has_field and field_contains.
func NewCompiler(opts ...Option) (*Compiler, error) {
	env, err := newGuardEnv()
	if err != nil {
		return nil, fmt.Errorf("create guard environment: %w", err)
	}
	c := &Compiler{env: env, environment: "dev", now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compile parses, checks and plans one guard expression. Length and nesting
// limits apply before the parser runs.
func (c *Compiler) Compile(expr string) (outbound.Guard, error) {
	if expr == "" {
		return nil, errors.New("guard expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("guard expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("guard compilation failed: %w", issues.Err())
	}

	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("guard program creation failed: %w", err)
	}

	return &guard{prg: prg, environment: c.environment, now: c.now}, nil
}

// validateNesting rejects expressions nesting parentheses, brackets or
// braces beyond maxNestingDepth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("guard expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// guard is one compiled program. Immutable, safe for concurrent Eval.
type guard struct {
	prg         cel.Program
	environment string
	now         func() time.Time
}

var _ outbound.Guard = (*guard)(nil)

// Eval runs the guard over the context. Non-boolean results and evaluation
// failures are errors; callers treat both as refusal.
func (g *guard) Eval(evalCtx evaluation.Context) (bool, error) {
	activation := map[string]any{
		"context":     nativeContext(evalCtx),
		"environment": g.environment,
		"now":         g.now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := g.prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// nativeContext deep-copies the context converting json.Number into int64 or
// float64, which CEL's type adapter understands. Numbers decoded with
// UseNumber would otherwise surface as strings inside guard expressions.
func nativeContext(evalCtx evaluation.Context) map[string]any {
	if len(evalCtx) == 0 {
		return map[string]any{}
	}
	return nativeValue(map[string]any(evalCtx)).(map[string]any)
}

func nativeValue(v any) any {
	switch tv := v.(type) {
	case json.Number:
		if i, err := tv.Int64(); err == nil {
			return i
		}
		if f, err := tv.Float64(); err == nil {
			return f
		}
		return tv.String()
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = nativeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = nativeValue(val)
		}
		return out
	default:
		return v
	}
}

// newGuardEnv declares the guard environment: context/environment/now
// variables, the strings and sets extensions, and dotted-path helpers that
// reuse the evaluator's lookup (including camelCase⇄snake_case tolerance).
func newGuardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("environment", cel.StringType),
		cel.Variable("now", cel.TimestampType),

		// glob: pattern match for model names, namespaces, operations.
		// Usage: glob("gpt-*", string(context.llm.model))
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					n, _ := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// field: dotted-path lookup into the context.
		// Usage: field(context, "llm.maxTokens")
		cel.Function("field",
			cel.Overload("field_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(ctxVal, pathVal ref.Val) ref.Val {
					path, _ := pathVal.Value().(string)
					if m, ok := ctxVal.Value().(map[string]any); ok {
						if v, found := evaluation.Context(m).Lookup(path); found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// has_field: dotted-path presence test.
		// Usage: has_field(context, "user.roles")
		cel.Function("has_field",
			cel.Overload("has_field_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ctxVal, pathVal ref.Val) ref.Val {
					path, _ := pathVal.Value().(string)
					if m, ok := ctxVal.Value().(map[string]any); ok {
						_, found := evaluation.Context(m).Lookup(path)
						return types.Bool(found)
					}
					return types.Bool(false)
				}),
			),
		),

		// field_contains: substring test on a string field.
		// Usage: field_contains(context, "request.prompt", "password")
		cel.Function("field_contains",
			cel.Overload("field_contains_map_string_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType, cel.StringType},
				cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					if len(args) != 3 {
						return types.Bool(false)
					}
					m, ok := args[0].Value().(map[string]any)
					if !ok {
						return types.Bool(false)
					}
					path, _ := args[1].Value().(string)
					substr, _ := args[2].Value().(string)
					v, found := evaluation.Context(m).Lookup(path)
					if !found {
						return types.Bool(false)
					}
					s, ok := v.(string)
					return types.Bool(ok && strings.Contains(s, substr))
				}),
			),
		),
	)
}
