package outbound

import "github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"

// Guard is a compiled policy guard expression. Programs are immutable and
// safe for concurrent evaluation.
type Guard interface {
	// Eval reports whether the guard admits the context. An evaluation
	// failure counts as refusal and is returned for logging.
	Eval(ctx evaluation.Context) (bool, error)
}

// GuardCompiler compiles guard expressions at snapshot-build time, so an
// invalid guard is caught when the policy loads, not per request.
type GuardCompiler interface {
	// Compile builds a reusable program from one guard expression.
	Compile(expr string) (Guard, error)
}
