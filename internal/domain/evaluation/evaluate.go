package evaluation

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// Evaluate resolves a condition tree against a request context. It is pure
// and re-entrant: no I/O, no shared mutable state beyond the pattern cache.
//
// Composite nodes short-circuit left to right. Leaf comparisons against an
// unresolved field yield false for every operator except not_exists; a field
// that resolves to null counts as undefined.
func Evaluate(cond *policy.Condition, ctx Context) bool {
	if cond == nil {
		return false
	}

	switch cond.Operator {
	case policy.OpAnd:
		if len(cond.Conditions) == 0 {
			return false
		}
		for _, child := range cond.Conditions {
			if !Evaluate(child, ctx) {
				return false
			}
		}
		return true
	case policy.OpOr:
		if len(cond.Conditions) == 0 {
			return false
		}
		for _, child := range cond.Conditions {
			if Evaluate(child, ctx) {
				return true
			}
		}
		return false
	case policy.OpNot:
		if len(cond.Conditions) != 1 {
			return false
		}
		return !Evaluate(cond.Conditions[0], ctx)
	}

	val, defined := ctx.Lookup(cond.Field)

	switch cond.Operator {
	case policy.OpExists:
		return defined
	case policy.OpNotExists:
		return !defined
	}
	if !defined {
		// Undefined satisfies no comparison, not even not_equals.
		return false
	}
	return compare(cond.Operator, val, cond.Value)
}

func compare(op policy.Operator, have, want any) bool {
	switch op {
	case policy.OpEquals:
		return valueEqual(have, want)
	case policy.OpNotEquals:
		return !valueEqual(have, want)
	case policy.OpGreaterThan:
		a, b, ok := numericPair(have, want)
		return ok && a > b
	case policy.OpLessThan:
		a, b, ok := numericPair(have, want)
		return ok && a < b
	case policy.OpGreaterThanOrEqual:
		a, b, ok := numericPair(have, want)
		return ok && a >= b
	case policy.OpLessThanOrEqual:
		a, b, ok := numericPair(have, want)
		return ok && a <= b
	case policy.OpIn:
		seq, ok := asSequence(want)
		return ok && sequenceHas(seq, have)
	case policy.OpNotIn:
		seq, ok := asSequence(want)
		if !ok {
			// A non-sequence literal excludes nothing.
			return true
		}
		return !sequenceHas(seq, have)
	case policy.OpContains:
		return containsValue(have, want)
	case policy.OpMatches:
		s, okS := asString(have)
		p, okP := asString(want)
		if !okS || !okP {
			return false
		}
		re := compiledPattern(p)
		return re != nil && re.MatchString(s)
	case policy.OpStartsWith:
		s, okS := asString(have)
		p, okP := asString(want)
		return okS && okP && strings.HasPrefix(s, p)
	case policy.OpEndsWith:
		s, okS := asString(have)
		p, okP := asString(want)
		return okS && okP && strings.HasSuffix(s, p)
	}
	return false
}

// valueEqual is deep equality with int/float promotion. Strings and bools
// compare exactly; sequences compare element-wise; mappings compare by key.
func valueEqual(a, b any) bool {
	if na, ok := Number(a); ok {
		nb, ok := Number(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !valueEqual(v, bvv) {
				return false
			}
		}
		return true
	}
	return false
}

// containsValue implements the contains operator: substring when both sides
// are strings, element membership when the resolved value is a sequence.
func containsValue(have, want any) bool {
	if s, ok := asString(have); ok {
		sub, ok := asString(want)
		return ok && strings.Contains(s, sub)
	}
	if seq, ok := asSequence(have); ok {
		return sequenceHas(seq, want)
	}
	return false
}

func sequenceHas(seq []any, v any) bool {
	for _, elem := range seq {
		if valueEqual(elem, v) {
			return true
		}
	}
	return false
}

func asSequence(v any) ([]any, bool) {
	seq, ok := v.([]any)
	return seq, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Number widens any numeric representation to float64. Policy documents
// decode numbers as json.Number, request contexts as float64; both sides of
// a comparison must land in the same domain.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func numericPair(a, b any) (float64, float64, bool) {
	na, ok := Number(a)
	if !ok {
		return 0, 0, false
	}
	nb, ok := Number(b)
	if !ok {
		return 0, 0, false
	}
	return na, nb, true
}

// patternCacheLimit bounds the compiled regex cache. Policy corpora reuse a
// small set of patterns; on overflow the whole cache resets rather than
// tracking recency.
const patternCacheLimit = 256

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp, 32)
)

// compiledPattern returns the compiled form of a matches literal, or nil when
// the pattern does not compile. Invalid patterns are cached as nil so a bad
// policy cannot force recompilation on every request.
func compiledPattern(pattern string) *regexp.Regexp {
	patternMu.RLock()
	re, hit := patternCache[pattern]
	patternMu.RUnlock()
	if hit {
		return re
	}

	compiled, err := regexp.Compile(anchorPattern(pattern))
	if err != nil {
		compiled = nil
	}

	patternMu.Lock()
	if len(patternCache) >= patternCacheLimit {
		patternCache = make(map[string]*regexp.Regexp, 32)
	}
	patternCache[pattern] = compiled
	patternMu.Unlock()
	return compiled
}

// anchorPattern left-anchors a pattern unless the author anchored it with
// ^ or $ explicitly. The group keeps alternations intact.
func anchorPattern(pattern string) string {
	if strings.HasPrefix(pattern, "^") || strings.HasSuffix(pattern, "$") {
		return pattern
	}
	return "^(?:" + pattern + ")"
}

// cachedPattern reports whether a pattern has been compiled. Test hook for
// short-circuit coverage; callers outside this package never see it.
func cachedPattern(pattern string) bool {
	patternMu.RLock()
	defer patternMu.RUnlock()
	_, hit := patternCache[pattern]
	return hit
}
