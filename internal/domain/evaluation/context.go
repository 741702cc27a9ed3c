// Package evaluation holds the evaluation context, the pure condition
// evaluator, and the decision types the engine synthesises.
package evaluation

import (
	"strings"
	"unicode"
)

// Context is the nested request context a policy corpus is evaluated
// against. Conventional top-level branches are "llm", "user", "team",
// "project", "request" and "metadata", but every branch is optional and
// unknown fields are preserved. Key order never affects fingerprints.
//
// A Context is immutable during evaluation.
type Context map[string]any

// Lookup resolves a dotted field path ("llm.maxTokens"). Each segment
// descends into a nested mapping; camelCase and snake_case spellings of a
// segment are interchangeable ("llm.max_tokens" resolves the same value).
//
// The second return is false when any segment is missing, an intermediate
// value is not a mapping, or the target is null: the undefined sentinel of
// the evaluator.
func (c Context) Lookup(path string) (any, bool) {
	if c == nil || path == "" {
		return nil, false
	}

	var cur any = map[string]any(c)
	for seg := range splitSegments(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			v, ok = m[aliasSegment(seg)]
			if !ok {
				return nil, false
			}
		}
		cur = v
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// splitSegments iterates the dotted segments of a path without allocating a
// slice per lookup.
func splitSegments(path string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		for len(path) > 0 {
			i := strings.IndexByte(path, '.')
			if i < 0 {
				yield(path)
				return
			}
			if !yield(path[:i]) {
				return
			}
			path = path[i+1:]
		}
	}
}

// aliasSegment converts a segment between snake_case and camelCase so either
// spelling resolves. Segments with an underscore become camelCase; all others
// become snake_case.
func aliasSegment(seg string) string {
	if strings.ContainsRune(seg, '_') {
		return snakeToCamel(seg)
	}
	return camelToSnake(seg)
}

func snakeToCamel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	upperNext := false
	for _, r := range s {
		switch {
		case r == '_':
			upperNext = true
		case upperNext:
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func camelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
