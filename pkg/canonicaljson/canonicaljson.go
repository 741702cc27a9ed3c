// Package canonicaljson produces a deterministic JSON serialisation suitable
// for hashing and fingerprinting.
//
// Canonical form:
//   - Object keys sorted lexicographically (byte order) at every nesting level.
//   - No insignificant whitespace.
//   - HTML characters not escaped (< > & appear verbatim).
//   - Integer literals rendered bare ("42"); float literals rendered with at
//     least one decimal digit ("42.0", "0.95"). A number written in exponent
//     form is treated as a float.
//
// The transformation is idempotent: canonicalising canonical output yields
// byte-identical results.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FingerprintLen is the number of hex characters in a short fingerprint.
const FingerprintLen = 16

// Canonical serialises v to canonical JSON bytes.
//
// v is first marshalled with encoding/json, so any value acceptable to
// json.Marshal (including types with custom MarshalJSON) is acceptable here.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}

	// Re-decode with UseNumber so numeric literals survive verbatim and can
	// be classified as integer or float from their source text.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical serialisation of v.
func Hash(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint returns the first FingerprintLen hex characters of Hash(v).
func Fingerprint(v any) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return h[:FingerprintLen], nil
}

// HashBytes returns the lowercase hex SHA-256 of raw bytes. Callers that have
// already canonicalised should use this instead of re-serialising.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeValue appends the canonical rendering of a decoded JSON value.
// Decoded values are one of: nil, bool, string, json.Number, []any,
// map[string]any.
func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, val)
	case json.Number:
		return writeNumber(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicaljson: unexpected value type %T", v)
	}
	return nil
}

// writeString encodes s as a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonicaljson: encode string: %w", err)
	}
	// Encode appends a newline; canonical output carries none.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// writeNumber renders a numeric literal. Literals without '.', 'e' or 'E' are
// integers and pass through verbatim (arbitrary precision preserved). All
// others are floats: parsed as float64 and re-rendered in fixed notation with
// a decimal point forced.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		buf.WriteString(s)
		return nil
	}

	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonicaljson: parse number %q: %w", s, err)
	}
	out := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	buf.WriteString(out)
	return nil
}
