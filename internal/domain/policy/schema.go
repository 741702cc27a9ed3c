package policy

import (
	_ "embed"
	"errors"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

// documentSchema is compiled once at init; the schema ships with the binary,
// so a compile failure is a programming error.
var documentSchema = jsonschema.MustCompileString(
	"https://schemas.llm-dev-ops.io/policy-document.json", schemaJSON)

// validateSchema runs the structural JSON-Schema pass over a decoded document
// tree and converts findings into violations. Semantic checks (closed sets,
// duplicate ids, condition arity) run separately with richer codes.
func validateSchema(doc any) []Violation {
	err := documentSchema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []Violation{{
			Code:     "SCHEMA_ERROR",
			Message:  err.Error(),
			Severity: SeverityError,
		}}
	}

	var out []Violation
	for _, unit := range verr.BasicOutput().Errors {
		// The basic output includes aggregate nodes with empty messages and a
		// root "doesn't validate" wrapper; only leaf findings are reported.
		if unit.Error == "" || unit.KeywordLocation == "" {
			continue
		}
		out = append(out, Violation{
			Code:     "SCHEMA_ERROR",
			Field:    unit.InstanceLocation,
			Message:  unit.Error,
			Severity: SeverityError,
		})
	}
	if len(out) == 0 {
		out = append(out, Violation{
			Code:     "SCHEMA_ERROR",
			Message:  verr.Message,
			Severity: SeverityError,
		})
	}
	return out
}
