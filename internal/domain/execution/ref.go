package execution

import "strings"

// Ref ties a decision event back to the umbrella execution it served.
type Ref struct {
	RequestID   string `json:"request_id"`
	TraceID     string `json:"trace_id"`
	SpanID      string `json:"span_id"`
	Environment string `json:"environment"`
	SessionID   string `json:"session_id,omitempty"`
}

// CallContext is the orchestrator-supplied identity of one inbound call:
// the umbrella execution id, the external parent span, and optional
// correlation and session ids. HTTP adapters fill it from headers; the CLI
// mints one locally.
type CallContext struct {
	ExecutionID   string
	ParentSpanID  string
	CorrelationID string
	SessionID     string
}

// Validate reports the required identifiers still missing, as a
// *ContextError naming them in contract order.
func (c CallContext) Validate() error {
	var missing []string
	if c.ExecutionID == "" {
		missing = append(missing, "x-execution-id")
	}
	if c.ParentSpanID == "" {
		missing = append(missing, "x-parent-span-id")
	}
	if len(missing) > 0 {
		return &ContextError{Missing: missing}
	}
	return nil
}

// ContextError reports required execution headers absent from a request.
// Inbound adapters map it to a 400 with code EXECUTION_CONTEXT_ERROR.
type ContextError struct {
	Missing []string
}

func (e *ContextError) Error() string {
	return "missing execution context: " + strings.Join(e.Missing, ", ")
}

// InvariantError reports a violated span-tree invariant, most commonly an
// invocation that returned without recording any agent span.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "execution invariant violated: " + e.Reason
}
