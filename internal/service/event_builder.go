package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llm-dev-ops/policy-engine/internal/domain/constraint"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
	"github.com/llm-dev-ops/policy-engine/pkg/canonicaljson"
)

// EventBuilder assembles the canonical decision event every agent invocation
// emits exactly once: fingerprinted inputs, graded confidence, minted id and
// timestamp. One builder serves all three agents.
type EventBuilder struct {
	version string
	ids     outbound.IDSource
	clock   outbound.Clock
}

// EventBuilderOption customizes EventBuilder construction.
type EventBuilderOption func(*EventBuilder)

// WithEventIDs overrides the event id source.
func WithEventIDs(ids outbound.IDSource) EventBuilderOption {
	return func(b *EventBuilder) { b.ids = ids }
}

// WithEventClock overrides the timestamp source.
func WithEventClock(c outbound.Clock) EventBuilderOption {
	return func(b *EventBuilder) { b.clock = c }
}

// NewEventBuilder builds an event builder stamping agentVersion on every
// event.
func NewEventBuilder(agentVersion string, opts ...EventBuilderOption) *EventBuilder {
	b := &EventBuilder{
		version: agentVersion,
		ids:     outbound.IDFunc(uuid.NewString),
		clock:   outbound.ClockFunc(time.Now),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build mints one event. inputs is the caller-supplied request payload;
// identical inputs always fingerprint identically. Confidence is clamped
// to [0, 1].
func (b *EventBuilder) Build(t decision.Type, inputs any, outputs map[string]any, confidence float64, applied []constraint.Applied, ref execution.Ref, metadata map[string]any) (*decision.Event, error) {
	hash, err := canonicaljson.Fingerprint(inputs)
	if err != nil {
		return nil, fmt.Errorf("fingerprint inputs: %w", err)
	}
	if applied == nil {
		applied = []constraint.Applied{}
	}
	return &decision.Event{
		EventID:            b.ids.NewID(),
		AgentID:            decision.AgentFor(t),
		AgentVersion:       b.version,
		DecisionType:       t,
		InputsHash:         hash,
		Outputs:            outputs,
		Confidence:         clampConfidence(confidence),
		ConstraintsApplied: applied,
		ExecutionRef:       ref,
		Timestamp:          decision.FormatTime(b.clock.Now()),
		Metadata:           metadata,
	}, nil
}

// BuildError mints the error event for a failed invocation: confidence 0,
// the agent's most conservative outcome, reason carrying the error message.
// It cannot fail; when the inputs themselves cannot be fingerprinted the
// hash falls back to a fingerprint of the error.
func (b *EventBuilder) BuildError(t decision.Type, inputs any, code string, cause error, ref execution.Ref) *decision.Event {
	hash, err := canonicaljson.Fingerprint(inputs)
	if err != nil {
		hash, _ = canonicaljson.Fingerprint(map[string]any{"error": cause.Error()})
	}
	return &decision.Event{
		EventID:      b.ids.NewID(),
		AgentID:      decision.AgentFor(t),
		AgentVersion: b.version,
		DecisionType: t,
		InputsHash:   hash,
		Outputs: map[string]any{
			"outcome": decision.ErrorOutcome(t),
			"allowed": false,
			"reason":  cause.Error(),
		},
		Confidence:         0,
		ConstraintsApplied: []constraint.Applied{},
		ExecutionRef:       ref,
		Timestamp:          decision.FormatTime(b.clock.Now()),
		Metadata:           map[string]any{"error_code": code},
	}
}

// Confidence grades how cleanly a decision resolved, multiplicative from 1.0.
// Reductions stack: an unmatched request under mixed constraints earns both.
func Confidence(dec *evaluation.Decision, applied []constraint.Applied) float64 {
	c := 1.0
	if len(dec.MatchedPolicies) == 0 {
		c *= 0.8
	}
	if mixedSatisfaction(applied) {
		c *= 0.9
	}
	switch dec.Outcome {
	case policy.DecisionModify:
		c *= 0.95
	case policy.DecisionWarn:
		c *= 0.9
	}
	return clampConfidence(c)
}

func mixedSatisfaction(applied []constraint.Applied) bool {
	var satisfied, violated bool
	for _, a := range applied {
		if a.Satisfied {
			satisfied = true
		} else {
			violated = true
		}
	}
	return satisfied && violated
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
