package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// defaultEventCap bounds the decision-event and evaluation buffers.
const defaultEventCap = 1000

// RecordSink captures emitted records in bounded buffers. Decision events and
// evaluation rows are high volume and roll over oldest-first; audit entries
// and registrations are kept whole so chain verification always sees the full
// trail.
type RecordSink struct {
	mu            sync.Mutex
	events        []*decision.Event
	evaluations   []outbound.EvaluationRecord
	entries       []audit.Entry
	registrations []outbound.Registration
	cap           int
	closed        bool
}

var (
	_ outbound.RecordSink       = (*RecordSink)(nil)
	_ outbound.AuditTrailSource = (*RecordSink)(nil)
)

// ErrSinkClosed is returned by writes after Close.
var ErrSinkClosed = errors.New("record sink closed")

// NewRecordSink creates a capturing sink. An optional capacity parameter sets
// the rolling buffer size for events and evaluations (default 1000).
func NewRecordSink(capacity ...int) *RecordSink {
	c := defaultEventCap
	if len(capacity) > 0 && capacity[0] > 0 {
		c = capacity[0]
	}
	return &RecordSink{cap: c}
}

// PersistEvent stores one decision event.
func (s *RecordSink) PersistEvent(ctx context.Context, event *decision.Event) (outbound.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return outbound.Ack{}, ErrSinkClosed
	}
	if len(s.events) >= s.cap {
		copy(s.events, s.events[1:])
		s.events[len(s.events)-1] = event
	} else {
		s.events = append(s.events, event)
	}
	return outbound.Ack{Accepted: true}, nil
}

// PersistAuditEntry appends one entry to the trail.
func (s *RecordSink) PersistAuditEntry(ctx context.Context, entry audit.Entry) (outbound.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return outbound.Ack{}, ErrSinkClosed
	}
	s.entries = append(s.entries, entry)
	return outbound.Ack{Accepted: true}, nil
}

// PersistEvaluation stores one evaluation row.
func (s *RecordSink) PersistEvaluation(ctx context.Context, rec outbound.EvaluationRecord) (outbound.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return outbound.Ack{}, ErrSinkClosed
	}
	if len(s.evaluations) >= s.cap {
		copy(s.evaluations, s.evaluations[1:])
		s.evaluations[len(s.evaluations)-1] = rec
	} else {
		s.evaluations = append(s.evaluations, rec)
	}
	return outbound.Ack{Accepted: true}, nil
}

// PersistRegistration stores an agent registration.
func (s *RecordSink) PersistRegistration(ctx context.Context, reg outbound.Registration) (outbound.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return outbound.Ack{}, ErrSinkClosed
	}
	s.registrations = append(s.registrations, reg)
	return outbound.Ack{Accepted: true}, nil
}

// Close marks the sink closed; later writes fail.
func (s *RecordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Trail returns the audit entries for one policy ordered oldest first. An
// empty policyID returns the whole trail.
func (s *RecordSink) Trail(ctx context.Context, policyID string) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []audit.Entry
	for _, e := range s.entries {
		if policyID == "" || e.PolicyID == policyID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Events returns the captured decision events, oldest first.
func (s *RecordSink) Events() []*decision.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*decision.Event(nil), s.events...)
}

// Evaluations returns the captured evaluation rows, oldest first.
func (s *RecordSink) Evaluations() []outbound.EvaluationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbound.EvaluationRecord(nil), s.evaluations...)
}

// Registrations returns the captured agent registrations.
func (s *RecordSink) Registrations() []outbound.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbound.Registration(nil), s.registrations...)
}
