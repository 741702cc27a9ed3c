package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// captureSink records everything persisted through it. Shared by dispatcher
// and agent service tests.
type captureSink struct {
	mu            sync.Mutex
	events        []*decision.Event
	entries       []audit.Entry
	evaluations   []outbound.EvaluationRecord
	registrations []outbound.Registration

	failWith error
	refuse   string
	delay    time.Duration
}

func (s *captureSink) PersistEvent(_ context.Context, ev *decision.Event) (outbound.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failWith != nil {
		return outbound.Ack{}, s.failWith
	}
	if s.refuse != "" {
		return outbound.Ack{Accepted: false, Reason: s.refuse}, nil
	}
	s.events = append(s.events, ev)
	return outbound.Ack{Accepted: true}, nil
}

func (s *captureSink) PersistAuditEntry(_ context.Context, e audit.Entry) (outbound.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return outbound.Ack{}, s.failWith
	}
	s.entries = append(s.entries, e)
	return outbound.Ack{Accepted: true}, nil
}

func (s *captureSink) PersistEvaluation(_ context.Context, rec outbound.EvaluationRecord) (outbound.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return outbound.Ack{}, s.failWith
	}
	s.evaluations = append(s.evaluations, rec)
	return outbound.Ack{Accepted: true}, nil
}

func (s *captureSink) PersistRegistration(_ context.Context, reg outbound.Registration) (outbound.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return outbound.Ack{}, s.failWith
	}
	s.registrations = append(s.registrations, reg)
	return outbound.Ack{Accepted: true}, nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) counts() (events, entries, evaluations, registrations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), len(s.entries), len(s.evaluations), len(s.registrations)
}

func (s *captureSink) eventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.events))
	for i, ev := range s.events {
		ids[i] = ev.EventID
	}
	return ids
}

func dispatcherEvent(id string) *decision.Event {
	return &decision.Event{
		EventID:      id,
		AgentID:      decision.AgentPolicyEnforcement,
		AgentVersion: "1.0.0",
		DecisionType: decision.TypePolicyEnforcement,
		InputsHash:   "0123456789abcdef",
		Confidence:   1,
		Timestamp:    decision.FormatTime(time.Now()),
	}
}

func TestRecordDispatcher_DeliversAllKinds(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &captureSink{}
	d := NewRecordDispatcher(sink, testLogger(), WithDispatchBatchSize(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.EnqueueEvent(dispatcherEvent("evt-1"))
	d.EnqueueEvaluation(outbound.EvaluationRecord{RequestID: "req-1", Outcome: "policy_allow"})
	d.EnqueueRegistration(outbound.Registration{AgentID: decision.AgentConstraintSolver})

	d.Stop()

	events, _, evaluations, registrations := sink.counts()
	if events != 1 || evaluations != 1 || registrations != 1 {
		t.Errorf("persisted %d/%d/%d records, want 1 of each", events, evaluations, registrations)
	}
	if d.DroppedRecords() != 0 {
		t.Errorf("drops = %d, want 0", d.DroppedRecords())
	}
}

func TestRecordDispatcher_BatchFlushWithoutStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &captureSink{}
	d := NewRecordDispatcher(sink, testLogger(),
		WithDispatchBatchSize(2),
		WithDispatchFlushInterval(time.Hour), // only batch-size flushes
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.EnqueueEvent(dispatcherEvent("evt-1"))
	d.EnqueueEvent(dispatcherEvent("evt-2"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if events, _, _, _ := sink.counts(); events == 2 {
			break
		}
		if time.Now().After(deadline) {
			events, _, _, _ := sink.counts()
			t.Fatalf("batch never flushed: %d events persisted", events)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecordDispatcher_IntervalFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &captureSink{}
	d := NewRecordDispatcher(sink, testLogger(),
		WithDispatchBatchSize(100),
		WithDispatchFlushInterval(20*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.EnqueueEvent(dispatcherEvent("evt-1"))

	time.Sleep(100 * time.Millisecond)
	if events, _, _, _ := sink.counts(); events != 1 {
		t.Errorf("interval flush persisted %d events, want 1", events)
	}
}

func TestRecordDispatcher_DropsWhenBacklogged(t *testing.T) {
	sink := &captureSink{}
	d := NewRecordDispatcher(sink, testLogger(),
		WithDispatchChannelSize(1),
		WithDispatchSendTimeout(0),
	)
	// Worker intentionally not started: the channel holds one record and
	// every further enqueue must drop immediately.
	d.EnqueueEvent(dispatcherEvent("evt-1"))
	d.EnqueueEvent(dispatcherEvent("evt-2"))
	d.EnqueueEvent(dispatcherEvent("evt-3"))

	if drops := d.DroppedRecords(); drops != 2 {
		t.Errorf("drops = %d, want 2", drops)
	}
	if depth := d.ChannelDepth(); depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}
}

func TestRecordDispatcher_SendTimeoutBlocksThenDrops(t *testing.T) {
	sink := &captureSink{}
	d := NewRecordDispatcher(sink, testLogger(),
		WithDispatchChannelSize(1),
		WithDispatchSendTimeout(20*time.Millisecond),
	)
	d.EnqueueEvent(dispatcherEvent("evt-1"))

	start := time.Now()
	d.EnqueueEvent(dispatcherEvent("evt-2"))
	elapsed := time.Since(start)

	if elapsed < 15*time.Millisecond {
		t.Errorf("enqueue returned after %v, want it to block for the send timeout", elapsed)
	}
	if drops := d.DroppedRecords(); drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}
}

func TestRecordDispatcher_SinkErrorsDoNotPropagate(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &captureSink{failWith: errors.New("disk full")}
	d := NewRecordDispatcher(sink, testLogger(), WithDispatchBatchSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.EnqueueEvent(dispatcherEvent("evt-1"))
	d.Stop()

	// The write failed but nothing was dropped at intake and nothing panicked.
	if drops := d.DroppedRecords(); drops != 0 {
		t.Errorf("drops = %d, want 0: sink failures are not intake drops", drops)
	}
}

func TestRecordDispatcher_StopFlushesPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &captureSink{}
	d := NewRecordDispatcher(sink, testLogger(),
		WithDispatchBatchSize(1000),
		WithDispatchFlushInterval(time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	for i := 0; i < 25; i++ {
		d.EnqueueEvent(dispatcherEvent(fmt.Sprintf("evt-%02d", i)))
	}
	d.Stop()

	if events, _, _, _ := sink.counts(); events != 25 {
		t.Errorf("persisted %d events after Stop, want 25", events)
	}
	ids := sink.eventIDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] > ids[i] {
			t.Errorf("events persisted out of order: %s after %s", ids[i], ids[i-1])
			break
		}
	}
}
