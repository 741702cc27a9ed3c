package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// pendingRecord is the union the dispatcher carries. Exactly one field is
// set per record.
type pendingRecord struct {
	event        *decision.Event
	evaluation   *outbound.EvaluationRecord
	registration *outbound.Registration
}

// kind names the record for drop and error logs.
func (r pendingRecord) kind() string {
	switch {
	case r.event != nil:
		return "decision_event"
	case r.evaluation != nil:
		return "evaluation"
	case r.registration != nil:
		return "registration"
	}
	return "empty"
}

// id returns the most useful identifier the record carries.
func (r pendingRecord) id() string {
	switch {
	case r.event != nil:
		return r.event.EventID
	case r.evaluation != nil:
		return r.evaluation.RequestID
	case r.registration != nil:
		return r.registration.AgentID
	}
	return ""
}

// RecordDispatcher writes decision events, evaluation rows and registrations
// to the record sink without blocking the decision hot path. Records flow
// through a buffered channel to a background worker that batches writes.
// Under sustained pressure the dispatcher blocks briefly, then drops and
// counts. Audit trail entries never pass through here: mutations append them
// synchronously so the chain is readable the moment the mutation returns.
type RecordDispatcher struct {
	sink    outbound.RecordSink
	records chan pendingRecord
	wg      sync.WaitGroup
	logger  *slog.Logger

	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration
	dropCount   atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64 // unix nanos of the last depth warning
}

// DispatcherOption configures a RecordDispatcher.
type DispatcherOption func(*RecordDispatcher)

// WithDispatchBatchSize sets how many records accumulate before a flush.
func WithDispatchBatchSize(size int) DispatcherOption {
	return func(d *RecordDispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithDispatchFlushInterval sets the idle flush cadence.
func WithDispatchFlushInterval(interval time.Duration) DispatcherOption {
	return func(d *RecordDispatcher) {
		if interval > 0 {
			d.flushInterval = interval
		}
	}
}

// WithDispatchChannelSize sets the buffered channel capacity.
func WithDispatchChannelSize(size int) DispatcherOption {
	return func(d *RecordDispatcher) {
		if size > 0 {
			d.records = make(chan pendingRecord, size)
			d.channelSize = size
		}
	}
}

// WithDispatchSendTimeout sets how long an enqueue blocks when the channel is
// full before the record is dropped. Zero drops immediately.
func WithDispatchSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *RecordDispatcher) { d.sendTimeout = timeout }
}

// WithDispatchWarningThreshold sets the channel depth percentage that logs a
// rate-limited warning.
func WithDispatchWarningThreshold(percent int) DispatcherOption {
	return func(d *RecordDispatcher) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		d.warningThreshold = percent
	}
}

// NewRecordDispatcher builds a dispatcher over sink. Call Start before
// enqueueing and Stop on shutdown.
func NewRecordDispatcher(sink outbound.RecordSink, logger *slog.Logger, opts ...DispatcherOption) *RecordDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	const defaultChannelSize = 1000
	d := &RecordDispatcher{
		sink:             sink,
		records:          make(chan pendingRecord, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the background worker.
func (d *RecordDispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.worker(ctx)
}

// Stop closes the intake and waits for the worker to flush what remains.
// Nothing may enqueue after Stop.
func (d *RecordDispatcher) Stop() {
	close(d.records)
	d.wg.Wait()
}

// EnqueueEvent queues a decision event for persistence.
func (d *RecordDispatcher) EnqueueEvent(ev *decision.Event) {
	d.enqueue(pendingRecord{event: ev})
}

// EnqueueEvaluation queues an evaluation row.
func (d *RecordDispatcher) EnqueueEvaluation(rec outbound.EvaluationRecord) {
	d.enqueue(pendingRecord{evaluation: &rec})
}

// EnqueueRegistration queues an agent registration.
func (d *RecordDispatcher) EnqueueRegistration(reg outbound.Registration) {
	d.enqueue(pendingRecord{registration: &reg})
}

// enqueue applies backpressure: non-blocking send first, then a bounded wait,
// then drop-and-count. Persistence is best-effort; decisions never block on
// the sink.
func (d *RecordDispatcher) enqueue(rec pendingRecord) {
	if d.warningThreshold > 0 {
		depth := len(d.records)
		if depth >= d.channelSize*d.warningThreshold/100 {
			d.warnDepth(depth)
		}
	}

	select {
	case d.records <- rec:
		return
	default:
	}

	if d.sendTimeout <= 0 {
		d.drop(rec)
		return
	}

	select {
	case d.records <- rec:
	case <-time.After(d.sendTimeout):
		d.drop(rec)
	}
}

func (d *RecordDispatcher) drop(rec pendingRecord) {
	drops := d.dropCount.Add(1)
	d.logger.Warn("record dropped, sink backlogged",
		"kind", rec.kind(),
		"id", rec.id(),
		"total_drops", drops,
	)
}

// warnDepth logs at most one depth warning per second.
func (d *RecordDispatcher) warnDepth(depth int) {
	now := time.Now().UnixNano()
	last := d.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if d.lastWarning.CompareAndSwap(last, now) {
		d.logger.Warn("record channel approaching capacity",
			"depth", depth,
			"capacity", d.channelSize,
			"percent", depth*100/d.channelSize,
		)
	}
}

// DroppedRecords returns the total records dropped since start.
func (d *RecordDispatcher) DroppedRecords() int64 {
	return d.dropCount.Load()
}

// ChannelDepth returns the records currently buffered.
func (d *RecordDispatcher) ChannelDepth() int {
	return len(d.records)
}

// ChannelCapacity returns the intake buffer size.
func (d *RecordDispatcher) ChannelCapacity() int {
	return d.channelSize
}

func (d *RecordDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	batch := make([]pendingRecord, 0, d.batchSize)
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-d.records:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					d.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, rec)
			if len(batch) >= d.batchSize {
				d.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Stop closes the channel; drain what producers already sent.
			for rec := range d.records {
				batch = append(batch, rec)
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				d.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush writes one batch. Failures are logged and never propagated: a sink
// outage must not fail the decisions that produced the records.
func (d *RecordDispatcher) flush(ctx context.Context, batch []pendingRecord) {
	for _, rec := range batch {
		var (
			ack outbound.Ack
			err error
		)
		switch {
		case rec.event != nil:
			ack, err = d.sink.PersistEvent(ctx, rec.event)
		case rec.evaluation != nil:
			ack, err = d.sink.PersistEvaluation(ctx, *rec.evaluation)
		case rec.registration != nil:
			ack, err = d.sink.PersistRegistration(ctx, *rec.registration)
		default:
			continue
		}
		if err != nil {
			d.logger.Error("record sink write failed",
				"code", decision.CodeSink,
				"kind", rec.kind(),
				"id", rec.id(),
				"error", err,
			)
			continue
		}
		if !ack.Accepted {
			d.logger.Warn("record sink refused record",
				"code", decision.CodeSink,
				"kind", rec.kind(),
				"id", rec.id(),
				"reason", ack.Reason,
			)
		}
	}
}
