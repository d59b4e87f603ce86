package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/observability/telemetry"
	"github.com/voltgrid/chargepointd/internal/ocpp"
	"github.com/voltgrid/chargepointd/internal/transport"
)

// OutcomeKind classifies how an outstanding call completed.
type OutcomeKind int

const (
	// OutcomeResult carries the peer's CallResult payload.
	OutcomeResult OutcomeKind = iota
	// OutcomeError carries the peer's CallError.
	OutcomeError
	// OutcomeTimeout means the retry budget was exhausted with no response.
	OutcomeTimeout
	// OutcomeCancelled means the owner withdrew the call before completion.
	OutcomeCancelled
)

// Outcome is delivered exactly once to a call's continuation.
type Outcome struct {
	Kind             OutcomeKind
	Payload          json.RawMessage
	ErrorCode        ocpp.ErrorCode
	ErrorDescription string
}

// Continuation receives the terminal outcome of a call.
type Continuation func(Outcome)

type callRecord struct {
	id     string
	action string
	// frame is the serialized Call, retained verbatim for retransmission.
	frame    []byte
	attempts int
	deadline time.Time
	policy   RetryPolicy
	done     Continuation
}

// outFrame is one entry of the FIFO send queue: either a fresh or
// retransmitted Call (record set) or a CallResult/CallError reply.
type outFrame struct {
	data   []byte
	record *callRecord
	action string
}

// CallTracker owns the outstanding-call table and the outbound send queue.
// It matches incoming results to calls by unique id, retransmits on
// deadline, and forwards incoming requests to the router. All methods run
// on the engine goroutine; no locking by design.
type CallTracker struct {
	tr     transport.Transport
	router *Router
	log    *zap.Logger

	pending map[string]*callRecord
	sendQ   []outFrame
}

func NewCallTracker(tr transport.Transport, router *Router, log *zap.Logger) *CallTracker {
	return &CallTracker{
		tr:      tr,
		router:  router,
		log:     log,
		pending: make(map[string]*callRecord),
	}
}

// Enqueue creates an outstanding call and appends it to the send queue.
// It never blocks; the frame leaves on the next Flush. The returned id is
// unique among live records (uuid), usable for Cancel.
func (t *CallTracker) Enqueue(action string, payload interface{}, policy RetryPolicy, done Continuation) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("engine: marshal %s payload: %w", action, err)
	}

	id := uuid.NewString()
	frame, err := ocpp.Marshal(ocpp.Message{
		Kind:     ocpp.KindCall,
		UniqueID: id,
		Action:   action,
		Payload:  body,
	})
	if err != nil {
		return "", err
	}

	rec := &callRecord{
		id:     id,
		action: action,
		frame:  frame,
		policy: policy,
		done:   done,
	}
	t.pending[id] = rec
	t.sendQ = append(t.sendQ, outFrame{data: frame, record: rec, action: action})
	telemetry.OutstandingCalls.Set(float64(len(t.pending)))

	t.log.Debug("Call enqueued",
		zap.String("action", action),
		zap.String("unique_id", id),
	)
	return id, nil
}

// OnIncoming consumes one parsed frame. Results and errors complete their
// outstanding call; unmatched ids are dropped with a diagnostic. Calls are
// routed and their reply queued under the same unique id.
func (t *CallTracker) OnIncoming(msg ocpp.Message) {
	switch msg.Kind {
	case ocpp.KindCallResult, ocpp.KindCallError:
		rec, ok := t.pending[msg.UniqueID]
		if !ok {
			telemetry.UnmatchedResultsTotal.Inc()
			t.log.Warn("Dropping response with no outstanding call",
				zap.String("unique_id", msg.UniqueID),
				zap.String("kind", msg.Kind.String()),
			)
			return
		}
		t.remove(rec)
		telemetry.MessagesTotal.WithLabelValues(rec.action, "in").Inc()

		if rec.done == nil {
			return
		}
		if msg.Kind == ocpp.KindCallResult {
			rec.done(Outcome{Kind: OutcomeResult, Payload: msg.Payload})
		} else {
			t.log.Warn("Call failed with protocol error",
				zap.String("action", rec.action),
				zap.String("unique_id", rec.id),
				zap.String("error_code", string(msg.ErrorCode)),
				zap.String("error_description", msg.ErrorDescription),
			)
			rec.done(Outcome{
				Kind:             OutcomeError,
				Payload:          msg.Payload,
				ErrorCode:        msg.ErrorCode,
				ErrorDescription: msg.ErrorDescription,
			})
		}

	case ocpp.KindCall:
		telemetry.MessagesTotal.WithLabelValues(msg.Action, "in").Inc()
		result, herr := t.router.Handle(msg.Action, msg.Payload)

		var reply ocpp.Message
		if herr != nil {
			reply = ocpp.Message{
				Kind:             ocpp.KindCallError,
				UniqueID:         msg.UniqueID,
				ErrorCode:        herr.Code,
				ErrorDescription: herr.Description,
			}
		} else {
			reply = ocpp.Message{
				Kind:     ocpp.KindCallResult,
				UniqueID: msg.UniqueID,
				Payload:  result,
			}
		}

		frame, err := ocpp.Marshal(reply)
		if err != nil {
			t.log.Error("Failed to serialize reply",
				zap.String("action", msg.Action),
				zap.Error(err),
			)
			return
		}
		t.sendQ = append(t.sendQ, outFrame{data: frame, action: msg.Action})
	}
}

// Tick advances retry timers. Expired records either retransmit with a new
// backoff deadline or, with the budget exhausted, complete with a timeout
// failure. Runs before Flush within a tick so a response that arrived this
// tick already cancelled its retransmit.
func (t *CallTracker) Tick(now time.Time) {
	for _, rec := range t.snapshotExpired(now) {
		if rec.policy.Exhausted(rec.attempts) {
			t.remove(rec)
			telemetry.CallTimeoutsTotal.WithLabelValues(rec.action).Inc()
			t.log.Warn("Call abandoned after retry exhaustion",
				zap.String("action", rec.action),
				zap.String("unique_id", rec.id),
				zap.Int("attempts", rec.attempts),
			)
			if rec.done != nil {
				rec.done(Outcome{Kind: OutcomeTimeout})
			}
			continue
		}

		rec.attempts++
		rec.deadline = now.Add(rec.policy.Interval(rec.attempts))

		// A down link leaves the previous copy queued; one frame per
		// record is enough, reconnection must not release a burst.
		if t.frameQueued(rec) {
			continue
		}
		t.sendQ = append(t.sendQ, outFrame{data: rec.frame, record: rec, action: rec.action})
		telemetry.RetransmitsTotal.WithLabelValues(rec.action).Inc()
		t.log.Debug("Retransmitting call",
			zap.String("action", rec.action),
			zap.String("unique_id", rec.id),
			zap.Int("attempt", rec.attempts),
		)
	}
}

func (t *CallTracker) frameQueued(rec *callRecord) bool {
	for _, f := range t.sendQ {
		if f.record == rec {
			return true
		}
	}
	return false
}

func (t *CallTracker) snapshotExpired(now time.Time) []*callRecord {
	var expired []*callRecord
	for _, rec := range t.pending {
		// attempts == 0 means the first send has not happened yet.
		if rec.attempts > 0 && !rec.deadline.After(now) {
			expired = append(expired, rec)
		}
	}
	return expired
}

// Cancel withdraws an outstanding call. The continuation receives a
// distinct cancelled outcome so owners can tell it from a timeout.
func (t *CallTracker) Cancel(id string) {
	rec, ok := t.pending[id]
	if !ok {
		return
	}
	t.remove(rec)

	// Drop any queued copy so a cancelled call never hits the wire later.
	kept := t.sendQ[:0]
	for _, f := range t.sendQ {
		if f.record == nil || f.record.id != id {
			kept = append(kept, f)
		}
	}
	t.sendQ = kept

	t.log.Debug("Call cancelled",
		zap.String("action", rec.action),
		zap.String("unique_id", id),
	)
	if rec.done != nil {
		rec.done(Outcome{Kind: OutcomeCancelled})
	}
}

// Outstanding reports whether the call with the given id is still live.
func (t *CallTracker) Outstanding(id string) bool {
	_, ok := t.pending[id]
	return ok
}

// PendingCount returns the number of live records.
func (t *CallTracker) PendingCount() int {
	return len(t.pending)
}

// Flush writes queued frames to the transport in FIFO order. A down link or
// backpressure keeps the remainder queued for the next tick; the first
// delivery of a call arms its retry deadline.
func (t *CallTracker) Flush(now time.Time) {
	for len(t.sendQ) > 0 {
		f := t.sendQ[0]

		// Skip stale retransmit entries whose record already completed.
		if f.record != nil {
			if _, live := t.pending[f.record.id]; !live {
				t.sendQ = t.sendQ[1:]
				continue
			}
		}

		if err := t.tr.Send(f.data); err != nil {
			t.log.Debug("Send deferred", zap.String("action", f.action), zap.Error(err))
			return
		}
		t.sendQ = t.sendQ[1:]
		telemetry.MessagesTotal.WithLabelValues(f.action, "out").Inc()

		if f.record != nil && f.record.attempts == 0 {
			f.record.attempts = 1
			f.record.deadline = now.Add(f.record.policy.Interval(1))
		}
	}
}

func (t *CallTracker) remove(rec *callRecord) {
	delete(t.pending, rec.id)
	telemetry.OutstandingCalls.Set(float64(len(t.pending)))
}
