package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/domain"
	"github.com/voltgrid/chargepointd/internal/events"
	"github.com/voltgrid/chargepointd/internal/hardware"
	"github.com/voltgrid/chargepointd/internal/journal"
	"github.com/voltgrid/chargepointd/internal/observability/telemetry"
	"github.com/voltgrid/chargepointd/internal/ocpp"
)

// connectorOps is the connector's handle back into the engine: everything it
// needs to emit operations without holding a back-pointer to the engine
// itself.
type connectorOps interface {
	SendCall(action string, payload interface{}, policy RetryPolicy, done Continuation) (string, error)
	CancelCall(id string)
	Now() time.Time
	StatusPolicy() RetryPolicy
	TransactionPolicy() RetryPolicy
	Publish(subject string, payload interface{})
}

// Connector drives one physical port through its session states. All
// mutation happens on the engine goroutine; hardware events always outrank
// remote commands, which the engine applies afterwards with a consistency
// re-check.
type Connector struct {
	id  int
	ops connectorOps
	jnl *journal.Journal
	hw  hardware.Driver
	log *zap.Logger

	status  domain.ConnectorStatus
	plugged bool

	faultActive bool
	faultInfo   string

	txn         *domain.TransactionRecord
	startCallID string
	stopCallID  string
	authCallID  string
	// pendingIDTag is an accepted authorization waiting for the plug (or
	// for the start call to become possible).
	pendingIDTag string

	reservation *domain.Reservation

	// operative mirrors the last applied ChangeAvailability; a pending
	// inoperative request waits for the active session to end.
	operative           bool
	inoperativePending  bool
	suspendedByEVSE     bool
	meterInterval       time.Duration
	lastMeterValuesSent time.Time
}

func NewConnector(id int, ops connectorOps, jnl *journal.Journal, hw hardware.Driver, meterInterval time.Duration, log *zap.Logger) *Connector {
	return &Connector{
		id:            id,
		ops:           ops,
		jnl:           jnl,
		hw:            hw,
		meterInterval: meterInterval,
		log:           log.With(zap.Int("connector_id", id)),
		status:        domain.ConnectorStatusAvailable,
		operative:     true,
	}
}

func (c *Connector) ID() int                        { return c.id }
func (c *Connector) Status() domain.ConnectorStatus { return c.status }
func (c *Connector) Transaction() *domain.TransactionRecord {
	return c.txn
}

// transactionCallOutstanding guards against a second transaction-defining
// call while a prior one is unconfirmed.
func (c *Connector) transactionCallOutstanding() bool {
	return c.startCallID != "" || c.stopCallID != ""
}

func (c *Connector) setStatus(status domain.ConnectorStatus) {
	if c.status == status {
		return
	}
	telemetry.ConnectorStatus.WithLabelValues(fmt.Sprintf("%d", c.id), string(c.status)).Set(0)
	telemetry.ConnectorStatus.WithLabelValues(fmt.Sprintf("%d", c.id), string(status)).Set(1)
	c.log.Info("Connector status changed",
		zap.String("from", string(c.status)),
		zap.String("to", string(status)),
	)
	c.status = status
	c.sendStatusNotification()
}

func (c *Connector) sendStatusNotification() {
	errorCode := "NoError"
	info := ""
	if c.status == domain.ConnectorStatusFaulted {
		errorCode = "OtherError"
		info = c.faultInfo
	}
	req := ocpp.StatusNotificationRequest{
		ConnectorID: c.id,
		ErrorCode:   errorCode,
		Status:      string(c.status),
		Timestamp:   c.ops.Now().UTC().Format(time.RFC3339),
		Info:        info,
	}
	if _, err := c.ops.SendCall(ocpp.ActionStatusNotification, req, c.ops.StatusPolicy(), nil); err != nil {
		c.log.Error("Failed to enqueue status notification", zap.Error(err))
	}
}

// HandleHardware applies one hardware event. Called by the engine before any
// remote command queued in the same tick.
func (c *Connector) HandleHardware(ev hardware.Event) {
	switch ev.Kind {
	case hardware.EventPlugIn:
		c.onPlugIn()
	case hardware.EventPlugOut:
		c.onPlugOut()
	case hardware.EventFault:
		c.onFault(ev.Info)
	case hardware.EventFaultCleared:
		c.faultActive = false
		c.log.Info("Fault condition cleared, awaiting reset")
	case hardware.EventEVSuspend:
		if c.status == domain.ConnectorStatusCharging {
			c.setStatus(domain.ConnectorStatusSuspendedEV)
		}
	case hardware.EventEVResume:
		if c.status == domain.ConnectorStatusSuspendedEV {
			c.setStatus(domain.ConnectorStatusCharging)
		}
	case hardware.EventLocalStop:
		c.StopSession(domain.StopReasonLocal)
	case hardware.EventAuthorize:
		c.onLocalAuthorize(ev.IDTag)
	}
}

func (c *Connector) onPlugIn() {
	c.plugged = true
	switch c.status {
	case domain.ConnectorStatusAvailable:
		c.setStatus(domain.ConnectorStatusPreparing)
		if c.pendingIDTag != "" {
			c.tryStartTransaction(c.pendingIDTag)
		}
	case domain.ConnectorStatusReserved:
		// Stay Reserved until the reservation holder authorizes.
		if c.pendingIDTag != "" && c.reservation != nil && c.pendingIDTag == c.reservation.IDTag {
			c.tryStartTransaction(c.pendingIDTag)
		}
	}
}

func (c *Connector) onPlugOut() {
	c.plugged = false
	c.pendingIDTag = ""

	if c.txn.Active() {
		if !c.txn.Confirmed && !c.txn.StopRequested {
			// The start was never acknowledged; withdraw it instead of
			// stopping a session the backend does not know about.
			c.abandonUnconfirmedStart()
			if c.status != domain.ConnectorStatusFaulted && c.status != domain.ConnectorStatusUnavailable {
				c.setStatus(domain.ConnectorStatusAvailable)
			}
			return
		}
		if !c.txn.StopRequested {
			c.StopSession(domain.StopReasonEVDisconnect)
			return
		}
	}

	switch c.status {
	case domain.ConnectorStatusPreparing, domain.ConnectorStatusFinishing:
		c.setStatus(domain.ConnectorStatusAvailable)
	}
}

func (c *Connector) onFault(info string) {
	c.faultActive = true
	c.faultInfo = info
	c.log.Error("Hardware fault", zap.String("info", info))

	if err := c.hw.OpenContactor(c.id); err != nil {
		c.log.Error("Failed to open contactor on fault", zap.Error(err))
	}

	// A pending, unacknowledged start is withdrawn. An in-flight stop is
	// deliberately left outstanding: the billing data must still reach the
	// backend.
	if c.txn.Active() && !c.txn.Confirmed && !c.txn.StopRequested {
		c.abandonUnconfirmedStart()
	} else if c.txn.Active() && !c.txn.StopRequested {
		c.initiateStop(domain.StopReasonOther)
	}

	c.setStatus(domain.ConnectorStatusFaulted)
	c.ops.Publish(events.SubjectConnectorFaulted, map[string]interface{}{
		"connector_id": c.id,
		"info":         info,
	})
}

// Reset clears a Faulted connector if the fault condition is gone. Fault
// never auto-clears from the signal alone; both the cleared condition and
// this explicit trigger are required.
func (c *Connector) Reset() {
	if c.status != domain.ConnectorStatusFaulted {
		return
	}
	if c.faultActive {
		c.log.Warn("Reset ignored, fault condition still present")
		return
	}
	c.faultInfo = ""
	if c.plugged {
		c.setStatus(domain.ConnectorStatusPreparing)
	} else {
		c.setStatus(domain.ConnectorStatusAvailable)
	}
}

func (c *Connector) onLocalAuthorize(idTag string) {
	// Presenting the session's own token again is a local stop request.
	if c.txn.Active() && c.txn.IDTag == idTag {
		c.StopSession(domain.StopReasonLocal)
		return
	}
	if c.txn != nil || c.authCallID != "" {
		return
	}
	if c.status == domain.ConnectorStatusReserved && c.reservation != nil && c.reservation.IDTag != idTag {
		c.log.Warn("Token does not match reservation", zap.String("id_tag", idTag))
		return
	}

	req := ocpp.AuthorizeRequest{IDTag: idTag}
	id, err := c.ops.SendCall(ocpp.ActionAuthorize, req, c.ops.StatusPolicy(), func(o Outcome) {
		c.authCallID = ""
		if o.Kind != OutcomeResult {
			c.log.Warn("Authorization did not complete", zap.String("id_tag", idTag))
			return
		}
		var conf ocpp.AuthorizeConfirmation
		if err := json.Unmarshal(o.Payload, &conf); err != nil {
			c.log.Error("Invalid Authorize confirmation", zap.Error(err))
			return
		}
		if conf.IDTagInfo.Status != ocpp.StatusAccepted {
			c.log.Warn("Authorization rejected",
				zap.String("id_tag", idTag),
				zap.String("status", conf.IDTagInfo.Status),
			)
			return
		}
		c.acceptAuthorization(idTag)
	})
	if err != nil {
		c.log.Error("Failed to enqueue Authorize", zap.Error(err))
		return
	}
	c.authCallID = id
}

// acceptAuthorization is the common entry for a locally accepted token and a
// remote start: start now when plugged, otherwise wait for the plug.
func (c *Connector) acceptAuthorization(idTag string) {
	if c.plugged {
		c.tryStartTransaction(idTag)
	} else {
		c.pendingIDTag = idTag
	}
}

func (c *Connector) tryStartTransaction(idTag string) {
	if c.txn != nil || c.transactionCallOutstanding() {
		c.log.Warn("Start refused, session already active or call outstanding")
		return
	}
	if c.faultActive || c.status == domain.ConnectorStatusFaulted || c.status == domain.ConnectorStatusUnavailable {
		return
	}
	c.pendingIDTag = ""
	now := c.ops.Now()

	rec := &domain.TransactionRecord{
		ProvisionalID: uuid.NewString(),
		ConnectorID:   c.id,
		IDTag:         idTag,
		StartTime:     now,
		MeterStart:    c.hw.MeterWh(c.id),
	}
	if c.reservation != nil && c.reservation.IDTag == idTag {
		c.reservation = nil
	}

	// Durable record first, protocol call second: a crash in between is
	// recovered by replaying the journal at startup.
	if err := c.saveJournal(rec); err != nil {
		c.log.Error("Journal write failed, start aborted", zap.Error(err))
		return
	}

	id, err := c.ops.SendCall(ocpp.ActionStartTransaction, c.startRequest(rec), c.ops.TransactionPolicy(), c.onStartOutcome)
	if err != nil {
		c.log.Error("Failed to enqueue StartTransaction", zap.Error(err))
		c.jnl.Clear(c.id)
		return
	}
	c.txn = rec
	c.startCallID = id
}

func (c *Connector) startRequest(rec *domain.TransactionRecord) ocpp.StartTransactionRequest {
	req := ocpp.StartTransactionRequest{
		ConnectorID: c.id,
		IDTag:       rec.IDTag,
		MeterStart:  rec.MeterStart,
		Timestamp:   rec.StartTime.UTC().Format(time.RFC3339),
	}
	return req
}

func (c *Connector) onStartOutcome(o Outcome) {
	c.startCallID = ""

	switch o.Kind {
	case OutcomeResult:
		var conf ocpp.StartTransactionConfirmation
		if err := json.Unmarshal(o.Payload, &conf); err != nil {
			c.log.Error("Invalid StartTransaction confirmation", zap.Error(err))
			c.revertStart()
			return
		}
		if conf.IDTagInfo.Status != ocpp.StatusAccepted {
			c.log.Warn("StartTransaction refused by backend",
				zap.String("status", conf.IDTagInfo.Status),
			)
			c.revertStart()
			return
		}
		c.confirmStart(conf.TransactionID)

	case OutcomeError:
		c.log.Warn("StartTransaction failed",
			zap.String("error_code", string(o.ErrorCode)),
			zap.String("error_description", o.ErrorDescription),
		)
		c.revertStart()

	case OutcomeTimeout:
		c.log.Warn("StartTransaction abandoned after retry exhaustion")
		c.revertStart()

	case OutcomeCancelled:
		// Owner already cleaned up.
	}
}

func (c *Connector) confirmStart(transactionID int) {
	if c.txn == nil {
		return
	}
	c.txn.TransactionID = transactionID
	c.txn.Confirmed = true
	if err := c.saveJournal(c.txn); err != nil {
		// The on-disk record stays unconfirmed; recovery re-sends the
		// start and the backend deduplicates on connector+idTag.
		c.log.Error("Journal write failed after start confirmation", zap.Error(err))
	}
	if err := c.hw.CloseContactor(c.id); err != nil {
		c.log.Error("Failed to close contactor", zap.Error(err))
		c.StopSession(domain.StopReasonOther)
		return
	}
	telemetry.ActiveSessions.Inc()
	c.setStatus(domain.ConnectorStatusCharging)
	c.ops.Publish(events.SubjectTransactionStarted, map[string]interface{}{
		"connector_id":   c.id,
		"transaction_id": transactionID,
		"id_tag":         c.txn.IDTag,
		"meter_start":    c.txn.MeterStart,
	})
}

// revertStart implements the reversible side of the start/stop asymmetry:
// an unacknowledged start leaves nothing behind.
func (c *Connector) revertStart() {
	c.jnl.Clear(c.id)
	c.txn = nil
	if c.status != domain.ConnectorStatusFaulted && c.status != domain.ConnectorStatusUnavailable {
		c.setStatus(domain.ConnectorStatusAvailable)
	}
}

func (c *Connector) abandonUnconfirmedStart() {
	if c.startCallID != "" {
		c.ops.CancelCall(c.startCallID)
		c.startCallID = ""
	}
	c.jnl.Clear(c.id)
	c.txn = nil
}

// StopSession ends the active session with the given reason. Safe to call
// from any trigger; a session that is already stopping is left alone.
func (c *Connector) StopSession(reason string) {
	if !c.txn.Active() || c.txn.StopRequested {
		return
	}
	if !c.txn.Confirmed {
		c.abandonUnconfirmedStart()
		if c.status != domain.ConnectorStatusFaulted && c.status != domain.ConnectorStatusUnavailable {
			c.setStatus(domain.ConnectorStatusAvailable)
		}
		return
	}

	if err := c.hw.OpenContactor(c.id); err != nil {
		c.log.Error("Failed to open contactor", zap.Error(err))
	}
	c.initiateStop(reason)
	if c.status != domain.ConnectorStatusFaulted {
		c.setStatus(domain.ConnectorStatusFinishing)
	}
}

// initiateStop journals the stop intent and enqueues StopTransaction. The
// journal write happens before the call so the stop survives a crash.
func (c *Connector) initiateStop(reason string) {
	now := c.ops.Now()
	c.txn.StopRequested = true
	c.txn.StopTime = &now
	c.txn.MeterStop = c.hw.MeterWh(c.id)
	c.txn.StopReason = reason

	if err := c.saveJournal(c.txn); err != nil {
		// Without a durable record the stop would be silently lost on a
		// crash; abort the transition and let the next trigger retry.
		c.log.Error("Journal write failed, stop deferred", zap.Error(err))
		c.txn.StopRequested = false
		c.txn.StopTime = nil
		return
	}

	c.enqueueStopCall()
}

func (c *Connector) enqueueStopCall() {
	req := ocpp.StopTransactionRequest{
		TransactionID: c.txn.TransactionID,
		IDTag:         c.txn.IDTag,
		MeterStop:     c.txn.MeterStop,
		Timestamp:     c.txn.StopTime.UTC().Format(time.RFC3339),
		Reason:        c.txn.StopReason,
	}
	id, err := c.ops.SendCall(ocpp.ActionStopTransaction, req, c.ops.TransactionPolicy(), c.onStopOutcome)
	if err != nil {
		c.log.Error("Failed to enqueue StopTransaction", zap.Error(err))
		return
	}
	c.stopCallID = id
}

func (c *Connector) onStopOutcome(o Outcome) {
	c.stopCallID = ""
	if c.txn == nil {
		return
	}

	switch o.Kind {
	case OutcomeResult:
		c.jnl.Clear(c.id)
		telemetry.ActiveSessions.Dec()
		c.ops.Publish(events.SubjectTransactionStopped, map[string]interface{}{
			"connector_id":   c.id,
			"transaction_id": c.txn.TransactionID,
			"meter_stop":     c.txn.MeterStop,
			"reason":         c.txn.StopReason,
		})
		c.log.Info("Transaction stop confirmed",
			zap.Int("transaction_id", c.txn.TransactionID),
		)
		c.txn = nil
		c.finishSession()

	case OutcomeError, OutcomeTimeout:
		// The completed charge's data must never be silently lost: keep
		// the journal entry flagged for operator reconciliation.
		c.txn.StopPending = true
		if err := c.saveJournal(c.txn); err != nil {
			c.log.Error("Journal write failed while flagging pending stop", zap.Error(err))
		}
		telemetry.ActiveSessions.Dec()
		telemetry.StopPendingSessions.Inc()
		c.ops.Publish(events.SubjectStopPending, map[string]interface{}{
			"connector_id":   c.id,
			"transaction_id": c.txn.TransactionID,
			"meter_stop":     c.txn.MeterStop,
		})
		c.log.Error("Stop confirmation lost, flagged for reconciliation",
			zap.Int("transaction_id", c.txn.TransactionID),
		)
		c.txn = nil
		c.finishSession()

	case OutcomeCancelled:
	}
}

func (c *Connector) finishSession() {
	switch {
	case c.status == domain.ConnectorStatusFaulted:
	case c.inoperativePending:
		c.inoperativePending = false
		c.operative = false
		c.setStatus(domain.ConnectorStatusUnavailable)
	case c.plugged:
		if c.status != domain.ConnectorStatusFinishing {
			c.setStatus(domain.ConnectorStatusFinishing)
		}
	default:
		c.setStatus(domain.ConnectorStatusAvailable)
	}
}

func (c *Connector) saveJournal(rec *domain.TransactionRecord) error {
	start := time.Now()
	err := c.jnl.Save(c.id, rec)
	telemetry.JournalWriteDuration.Observe(time.Since(start).Seconds())
	return err
}

// --- Remote commands (applied by the engine after hardware events) ---

// RemoteStart accepts a backend start request if it is still consistent
// with the connector state.
func (c *Connector) RemoteStart(idTag string) bool {
	if c.txn != nil || c.transactionCallOutstanding() {
		return false
	}
	switch c.status {
	case domain.ConnectorStatusAvailable, domain.ConnectorStatusPreparing:
		c.acceptAuthorization(idTag)
		return true
	case domain.ConnectorStatusReserved:
		if c.reservation != nil && c.reservation.IDTag == idTag {
			c.acceptAuthorization(idTag)
			return true
		}
	}
	return false
}

// RemoteStop stops the session with the given backend transaction id.
func (c *Connector) RemoteStop(transactionID int) bool {
	if !c.txn.Active() || !c.txn.Confirmed || c.txn.TransactionID != transactionID {
		return false
	}
	c.StopSession(domain.StopReasonRemote)
	return true
}

// Reserve claims the connector for a token until expiry.
func (c *Connector) Reserve(res domain.Reservation) string {
	switch c.status {
	case domain.ConnectorStatusFaulted:
		return "Faulted"
	case domain.ConnectorStatusUnavailable:
		return "Unavailable"
	case domain.ConnectorStatusAvailable:
		c.reservation = &res
		c.setStatus(domain.ConnectorStatusReserved)
		return ocpp.StatusAccepted
	default:
		return "Occupied"
	}
}

// CancelReservation releases a reservation by id.
func (c *Connector) CancelReservation(reservationID int) bool {
	if c.reservation == nil || c.reservation.ID != reservationID {
		return false
	}
	c.reservation = nil
	if c.status == domain.ConnectorStatusReserved {
		c.setStatus(domain.ConnectorStatusAvailable)
	}
	return true
}

// ChangeAvailability applies an operative/inoperative command. Returns the
// OCPP status: Scheduled when an active session defers the change.
func (c *Connector) ChangeAvailability(operative bool) string {
	if operative {
		c.operative = true
		c.inoperativePending = false
		if c.status == domain.ConnectorStatusUnavailable {
			if c.plugged {
				c.setStatus(domain.ConnectorStatusPreparing)
			} else {
				c.setStatus(domain.ConnectorStatusAvailable)
			}
		}
		return ocpp.StatusAccepted
	}

	if c.txn.Active() {
		c.inoperativePending = true
		return "Scheduled"
	}
	c.operative = false
	if c.status != domain.ConnectorStatusFaulted {
		c.setStatus(domain.ConnectorStatusUnavailable)
	}
	return ocpp.StatusAccepted
}

// SuspendEVSE pauses energy delivery without ending the session (local load
// management or backend command).
func (c *Connector) SuspendEVSE() {
	if c.status != domain.ConnectorStatusCharging {
		return
	}
	if err := c.hw.OpenContactor(c.id); err != nil {
		c.log.Error("Failed to open contactor for suspend", zap.Error(err))
	}
	c.suspendedByEVSE = true
	c.setStatus(domain.ConnectorStatusSuspendedEVSE)
}

// ResumeEVSE lifts a SuspendEVSE.
func (c *Connector) ResumeEVSE() {
	if c.status != domain.ConnectorStatusSuspendedEVSE || !c.suspendedByEVSE {
		return
	}
	if err := c.hw.CloseContactor(c.id); err != nil {
		c.log.Error("Failed to close contactor for resume", zap.Error(err))
		return
	}
	c.suspendedByEVSE = false
	c.setStatus(domain.ConnectorStatusCharging)
}

// CanRemoteStart is the synchronous consistency check answered to the
// backend; the effect itself is queued and re-checked after hardware events.
func (c *Connector) CanRemoteStart(idTag string) bool {
	if c.txn != nil || c.transactionCallOutstanding() {
		return false
	}
	switch c.status {
	case domain.ConnectorStatusAvailable, domain.ConnectorStatusPreparing:
		return true
	case domain.ConnectorStatusReserved:
		return c.reservation != nil && c.reservation.IDTag == idTag
	}
	return false
}

// CanRemoteStop mirrors RemoteStop's guard without side effects.
func (c *Connector) CanRemoteStop(transactionID int) bool {
	return c.txn.Active() && c.txn.Confirmed && c.txn.TransactionID == transactionID
}

// NotifyStatus re-sends the current status (TriggerMessage support).
func (c *Connector) NotifyStatus() {
	c.sendStatusNotification()
}

// SetMeterInterval applies a changed MeterValueSampleInterval.
func (c *Connector) SetMeterInterval(d time.Duration) {
	c.meterInterval = d
}

// TriggerMeterValues sends a meter sample now if a session is active.
func (c *Connector) TriggerMeterValues() {
	if c.txn.Active() && c.txn.Confirmed {
		c.sendMeterValues(c.ops.Now())
	}
}

// Advance performs per-tick work: reservation expiry and periodic meter
// values for an active session.
func (c *Connector) Advance(now time.Time) {
	if c.reservation != nil && now.After(c.reservation.Expiry) {
		c.log.Info("Reservation expired", zap.Int("reservation_id", c.reservation.ID))
		c.reservation = nil
		if c.status == domain.ConnectorStatusReserved {
			c.setStatus(domain.ConnectorStatusAvailable)
		}
	}

	if c.status == domain.ConnectorStatusCharging && c.meterInterval > 0 &&
		c.txn.Active() && c.txn.Confirmed &&
		now.Sub(c.lastMeterValuesSent) >= c.meterInterval {
		c.lastMeterValuesSent = now
		c.sendMeterValues(now)
	}
}

func (c *Connector) sendMeterValues(now time.Time) {
	txID := c.txn.TransactionID
	req := ocpp.MeterValuesRequest{
		ConnectorID:   c.id,
		TransactionID: &txID,
		MeterValue: []ocpp.MeterValue{{
			Timestamp: now.UTC().Format(time.RFC3339),
			SampledValue: []ocpp.SampledValue{{
				Value:     fmt.Sprintf("%d", c.hw.MeterWh(c.id)),
				Measurand: "Energy.Active.Import.Register",
				Unit:      "Wh",
			}},
		}},
	}
	if _, err := c.ops.SendCall(ocpp.ActionMeterValues, req, c.ops.StatusPolicy(), nil); err != nil {
		c.log.Error("Failed to enqueue meter values", zap.Error(err))
	}
}

// Recover replays the journaled transaction at startup. The relevant call
// is re-issued before any new session trigger can act on this connector.
func (c *Connector) Recover(rec *domain.TransactionRecord) {
	if rec == nil {
		return
	}

	switch {
	case rec.StopPending:
		// Still awaiting operator reconciliation; surface it again but do
		// not own the session.
		telemetry.StopPendingSessions.Inc()
		c.ops.Publish(events.SubjectStopPending, map[string]interface{}{
			"connector_id":   c.id,
			"transaction_id": rec.TransactionID,
			"meter_stop":     rec.MeterStop,
		})
		c.log.Warn("Recovered transaction with unreconciled stop",
			zap.Int("transaction_id", rec.TransactionID),
		)

	case rec.StopRequested:
		c.txn = rec
		// The session counts as active until the stop outcome decrements it.
		telemetry.ActiveSessions.Inc()
		c.log.Info("Re-sending unconfirmed StopTransaction after restart",
			zap.Int("transaction_id", rec.TransactionID),
		)
		c.enqueueStopCall()
		c.setStatus(domain.ConnectorStatusFinishing)

	case !rec.Confirmed:
		c.txn = rec
		c.log.Info("Re-sending unconfirmed StartTransaction after restart",
			zap.String("provisional_id", rec.ProvisionalID),
		)
		id, err := c.ops.SendCall(ocpp.ActionStartTransaction, c.startRequest(rec), c.ops.TransactionPolicy(), c.onStartOutcome)
		if err != nil {
			c.log.Error("Failed to re-enqueue StartTransaction", zap.Error(err))
			c.revertStart()
			return
		}
		c.startCallID = id
		c.setStatus(domain.ConnectorStatusPreparing)

	default:
		// Confirmed and never stopped: power was lost mid-session. Close
		// it out rather than assume the vehicle is still there.
		c.txn = rec
		telemetry.ActiveSessions.Inc()
		c.log.Info("Stopping session interrupted by power loss",
			zap.Int("transaction_id", rec.TransactionID),
		)
		c.initiateStop(domain.StopReasonPowerLoss)
		c.setStatus(domain.ConnectorStatusFinishing)
	}
}
