package engine

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/domain"
	"github.com/voltgrid/chargepointd/internal/ocpp"
)

// registerHandlers wires the backend-initiated actions. Handlers answer
// synchronously from the current state; start/stop effects are queued so
// hardware events of the same tick are applied first and win races.
func (e *Engine) registerHandlers() error {
	handlers := map[string]HandlerFunc{
		ocpp.ActionRemoteStartTransaction: e.handleRemoteStart,
		ocpp.ActionRemoteStopTransaction:  e.handleRemoteStop,
		ocpp.ActionReset:                  e.handleReset,
		ocpp.ActionChangeAvailability:     e.handleChangeAvailability,
		ocpp.ActionReserveNow:             e.handleReserveNow,
		ocpp.ActionCancelReservation:      e.handleCancelReservation,
		ocpp.ActionUnlockConnector:        e.handleUnlockConnector,
		ocpp.ActionTriggerMessage:         e.handleTriggerMessage,
		ocpp.ActionGetConfiguration:       e.handleGetConfiguration,
		ocpp.ActionChangeConfiguration:    e.handleChangeConfiguration,
	}
	for action, h := range handlers {
		if err := e.router.Register(action, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleRemoteStart(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.RemoteStartTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid RemoteStartTransaction payload")
	}
	if req.IDTag == "" {
		return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "idTag is required")
	}

	var target *Connector
	if req.ConnectorID != nil {
		target = e.Connector(*req.ConnectorID)
		if target == nil {
			return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "unknown connector %d", *req.ConnectorID)
		}
	} else {
		for _, c := range e.connectors {
			if c.CanRemoteStart(req.IDTag) {
				target = c
				break
			}
		}
	}

	if target == nil || !target.CanRemoteStart(req.IDTag) {
		return ocpp.RemoteStartTransactionConfirmation{Status: ocpp.StatusRejected}, nil
	}

	idTag := req.IDTag
	c := target
	e.pendingCommands = append(e.pendingCommands, func() {
		if !c.RemoteStart(idTag) {
			e.log.Warn("Remote start no longer consistent, dropped",
				zap.Int("connector_id", c.ID()),
			)
		}
	})
	return ocpp.RemoteStartTransactionConfirmation{Status: ocpp.StatusAccepted}, nil
}

func (e *Engine) handleRemoteStop(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.RemoteStopTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid RemoteStopTransaction payload")
	}

	for _, c := range e.connectors {
		if c.CanRemoteStop(req.TransactionID) {
			target := c
			txID := req.TransactionID
			e.pendingCommands = append(e.pendingCommands, func() {
				if !target.RemoteStop(txID) {
					e.log.Warn("Remote stop no longer consistent, dropped",
						zap.Int("connector_id", target.ID()),
					)
				}
			})
			return ocpp.RemoteStopTransactionConfirmation{Status: ocpp.StatusAccepted}, nil
		}
	}
	return ocpp.RemoteStopTransactionConfirmation{Status: ocpp.StatusRejected}, nil
}

func (e *Engine) handleReset(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.ResetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid Reset payload")
	}
	if req.Type != "Hard" && req.Type != "Soft" {
		return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "unknown reset type %q", req.Type)
	}

	resetType := req.Type
	e.pendingCommands = append(e.pendingCommands, func() {
		e.resetRequested = resetType
		for _, c := range e.connectors {
			c.StopSession(domain.StopReasonReboot)
		}
	})
	return ocpp.ResetConfirmation{Status: ocpp.StatusAccepted}, nil
}

func (e *Engine) handleChangeAvailability(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.ChangeAvailabilityRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid ChangeAvailability payload")
	}
	operative := req.Type == "Operative"
	if !operative && req.Type != "Inoperative" {
		return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "unknown availability type %q", req.Type)
	}

	targets := e.connectors
	if req.ConnectorID != 0 {
		c := e.Connector(req.ConnectorID)
		if c == nil {
			return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "unknown connector %d", req.ConnectorID)
		}
		targets = []*Connector{c}
	}

	status := ocpp.StatusAccepted
	for _, c := range targets {
		if c.ChangeAvailability(operative) == "Scheduled" {
			status = "Scheduled"
		}
	}
	return ocpp.ChangeAvailabilityConfirmation{Status: status}, nil
}

func (e *Engine) handleReserveNow(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.ReserveNowRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid ReserveNow payload")
	}
	c := e.Connector(req.ConnectorID)
	if c == nil {
		return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "unknown connector %d", req.ConnectorID)
	}
	expiry, err := time.Parse(time.RFC3339, req.ExpiryDate)
	if err != nil {
		return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "invalid expiryDate %q", req.ExpiryDate)
	}

	status := c.Reserve(domain.Reservation{
		ID:     req.ReservationID,
		IDTag:  req.IDTag,
		Expiry: expiry,
	})
	return ocpp.ReserveNowConfirmation{Status: status}, nil
}

func (e *Engine) handleCancelReservation(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.CancelReservationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid CancelReservation payload")
	}
	for _, c := range e.connectors {
		if c.CancelReservation(req.ReservationID) {
			return ocpp.CancelReservationConfirmation{Status: ocpp.StatusAccepted}, nil
		}
	}
	return ocpp.CancelReservationConfirmation{Status: ocpp.StatusRejected}, nil
}

func (e *Engine) handleUnlockConnector(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.UnlockConnectorRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid UnlockConnector payload")
	}
	c := e.Connector(req.ConnectorID)
	if c == nil {
		return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "unknown connector %d", req.ConnectorID)
	}

	if c.Transaction().Active() {
		e.pendingCommands = append(e.pendingCommands, func() {
			c.StopSession(domain.StopReasonOther)
		})
	}
	return ocpp.UnlockConnectorConfirmation{Status: "Unlocked"}, nil
}

func (e *Engine) handleTriggerMessage(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.TriggerMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid TriggerMessage payload")
	}

	targets := e.connectors
	if req.ConnectorID != nil {
		c := e.Connector(*req.ConnectorID)
		if c == nil {
			return nil, ocpp.NewError(ocpp.ErrPropertyConstraint, "unknown connector %d", *req.ConnectorID)
		}
		targets = []*Connector{c}
	}

	switch req.RequestedMessage {
	case ocpp.ActionHeartbeat:
		e.pendingCommands = append(e.pendingCommands, e.sendHeartbeat)
	case ocpp.ActionBootNotification:
		e.pendingCommands = append(e.pendingCommands, func() {
			if e.bootCallID == "" {
				e.sendBootNotification()
			}
		})
	case ocpp.ActionStatusNotification:
		for _, c := range targets {
			target := c
			e.pendingCommands = append(e.pendingCommands, target.NotifyStatus)
		}
	case ocpp.ActionMeterValues:
		for _, c := range targets {
			target := c
			e.pendingCommands = append(e.pendingCommands, target.TriggerMeterValues)
		}
	default:
		return ocpp.TriggerMessageConfirmation{Status: "NotImplemented"}, nil
	}
	return ocpp.TriggerMessageConfirmation{Status: ocpp.StatusAccepted}, nil
}

func (e *Engine) handleGetConfiguration(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.GetConfigurationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid GetConfiguration payload")
	}
	known, unknown := e.cfgKeys.Get(req.Key)
	return ocpp.GetConfigurationConfirmation{
		ConfigurationKey: known,
		UnknownKey:       unknown,
	}, nil
}

func (e *Engine) handleChangeConfiguration(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req ocpp.ChangeConfigurationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "invalid ChangeConfiguration payload")
	}

	status := e.cfgKeys.Set(req.Key, req.Value)
	if status == ocpp.StatusAccepted {
		switch req.Key {
		case KeyHeartbeatInterval:
			e.heartbeatEvery = time.Duration(e.cfgKeys.GetInt(KeyHeartbeatInterval, 300)) * time.Second
			e.nextHeartbeat = e.Now().Add(e.heartbeatEvery)
		case KeyMeterValueSampleInterval:
			d := time.Duration(e.cfgKeys.GetInt(KeyMeterValueSampleInterval, 60)) * time.Second
			for _, c := range e.connectors {
				c.SetMeterInterval(d)
			}
		}
	}
	return ocpp.ChangeConfigurationConfirmation{Status: status}, nil
}
