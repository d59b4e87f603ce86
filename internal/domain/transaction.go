package domain

import (
	"time"
)

// StopReason values reported on StopTransaction (OCPP 1.6 Reason enum subset).
const (
	StopReasonLocal        = "Local"
	StopReasonRemote       = "Remote"
	StopReasonEVDisconnect = "EVDisconnected"
	StopReasonPowerLoss    = "PowerLoss"
	StopReasonReboot       = "Reboot"
	StopReasonDeAuthorized = "DeAuthorized"
	StopReasonOther        = "Other"
)

// TransactionRecord is the durable state of one charging session. It is
// exclusively owned by its connector while active and written to the journal
// as a full-record overwrite on every state-relevant change.
type TransactionRecord struct {
	// TransactionID is assigned by the backend on StartTransaction
	// confirmation; zero until then.
	TransactionID int `json:"transaction_id"`
	// ProvisionalID identifies the session locally before confirmation.
	ProvisionalID string `json:"provisional_id"`
	ConnectorID   int    `json:"connector_id"`
	// IDTag is the authorization token the session was started with.
	IDTag      string    `json:"id_tag"`
	StartTime  time.Time `json:"start_time"`
	MeterStart int       `json:"meter_start"` // Wh
	// Confirmed is set once the backend acknowledged StartTransaction.
	Confirmed bool `json:"confirmed"`

	// Stop side. StopRequested marks that a StopTransaction call is due or
	// in flight; StopPending marks a stop whose confirmation was never
	// received after retry exhaustion and awaits operator reconciliation.
	StopRequested bool       `json:"stop_requested"`
	StopPending   bool       `json:"stop_pending"`
	StopTime      *time.Time `json:"stop_time,omitempty"`
	MeterStop     int        `json:"meter_stop"` // Wh
	StopReason    string     `json:"stop_reason,omitempty"`
}

// Active reports whether the session still owns its connector.
func (t *TransactionRecord) Active() bool {
	return t != nil && !t.StopPending
}

// Reservation is an accepted ReserveNow for a connector.
type Reservation struct {
	ID     int       `json:"id"`
	IDTag  string    `json:"id_tag"`
	Expiry time.Time `json:"expiry"`
}
