package ocpp

// OCPP 1.6 payload types for the actions the engine sends and receives.
// Field names follow the OCPP 1.6 JSON wire names exactly.

// Authorization / availability status values shared by several confirmations.
const (
	StatusAccepted = "Accepted"
	StatusRejected = "Rejected"
	StatusPending  = "Pending"
	StatusBlocked  = "Blocked"
	StatusExpired  = "Expired"
	StatusInvalid  = "Invalid"
)

type IDTagInfo struct {
	Status      string `json:"status"`
	ExpiryDate  string `json:"expiryDate,omitempty"`
	ParentIDTag string `json:"parentIdTag,omitempty"`
}

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
}

type BootNotificationConfirmation struct {
	Status      string `json:"status"` // Accepted, Pending, Rejected
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"` // heartbeat interval, seconds
}

type HeartbeatRequest struct{}

type HeartbeatConfirmation struct {
	CurrentTime string `json:"currentTime"`
}

type AuthorizeRequest struct {
	IDTag string `json:"idTag"`
}

type AuthorizeConfirmation struct {
	IDTagInfo IDTagInfo `json:"idTagInfo"`
}

type StatusNotificationRequest struct {
	ConnectorID int    `json:"connectorId"`
	ErrorCode   string `json:"errorCode"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp,omitempty"`
	Info        string `json:"info,omitempty"`
	VendorID    string `json:"vendorId,omitempty"`
}

type StatusNotificationConfirmation struct{}

type StartTransactionRequest struct {
	ConnectorID   int    `json:"connectorId"`
	IDTag         string `json:"idTag"`
	MeterStart    int    `json:"meterStart"` // Wh
	Timestamp     string `json:"timestamp"`
	ReservationID *int   `json:"reservationId,omitempty"`
}

type StartTransactionConfirmation struct {
	IDTagInfo     IDTagInfo `json:"idTagInfo"`
	TransactionID int       `json:"transactionId"`
}

type StopTransactionRequest struct {
	TransactionID int    `json:"transactionId"`
	IDTag         string `json:"idTag,omitempty"`
	MeterStop     int    `json:"meterStop"` // Wh
	Timestamp     string `json:"timestamp"`
	Reason        string `json:"reason,omitempty"`
}

type StopTransactionConfirmation struct {
	IDTagInfo *IDTagInfo `json:"idTagInfo,omitempty"`
}

type SampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Context   string `json:"context,omitempty"`
}

type MeterValue struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesRequest struct {
	ConnectorID   int          `json:"connectorId"`
	TransactionID *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

type MeterValuesConfirmation struct{}

// --- Central-system initiated ---

type RemoteStartTransactionRequest struct {
	ConnectorID *int   `json:"connectorId,omitempty"`
	IDTag       string `json:"idTag"`
}

type RemoteStartTransactionConfirmation struct {
	Status string `json:"status"` // Accepted, Rejected
}

type RemoteStopTransactionRequest struct {
	TransactionID int `json:"transactionId"`
}

type RemoteStopTransactionConfirmation struct {
	Status string `json:"status"`
}

type ResetRequest struct {
	Type string `json:"type"` // Hard, Soft
}

type ResetConfirmation struct {
	Status string `json:"status"`
}

type ChangeAvailabilityRequest struct {
	ConnectorID int    `json:"connectorId"` // 0 = whole charge point
	Type        string `json:"type"`        // Operative, Inoperative
}

type ChangeAvailabilityConfirmation struct {
	Status string `json:"status"` // Accepted, Rejected, Scheduled
}

type ReserveNowRequest struct {
	ConnectorID   int    `json:"connectorId"`
	ExpiryDate    string `json:"expiryDate"`
	IDTag         string `json:"idTag"`
	ParentIDTag   string `json:"parentIdTag,omitempty"`
	ReservationID int    `json:"reservationId"`
}

type ReserveNowConfirmation struct {
	Status string `json:"status"` // Accepted, Faulted, Occupied, Rejected, Unavailable
}

type CancelReservationRequest struct {
	ReservationID int `json:"reservationId"`
}

type CancelReservationConfirmation struct {
	Status string `json:"status"`
}

type UnlockConnectorRequest struct {
	ConnectorID int `json:"connectorId"`
}

type UnlockConnectorConfirmation struct {
	Status string `json:"status"` // Unlocked, UnlockFailed, NotSupported
}

type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage"`
	ConnectorID      *int   `json:"connectorId,omitempty"`
}

type TriggerMessageConfirmation struct {
	Status string `json:"status"` // Accepted, Rejected, NotImplemented
}

type KeyValue struct {
	Key      string  `json:"key"`
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

type GetConfigurationConfirmation struct {
	ConfigurationKey []KeyValue `json:"configurationKey,omitempty"`
	UnknownKey       []string   `json:"unknownKey,omitempty"`
}

type ChangeConfigurationRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ChangeConfigurationConfirmation struct {
	Status string `json:"status"` // Accepted, Rejected, RebootRequired, NotSupported
}
