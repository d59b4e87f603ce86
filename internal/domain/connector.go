package domain

// ConnectorStatus is the OCPP 1.6 status of one physical connector.
type ConnectorStatus string

const (
	ConnectorStatusAvailable     ConnectorStatus = "Available"
	ConnectorStatusPreparing     ConnectorStatus = "Preparing"
	ConnectorStatusCharging      ConnectorStatus = "Charging"
	ConnectorStatusSuspendedEVSE ConnectorStatus = "SuspendedEVSE"
	ConnectorStatusSuspendedEV   ConnectorStatus = "SuspendedEV"
	ConnectorStatusFinishing     ConnectorStatus = "Finishing"
	ConnectorStatusReserved      ConnectorStatus = "Reserved"
	ConnectorStatusUnavailable   ConnectorStatus = "Unavailable"
	ConnectorStatusFaulted       ConnectorStatus = "Faulted"
)

// Charging reports whether the status belongs to an active session, i.e. an
// active transaction record is expected to exist.
func (s ConnectorStatus) Charging() bool {
	switch s {
	case ConnectorStatusCharging, ConnectorStatusSuspendedEVSE, ConnectorStatusSuspendedEV, ConnectorStatusFinishing:
		return true
	}
	return false
}
