// Package hardware defines the physical I/O collaborator: discrete events
// from the charging hardware and control commands toward it.
package hardware

// EventKind identifies a discrete hardware event.
type EventKind int

const (
	EventPlugIn EventKind = iota
	EventPlugOut
	EventFault
	EventFaultCleared
	// EventEVSuspend fires when the vehicle stops drawing current while the
	// contactor is closed; EventEVResume when it starts again.
	EventEVSuspend
	EventEVResume
	// EventLocalStop is the stop button next to the connector.
	EventLocalStop
	// EventAuthorize is a locally presented token (RFID swipe).
	EventAuthorize
)

func (k EventKind) String() string {
	switch k {
	case EventPlugIn:
		return "PlugIn"
	case EventPlugOut:
		return "PlugOut"
	case EventFault:
		return "Fault"
	case EventFaultCleared:
		return "FaultCleared"
	case EventEVSuspend:
		return "EVSuspend"
	case EventEVResume:
		return "EVResume"
	case EventLocalStop:
		return "LocalStop"
	case EventAuthorize:
		return "Authorize"
	default:
		return "Unknown"
	}
}

// Event is one discrete hardware signal, delivered at most once per tick per
// source.
type Event struct {
	ConnectorID int
	Kind        EventKind
	// IDTag carries the token for EventAuthorize.
	IDTag string
	// Info carries a fault description for EventFault.
	Info string
}

// Driver is the collaborator contract. Poll is called once per engine tick
// and must not block; MeterWh returns the current energy register of a
// connector.
type Driver interface {
	Poll() []Event
	MeterWh(connectorID int) int
	CloseContactor(connectorID int) error
	OpenContactor(connectorID int) error
}
