package ocpp

import (
	"encoding/json"
	"fmt"
)

// OCPP-J message type identifiers, first element of every wire frame.
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// Kind discriminates the three frame shapes of the OCPP-J wire format.
type Kind int

const (
	KindCall       Kind = CallMessage
	KindCallResult Kind = CallResultMessage
	KindCallError  Kind = CallErrorMessage
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "Call"
	case KindCallResult:
		return "CallResult"
	case KindCallError:
		return "CallError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is one protocol frame. UniqueID is an opaque ASCII token, matched
// case-sensitively for correlation. Action is only meaningful for Calls.
// For CallErrors the error fields are set and Payload holds errorDetails.
type Message struct {
	Kind             Kind
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        ErrorCode
	ErrorDescription string
}

// Marshal serializes a Message to its wire frame:
//
//	Call:       [2, uniqueId, action, payload]
//	CallResult: [3, uniqueId, payload]
//	CallError:  [4, uniqueId, errorCode, errorDescription, errorDetails]
func Marshal(m Message) ([]byte, error) {
	if m.UniqueID == "" {
		return nil, fmt.Errorf("ocpp: message has empty unique id")
	}

	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var frame []interface{}
	switch m.Kind {
	case KindCall:
		if m.Action == "" {
			return nil, fmt.Errorf("ocpp: call %s has empty action", m.UniqueID)
		}
		frame = []interface{}{CallMessage, m.UniqueID, m.Action, payload}
	case KindCallResult:
		frame = []interface{}{CallResultMessage, m.UniqueID, payload}
	case KindCallError:
		frame = []interface{}{CallErrorMessage, m.UniqueID, string(m.ErrorCode), m.ErrorDescription, payload}
	default:
		return nil, fmt.Errorf("ocpp: unknown message kind %d", m.Kind)
	}

	return json.Marshal(frame)
}

// Parse decodes a wire frame into a Message. Malformed frames return an
// error; the caller decides whether to log and drop or answer with a
// CallError.
func Parse(raw []byte) (Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Message{}, fmt.Errorf("ocpp: frame is not a JSON array: %w", err)
	}
	if len(elems) < 3 {
		return Message{}, fmt.Errorf("ocpp: frame has %d elements, need at least 3", len(elems))
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return Message{}, fmt.Errorf("ocpp: invalid message type id: %w", err)
	}

	var uniqueID string
	if err := json.Unmarshal(elems[1], &uniqueID); err != nil {
		return Message{}, fmt.Errorf("ocpp: invalid unique id: %w", err)
	}
	if uniqueID == "" {
		return Message{}, fmt.Errorf("ocpp: frame has empty unique id")
	}

	msg := Message{UniqueID: uniqueID}

	switch msgType {
	case CallMessage:
		if len(elems) < 4 {
			return Message{}, fmt.Errorf("ocpp: call %s has no payload element", uniqueID)
		}
		msg.Kind = KindCall
		if err := json.Unmarshal(elems[2], &msg.Action); err != nil {
			return Message{}, fmt.Errorf("ocpp: call %s has invalid action: %w", uniqueID, err)
		}
		if msg.Action == "" {
			return Message{}, fmt.Errorf("ocpp: call %s has empty action", uniqueID)
		}
		msg.Payload = elems[3]

	case CallResultMessage:
		msg.Kind = KindCallResult
		msg.Payload = elems[2]

	case CallErrorMessage:
		if len(elems) < 4 {
			return Message{}, fmt.Errorf("ocpp: call error %s is missing error description", uniqueID)
		}
		msg.Kind = KindCallError
		var code string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return Message{}, fmt.Errorf("ocpp: call error %s has invalid error code: %w", uniqueID, err)
		}
		msg.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(elems[3], &msg.ErrorDescription); err != nil {
			return Message{}, fmt.Errorf("ocpp: call error %s has invalid error description: %w", uniqueID, err)
		}
		if len(elems) > 4 {
			msg.Payload = elems[4]
		}

	default:
		return Message{}, fmt.Errorf("ocpp: unknown message type id %d", msgType)
	}

	return msg, nil
}
