// Package ocpp implements the OCPP 1.6J wire format: the three frame kinds
// exchanged between a charge point and the central system, and the payloads
// of the supported actions.
package ocpp

import (
	"encoding/json"
	"fmt"
)

type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

// CallError codes used on protocol-level rejections. They are wire
// constants and must match what real stations expect.
const (
	ErrorNotSupported       = "NotSupported"
	ErrorFormationViolation = "FormationViolation"
	ErrorSecurityError      = "SecurityError"
	ErrorInternalError      = "InternalError"
)

// Frame is one decoded OCPP message. Which fields are meaningful depends
// on Type: Action and Payload for a Call, Payload for a CallResult,
// the Error* fields for a CallError.
type Frame struct {
	Type             MessageType
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// DecodeError reports a malformed frame. ID carries the correlation id when
// it could still be recovered from the broken frame, so the caller can
// answer with a CallError instead of dropping silently.
type DecodeError struct {
	ID     string
	Reason string
}

func (e *DecodeError) Error() string {
	return "ocpp: " + e.Reason
}

// Decode parses a raw frame. Structural problems yield *DecodeError; the
// action name and payload contents are not interpreted here.
func Decode(raw []byte) (*Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, &DecodeError{Reason: "frame is not a JSON array"}
	}
	if len(elems) < 3 {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame has %d elements, need at least 3", len(elems))}
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, &DecodeError{Reason: "message type is not a number"}
	}

	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil {
		return nil, &DecodeError{Reason: "message id is not a string"}
	}
	if id == "" {
		return nil, &DecodeError{Reason: "message id is empty"}
	}

	switch MessageType(msgType) {
	case MessageTypeCall:
		if len(elems) != 4 {
			return nil, &DecodeError{ID: id, Reason: "Call frame needs 4 elements"}
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
			return nil, &DecodeError{ID: id, Reason: "action is not a string"}
		}
		return &Frame{Type: MessageTypeCall, ID: id, Action: action, Payload: normalizePayload(elems[3])}, nil

	case MessageTypeCallResult:
		if len(elems) != 3 {
			return nil, &DecodeError{ID: id, Reason: "CallResult frame needs 3 elements"}
		}
		return &Frame{Type: MessageTypeCallResult, ID: id, Payload: normalizePayload(elems[2])}, nil

	case MessageTypeCallError:
		if len(elems) != 4 && len(elems) != 5 {
			return nil, &DecodeError{ID: id, Reason: "CallError frame needs 4 or 5 elements"}
		}
		var code, desc string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return nil, &DecodeError{ID: id, Reason: "error code is not a string"}
		}
		if err := json.Unmarshal(elems[3], &desc); err != nil {
			return nil, &DecodeError{ID: id, Reason: "error description is not a string"}
		}
		details := json.RawMessage(`{}`)
		if len(elems) == 5 {
			details = normalizePayload(elems[4])
		}
		return &Frame{Type: MessageTypeCallError, ID: id, ErrorCode: code, ErrorDescription: desc, ErrorDetails: details}, nil

	default:
		return nil, &DecodeError{ID: id, Reason: fmt.Sprintf("unknown message type %d", msgType)}
	}
}

// Encode serializes a frame back into its wire form.
func Encode(f *Frame) ([]byte, error) {
	var elems []any
	switch f.Type {
	case MessageTypeCall:
		elems = []any{int(f.Type), f.ID, f.Action, normalizePayload(f.Payload)}
	case MessageTypeCallResult:
		elems = []any{int(f.Type), f.ID, normalizePayload(f.Payload)}
	case MessageTypeCallError:
		elems = []any{int(f.Type), f.ID, f.ErrorCode, f.ErrorDescription, normalizePayload(f.ErrorDetails)}
	default:
		return nil, fmt.Errorf("ocpp: cannot encode message type %d", f.Type)
	}
	return json.Marshal(elems)
}

// NewCall builds a Call frame, marshaling the payload value.
func NewCall(id, action string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: MessageTypeCall, ID: id, Action: action, Payload: raw}, nil
}

// NewCallResult builds a CallResult frame answering the given correlation id.
func NewCallResult(id string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: MessageTypeCallResult, ID: id, Payload: raw}, nil
}

// NewCallError builds a CallError frame with empty details.
func NewCallError(id, code, description string) *Frame {
	return &Frame{
		Type:             MessageTypeCallError,
		ID:               id,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     json.RawMessage(`{}`),
	}
}

func normalizePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}
