// Package protocol defines the wire format shared by the chat client and server.
//
// Every websocket frame carries one Event. The envelope is encoded in protobuf
// wire format (field 1: event name, field 2: payload) and the payload itself is
// JSON, so the same payload shapes work for socket events and HTTP bodies.
package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protowire"
)

// Inbound and outbound event names.
const (
	EventLoadConversations = "load-conversations"
	EventLoadChat          = "load-chat"
	EventLoadChatRequest   = "load-chat-request"
	EventSendMessage       = "send-message"
)

const (
	fieldName    protowire.Number = 1
	fieldPayload protowire.Number = 2
)

// ErrEmptyEventName is returned when an event without a name is encoded or decoded.
var ErrEmptyEventName = errors.New("event name is empty")

// Event is a named message with a JSON payload.
type Event struct {
	Name    string
	Payload []byte
}

// NewEvent builds an event whose payload is the JSON encoding of payload.
// A nil payload produces an event without a payload field.
func NewEvent(name string, payload any) (Event, error) {
	ev := Event{Name: name}
	if payload == nil {
		return ev, nil
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	ev.Payload = data
	return ev, nil
}

// Unmarshal decodes the JSON payload into v.
func (e Event) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	if err := sonic.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Encode encodes the event into bytes
func (e *Event) Encode() ([]byte, error) {
	if e.Name == "" {
		return nil, ErrEmptyEventName
	}

	b := make([]byte, 0, len(e.Name)+len(e.Payload)+8)
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b, nil
}

// Decode decodes bytes into an event. Unknown fields are skipped so older
// clients keep working when the server adds fields to the envelope.
func (e *Event) Decode(data []byte) error {
	var ev Event
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("failed to decode event: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldName && typ == protowire.BytesType:
			name, m := protowire.ConsumeString(data)
			if m < 0 {
				return fmt.Errorf("failed to decode event name: %w", protowire.ParseError(m))
			}
			ev.Name = name
			n = m
		case num == fieldPayload && typ == protowire.BytesType:
			payload, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("failed to decode event payload: %w", protowire.ParseError(m))
			}
			ev.Payload = append([]byte(nil), payload...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}

	if ev.Name == "" {
		return ErrEmptyEventName
	}
	*e = ev
	return nil
}
