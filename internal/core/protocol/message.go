// Package protocol layers typed coordination messages on top of a transport
// adapter: heartbeats, role and topology announcements, stream negotiation
// and application-defined messages.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageHeartbeat      MessageType = "heartbeat"
	MessageRoleChange     MessageType = "roleChange"
	MessageTopologyUpdate MessageType = "topologyUpdate"
	MessageNodeJoined     MessageType = "nodeJoined"
	MessageNodeLeft       MessageType = "nodeLeft"
	MessageStreamRequest  MessageType = "streamRequest"
	MessageStreamResponse MessageType = "streamResponse"
	MessageError          MessageType = "error"
	MessageCustom         MessageType = "custom"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageHeartbeat, MessageRoleChange, MessageTopologyUpdate, MessageNodeJoined,
		MessageNodeLeft, MessageStreamRequest, MessageStreamResponse, MessageError, MessageCustom:
		return true
	default:
		return false
	}
}

// Payload keys shared by the built-in message types.
const (
	KeyNodeID      = "nodeId"
	KeyTimestamp   = "timestamp"
	KeyFrom        = "from"
	KeyTo          = "to"
	KeyNodes       = "nodes"
	KeyCoordinator = "coordinator"
	KeyCode        = "code"
	KeyMessage     = "message"
	KeyName        = "name"
	KeySourceID    = "sourceId"
	KeyAccepted    = "accepted"
)

// Message is one coordination message. Timestamps travel as RFC 3339 with
// nanoseconds; ReplyToMessageID is null unless the message answers another.
type Message struct {
	MessageID        string         `json:"messageId"`
	Type             MessageType    `json:"type"`
	Payload          map[string]any `json:"payload"`
	Timestamp        time.Time      `json:"timestamp"`
	ReplyToMessageID *string        `json:"replyToMessageId"`
}

func NewMessage(t MessageType, payload map[string]any) Message {
	if payload == nil {
		payload = make(map[string]any)
	}
	return Message{
		MessageID: uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewReply builds a message answering original.
func NewReply(original Message, t MessageType, payload map[string]any) Message {
	m := NewMessage(t, payload)
	id := original.MessageID
	m.ReplyToMessageID = &id
	return m
}

func (m Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("%w: missing messageId", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	if m.ReplyToMessageID != nil && *m.ReplyToMessageID == "" {
		return fmt.Errorf("%w: empty replyToMessageId", ErrInvalidMessage)
	}
	return nil
}

// IsReply reports whether the message answers another one.
func (m Message) IsReply() bool {
	return m.ReplyToMessageID != nil
}

// GetString returns a payload string value, or "" when absent or not a string.
func (m Message) GetString(key string) string {
	s, _ := m.Payload[key].(string)
	return s
}

// GetStrings returns a payload list of strings. JSON decoding yields []any, so
// both shapes are accepted.
func (m Message) GetStrings(key string) []string {
	switch v := m.Payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// GetInt returns a numeric payload value as int.
func (m Message) GetInt(key string) (int, bool) {
	switch v := m.Payload[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

func (m Message) GetBool(key string) bool {
	b, _ := m.Payload[key].(bool)
	return b
}

func NewHeartbeat(nodeID string, at time.Time) Message {
	return NewMessage(MessageHeartbeat, map[string]any{
		KeyNodeID:    nodeID,
		KeyTimestamp: at.UTC().Format(time.RFC3339Nano),
	})
}

func NewRoleChange(nodeID, from, to string) Message {
	return NewMessage(MessageRoleChange, map[string]any{
		KeyNodeID: nodeID,
		KeyFrom:   from,
		KeyTo:     to,
	})
}

func NewTopologyUpdate(nodeIDs []string, coordinator string) Message {
	return NewMessage(MessageTopologyUpdate, map[string]any{
		KeyNodes:       append([]string(nil), nodeIDs...),
		KeyCoordinator: coordinator,
	})
}

func NewNodeJoined(nodeID string) Message {
	return NewMessage(MessageNodeJoined, map[string]any{KeyNodeID: nodeID})
}

func NewNodeLeft(nodeID string) Message {
	return NewMessage(MessageNodeLeft, map[string]any{KeyNodeID: nodeID})
}

func NewStreamRequest(name string) Message {
	return NewMessage(MessageStreamRequest, map[string]any{KeyName: name})
}

func NewStreamResponse(request Message, accepted bool, sourceID string) Message {
	return NewReply(request, MessageStreamResponse, map[string]any{
		KeyAccepted: accepted,
		KeySourceID: sourceID,
	})
}

// NewErrorMessage reports a protocol error, optionally in reply to a message.
func NewErrorMessage(err *Error, replyTo *Message) Message {
	payload := map[string]any{
		KeyCode:    int(err.Code),
		KeyMessage: err.Error(),
	}
	if replyTo != nil {
		return NewReply(*replyTo, MessageError, payload)
	}
	return NewMessage(MessageError, payload)
}

// NewCustom carries an application message; name identifies its kind.
func NewCustom(name string, payload map[string]any) Message {
	p := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		p[k] = v
	}
	p[KeyName] = name
	return NewMessage(MessageCustom, p)
}

// Envelope addresses a message. An empty To means broadcast.
type Envelope struct {
	From    string   `json:"from"`
	To      []string `json:"to,omitempty"`
	Message Message  `json:"message"`
}

// AddressedTo reports whether nodeID should process the envelope.
func (e Envelope) AddressedTo(nodeID string) bool {
	if len(e.To) == 0 {
		return true
	}
	for _, id := range e.To {
		if id == nodeID {
			return true
		}
	}
	return false
}

func Encode(e Envelope) ([]byte, error) {
	if err := e.Message.Validate(); err != nil {
		return nil, NewProtocolError(GetErrorCode(err), "refusing to encode", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, NewProtocolError(ErrorCodeSerializationFailed, "encode envelope", fmt.Errorf("%w: %v", ErrSerializationFailed, err))
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, NewProtocolError(ErrorCodeDeserializationFailed, "decode envelope", fmt.Errorf("%w: %v", ErrDeserializationFailed, err))
	}
	if e.From == "" {
		return Envelope{}, NewProtocolError(ErrorCodeInvalidMessage, "decode envelope", fmt.Errorf("%w: missing sender", ErrInvalidMessage))
	}
	if err := e.Message.Validate(); err != nil {
		return Envelope{}, NewProtocolError(GetErrorCode(err), "decode envelope", err)
	}
	if e.Message.Payload == nil {
		e.Message.Payload = make(map[string]any)
	}
	return e, nil
}
