package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Event names used by the relay protocol.
const (
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventRequestHistory = "request-history"
	EventSendMessage    = "send-message"

	EventMessage = "message"
	EventError   = "error"
	EventHistory = "history"
	EventAck     = "ack"
)

// Event names spoken by the first web client. Accepted on input only.
const (
	LegacyJoinRoom       = "room:join"
	LegacyLeaveRoom      = "room:leave"
	LegacyRequestHistory = "messages:history"
	LegacySendMessage    = "event:message"
)

// SendFailed is the error text sent to a sender whose message could not be stored.
const SendFailed = "Failed to process message"

// AnonymousSender is shown for messages that carry no sender name.
const AnonymousSender = "Anonymous"

// Envelope is the JSON frame exchanged over every transport.
// Ack is set by the client when it expects a direct reply to this frame.
type Envelope struct {
	Event string          `json:"event"`
	Ack   int64           `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CanonicalEvent maps legacy inbound event names onto the current ones.
func CanonicalEvent(name string) string {
	switch name {
	case LegacyJoinRoom:
		return EventJoinRoom
	case LegacyLeaveRoom:
		return EventLeaveRoom
	case LegacyRequestHistory:
		return EventRequestHistory
	case LegacySendMessage:
		return EventSendMessage
	default:
		return name
	}
}

// ChatMessage is one chat message. It is never mutated after creation.
// An empty RoomID addresses every connected session.
type ChatMessage struct {
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	RoomID     string    `json:"roomId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DisplaySender returns the sender name, or AnonymousSender when none was given.
func (m ChatMessage) DisplaySender() string {
	if strings.TrimSpace(m.SenderName) == "" {
		return AnonymousSender
	}
	return m.SenderName
}

// StoredMessage is a ChatMessage after it has been persisted.
type StoredMessage struct {
	ID string `json:"id"`
	ChatMessage
}

// MessageEvent wraps a stored message for broadcast.
func MessageEvent(msg StoredMessage) Envelope {
	return Envelope{Event: EventMessage, Data: marshalData(EventMessage, msg)}
}

// ErrorEvent builds the error event sent to a single session.
func ErrorEvent(text string) Envelope {
	return Envelope{Event: EventError, Data: marshalData(EventError, text)}
}

// HistoryEvent carries a history result to a client that did not ask for an ack.
func HistoryEvent(msgs []StoredMessage) Envelope {
	return Envelope{Event: EventHistory, Data: marshalData(EventHistory, nonNil(msgs))}
}

// AckEvent answers the inbound frame numbered ack.
func AckEvent(ack int64, msgs []StoredMessage) Envelope {
	return Envelope{Event: EventAck, Ack: ack, Data: marshalData(EventAck, nonNil(msgs))}
}

func nonNil(msgs []StoredMessage) []StoredMessage {
	if msgs == nil {
		return []StoredMessage{}
	}
	return msgs
}

func marshalData(event string, v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal event payload", "event", event, "err", err)
		return json.RawMessage("null")
	}
	return data
}
