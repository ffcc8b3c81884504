package huddle

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Wire format
// ============================================================================

// EventKind names a realtime event type on the wire.
type EventKind string

const (
	KindNewMessage      EventKind = "message.new"
	KindMessageUpdated  EventKind = "message.updated"
	KindMessageDeleted  EventKind = "message.deleted"
	KindMessagePinned   EventKind = "message.pinned"
	KindMessageUnpinned EventKind = "message.unpinned"
	KindTypingChanged   EventKind = "typing.changed"
)

// Envelope is the wire format for all realtime events and for the typing
// signals the client sends back.
type Envelope struct {
	Type      EventKind       `json:"type"`
	ChannelID string          `json:"channelId"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

type messageRef struct {
	MessageID string `json:"messageId"`
}

// TypingSignal is sent by a client while its user types.
type TypingSignal struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// ============================================================================
// Typed events
// ============================================================================

// Event is the closed set of realtime events. Implementations live in this
// package only.
type Event interface {
	Kind() EventKind
	Channel() string
	isEvent()
}

// NewMessageEvent carries a message created by any participant.
type NewMessageEvent struct {
	ChannelID string
	At        time.Time
	Message   Message
}

// MessageUpdatedEvent carries a partial message.
type MessageUpdatedEvent struct {
	ChannelID string
	At        time.Time
	Patch     MessagePatch
}

// MessageDeletedEvent reports a deleted message.
type MessageDeletedEvent struct {
	ChannelID string
	At        time.Time
	MessageID string
}

// MessagePinnedEvent carries the pinned message.
type MessagePinnedEvent struct {
	ChannelID string
	At        time.Time
	Message   Message
}

// MessageUnpinnedEvent reports an unpinned message.
type MessageUnpinnedEvent struct {
	ChannelID string
	At        time.Time
	MessageID string
}

// TypingChangedEvent reports a participant starting or stopping typing.
type TypingChangedEvent struct {
	ChannelID string
	At        time.Time
	Signal    TypingSignal
}

func (NewMessageEvent) Kind() EventKind      { return KindNewMessage }
func (MessageUpdatedEvent) Kind() EventKind  { return KindMessageUpdated }
func (MessageDeletedEvent) Kind() EventKind  { return KindMessageDeleted }
func (MessagePinnedEvent) Kind() EventKind   { return KindMessagePinned }
func (MessageUnpinnedEvent) Kind() EventKind { return KindMessageUnpinned }
func (TypingChangedEvent) Kind() EventKind   { return KindTypingChanged }

func (e NewMessageEvent) Channel() string      { return e.ChannelID }
func (e MessageUpdatedEvent) Channel() string  { return e.ChannelID }
func (e MessageDeletedEvent) Channel() string  { return e.ChannelID }
func (e MessagePinnedEvent) Channel() string   { return e.ChannelID }
func (e MessageUnpinnedEvent) Channel() string { return e.ChannelID }
func (e TypingChangedEvent) Channel() string   { return e.ChannelID }

func (NewMessageEvent) isEvent()      {}
func (MessageUpdatedEvent) isEvent()  {}
func (MessageDeletedEvent) isEvent()  {}
func (MessagePinnedEvent) isEvent()   {}
func (MessageUnpinnedEvent) isEvent() {}
func (TypingChangedEvent) isEvent()   {}

// DecodeEvent narrows an envelope into a typed event. Payloads that do not
// identify a message are rejected here so the reconciler never sees them.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case KindNewMessage, KindMessagePinned:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("decode %s: missing message id", env.Type)
		}
		if m.ChannelID == "" {
			m.ChannelID = env.ChannelID
		}
		if env.Type == KindNewMessage {
			return NewMessageEvent{ChannelID: env.ChannelID, At: env.At, Message: m}, nil
		}
		return MessagePinnedEvent{ChannelID: env.ChannelID, At: env.At, Message: m}, nil

	case KindMessageUpdated:
		var p MessagePatch
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("decode %s: missing message id", env.Type)
		}
		return MessageUpdatedEvent{ChannelID: env.ChannelID, At: env.At, Patch: p}, nil

	case KindMessageDeleted, KindMessageUnpinned:
		var ref messageRef
		if err := json.Unmarshal(env.Payload, &ref); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ref.MessageID == "" {
			return nil, fmt.Errorf("decode %s: missing message id", env.Type)
		}
		if env.Type == KindMessageDeleted {
			return MessageDeletedEvent{ChannelID: env.ChannelID, At: env.At, MessageID: ref.MessageID}, nil
		}
		return MessageUnpinnedEvent{ChannelID: env.ChannelID, At: env.At, MessageID: ref.MessageID}, nil

	case KindTypingChanged:
		var s TypingSignal
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if s.UserID == "" {
			return nil, fmt.Errorf("decode %s: missing user id", env.Type)
		}
		return TypingChangedEvent{ChannelID: env.ChannelID, At: env.At, Signal: s}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", env.Type)
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(ev Event) (Envelope, error) {
	env := Envelope{Type: ev.Kind(), ChannelID: ev.Channel()}
	var payload any
	switch e := ev.(type) {
	case NewMessageEvent:
		env.At, payload = e.At, e.Message
	case MessagePinnedEvent:
		env.At, payload = e.At, e.Message
	case MessageUpdatedEvent:
		env.At, payload = e.At, e.Patch
	case MessageDeletedEvent:
		env.At, payload = e.At, messageRef{MessageID: e.MessageID}
	case MessageUnpinnedEvent:
		env.At, payload = e.At, messageRef{MessageID: e.MessageID}
	case TypingChangedEvent:
		env.At, payload = e.At, e.Signal
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = data
	return env, nil
}
