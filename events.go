package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Push events
// ============================================================================

// EventType names an inbound push event.
type EventType string

const (
	EventMessageNew      EventType = "message.new"
	EventMessageUpdated  EventType = "message.updated"
	EventMessageDeleted  EventType = "message.deleted"
	EventReactionAdded   EventType = "reaction.added"
	EventReactionRemoved EventType = "reaction.removed"
	EventReadUpdated     EventType = "read.updated"
)

// Event is one decoded push event. Which fields are set depends on Type:
// Message for message.new; MessageID plus Body/At for updates and deletes;
// MessageID, Participant and Emoji for reactions; Participant, MessageID
// and At for read positions.
type Event struct {
	Type         EventType
	Conversation ConversationRef
	Message      *Message
	MessageID    string
	Body         string
	Participant  string
	Emoji        string
	At           time.Time
}

// EventHandler receives decoded push events.
type EventHandler func(Event)

// Envelope is the wire format shared by every push transport.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// eventPayload is the union of all event payload fields on the wire.
type eventPayload struct {
	Conversation      ConversationRef `json:"conversation"`
	Message           *Message        `json:"message,omitempty"`
	MessageID         string          `json:"messageId,omitempty"`
	Content           string          `json:"content,omitempty"`
	UserID            string          `json:"userId,omitempty"`
	Emoji             string          `json:"emoji,omitempty"`
	LastReadMessageID string          `json:"lastReadMessageId,omitempty"`
	At                time.Time       `json:"at,omitempty"`
}

// DecodeEvent converts a wire envelope into an Event. Envelopes of types the
// engine does not consume (typing, presence, pong) return ok=false without
// an error.
func DecodeEvent(env Envelope) (ev Event, ok bool, err error) {
	typ := EventType(env.Type)
	switch typ {
	case EventMessageNew, EventMessageUpdated, EventMessageDeleted,
		EventReactionAdded, EventReactionRemoved, EventReadUpdated:
	default:
		return Event{}, false, nil
	}

	var p eventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return Event{}, false, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}

	ev = Event{Type: typ, Conversation: p.Conversation, At: p.At}
	switch typ {
	case EventMessageNew:
		if p.Message == nil || p.Message.ID == "" {
			return Event{}, false, fmt.Errorf("%s without message id", env.Type)
		}
		if p.Message.Conversation.IsZero() {
			p.Message.Conversation = p.Conversation
		}
		if ev.Conversation.IsZero() {
			ev.Conversation = p.Message.Conversation
		}
		ev.Message = p.Message
	case EventMessageUpdated, EventMessageDeleted:
		ev.MessageID = p.MessageID
		ev.Body = p.Content
	case EventReactionAdded, EventReactionRemoved:
		ev.MessageID = p.MessageID
		ev.Participant = p.UserID
		ev.Emoji = p.Emoji
	case EventReadUpdated:
		ev.Participant = p.UserID
		ev.MessageID = p.LastReadMessageID
	}
	if ev.Conversation.IsZero() {
		return Event{}, false, fmt.Errorf("%s without conversation", env.Type)
	}
	if typ != EventMessageNew && ev.MessageID == "" && typ != EventReadUpdated {
		return Event{}, false, fmt.Errorf("%s without messageId", env.Type)
	}
	return ev, true, nil
}

// DecodeEnvelope parses raw bytes into an Event.
func DecodeEnvelope(data []byte) (Event, bool, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, fmt.Errorf("invalid envelope: %w", err)
	}
	return DecodeEvent(env)
}

// EncodeEvent is the inverse of DecodeEvent, used by publishers and tests.
func EncodeEvent(ev Event) ([]byte, error) {
	p := eventPayload{Conversation: ev.Conversation, At: ev.At}
	switch ev.Type {
	case EventMessageNew:
		p.Message = ev.Message
	case EventMessageUpdated, EventMessageDeleted:
		p.MessageID = ev.MessageID
		p.Content = ev.Body
	case EventReactionAdded, EventReactionRemoved:
		p.MessageID = ev.MessageID
		p.UserID = ev.Participant
		p.Emoji = ev.Emoji
	case EventReadUpdated:
		p.UserID = ev.Participant
		p.LastReadMessageID = ev.MessageID
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(ev.Type), Payload: payload})
}
