package chatsync

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes channels from direct-message threads.
type ConversationKind string

const (
	KindChannel ConversationKind = "channel"
	KindDirect  ConversationKind = "dm"
)

// ConversationRef identifies a channel or a DM thread, never both.
type ConversationRef struct {
	Kind ConversationKind `json:"type"`
	ID   string           `json:"id"`
}

// Channel returns a reference to a channel.
func Channel(id string) ConversationRef { return ConversationRef{Kind: KindChannel, ID: id} }

// Direct returns a reference to a direct-message thread.
func Direct(id string) ConversationRef { return ConversationRef{Kind: KindDirect, ID: id} }

func (c ConversationRef) String() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Kind) + ":" + c.ID
}

// IsZero reports whether the reference is unset.
func (c ConversationRef) IsZero() bool { return c.ID == "" }

// ParseConversation parses "channel:<id>" or "dm:<id>".
func ParseConversation(s string) (ConversationRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ConversationRef{}, fmt.Errorf("invalid conversation %q: want channel:<id> or dm:<id>", s)
	}
	switch ConversationKind(kind) {
	case KindChannel, KindDirect:
		return ConversationRef{Kind: ConversationKind(kind), ID: id}, nil
	}
	return ConversationRef{}, fmt.Errorf("invalid conversation kind %q", kind)
}

// ============================================================================
// Messages
// ============================================================================

// Status is the client-only lifecycle tag of a timeline entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// DeletedBody replaces the body of a soft-deleted message.
const DeletedBody = "This message was deleted."

// Reaction is one participant's emoji on a message.
type Reaction struct {
	Participant string `json:"userId"`
	Emoji       string `json:"emoji"`
}

// Message is one timeline entry. ID is assigned by the server; TempID is the
// client-generated identifier used until the server confirms the message.
type Message struct {
	ID           string          `json:"id,omitempty"`
	TempID       string          `json:"clientId,omitempty"`
	Conversation ConversationRef `json:"conversation"`
	AuthorID     string          `json:"senderId"`
	Body         string          `json:"content"`
	CreatedAt    time.Time       `json:"createdAt"`
	EditedAt     *time.Time      `json:"editedAt,omitempty"`
	DeletedAt    *time.Time      `json:"deletedAt,omitempty"`
	Attachments  []string        `json:"attachments,omitempty"`
	Reactions    []Reaction      `json:"reactions,omitempty"`
	ParentID     string          `json:"parentId,omitempty"`
	Status       Status          `json:"status,omitempty"`
}

// key is the identifier used for ordering and lookup: the permanent id once
// assigned, the temporary id before.
func (m *Message) key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Confirmed reports whether the server has assigned a permanent identifier.
func (m *Message) Confirmed() bool { return m.ID != "" }

// Deleted reports whether the message carries a tombstone.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// HasReaction reports whether participant holds emoji on the message.
func (m *Message) HasReaction(participant, emoji string) bool {
	for _, r := range m.Reactions {
		if r.Participant == participant && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers never alias store-owned slices.
func (m *Message) clone() Message {
	c := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.Attachments != nil {
		c.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return c
}

// less is the timeline total order: creation time, then identifier bytes.
func less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.key() < b.key()
}

// Patch is an in-place edit applied by permanent identifier.
type Patch struct {
	Body     string
	EditedAt time.Time
}

// ReactionAction selects between adding and removing a reaction.
type ReactionAction int

const (
	ReactionAdd ReactionAction = iota
	ReactionRemove
)

// ============================================================================
// Read receipts
// ============================================================================

// Receipt records the newest message a participant has seen.
type Receipt struct {
	Participant string    `json:"userId"`
	MessageID   string    `json:"lastReadMessageId"`
	ReadAt      time.Time `json:"readAt"`
}

// ============================================================================
// Views
// ============================================================================

// View is a consistent snapshot of the engine for rendering.
type View struct {
	Conversation ConversationRef
	Messages     []Message
	HasMore      bool
	LoadingOlder bool
}

// ListOptions bounds a history fetch. A zero Before fetches the newest page.
type ListOptions struct {
	Limit  int
	Before time.Time
}

// SendRequest is the payload of a persist call.
type SendRequest struct {
	Body        string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
	ParentID    string   `json:"parentId,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
}
