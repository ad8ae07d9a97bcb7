package chatsync

import "context"

// API is the persistence API the engine talks to. Client implements it over
// HTTP; tests substitute scripted fakes.
//
// Implementations must report "no usable response" as an error matching
// ErrTransientNetwork and definitive refusals as *RejectedError, so callers
// can tell retryable failures from final ones.
type API interface {
	CreateMessage(ctx context.Context, conv ConversationRef, req SendRequest) (*Message, error)
	ListMessages(ctx context.Context, conv ConversationRef, opts ListOptions) ([]Message, error)
	EditMessage(ctx context.Context, conv ConversationRef, id, body string) (*Message, error)
	DeleteMessage(ctx context.Context, conv ConversationRef, id string) error
	AddReaction(ctx context.Context, conv ConversationRef, id, emoji string) error
	RemoveReaction(ctx context.Context, conv ConversationRef, id, emoji string) error
	MarkRead(ctx context.Context, conv ConversationRef, lastReadMessageID string) error
}
