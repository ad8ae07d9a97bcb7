package chatsync

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Receipts tracks, for the open conversation, the newest message each other
// participant has read. Entries are overwritten unconditionally: the server
// delivers read events in order, so monotonicity is not re-checked here.
type Receipts struct {
	byParticipant map[string]Receipt
}

// NewReceipts creates an empty tracker.
func NewReceipts() *Receipts {
	return &Receipts{byParticipant: make(map[string]Receipt)}
}

// Record stores participant's read position, replacing any previous one.
func (r *Receipts) Record(participant, messageID string, readAt time.Time) {
	r.byParticipant[participant] = Receipt{
		Participant: participant,
		MessageID:   messageID,
		ReadAt:      readAt,
	}
}

// For returns the receipts whose last-read message is messageID, ordered by
// participant.
func (r *Receipts) For(messageID string) []Receipt {
	var out []Receipt
	for _, rc := range r.byParticipant {
		if rc.MessageID == messageID {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

// Get returns the receipt recorded for participant.
func (r *Receipts) Get(participant string) (Receipt, bool) {
	rc, ok := r.byParticipant[participant]
	return rc, ok
}

// Reset forgets every receipt.
func (r *Receipts) Reset() {
	r.byParticipant = make(map[string]Receipt)
}

// ============================================================================
// Engine read state
// ============================================================================

// latestReceipts returns who has read the newest confirmed message. Loop only.
func (e *Engine) latestReceipts() []Receipt {
	latest, ok := e.store.Latest()
	if !ok {
		return nil
	}
	return e.receipts.For(latest.ID)
}

// ReadBy returns the participants whose read position is the newest message
// of the open conversation. Older messages are not annotated: a later read
// implies the earlier ones.
func (e *Engine) ReadBy(ctx context.Context) ([]Receipt, error) {
	var out []Receipt
	err := e.exec(ctx, func() { out = e.latestReceipts() })
	return out, err
}

// MarkRead moves the caller's read position to the newest confirmed message
// and clears the conversation's unread counter.
func (e *Engine) MarkRead(ctx context.Context) error {
	var (
		conv   ConversationRef
		latest Message
		ok     bool
	)
	if err := e.exec(ctx, func() {
		conv = e.conv
		latest, ok = e.store.Latest()
	}); err != nil {
		return err
	}
	if conv.IsZero() {
		return ErrNoConversation
	}
	if !ok {
		return nil
	}
	if err := e.api.MarkRead(ctx, conv, latest.ID); err != nil {
		return fmt.Errorf("mark read %s: %w", conv, err)
	}
	return e.exec(ctx, func() { e.setUnread(conv, 0) })
}
