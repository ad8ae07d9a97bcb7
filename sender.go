package chatsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Optimistic send
// ============================================================================

// Send inserts a pending placeholder for body and persists it in the
// background. It returns the placeholder's temporary identifier.
//
// The persist response never promotes the placeholder; the live channel does
// (see HandleEvent). A successful persist only clears the composer. A failed
// one marks the placeholder failed and emits message.failed with a
// *SendError. The quoted reply set with SetReplyTo becomes the parent.
func (e *Engine) Send(ctx context.Context, body string, attachments []string) (string, error) {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return "", ErrEmptyMessage
	}
	var (
		tempID string
		req    SendRequest
		conv   ConversationRef
		gen    uint64
		noConv bool
	)
	if err := e.exec(ctx, func() {
		if e.conv.IsZero() {
			noConv = true
			return
		}
		req = SendRequest{Body: body, Attachments: attachments, ParentID: e.compose.ReplyTo}
		tempID = e.submit(req)
		req.ClientID = tempID
		conv, gen = e.conv, e.gen
	}); err != nil {
		return "", err
	}
	if noConv {
		return "", ErrNoConversation
	}
	go e.persist(conv, gen, req)
	return tempID, nil
}

// Retry discards the failed placeholder tempID and sends its content again
// under a fresh temporary identifier, which it returns.
func (e *Engine) Retry(ctx context.Context, tempID string) (string, error) {
	var (
		newID string
		req   SendRequest
		conv  ConversationRef
		gen   uint64
		rerr  error
	)
	if err := e.exec(ctx, func() {
		m, ok := e.store.Get(tempID)
		switch {
		case !ok || m.Confirmed():
			rerr = ErrNotFound
			return
		case m.Status != StatusFailed:
			rerr = ErrNotFailed
			return
		}
		e.store.Remove(tempID)
		req = SendRequest{Body: m.Body, Attachments: m.Attachments, ParentID: m.ParentID}
		newID = e.submit(req)
		req.ClientID = newID
		conv, gen = e.conv, e.gen
	}); err != nil {
		return "", err
	}
	if rerr != nil {
		return "", rerr
	}
	e.log.Info("send_retried", zap.String("temp_id", tempID), zap.String("new_temp_id", newID))
	go e.persist(conv, gen, req)
	return newID, nil
}

// RemoveFailed discards the failed placeholder tempID.
func (e *Engine) RemoveFailed(ctx context.Context, tempID string) error {
	var rerr error
	if err := e.exec(ctx, func() {
		m, ok := e.store.Get(tempID)
		switch {
		case !ok || m.Confirmed():
			rerr = ErrNotFound
			return
		case m.Status != StatusFailed:
			rerr = ErrNotFailed
			return
		}
		e.store.Remove(tempID)
		e.changed()
	}); err != nil {
		return err
	}
	return rerr
}

// submit registers and inserts a placeholder for req. Loop only.
func (e *Engine) submit(req SendRequest) string {
	tempID := uuid.NewString()
	now := e.now()
	e.store.pending.register(&pendingEntry{
		TempID:      tempID,
		Body:        req.Body,
		Attachments: req.Attachments,
		SubmittedAt: now,
	})
	e.store.InsertPending(Message{
		TempID:       tempID,
		Conversation: e.conv,
		AuthorID:     e.self,
		Body:         req.Body,
		CreatedAt:    now,
		Attachments:  req.Attachments,
		ParentID:     req.ParentID,
	})
	e.metrics.setPending(e.store.PendingCount())
	e.log.Debug("send_submitted", zap.String("temp_id", tempID), zap.Stringer("conversation", e.conv))
	e.changed()
	return tempID
}

// persist issues the create call off the loop and reports back to it.
func (e *Engine) persist(conv ConversationRef, gen uint64, req SendRequest) {
	m, err := e.api.CreateMessage(e.ctx, conv, req)
	_ = e.post(context.Background(), func() {
		if gen != e.gen {
			return
		}
		if err != nil {
			e.fail(req.ClientID, err)
			return
		}
		e.compose = Compose{}
		ack := SendAccepted{TempID: req.ClientID}
		if m != nil {
			ack.MessageID = m.ID
		}
		e.emit(TopicSendAccepted, ack)
	})
}

// fail transitions a pending placeholder to failed. Loop only.
func (e *Engine) fail(tempID string, cause error) bool {
	if !e.store.MarkFailed(tempID) {
		return false
	}
	e.metrics.sendFailed(failureReason(cause))
	e.metrics.setPending(e.store.PendingCount())
	e.log.Warn("send_failed", zap.String("temp_id", tempID), zap.Error(cause))
	e.emit(TopicMessageFailed, &SendError{TempID: tempID, Err: cause})
	e.changed()
	return true
}

// ============================================================================
// Mutations of confirmed messages
// ============================================================================

// target resolves the active conversation and checks that id is loaded.
func (e *Engine) target(ctx context.Context, id string) (ConversationRef, uint64, error) {
	var (
		conv ConversationRef
		gen  uint64
		terr error
	)
	if err := e.exec(ctx, func() {
		switch {
		case e.conv.IsZero():
			terr = ErrNoConversation
		case !e.store.Seen(id):
			terr = ErrNotFound
		default:
			conv, gen = e.conv, e.gen
		}
	}); err != nil {
		return ConversationRef{}, 0, err
	}
	return conv, gen, terr
}

// Edit replaces the body of a confirmed message. Concurrent edits from
// other devices resolve last-write-wins through the live channel.
func (e *Engine) Edit(ctx context.Context, id, body string) error {
	conv, gen, err := e.target(ctx, id)
	if err != nil {
		return err
	}
	m, err := e.api.EditMessage(ctx, conv, id, body)
	if err != nil {
		return fmt.Errorf("edit %s: %w", id, err)
	}
	patch := Patch{Body: body, EditedAt: e.now()}
	if m != nil {
		if m.Body != "" {
			patch.Body = m.Body
		}
		if m.EditedAt != nil {
			patch.EditedAt = *m.EditedAt
		}
	}
	return e.exec(ctx, func() {
		if gen == e.gen && e.store.ApplyUpdate(id, patch) {
			e.changed()
		}
	})
}

// Delete soft-deletes a confirmed message, leaving a tombstone in place.
func (e *Engine) Delete(ctx context.Context, id string) error {
	conv, gen, err := e.target(ctx, id)
	if err != nil {
		return err
	}
	if err := e.api.DeleteMessage(ctx, conv, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return e.exec(ctx, func() {
		if gen == e.gen && e.store.ApplyDelete(id, e.now()) {
			e.changed()
		}
	})
}

// React adds the caller's emoji to a message. Reacting twice is harmless.
func (e *Engine) React(ctx context.Context, id, emoji string) error {
	return e.react(ctx, id, emoji, ReactionAdd)
}

// Unreact removes the caller's emoji from a message.
func (e *Engine) Unreact(ctx context.Context, id, emoji string) error {
	return e.react(ctx, id, emoji, ReactionRemove)
}

func (e *Engine) react(ctx context.Context, id, emoji string, action ReactionAction) error {
	conv, gen, err := e.target(ctx, id)
	if err != nil {
		return err
	}
	if action == ReactionAdd {
		err = e.api.AddReaction(ctx, conv, id, emoji)
	} else {
		err = e.api.RemoveReaction(ctx, conv, id, emoji)
	}
	if err != nil {
		return fmt.Errorf("reaction %s: %w", id, err)
	}
	return e.exec(ctx, func() {
		if gen == e.gen && e.store.ApplyReaction(id, e.self, emoji, action) {
			e.changed()
		}
	})
}
