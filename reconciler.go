package chatsync

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// HandleEvent applies one push event and returns once it has been merged.
// It has the EventHandler signature so it can be handed straight to a push
// source. Events are best effort: anything that does not apply is dropped.
func (e *Engine) HandleEvent(ev Event) {
	if err := e.exec(context.Background(), func() { e.apply(ev) }); err != nil {
		e.log.Debug("push_event_dropped", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// apply is the reconciler state machine. Loop only.
func (e *Engine) apply(ev Event) {
	e.metrics.pushEvent(ev.Type)
	if ev.Conversation != e.conv {
		e.applyElsewhere(ev)
		return
	}
	log := e.log.With(zap.String("type", string(ev.Type)), zap.Stringer("conversation", ev.Conversation))

	switch ev.Type {
	case EventMessageNew:
		if ev.Message != nil {
			e.applyNew(*ev.Message, true)
		}

	case EventMessageUpdated:
		if !e.store.ApplyUpdate(ev.MessageID, Patch{Body: ev.Body, EditedAt: ev.At}) {
			log.Debug("update_target_not_loaded", zap.String("message_id", ev.MessageID))
			return
		}
		e.changed()

	case EventMessageDeleted:
		at := ev.At
		if at.IsZero() {
			at = e.now()
		}
		if !e.store.ApplyDelete(ev.MessageID, at) {
			log.Debug("delete_target_not_loaded", zap.String("message_id", ev.MessageID))
			return
		}
		e.changed()

	case EventReactionAdded, EventReactionRemoved:
		action := ReactionAdd
		if ev.Type == EventReactionRemoved {
			action = ReactionRemove
		}
		if e.store.ApplyReaction(ev.MessageID, ev.Participant, ev.Emoji, action) {
			e.changed()
		}

	case EventReadUpdated:
		if ev.Participant == e.self {
			e.setUnread(ev.Conversation, 0)
			return
		}
		at := ev.At
		if at.IsZero() {
			at = e.now()
		}
		e.receipts.Record(ev.Participant, ev.MessageID, at)
		e.emit(TopicReceiptsChanged, e.latestReceipts())

	default:
		log.Debug("unknown_event")
	}
}

// applyElsewhere handles an event for a conversation other than the open
// one: only unread counters move. Redelivered messages count once.
func (e *Engine) applyElsewhere(ev Event) {
	switch ev.Type {
	case EventMessageNew:
		if ev.Message == nil || ev.Message.AuthorID == e.self {
			return
		}
		r := e.elsewhere[ev.Conversation]
		if r == nil {
			r = newRecentIDs(recentElsewhere)
			e.elsewhere[ev.Conversation] = r
		}
		if ev.Message.ID != "" && !r.Add(ev.Message.ID) {
			e.metrics.duplicate()
			return
		}
		e.setUnread(ev.Conversation, e.unread[ev.Conversation]+1)
	case EventReadUpdated:
		if ev.Participant == e.self {
			e.setUnread(ev.Conversation, 0)
		}
	}
}

// applyNew merges a confirmed message delivered outside the history loader.
// live marks push deliveries, which count toward unread. Loop only.
func (e *Engine) applyNew(m Message, live bool) {
	if m.ID == "" {
		return
	}
	if e.store.Seen(m.ID) {
		e.metrics.duplicate()
		e.log.Debug("duplicate_delivery", zap.String("message_id", m.ID), zap.NamedError("reason", ErrDuplicateDelivery))
		return
	}
	if tempID, how := e.matchPending(m); tempID != "" {
		e.store.Promote(tempID, m)
		e.metrics.promoted(how)
		e.metrics.setPending(e.store.PendingCount())
		e.log.Debug("placeholder_promoted",
			zap.String("temp_id", tempID),
			zap.String("message_id", m.ID),
			zap.String("match", how))
		e.changed()
		return
	}
	if !e.store.Append(m) {
		return
	}
	if live && m.AuthorID != e.self {
		e.setUnread(e.conv, e.unread[e.conv]+1)
	}
	e.changed()
}

// matchPending pairs a confirmed message with its placeholder. An echoed
// client id is authoritative; without one, the oldest pending send with the
// same body inside the match window wins. Messages by other authors never
// match.
func (e *Engine) matchPending(m Message) (tempID, how string) {
	if m.AuthorID != "" && m.AuthorID != e.self {
		return "", ""
	}
	if m.TempID != "" {
		if e.store.HasPlaceholder(m.TempID) {
			return m.TempID, "echo"
		}
		return "", ""
	}
	if id, ok := e.store.pending.match(m.Body, m.CreatedAt, e.opts.MatchWindow); ok {
		return id, "heuristic"
	}
	return "", ""
}

// ============================================================================
// Resync
// ============================================================================

// Resync refetches the newest page after the push channel reconnects. Known
// messages get their server fields refreshed; unknown ones go through the
// same path as live deliveries, so a confirmation missed while disconnected
// still promotes its placeholder. Calls beyond the configured rate return
// nil without fetching.
func (e *Engine) Resync(ctx context.Context) error {
	var (
		conv      ConversationRef
		gen       uint64
		noConv    bool
		throttled bool
	)
	if err := e.exec(ctx, func() {
		if e.conv.IsZero() {
			noConv = true
			return
		}
		if !e.resync.AllowN(e.now(), 1) {
			throttled = true
			return
		}
		conv, gen = e.conv, e.gen
	}); err != nil {
		return err
	}
	if noConv {
		return ErrNoConversation
	}
	if throttled {
		e.log.Debug("resync_throttled")
		return nil
	}

	msgs, err := e.api.ListMessages(ctx, conv, ListOptions{Limit: e.opts.PageSize})
	if err != nil {
		return fmt.Errorf("resync %s: %w", conv, err)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return less(&msgs[i], &msgs[j]) })

	return e.exec(context.Background(), func() {
		if gen != e.gen {
			e.metrics.staleResponse()
			return
		}
		e.mergeNewest(msgs)
		if !e.loaded {
			e.loaded = true
			e.hasMore = len(msgs) >= e.opts.PageSize
		}
	})
}

// mergeNewest folds a freshly fetched newest page, sorted oldest first, into
// a timeline that may already hold placeholders and pushed messages. Known
// messages get their server fields refreshed; unknown ones take the
// live-delivery path without touching unread. Loop only.
func (e *Engine) mergeNewest(msgs []Message) {
	refreshed := false
	for _, m := range msgs {
		if e.store.Seen(m.ID) {
			refreshed = e.store.Refresh(m) || refreshed
			continue
		}
		e.applyNew(m, false)
	}
	if refreshed {
		e.changed()
	}
}

// recentElsewhere bounds the identifiers remembered per background
// conversation.
const recentElsewhere = 256

// recentIDs is a fixed-size set that forgets its oldest entry when full.
type recentIDs struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{ring: make([]string, n), set: make(map[string]struct{}, n)}
}

// Add records id and reports whether it was new.
func (r *recentIDs) Add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.next = (r.next + 1) % len(r.ring)
	r.set[id] = struct{}{}
	return true
}
