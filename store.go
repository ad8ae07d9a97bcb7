package chatsync

import (
	"sort"
	"time"
)

// Store is the ordered, deduplicated timeline of the open conversation plus
// its pending registry and seen-identifier set.
//
// Entries are kept sorted by (CreatedAt, identifier) and only ever placed by
// insert-merge. A Store is not safe for concurrent use; the Engine owns one
// and touches it from its loop goroutine only.
type Store struct {
	msgs    []*Message
	seen    map[string]struct{}
	pending *pendingRegistry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		seen:    make(map[string]struct{}),
		pending: newPendingRegistry(),
	}
}

// ── Bulk loads ───────────────────────────────────────────

// Replace installs a freshly loaded page for a newly opened conversation.
// The seen set is rebuilt from the page and the pending registry is cleared.
func (s *Store) Replace(msgs []Message) {
	s.msgs = s.msgs[:0]
	s.seen = make(map[string]struct{}, len(msgs))
	s.pending.clear()
	for i := range msgs {
		s.Append(msgs[i])
	}
}

// MergeOlder merges a page of older history, skipping messages whose
// permanent identifier is already present. It returns how many were added.
func (s *Store) MergeOlder(msgs []Message) int {
	added := 0
	for i := range msgs {
		if s.Append(msgs[i]) {
			added++
		}
	}
	return added
}

// Append inserts a confirmed message at its sorted position. It reports
// false, leaving the store untouched, when the message has no permanent
// identifier or the identifier was already seen.
func (s *Store) Append(m Message) bool {
	if m.ID == "" {
		return false
	}
	if _, dup := s.seen[m.ID]; dup {
		return false
	}
	c := m.clone()
	c.Status = StatusSent
	s.seen[c.ID] = struct{}{}
	s.insert(&c)
	return true
}

// ── Optimistic entries ───────────────────────────────────

// InsertPending adds a placeholder keyed by its temporary identifier. The
// seen set is not touched. A second placeholder with the same temporary
// identifier is rejected.
func (s *Store) InsertPending(m Message) bool {
	if m.TempID == "" || s.indexTemp(m.TempID) >= 0 {
		return false
	}
	c := m.clone()
	c.ID = ""
	c.Status = StatusPending
	s.insert(&c)
	return true
}

// Promote replaces the placeholder tempID with the confirmed message, in
// place. Without a placeholder the confirmed message is appended unless its
// identifier was already seen. If both exist (another path materialised the
// message first) the placeholder is dropped so the row is never doubled.
// The permanent identifier always ends up in the seen set.
func (s *Store) Promote(tempID string, confirmed Message) bool {
	s.pending.take(tempID)
	if confirmed.ID == "" {
		return false
	}
	idx := s.indexTemp(tempID)
	if _, dup := s.seen[confirmed.ID]; dup {
		if idx >= 0 {
			s.removeAt(idx)
		}
		return false
	}
	c := confirmed.clone()
	c.TempID = tempID
	c.Status = StatusSent
	s.seen[c.ID] = struct{}{}
	if idx < 0 {
		s.insert(&c)
		return true
	}
	s.msgs[idx] = &c
	s.reseat(idx)
	return true
}

// MarkFailed tags the placeholder tempID as failed and drops its registry
// entry. Only pending placeholders transition.
func (s *Store) MarkFailed(tempID string) bool {
	s.pending.take(tempID)
	idx := s.indexTemp(tempID)
	if idx < 0 || s.msgs[idx].Status != StatusPending {
		return false
	}
	s.msgs[idx].Status = StatusFailed
	return true
}

// Remove discards the placeholder tempID.
func (s *Store) Remove(tempID string) bool {
	s.pending.take(tempID)
	idx := s.indexTemp(tempID)
	if idx < 0 {
		return false
	}
	s.removeAt(idx)
	return true
}

// ── Server-driven mutations ──────────────────────────────

// ApplyUpdate edits a loaded message in place. Unknown identifiers are a
// no-op: the event belongs to a message outside the loaded window.
func (s *Store) ApplyUpdate(id string, p Patch) bool {
	m := s.byID(id)
	if m == nil || m.Deleted() {
		return false
	}
	m.Body = p.Body
	if !p.EditedAt.IsZero() {
		t := p.EditedAt
		m.EditedAt = &t
	}
	return true
}

// ApplyDelete turns a loaded message into a tombstone, keeping its slot.
func (s *Store) ApplyDelete(id string, at time.Time) bool {
	m := s.byID(id)
	if m == nil {
		return false
	}
	if m.Deleted() {
		return false
	}
	m.Body = DeletedBody
	m.Attachments = nil
	m.DeletedAt = &at
	return true
}

// ApplyReaction adds or removes a (participant, emoji) pair. Adding a pair
// already present or removing one that is absent changes nothing.
func (s *Store) ApplyReaction(id, participant, emoji string, action ReactionAction) bool {
	m := s.byID(id)
	if m == nil {
		return false
	}
	switch action {
	case ReactionAdd:
		if m.HasReaction(participant, emoji) {
			return false
		}
		m.Reactions = append(m.Reactions, Reaction{Participant: participant, Emoji: emoji})
		return true
	case ReactionRemove:
		for i, r := range m.Reactions {
			if r.Participant == participant && r.Emoji == emoji {
				m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Refresh overwrites the server-owned fields of an already loaded message
// with a fresher copy. Position and creation time are left alone.
func (s *Store) Refresh(fresh Message) bool {
	m := s.byID(fresh.ID)
	if m == nil {
		return false
	}
	c := fresh.clone()
	m.Body = c.Body
	m.EditedAt = c.EditedAt
	m.DeletedAt = c.DeletedAt
	m.Attachments = c.Attachments
	m.Reactions = c.Reactions
	m.ParentID = c.ParentID
	return true
}

// ── Queries ──────────────────────────────────────────────

// Messages returns a copy of the timeline in order.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of timeline entries.
func (s *Store) Len() int { return len(s.msgs) }

// Get looks an entry up by permanent or temporary identifier. A promoted
// message is still found by the temporary identifier it was sent under.
func (s *Store) Get(key string) (Message, bool) {
	if m := s.byID(key); m != nil {
		return m.clone(), true
	}
	if key == "" {
		return Message{}, false
	}
	for _, m := range s.msgs {
		if m.TempID == key {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// Seen reports whether a permanent identifier is materialised.
func (s *Store) Seen(id string) bool {
	_, ok := s.seen[id]
	return ok
}

// Latest returns the newest confirmed message.
func (s *Store) Latest() (Message, bool) {
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ID != "" {
			return s.msgs[i].clone(), true
		}
	}
	return Message{}, false
}

// Oldest returns the creation time of the oldest confirmed message, the
// cursor for backward pagination.
func (s *Store) Oldest() (time.Time, bool) {
	for _, m := range s.msgs {
		if m.ID != "" {
			return m.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// PendingCount returns the number of outstanding registry entries.
func (s *Store) PendingCount() int { return s.pending.len() }

// HasPlaceholder reports whether an unconfirmed entry (pending or failed)
// carries tempID.
func (s *Store) HasPlaceholder(tempID string) bool { return s.indexTemp(tempID) >= 0 }

// ── Internals ────────────────────────────────────────────

func (s *Store) insert(m *Message) {
	i := sort.Search(len(s.msgs), func(i int) bool { return less(m, s.msgs[i]) })
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
}

func (s *Store) removeAt(i int) {
	copy(s.msgs[i:], s.msgs[i+1:])
	s.msgs[len(s.msgs)-1] = nil
	s.msgs = s.msgs[:len(s.msgs)-1]
}

// reseat restores ordering after the entry at i changed its sort key.
func (s *Store) reseat(i int) {
	m := s.msgs[i]
	if (i == 0 || !less(m, s.msgs[i-1])) && (i == len(s.msgs)-1 || !less(s.msgs[i+1], m)) {
		return
	}
	s.removeAt(i)
	s.insert(m)
}

func (s *Store) byID(id string) *Message {
	if id == "" {
		return nil
	}
	if _, ok := s.seen[id]; !ok {
		return nil
	}
	for _, m := range s.msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *Store) indexTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, m := range s.msgs {
		if m.ID == "" && m.TempID == tempID {
			return i
		}
	}
	return -1
}
