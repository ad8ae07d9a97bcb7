package chatsync

import (
	"sort"
	"time"
)

// pendingEntry is what the registry remembers about an unconfirmed send.
type pendingEntry struct {
	TempID      string
	Body        string
	Attachments []string
	SubmittedAt time.Time
}

// pendingRegistry maps temporary identifiers to outstanding sends. It exists
// only to match live-delivered confirmations back to their placeholder.
type pendingRegistry struct {
	entries map[string]*pendingEntry
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{entries: make(map[string]*pendingEntry)}
}

func (r *pendingRegistry) register(e *pendingEntry) {
	r.entries[e.TempID] = e
}

func (r *pendingRegistry) has(tempID string) bool {
	_, ok := r.entries[tempID]
	return ok
}

// take removes and returns the entry for tempID.
func (r *pendingRegistry) take(tempID string) (*pendingEntry, bool) {
	e, ok := r.entries[tempID]
	if ok {
		delete(r.entries, tempID)
	}
	return e, ok
}

func (r *pendingRegistry) len() int { return len(r.entries) }

func (r *pendingRegistry) clear() {
	r.entries = make(map[string]*pendingEntry)
}

// match finds the oldest entry whose body equals body and whose submission
// time lies within window of at. Ties on submission time fall back to the
// temporary id so the result is deterministic.
func (r *pendingRegistry) match(body string, at time.Time, window time.Duration) (string, bool) {
	var best *pendingEntry
	for _, e := range r.entries {
		if e.Body != body {
			continue
		}
		d := at.Sub(e.SubmittedAt)
		if d < 0 {
			d = -d
		}
		if d > window {
			continue
		}
		if best == nil || e.SubmittedAt.Before(best.SubmittedAt) ||
			(e.SubmittedAt.Equal(best.SubmittedAt) && e.TempID < best.TempID) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.TempID, true
}

// stale returns the entries submitted more than threshold before now,
// oldest first.
func (r *pendingRegistry) stale(now time.Time, threshold time.Duration) []*pendingEntry {
	var out []*pendingEntry
	for _, e := range r.entries {
		if now.Sub(e.SubmittedAt) > threshold {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}
