package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Clock
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0.Add(time.Hour)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// Scripted API
// ============================================================================

type listCall struct {
	Conv ConversationRef
	Opts ListOptions
}

// fakeAPI serves history from memory. Pages are the newest Limit messages
// strictly older than Before, oldest first.
type fakeAPI struct {
	mu      sync.Mutex
	history map[ConversationRef][]Message
	lists   []listCall
	creates []SendRequest
	calls   []string

	// hold blocks list calls for a conversation until closed or cancelled.
	hold    map[ConversationRef]chan struct{}
	entered chan listCall
	listErr error
	create  func(SendRequest) (*Message, error)
	mutErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: make(map[ConversationRef][]Message),
		hold:    make(map[ConversationRef]chan struct{}),
	}
}

func (f *fakeAPI) seed(conv ConversationRef, msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.Conversation = conv
		f.history[conv] = append(f.history[conv], m)
	}
}

func (f *fakeAPI) holdList(conv ConversationRef) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.hold[conv] = ch
	f.entered = make(chan listCall, 1)
	return ch
}

func (f *fakeAPI) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists)
}

func (f *fakeAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) ListMessages(ctx context.Context, conv ConversationRef, opts ListOptions) ([]Message, error) {
	f.mu.Lock()
	call := listCall{Conv: conv, Opts: opts}
	f.lists = append(f.lists, call)
	hold, entered := f.hold[conv], f.entered
	delete(f.hold, conv)
	listErr := f.listErr
	hist := append([]Message(nil), f.history[conv]...)
	f.mu.Unlock()

	if hold != nil {
		entered <- call
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if listErr != nil {
		return nil, listErr
	}
	var out []Message
	for _, m := range hist {
		if opts.Before.IsZero() || m.CreatedAt.Before(opts.Before) {
			out = append(out, m)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (f *fakeAPI) CreateMessage(_ context.Context, conv ConversationRef, req SendRequest) (*Message, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	create := f.create
	f.mu.Unlock()
	if create != nil {
		return create(req)
	}
	return &Message{ID: "srv-" + req.ClientID, TempID: req.ClientID, Conversation: conv, AuthorID: "me", Body: req.Body}, nil
}

func (f *fakeAPI) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.mutErr
}

func (f *fakeAPI) EditMessage(_ context.Context, conv ConversationRef, id, body string) (*Message, error) {
	if err := f.record("edit %s %s %s", conv, id, body); err != nil {
		return nil, err
	}
	edited := t0.Add(24 * time.Hour)
	return &Message{ID: id, Body: body, EditedAt: &edited}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, conv ConversationRef, id string) error {
	return f.record("delete %s %s", conv, id)
}

func (f *fakeAPI) AddReaction(_ context.Context, conv ConversationRef, id, emoji string) error {
	return f.record("react %s %s %s", conv, id, emoji)
}

func (f *fakeAPI) RemoveReaction(_ context.Context, conv ConversationRef, id, emoji string) error {
	return f.record("unreact %s %s %s", conv, id, emoji)
}

func (f *fakeAPI) MarkRead(_ context.Context, conv ConversationRef, id string) error {
	return f.record("read %s %s", conv, id)
}

var _ API = (*fakeAPI)(nil)

// ============================================================================
// Engine helpers
// ============================================================================

func newTestEngine(t *testing.T, api API, opts *EngineOptions) *Engine {
	t.Helper()
	if opts == nil {
		opts = &EngineOptions{}
	}
	e := NewEngine(api, "me", opts)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func subscribe(e *Engine, topic Topic) <-chan any {
	ch := make(chan any, 64)
	e.On(topic, func(_ Topic, payload any) { ch <- payload })
	return ch
}

func recv(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

// series builds n messages by author, one second apart starting at t0.
func series(author string, n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{
			ID:        fmt.Sprintf("m%d", i+1),
			AuthorID:  author,
			Body:      fmt.Sprintf("message %d", i+1),
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func newEvent(conv ConversationRef, m Message) Event {
	m.Conversation = conv
	return Event{Type: EventMessageNew, Conversation: conv, Message: &m}
}
