package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Options
// ============================================================================

// EngineOptions configures an Engine. Zero fields take the defaults below.
type EngineOptions struct {
	// PageSize is the number of messages requested per history page.
	PageSize int
	// MatchWindow bounds how far apart a live message and a pending send may
	// be for the body heuristic to pair them.
	MatchWindow time.Duration
	// ReapInterval is how often stale placeholders are checked.
	ReapInterval time.Duration
	// ReapThreshold is the age after which an unconfirmed send fails.
	ReapThreshold time.Duration
	// ResyncEvery and ResyncBurst throttle Resync calls.
	ResyncEvery time.Duration
	ResyncBurst int
	// InboxSize is the capacity of the engine's work queue.
	InboxSize int

	Logger  *zap.Logger
	Metrics *Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

const (
	DefaultPageSize      = 50
	DefaultMatchWindow   = 30 * time.Second
	DefaultReapInterval  = 30 * time.Second
	DefaultReapThreshold = 2 * time.Minute
	DefaultResyncEvery   = 5 * time.Second
)

func (o *EngineOptions) defaults() EngineOptions {
	var out EngineOptions
	if o != nil {
		out = *o
	}
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	if out.MatchWindow <= 0 {
		out.MatchWindow = DefaultMatchWindow
	}
	if out.ReapInterval <= 0 {
		out.ReapInterval = DefaultReapInterval
	}
	if out.ReapThreshold <= 0 {
		out.ReapThreshold = DefaultReapThreshold
	}
	if out.ResyncEvery <= 0 {
		out.ResyncEvery = DefaultResyncEvery
	}
	if out.ResyncBurst <= 0 {
		out.ResyncBurst = 1
	}
	if out.InboxSize <= 0 {
		out.InboxSize = 256
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// ============================================================================
// Engine
// ============================================================================

// Engine synchronises one open conversation window.
//
// Every piece of mutable state is owned by a single loop goroutine. Public
// methods, network completions, push events and reaper ticks are all posted
// to one inbox and run there one at a time; network I/O itself happens on
// the caller's goroutine or a helper goroutine so the loop never blocks.
type Engine struct {
	emitter

	api     API
	self    string
	opts    EngineOptions
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
	resync  *rate.Limiter

	inbox     chan func()
	stopCh    chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once

	// Loop-owned state below.
	conv         ConversationRef
	gen          uint64
	loaded       bool
	store        *Store
	receipts     *Receipts
	hasMore      bool
	loadingOlder bool
	cancelOlder  context.CancelFunc
	unread       map[ConversationRef]int
	elsewhere    map[ConversationRef]*recentIDs
	compose      Compose
}

// Compose is the local composer state cleared after a successful send.
type Compose struct {
	Draft       string
	ReplyTo     string
	Attachments []string
}

// UnreadChange is the payload of the unread.changed notification.
type UnreadChange struct {
	Conversation ConversationRef
	Count        int
}

// NewEngine creates an engine acting as participant self. Call Start before
// using it and Stop when the window closes.
func NewEngine(api API, self string, opts *EngineOptions) *Engine {
	o := opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		emitter:   newEmitter(o.Logger),
		api:       api,
		self:      self,
		opts:      o,
		log:       o.Logger.With(zap.String("self", self)),
		metrics:   o.Metrics,
		now:       o.Now,
		resync:    rate.NewLimiter(rate.Every(o.ResyncEvery), o.ResyncBurst),
		inbox:     make(chan func(), o.InboxSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		store:     NewStore(),
		receipts:  NewReceipts(),
		unread:    make(map[ConversationRef]int),
		elsewhere: make(map[ConversationRef]*recentIDs),
	}
}

// Self returns the participant the engine acts as.
func (e *Engine) Self() string { return e.self }

// Start launches the loop and notification dispatcher.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.emitter.run(e.stopCh)
		go e.loop()
	})
}

// Stop halts the loop, cancels in-flight requests and drops all handlers.
// Calls made after Stop return ErrClosed.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.cancel()
	})
	e.startOnce.Do(func() { close(e.done) })
	<-e.done
	e.removeAll()
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			if e.cancelOlder != nil {
				e.cancelOlder()
			}
			return
		case fn := <-e.inbox:
			fn()
		case <-ticker.C:
			e.reap()
		}
	}
}

// post queues fn for the loop without waiting for it to run.
func (e *Engine) post(ctx context.Context, fn func()) error {
	select {
	case <-e.stopCh:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case e.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return ErrClosed
	}
}

// exec runs fn on the loop and waits for it to finish. ctx only bounds the
// wait for a slot in the inbox: once queued, fn runs to completion and the
// caller sees its outcome.
func (e *Engine) exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := e.post(ctx, func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// ============================================================================
// Loop-side helpers
// ============================================================================

// switchTo makes conv the active conversation, invalidating everything tied
// to the previous one.
func (e *Engine) switchTo(conv ConversationRef) {
	if e.cancelOlder != nil {
		e.cancelOlder()
		e.cancelOlder = nil
	}
	e.gen++
	e.conv = conv
	e.loaded = false
	e.hasMore = false
	e.loadingOlder = false
	e.store.Replace(nil)
	e.receipts.Reset()
	e.compose = Compose{}
	e.metrics.setPending(0)
}

func (e *Engine) view() View {
	return View{
		Conversation: e.conv,
		Messages:     e.store.Messages(),
		HasMore:      e.hasMore,
		LoadingOlder: e.loadingOlder,
	}
}

// changed announces a timeline mutation.
func (e *Engine) changed() {
	if e.listening(TopicTimelineChanged) {
		e.emit(TopicTimelineChanged, e.view())
	}
}

func (e *Engine) setUnread(conv ConversationRef, n int) {
	if e.unread[conv] == n {
		return
	}
	e.unread[conv] = n
	e.emit(TopicUnreadChanged, UnreadChange{Conversation: conv, Count: n})
}

// ============================================================================
// Queries
// ============================================================================

// Snapshot returns a consistent copy of the open conversation. It returns a
// zero View once the engine is stopped.
func (e *Engine) Snapshot() View {
	var v View
	_ = e.exec(context.Background(), func() { v = e.view() })
	return v
}

// Conversation returns the active conversation.
func (e *Engine) Conversation() ConversationRef {
	var c ConversationRef
	_ = e.exec(context.Background(), func() { c = e.conv })
	return c
}

// Lookup finds a timeline entry by permanent or temporary identifier.
func (e *Engine) Lookup(ctx context.Context, key string) (Message, bool, error) {
	var (
		m  Message
		ok bool
	)
	err := e.exec(ctx, func() { m, ok = e.store.Get(key) })
	return m, ok, err
}

// Unread returns the unread counter for conv.
func (e *Engine) Unread(ctx context.Context, conv ConversationRef) (int, error) {
	var n int
	err := e.exec(ctx, func() { n = e.unread[conv] })
	return n, err
}

// ============================================================================
// Compose state
// ============================================================================

func (e *Engine) SetDraft(text string) error {
	return e.exec(context.Background(), func() { e.compose.Draft = text })
}

// SetReplyTo quotes a message; the next Send becomes a reply to it. An empty
// id clears the quote.
func (e *Engine) SetReplyTo(id string) error {
	return e.exec(context.Background(), func() { e.compose.ReplyTo = id })
}

func (e *Engine) StageAttachment(ref string) error {
	return e.exec(context.Background(), func() {
		e.compose.Attachments = append(e.compose.Attachments, ref)
	})
}

// Compose returns a copy of the composer state.
func (e *Engine) Compose() Compose {
	var c Compose
	_ = e.exec(context.Background(), func() {
		c = e.compose
		c.Attachments = append([]string(nil), e.compose.Attachments...)
	})
	return c
}
