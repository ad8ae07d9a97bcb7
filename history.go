package chatsync

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Open makes conv the active conversation and loads its newest page.
//
// Everything tied to the previous conversation is discarded: the timeline,
// seen set, pending registry, receipts and composer state. An in-flight
// LoadOlder for the previous conversation is cancelled and its result is
// ignored. If another Open supersedes this one before the page arrives, the
// page is dropped and Open returns nil.
func (e *Engine) Open(ctx context.Context, conv ConversationRef) error {
	if conv.IsZero() {
		return ErrNoConversation
	}
	var gen uint64
	if err := e.exec(ctx, func() {
		e.switchTo(conv)
		gen = e.gen
		e.changed()
	}); err != nil {
		return err
	}

	log := e.log.With(zap.Stringer("conversation", conv))
	msgs, ferr := e.api.ListMessages(ctx, conv, ListOptions{Limit: e.opts.PageSize})
	sort.SliceStable(msgs, func(i, j int) bool { return less(&msgs[i], &msgs[j]) })

	var stale bool
	if err := e.exec(context.Background(), func() {
		if gen != e.gen {
			stale = true
			e.metrics.staleResponse()
			return
		}
		if ferr != nil {
			e.emit(TopicHistoryError, ferr)
			return
		}
		// Sends and push events may have landed while the page was in
		// flight. Those go through reconciliation so a confirmation in the
		// page still promotes its placeholder.
		if e.store.Len() == 0 {
			e.store.Replace(msgs)
		} else {
			e.mergeNewest(msgs)
		}
		e.loaded = true
		e.hasMore = len(msgs) >= e.opts.PageSize
		e.changed()
	}); err != nil {
		return err
	}

	switch {
	case stale:
		log.Debug("stale_initial_page_dropped")
		return nil
	case ferr != nil:
		log.Warn("initial_load_failed", zap.Error(ferr))
		return fmt.Errorf("load %s: %w", conv, ferr)
	}
	log.Debug("conversation_opened", zap.Int("messages", len(msgs)))
	return nil
}

// LoadOlder fetches the page preceding the oldest loaded message.
//
// It is a no-op when no more history exists, when the initial page has not
// arrived yet, or when another LoadOlder is already in flight. A failure is
// returned and also emitted as history.error; the loaded timeline is left
// untouched. A result that arrives after a conversation switch is dropped.
func (e *Engine) LoadOlder(ctx context.Context) error {
	var (
		conv   ConversationRef
		gen    uint64
		opts   ListOptions
		lctx   context.Context
		cancel context.CancelFunc
		noConv bool
		skip   bool
	)
	if err := e.exec(ctx, func() {
		if e.conv.IsZero() {
			noConv = true
			return
		}
		if !e.loaded || !e.hasMore || e.loadingOlder {
			skip = true
			return
		}
		before, ok := e.store.Oldest()
		if !ok {
			skip = true
			return
		}
		conv, gen = e.conv, e.gen
		opts = ListOptions{Limit: e.opts.PageSize, Before: before}
		lctx, cancel = context.WithCancel(ctx)
		e.cancelOlder = cancel
		e.loadingOlder = true
		e.changed()
	}); err != nil {
		return err
	}
	if noConv {
		return ErrNoConversation
	}
	if skip {
		return nil
	}
	defer cancel()

	log := e.log.With(zap.Stringer("conversation", conv))
	msgs, ferr := e.api.ListMessages(lctx, conv, opts)

	var (
		stale bool
		added int
	)
	if err := e.exec(context.Background(), func() {
		if gen != e.gen {
			stale = true
			e.metrics.staleResponse()
			return
		}
		e.loadingOlder = false
		e.cancelOlder = nil
		if ferr != nil {
			e.emit(TopicHistoryError, ferr)
			e.changed()
			return
		}
		added = e.store.MergeOlder(msgs)
		if len(msgs) < opts.Limit {
			e.hasMore = false
		}
		e.changed()
	}); err != nil {
		return err
	}

	switch {
	case stale:
		log.Debug("stale_older_page_dropped")
		return nil
	case ferr != nil:
		log.Warn("load_older_failed", zap.Error(ferr))
		return fmt.Errorf("load older %s: %w", conv, ferr)
	}
	log.Debug("older_page_merged", zap.Int("received", len(msgs)), zap.Int("added", added))
	return nil
}
