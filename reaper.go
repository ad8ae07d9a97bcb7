package chatsync

import (
	"context"

	"go.uber.org/zap"
)

// reap fails every pending placeholder older than the reap threshold. Each
// registry entry is consumed by its first cycle, so a placeholder is reaped
// at most once. Loop only.
func (e *Engine) reap() int {
	stale := e.store.pending.stale(e.now(), e.opts.ReapThreshold)
	if len(stale) == 0 {
		return 0
	}
	n := 0
	for _, p := range stale {
		if !e.store.MarkFailed(p.TempID) {
			continue
		}
		n++
		e.metrics.reaped()
		e.metrics.sendFailed(failureReason(ErrSendTimeout))
		e.log.Warn("pending_reaped",
			zap.String("temp_id", p.TempID),
			zap.Duration("age", e.now().Sub(p.SubmittedAt)))
		e.emit(TopicMessageFailed, &SendError{TempID: p.TempID, Err: ErrSendTimeout})
	}
	e.metrics.setPending(e.store.PendingCount())
	if n > 0 {
		e.changed()
	}
	return n
}

// ReapNow runs one reaper cycle immediately and returns how many
// placeholders it failed.
func (e *Engine) ReapNow(ctx context.Context) (int, error) {
	var n int
	err := e.exec(ctx, func() { n = e.reap() })
	return n, err
}
