package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// Topic names an engine notification.
type Topic string

const (
	// TopicTimelineChanged carries a View after any timeline mutation.
	TopicTimelineChanged Topic = "timeline.changed"
	// TopicMessageFailed carries a *SendError.
	TopicMessageFailed Topic = "message.failed"
	// TopicSendAccepted carries a SendAccepted once the server has stored a
	// send. The placeholder stays pending until the live channel confirms it.
	TopicSendAccepted Topic = "send.accepted"
	// TopicHistoryError carries the error of a failed history fetch.
	TopicHistoryError Topic = "history.error"
	// TopicReceiptsChanged carries the []Receipt for the newest message.
	TopicReceiptsChanged Topic = "receipts.changed"
	// TopicUnreadChanged carries an UnreadChange.
	TopicUnreadChanged Topic = "unread.changed"
)

// SendAccepted is the payload of the send.accepted notification.
type SendAccepted struct {
	TempID    string
	MessageID string
}

// Handler receives engine notifications.
type Handler func(topic Topic, payload any)

type emission struct {
	topic   Topic
	payload any
}

// emitter fans notifications out to handlers on its own goroutine, in the
// order they were emitted, so the engine loop never waits on user code.
type emitter struct {
	mu        sync.Mutex
	listeners map[Topic][]Handler
	queue     []emission
	wake      chan struct{}
	log       *zap.Logger
}

func newEmitter(log *zap.Logger) emitter {
	return emitter{
		listeners: make(map[Topic][]Handler),
		wake:      make(chan struct{}, 1),
		log:       log,
	}
}

// On registers handler for topic.
func (e *emitter) On(topic Topic, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[topic] = append(e.listeners[topic], handler)
}

func (e *emitter) listening(topic Topic) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[topic]) > 0
}

func (e *emitter) emit(topic Topic, payload any) {
	e.mu.Lock()
	if len(e.listeners[topic]) == 0 {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, emission{topic: topic, payload: payload})
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			next := e.queue[0]
			e.queue = e.queue[1:]
			handlers := append([]Handler(nil), e.listeners[next.topic]...)
			e.mu.Unlock()
			for _, h := range handlers {
				e.dispatch(h, next)
			}
		}
	}
}

func (e *emitter) dispatch(h Handler, ev emission) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("handler_panic", zap.String("topic", string(ev.topic)), zap.Any("panic", r))
		}
	}()
	h(ev.topic, ev.payload)
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[Topic][]Handler)
	e.queue = nil
}
