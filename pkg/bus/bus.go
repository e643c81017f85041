package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus queues relay messages for the sink pump and fans out
// observability events.
type MessageBus struct {
	relay chan OutboundRelay

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	return &MessageBus{
		relay:            make(chan OutboundRelay, buffer),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishRelay enqueues msg, blocking while the queue is full.
func (mb *MessageBus) PublishRelay(ctx context.Context, msg OutboundRelay) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.relay <- msg:
		return true
	}
}

// ConsumeRelay returns the next queued message in publish order.
func (mb *MessageBus) ConsumeRelay(ctx context.Context) (OutboundRelay, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return OutboundRelay{}, false
	case <-mb.done:
		return OutboundRelay{}, false
	case msg := <-mb.relay:
		return msg, true
	}
}

// Pending reports how many relay messages are queued.
func (mb *MessageBus) Pending() int {
	return len(mb.relay)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
