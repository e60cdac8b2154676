package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus connects platform adapters to the gateway. Adapters push
// normalized envelopes into Inbound; the gateway pushes OutboundMessages
// into Outbound, and DispatchOutbound fans each one to the subscriber
// registered for its platform, preserving per-channel send order.
type MessageBus struct {
	Inbound  chan Envelope
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan Envelope, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the send handler for a platform. A second
// subscription for the same platform replaces the first.
func (b *MessageBus) SubscribeOutbound(platform string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[platform] = fn
}

// DispatchOutbound delivers outbound messages to platform subscribers until
// ctx is cancelled. Messages for platforms with no subscriber are skipped:
// the content stays in session history for later retrieval.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Platform]
			b.mu.RUnlock()
			if !ok {
				log.Printf("[bus] no subscriber for platform %s, skipping", msg.Platform)
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
