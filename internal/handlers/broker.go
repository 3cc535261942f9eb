package handlers

import (
	"sync"

	"argus/internal/models"
)

// Broker fans reconciled push frames out to local SSE subscribers.
type Broker struct {
	mu   sync.RWMutex
	subs []chan models.PushFrame
}

// NewBroker creates a ready-to-use broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Subscribe returns a channel that receives every published frame.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan models.PushFrame {
	ch := make(chan models.PushFrame, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel from the subscriber list and closes it.
func (b *Broker) Unsubscribe(ch chan models.PushFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends a frame to all subscribers. Non-blocking: if a
// subscriber's buffer is full the frame is dropped.
func (b *Broker) Publish(frame models.PushFrame) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- frame:
		default:
			// subscriber too slow — drop
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
