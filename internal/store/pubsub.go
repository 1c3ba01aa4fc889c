package store

import (
	"context"
	"sync"
)

// Message is one payload delivered on a channel.
type Message struct {
	Channel string
	Payload string
}

// Subscription receives messages for a set of channels from the in-memory hub.
type Subscription struct {
	channels map[string]bool
	msgChan  chan *Message
	closeCh  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newSubscription(channels []string) *Subscription {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &Subscription{
		channels: set,
		msgChan:  make(chan *Message, 100),
		closeCh:  make(chan struct{}),
	}
}

// Channel returns the message channel. It is closed when the subscription ends.
func (s *Subscription) Channel() <-chan *Message {
	return s.msgChan
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.closeCh)
		close(s.msgChan)
	}
	return nil
}

// deliver drops the message when the subscriber is not keeping up.
func (s *Subscription) deliver(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || !s.channels[msg.Channel] {
		return
	}
	select {
	case s.msgChan <- msg:
	default:
	}
}

// Hub fans messages out to in-memory subscriptions when Redis is unavailable.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string][]*Subscription)}
}

// Subscribe registers a subscription that ends when ctx is done or it is closed.
func (h *Hub) Subscribe(ctx context.Context, channels ...string) *Subscription {
	sub := newSubscription(channels)

	h.mu.Lock()
	for _, ch := range channels {
		h.subscribers[ch] = append(h.subscribers[ch], sub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}
		h.remove(sub, channels)
	}()

	return sub
}

func (h *Hub) remove(sub *Subscription, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range channels {
		subs := h.subscribers[ch]
		for i, s := range subs {
			if s == sub {
				h.subscribers[ch] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(h.subscribers[ch]) == 0 {
			delete(h.subscribers, ch)
		}
	}
}

func (h *Hub) Publish(channel, payload string) {
	h.mu.RLock()
	subs := append([]*Subscription(nil), h.subscribers[channel]...)
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: payload}
	for _, s := range subs {
		s.deliver(msg)
	}
}

// Subscribers reports how many subscriptions listen on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}
