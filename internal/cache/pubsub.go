package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live stream of messages. Close releases it; the
// message channel is closed afterwards.
type Subscription interface {
	Channel() <-chan *Message
	Close() error
}

// redisSubscription adapts redis.PubSub to Subscription.
type redisSubscription struct {
	ps   *redis.PubSub
	out  chan *Message
	once sync.Once
}

func newRedisSubscription(ctx context.Context, ps *redis.PubSub) *redisSubscription {
	s := &redisSubscription{ps: ps, out: make(chan *Message, 64)}
	go func() {
		defer close(s.out)
		src := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case s.out <- &Message{Channel: msg.Channel, Payload: msg.Payload}:
				default:
					// slow consumer, drop
				}
			}
		}
	}()
	return s
}

func (s *redisSubscription) Channel() <-chan *Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

// localSubscription is the in-process counterpart used when Redis is
// unavailable.
type localSubscription struct {
	channels map[string]bool
	msgs     chan *Message
	done     chan struct{}
	closed   bool
	mu       sync.Mutex
}

func (s *localSubscription) Channel() <-chan *Message { return s.msgs }

func (s *localSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.msgs)
	}
	return nil
}

func (s *localSubscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.channels[msg.Channel] {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		// full buffer, drop rather than block the publisher
	}
}

// Hub fans messages out to local subscriptions.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]*localSubscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*localSubscription)}
}

func (h *Hub) Subscribe(ctx context.Context, channels ...string) *localSubscription {
	sub := &localSubscription{
		channels: make(map[string]bool, len(channels)),
		msgs:     make(chan *Message, 64),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}

	h.mu.Lock()
	for _, ch := range channels {
		h.subs[ch] = append(h.subs[ch], sub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
		h.remove(sub, channels)
	}()

	return sub
}

func (h *Hub) remove(sub *localSubscription, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		list := h.subs[ch]
		for i, s := range list {
			if s == sub {
				h.subs[ch] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(h.subs[ch]) == 0 {
			delete(h.subs, ch)
		}
	}
}

func (h *Hub) Publish(channel, payload string) {
	h.mu.RLock()
	list := make([]*localSubscription, len(h.subs[channel]))
	copy(list, h.subs[channel])
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: payload}
	for _, sub := range list {
		sub.deliver(msg)
	}
}
