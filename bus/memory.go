package bus

import (
	"context"
	"sync"
)

// memoryHistory is how many published messages a MemoryBus remembers.
const memoryHistory = 1024

type memorySub struct {
	pattern string
	handler Handler
}

// MemoryBus delivers messages synchronously to in-process subscribers. It is
// used for local runs without a broker and in tests.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      []memorySub
	connected bool
	published []Message
}

type Message struct {
	Topic   string
	Payload []byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{connected: true}
}

// SetConnected simulates the transport going up or down.
func (b *MemoryBus) SetConnected(up bool) {
	b.mu.Lock()
	b.connected = up
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrTransportUnavailable
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	if len(b.published) >= 2*memoryHistory {
		b.published = append(b.published[:0:0], b.published[len(b.published)-memoryHistory+1:]...)
	}
	b.published = append(b.published, msg)
	subs := append([]memorySub(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if Match(s.pattern, topic) {
			s.handler(topic, msg.Payload)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memorySub{pattern: pattern, handler: h})
	return nil
}

// Published returns the most recent accepted messages, at most
// memoryHistory of them, optionally filtered by pattern.
func (b *MemoryBus) Published(pattern string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	recent := b.published
	if len(recent) > memoryHistory {
		recent = recent[len(recent)-memoryHistory:]
	}

	var out []Message
	for _, m := range recent {
		if pattern == "" || Match(pattern, m.Topic) {
			out = append(out, m)
		}
	}
	return out
}

func (b *MemoryBus) Close() error {
	b.SetConnected(false)
	return nil
}
