package pubsub

import (
	"context"
	"sync"
)

// subscriberBuffer bounds the per-subscriber delivery queue. On overflow the
// oldest pending message is dropped; missed events are recovered by the
// browser's next state fetch, not by replay.
const subscriberBuffer = 64

type memorySub struct {
	ch   chan []byte
	done chan struct{}
}

// MemoryBroker is an in-process Broker for single-node deployments.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*memorySub
	nextID uint64
	closed bool
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[uint64]*memorySub)}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	targets := make([]*memorySub, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- payload:
		default:
			// Slow subscriber: drop the oldest message to make room so the
			// subscriber converges on recent state.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- payload:
			default:
			}
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(topic string, h Handler) (func(), error) {
	sub := &memorySub{
		ch:   make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*memorySub)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case payload := <-sub.ch:
				h(payload)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subs[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.done)
		}
	}
	b.subs = make(map[string]map[uint64]*memorySub)
	return nil
}
