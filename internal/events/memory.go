package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/rideshare/internal/observability"
)

// MemoryBus delivers within one process. Every subscription owns a queue
// and a goroutine draining it, so a slow handler only delays itself.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*mailbox
	closed bool
	logger *slog.Logger
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{topics: make(map[string]map[uint64]*mailbox), logger: logger}
}

func (b *MemoryBus) Publish(ctx context.Context, topic, payload string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, m := range b.topics[topic] {
		m.push(payload)
	}
	observability.EventsPublished.WithLabelValues("memory").Inc()
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) (*Subscription, error) {
	sub := newSubscription(topic, h)
	m := newMailbox(sub, b.logger)
	sub.stop = m.close

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*mailbox)
		b.topics[topic] = subs
	}
	subs[sub.id] = m
	b.mu.Unlock()

	go m.run()
	return sub, nil
}

func (b *MemoryBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()
	if sub.stop != nil {
		sub.stop()
	}
	return nil
}

// Subscribers counts live subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close stops every subscription goroutine.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]map[uint64]*mailbox)
	b.mu.Unlock()
	for _, subs := range topics {
		for _, m := range subs {
			m.close()
		}
	}
	return nil
}

type mailbox struct {
	sub    *Subscription
	logger *slog.Logger

	mu      sync.Mutex
	queue   []string
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func newMailbox(sub *Subscription, logger *slog.Logger) *mailbox {
	return &mailbox{sub: sub, logger: logger, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *mailbox) push(payload string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, payload)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.queue = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if m.stopped || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			payload := m.queue[0]
			m.queue[0] = ""
			m.queue = m.queue[1:]
			m.mu.Unlock()
			m.deliver(payload)
		}
	}
}

func (m *mailbox) deliver(payload string) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("event handler panic", "topic", m.sub.topic, "error", rec)
		}
	}()
	m.sub.handler(context.Background(), payload)
}
