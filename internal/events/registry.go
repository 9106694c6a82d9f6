package events

import (
	"context"
	"errors"
	"sync"
)

// Registry tracks every subscription a session opens so teardown can
// release all of them at once.
type Registry struct {
	bus Bus

	mu     sync.Mutex
	subs   map[string][]*Subscription
	closed bool
}

func NewRegistry(bus Bus) *Registry {
	return &Registry{bus: bus, subs: make(map[string][]*Subscription)}
}

// Subscribe registers h on topic. The bus call runs outside the lock since a
// networked bus may block on a round trip; a Close that lands meanwhile wins
// and the fresh subscription is dropped.
func (r *Registry) Subscribe(ctx context.Context, topic string, h Handler) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	sub, err := r.bus.Subscribe(ctx, topic, h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = r.bus.Unsubscribe(sub)
		return ErrClosed
	}
	r.subs[topic] = append(r.subs[topic], sub)
	r.mu.Unlock()
	return nil
}

// Subscribed reports whether the registry holds a subscription on topic.
func (r *Registry) Subscribed(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topic]) > 0
}

// Unsubscribe releases every handle registered on topic.
func (r *Registry) Unsubscribe(topic string) error {
	r.mu.Lock()
	subs := r.subs[topic]
	delete(r.subs, topic)
	r.mu.Unlock()
	var errs []error
	for _, s := range subs {
		errs = append(errs, r.bus.Unsubscribe(s))
	}
	return errors.Join(errs...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.subs {
		n += len(s)
	}
	return n
}

// Close unsubscribes everything and refuses further subscriptions.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	all := r.subs
	r.subs = make(map[string][]*Subscription)
	r.mu.Unlock()
	var errs []error
	for _, subs := range all {
		for _, s := range subs {
			errs = append(errs, r.bus.Unsubscribe(s))
		}
	}
	return errors.Join(errs...)
}
