package vynqtalk

import (
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Event bus
// ============================================================================

// Subscription is the handle returned by Subscribe. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the listener. Safe to call more than once and from inside the listener.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Topic is a typed, ordered listener registry. Publish invokes listeners synchronously in
// registration order; a panicking listener is logged and its siblings still run.
type Topic[T any] struct {
	name   string
	logger *slog.Logger

	mu        sync.RWMutex
	nextID    uint64
	order     []uint64
	listeners map[uint64]func(T)
}

// NewTopic creates a topic. name is used only for logging.
func NewTopic[T any](name string, logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic[T]{
		name:      name,
		logger:    logger,
		listeners: make(map[uint64]func(T)),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers fn and returns its unsubscribe handle.
func (t *Topic[T]) Subscribe(fn func(T)) *Subscription {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.order = append(t.order, id)
	t.mu.Unlock()

	return &Subscription{cancel: func() { t.remove(id) }}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[id]; !ok {
		return
	}
	delete(t.listeners, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered listeners.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Publish delivers v to every listener registered at the time of the call.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.order))
	for _, id := range t.order {
		fns = append(fns, t.listeners[id])
	}
	t.mu.RUnlock()

	for i, fn := range fns {
		t.invoke(i, fn, v)
	}
}

func (t *Topic[T]) invoke(i int, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("listener panicked",
				"topic", t.name,
				"listener", i,
				"error", fmt.Sprint(r),
			)
		}
	}()
	fn(v)
}
