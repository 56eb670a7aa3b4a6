package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process MessageBus for tests, matching the subset of
// behavior NATSBus provides.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[string]MessageHandler
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[string]MessageHandler)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	handlers := b.subs[subject]
	snapshot := make([]MessageHandler, 0, len(handlers))
	for _, h := range handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()
	for _, h := range snapshot {
		h(&Message{Subject: subject, Data: data})
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	id := uuid.NewString()
	b.mu.Lock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]MessageHandler)
	}
	b.subs[subject][id] = handler
	b.mu.Unlock()
	return &memorySubscription{bus: b, subject: subject, id: id}, nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	b.mu.RLock()
	handlers := b.subs[subject]
	var first MessageHandler
	for _, h := range handlers {
		first = h
		break
	}
	b.mu.RUnlock()
	if first == nil {
		return nil, ErrTimeout
	}
	reply := first(&Message{Subject: subject, Data: data})
	return reply, nil
}

func (b *MemoryBus) Close() error { return nil }

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	id      string
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.subject], s.id)
	return nil
}

func (s *memorySubscription) Subject() string { return s.subject }
