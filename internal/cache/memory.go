package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCoordinator is an in-process Coordinator for tests and single-node
// development. TTLs are honored lazily on read.
type MemoryCoordinator struct {
	mu     sync.Mutex
	states map[string]memoryEntry
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

type memoryEntry struct {
	state     []byte
	expiresAt time.Time
}

// NewMemoryCoordinator creates an empty in-process coordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		states: make(map[string]memoryEntry),
		subs:   make(map[string]map[*memorySubscription]struct{}),
	}
}

// GetState returns the cached document state.
func (c *MemoryCoordinator) GetState(_ context.Context, docID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	entry, ok := c.states[docID]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(c.states, docID)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), entry.state...), nil
}

// SetState caches the document state.
func (c *MemoryCoordinator) SetState(_ context.Context, docID string, state []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	entry := memoryEntry{state: append([]byte(nil), state...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.states[docID] = entry
	return nil
}

// Invalidate drops the cached document state.
func (c *MemoryCoordinator) Invalidate(_ context.Context, docID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	delete(c.states, docID)
	return nil
}

// Publish delivers a message to every subscriber of the document, the
// publisher's own subscriptions included.
func (c *MemoryCoordinator) Publish(_ context.Context, docID string, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	// Round-trip through the wire encoding so tests cover it.
	decoded, err := DecodeMessage(msg.Encode())
	if err != nil {
		return err
	}
	for sub := range c.subs[docID] {
		select {
		case sub.out <- decoded:
		default:
		}
	}
	return nil
}

// Subscribe opens a live feed for a document.
func (c *MemoryCoordinator) Subscribe(_ context.Context, docID string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		parent: c,
		docID:  docID,
		out:    make(chan Message, 256),
	}
	if c.subs[docID] == nil {
		c.subs[docID] = make(map[*memorySubscription]struct{})
	}
	c.subs[docID][sub] = struct{}{}
	return sub, nil
}

// Ping always succeeds on an open coordinator.
func (c *MemoryCoordinator) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close terminates all subscriptions and marks the coordinator closed.
func (c *MemoryCoordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, subs := range c.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.out) })
		}
	}
	c.subs = make(map[string]map[*memorySubscription]struct{})
	return nil
}

type memorySubscription struct {
	parent *MemoryCoordinator
	docID  string
	out    chan Message
	once   sync.Once
}

func (s *memorySubscription) C() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if subs, ok := s.parent.subs[s.docID]; ok {
		if _, live := subs[s]; live {
			delete(subs, s)
			s.once.Do(func() { close(s.out) })
		}
	}
	return nil
}
