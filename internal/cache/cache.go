// Package cache coordinates collaboration instances: it caches encoded
// document state for fast session bootstrap and fans out live updates
// between instances over pub/sub.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned when a key is not in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("cache is closed")
)

// DocCache stores encoded CRDT document state keyed by share id. Entries are
// advisory: a miss falls back to the document store.
type DocCache interface {
	// GetState returns the cached state for a document, or ErrCacheMiss.
	GetState(ctx context.Context, docID string) ([]byte, error)

	// SetState caches the state for a document with the given TTL.
	SetState(ctx context.Context, docID string, state []byte, ttl time.Duration) error

	// Invalidate drops the cached state for a document.
	Invalidate(ctx context.Context, docID string) error
}

// Subscription is a live feed of fan-out messages for one document.
type Subscription interface {
	// C returns the message channel. It is closed when the subscription ends.
	C() <-chan Message

	// Close terminates the subscription.
	Close() error
}

// Fanout relays collaboration messages between instances. Every instance
// subscribed to a document receives every published message, the publisher
// included; receivers filter by origin.
type Fanout interface {
	// Publish sends a message to all subscribers of a document.
	Publish(ctx context.Context, docID string, msg Message) error

	// Subscribe opens a live feed for a document.
	Subscribe(ctx context.Context, docID string) (Subscription, error)
}

// Coordinator bundles the two coordination roles a backend provides.
type Coordinator interface {
	DocCache
	Fanout

	// Ping verifies connectivity for health reporting.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
