// Package kvstore is the shared key/value store abstraction backing rate
// counters, cancellation flags, the active-task marker, the per-chat queue
// and the embed namespace. All mutations are per-key atomic (spec §5).
package kvstore

import (
	"context"
	"time"
)

// Store is the minimal KV contract every substrate component depends on.
// No caller holds a raw Redis client; everything crosses this interface so
// fakes can stand in for tests (spec §9: no global mutable singletons).
type Store interface {
	// Get returns the value and found=true, or found=false on miss.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set writes value with an optional TTL (ttl<=0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent; returns whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes one or more keys; missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// IncrWithExpire atomically increments key and (re)sets its TTL,
	// returning the post-increment value. Used for rate counters.
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// RPush appends values to a list.
	RPush(ctx context.Context, key string, values ...string) error
	// LRangeAll returns every element of a list, in insertion order.
	LRangeAll(ctx context.Context, key string) ([]string, error)
	// ScanKeys returns every key matching a glob-style pattern. Used by
	// CleanupCoordinator to find dangling embeds; callers must not rely on
	// ordering.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	// Publish emits a message on a named channel (best-effort pub/sub).
	Publish(ctx context.Context, channel, message string) error
	// Expire sets or refreshes a TTL on an existing key of any type (string
	// or list). Used where a key's TTL must be set independently of the
	// write that created it, e.g. the debug ring's list key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Subscribe opens a pub/sub subscription to channel; callers must
	// Close the returned Subscription once done.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription streams messages published to one channel.
type Subscription interface {
	// Messages yields each published payload in order; it is closed when
	// the subscription is closed or its context ends.
	Messages() <-chan string
	Close() error
}
