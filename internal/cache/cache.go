// Package cache is the shared key-value store behind sessions and session-transfer tokens.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is a key-value store with TTLs, set-if-absent and prefix enumeration.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// Expire sets a TTL on an existing key and reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	// Keys returns every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
