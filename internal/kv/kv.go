// Package kv provides a uniform get/set/del/getdel/incrby interface over
// several storage backends: in-memory, Upstash-style REST, Redis, a binary
// TCP key-value server, and PostgreSQL. Values are opaque byte slices; callers
// JSON-encode records themselves (binary fields base64url-encoded within the
// JSON, per spec.md §4.1).
package kv

import (
	"context"
	"time"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
)

// Store is the capability interface every backend implements.
type Store interface {
	// Get returns the value for key, or (nil, false) if absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes value for key. ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes key. It is not an error if the key does not exist.
	Del(ctx context.Context, key string) error
	// GetDel atomically gets and deletes key, returning (nil, false) if
	// absent. Backends without a native primitive fall back to Get+Del and
	// may report the downgrade via DowngradeLogger.WarnGetDelDowngrade.
	GetDel(ctx context.Context, key string) ([]byte, bool, error)
	// IncrBy atomically increments the counter at key by delta and returns
	// the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// RoundTTL rounds a duration up to the nearest second, for backends whose
// native TTL resolution is seconds (spec.md §4.1).
func RoundTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if ttl%time.Second == 0 {
		return ttl
	}
	return (ttl/time.Second + 1) * time.Second
}

// ErrUnavailable wraps a transport failure as errs.BackendUnavailable; the
// caller decides whether to retry (spec.md §4.1).
func ErrUnavailable(backend string, cause error) error {
	return errs.New(errs.BackendUnavailable, "%s backend unavailable: %v", backend, cause)
}

// DowngradeLogger lets backends without a native GetDel report the
// get-then-delete downgrade without importing a logger type here.
type DowngradeLogger interface {
	WarnGetDelDowngrade(backend, key string)
}

// NopDowngradeLogger discards downgrade notices.
type NopDowngradeLogger struct{}

func (NopDowngradeLogger) WarnGetDelDowngrade(string, string) {}
