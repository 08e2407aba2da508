package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/kv"
)

// AuthSessionRecord allows bounded reuse of a single WebAuthn verification to
// mint multiple signing sessions within a window.
type AuthSessionRecord struct {
	TokenID          string `json:"tokenId"`
	RelayerKeyID     string `json:"relayerKeyId"`
	UserID           string `json:"userId"`
	RpID             string `json:"rpId"`
	IntentDigestB64u string `json:"intentDigestB64u"`
	UsesRemaining    int    `json:"usesRemaining"`
	ExpiresAtMs      int64  `json:"expiresAtMs"`
}

// AuthSessionStore persists AuthSessionRecord by tokenId with a default 5
// minute / N-use TTL, both configurable.
type AuthSessionStore struct {
	backend kv.Store
	prefix  string
	ttl     time.Duration
}

// NewAuthSessionStore wraps backend with prefix (default
// "threshold-ed25519:auth:"). ttl defaults to 5 minutes.
func NewAuthSessionStore(backend kv.Store, prefix string, ttl time.Duration) *AuthSessionStore {
	if prefix == "" {
		prefix = "threshold-ed25519:auth:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AuthSessionStore{backend: backend, prefix: prefix, ttl: ttl}
}

func (s *AuthSessionStore) key(tokenID string) string {
	return s.prefix + tokenID
}

// TTL returns the configured auth-session window, so a caller minting a
// fresh AuthSessionRecord can compute the same ExpiresAtMs the store itself
// will enforce at the backend level.
func (s *AuthSessionStore) TTL() time.Duration {
	return s.ttl
}

// Put stores rec under its TokenID.
func (s *AuthSessionStore) Put(ctx context.Context, rec *AuthSessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.New(errs.Internal, "marshal auth session: %v", err)
	}
	return s.backend.Set(ctx, s.key(rec.TokenID), raw, s.ttl)
}

// Get loads the record for tokenID without consuming a use.
func (s *AuthSessionStore) Get(ctx context.Context, tokenID string) (*AuthSessionRecord, bool, error) {
	raw, ok, err := s.backend.Get(ctx, s.key(tokenID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec AuthSessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.TokenID == "" {
		return nil, false, nil
	}
	return &rec, true, nil
}

// ConsumeUse loads the record, checks it is not expired and has uses
// remaining, decrements UsesRemaining, and writes it back (or deletes it on
// the last use). Returns errs.Unauthorized when missing, expired, or
// exhausted, per spec.md §3.
func (s *AuthSessionStore) ConsumeUse(ctx context.Context, tokenID string, nowMs int64) (*AuthSessionRecord, error) {
	rec, ok, err := s.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Unauthorized, "auth session %s not found", tokenID)
	}
	if rec.ExpiresAtMs <= nowMs {
		_ = s.backend.Del(ctx, s.key(tokenID))
		return nil, errs.New(errs.Unauthorized, "auth session %s expired", tokenID)
	}
	if rec.UsesRemaining <= 0 {
		_ = s.backend.Del(ctx, s.key(tokenID))
		return nil, errs.New(errs.Unauthorized, "auth session %s exhausted", tokenID)
	}
	rec.UsesRemaining--
	if rec.UsesRemaining <= 0 {
		if err := s.backend.Del(ctx, s.key(tokenID)); err != nil {
			return nil, err
		}
		return rec, nil
	}
	remaining := time.Duration(rec.ExpiresAtMs-nowMs) * time.Millisecond
	if err := s.backend.Set(ctx, s.key(tokenID), mustMarshal(rec), remaining); err != nil {
		return nil, err
	}
	return rec, nil
}

func mustMarshal(rec *AuthSessionRecord) []byte {
	raw, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	return raw
}
