// Package store layers the typed RelayerKeyRecord / MpcSession /
// SigningSession / AuthSessionRecord wrappers (spec.md §4.2) over a
// kv.Store, handling key-prefix isolation, JSON encoding, TTL defaults, and
// take-once semantics. Grounded on the teacher's storage.go, which does the
// same (typed wrapper over a generic backend) one layer below the envelope
// encryption.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/kv"
)

// RelayerKeyRecord is the persisted relayer half of a key pair.
// spec.md §3: "Private share is never emitted in responses or logs" — callers
// are responsible for excluding RelayerSigningShareB64u from any response
// DTO; this type is the storage representation, not a wire response.
type RelayerKeyRecord struct {
	PublicKey                string `json:"publicKey"`
	RelayerSigningShareB64u  string `json:"relayerSigningShareB64u"`
	RelayerVerifyingShareB64u string `json:"relayerVerifyingShareB64u"`
}

// KeyStore persists RelayerKeyRecord by relayerKeyId. Records are immutable
// by convention once written (see Put); Put itself overwrites unconditionally.
type KeyStore struct {
	backend kv.Store
	prefix  string
}

// NewKeyStore wraps backend with the given key prefix (default
// "threshold-ed25519:key:" per spec.md §6 THRESHOLD_ED25519_KEYSTORE_PREFIX).
func NewKeyStore(backend kv.Store, prefix string) *KeyStore {
	if prefix == "" {
		prefix = "threshold-ed25519:key:"
	}
	return &KeyStore{backend: backend, prefix: prefix}
}

func (s *KeyStore) key(relayerKeyID string) string {
	return s.prefix + relayerKeyID
}

// Get loads a record. A missing key or a record with unknown/missing
// required fields both return (nil, false, nil) — spec.md §4.2 "unknown/
// missing fields → null (treated as absent), never a partial record".
func (s *KeyStore) Get(ctx context.Context, relayerKeyID string) (*RelayerKeyRecord, bool, error) {
	raw, ok, err := s.backend.Get(ctx, s.key(relayerKeyID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec RelayerKeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, nil
	}
	if rec.PublicKey == "" || rec.RelayerSigningShareB64u == "" || rec.RelayerVerifyingShareB64u == "" {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Put writes rec, immutable-by-convention: callers performing rotation
// should write under a fresh relayerKeyId and retain the old one only for
// its RotationRecord grace window.
func (s *KeyStore) Put(ctx context.Context, relayerKeyID string, rec *RelayerKeyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.New(errs.Internal, "marshal key record: %v", err)
	}
	return s.backend.Set(ctx, s.key(relayerKeyID), raw, 0)
}

// Exists reports whether a complete key record is already present for
// relayerKeyID.
func (s *KeyStore) Exists(ctx context.Context, relayerKeyID string) (bool, error) {
	_, ok, err := s.Get(ctx, relayerKeyID)
	return ok, err
}

// RotationRecord tracks a Shamir key rotation grace window ([ADD], SPEC_FULL
// §3): the old key stays acceptable for unlock operations until GraceUntilMs.
type RotationRecord struct {
	KeyID        string `json:"keyId"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	GraceUntilMs int64  `json:"graceUntilMs"`
}

// PutRotation records that keyID entered its grace window, expiring the
// record itself at graceUntilMs so stale rotations don't accumulate.
func (s *KeyStore) PutRotation(ctx context.Context, rec *RotationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.New(errs.Internal, "marshal rotation record: %v", err)
	}
	ttl := time.Duration(0)
	if rec.GraceUntilMs > 0 {
		ttl = time.Until(time.UnixMilli(rec.GraceUntilMs))
		if ttl < 0 {
			ttl = time.Second
		}
	}
	return s.backend.Set(ctx, s.prefix+"rotation:"+rec.KeyID, raw, ttl)
}

// GetRotation loads the rotation record for keyID, if any.
func (s *KeyStore) GetRotation(ctx context.Context, keyID string) (*RotationRecord, bool, error) {
	raw, ok, err := s.backend.Get(ctx, s.prefix+"rotation:"+keyID)
	if err != nil || !ok {
		return nil, false, err
	}
	var rec RotationRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.KeyID == "" {
		return nil, false, nil
	}
	return &rec, true, nil
}
