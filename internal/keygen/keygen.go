// Package keygen implements the relayer-side KeygenStrategy: resolving a
// relayer signing share either from the key store (kv mode), deterministic
// HKDF-SHA-256 derivation (derived mode), or trying both in order (auto).
package keygen

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/tatchi-labs/threshold-signer/internal/b64url"
	"github.com/tatchi-labs/threshold-signer/internal/ed25519mpc"
	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/store"
)

// Mode selects how a relayer share is resolved.
type Mode string

const (
	ModeKV      Mode = "kv"
	ModeDerived Mode = "derived"
	ModeAuto    Mode = "auto"
)

// Strategy resolves and persists relayer key material.
type Strategy struct {
	Mode         Mode
	Keys         *store.KeyStore
	MasterSecret []byte // 32 bytes, process-wide, may be nil
}

// New builds a Strategy. masterSecret may be nil when mode never needs it.
func New(mode Mode, keys *store.KeyStore, masterSecret []byte) *Strategy {
	return &Strategy{Mode: mode, Keys: keys, MasterSecret: masterSecret}
}

// Resolved is the relayer's signing/verifying share for one relayerKeyId.
type Resolved struct {
	RelayerKeyID              string
	SigningShare              ed25519mpc.Scalar
	VerifyingShare            ed25519mpc.Point
	RelayerVerifyingShareB64u string
}

// DerivationInput names the salt fields for the "derived" mode, per
// spec.md §4.4: "(nearAccountId, rpId, clientVerifyingShareB64u)".
type DerivationInput struct {
	NearAccountID            string
	RpID                     string
	ClientVerifyingShareB64u string
}

// Resolve returns the relayer share for relayerKeyId, generating and
// persisting one on first use in kv mode, or deriving one in derived mode.
// Auto mode returns a stored record if present, else derives when a master
// secret is configured, else fails with errs.MissingKey; it never generates.
// relayerKeyID, when non-empty, must match the derived public key in derived
// mode, else errs.Mismatch.
func (s *Strategy) Resolve(ctx context.Context, relayerKeyID string, input DerivationInput) (*Resolved, error) {
	switch s.Mode {
	case ModeKV:
		return s.resolveFromKV(ctx, relayerKeyID)
	case ModeDerived:
		return s.resolveDerived(relayerKeyID, input)
	case ModeAuto:
		if res, err := s.resolveFromKVIfPresent(ctx, relayerKeyID); err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}
		if len(s.MasterSecret) > 0 {
			return s.resolveDerived(relayerKeyID, input)
		}
		return nil, errs.New(errs.MissingKey, "no key material for %s and no master secret configured", relayerKeyID)
	default:
		return nil, errs.New(errs.InvalidBody, "unknown keygen mode %q", s.Mode)
	}
}

func (s *Strategy) resolveFromKVIfPresent(ctx context.Context, relayerKeyID string) (*Resolved, error) {
	rec, ok, err := s.Keys.Get(ctx, relayerKeyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return resolvedFromRecord(relayerKeyID, rec)
}

func (s *Strategy) resolveFromKV(ctx context.Context, relayerKeyID string) (*Resolved, error) {
	res, err := s.resolveFromKVIfPresent(ctx, relayerKeyID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return s.generateAndStore(ctx, relayerKeyID)
}

func (s *Strategy) generateAndStore(ctx context.Context, relayerKeyID string) (*Resolved, error) {
	share, err := ed25519mpc.RandomScalar()
	if err != nil {
		return nil, err
	}
	verifying := ed25519mpc.ScalarBaseMult(share)
	rec := &store.RelayerKeyRecord{
		PublicKey:                 relayerKeyID,
		RelayerSigningShareB64u:   b64url.Encode(share[:]),
		RelayerVerifyingShareB64u: b64url.Encode(verifying[:]),
	}
	if err := s.Keys.Put(ctx, relayerKeyID, rec); err != nil {
		return nil, err
	}
	return resolvedFromRecord(relayerKeyID, rec)
}

func (s *Strategy) resolveDerived(relayerKeyID string, input DerivationInput) (*Resolved, error) {
	if len(s.MasterSecret) == 0 {
		return nil, errs.New(errs.MissingKey, "derived mode requires a master secret")
	}
	if input.NearAccountID == "" || input.RpID == "" || input.ClientVerifyingShareB64u == "" {
		return nil, errs.New(errs.InvalidBody, "derived mode requires nearAccountId, rpId, clientVerifyingShareB64u")
	}
	salt := []byte(input.NearAccountID + "\x00" + input.RpID + "\x00" + input.ClientVerifyingShareB64u)
	hk := hkdf.New(sha256.New, s.MasterSecret, salt, []byte("threshold-ed25519-relayer-share"))
	var wide [32]byte
	if _, err := io.ReadFull(hk, wide[:]); err != nil {
		return nil, errs.New(errs.Internal, "derive relayer share: %v", err)
	}
	share := ed25519mpc.ReduceScalar(wide)
	verifying := ed25519mpc.ScalarBaseMult(share)
	derivedKeyID := b64url.Encode(verifying[:])
	if relayerKeyID != "" && relayerKeyID != derivedKeyID {
		return nil, errs.New(errs.Mismatch, "derived relayerKeyId %s does not match expected %s", derivedKeyID, relayerKeyID)
	}
	return &Resolved{
		RelayerKeyID:              derivedKeyID,
		SigningShare:              share,
		VerifyingShare:            verifying,
		RelayerVerifyingShareB64u: b64url.Encode(verifying[:]),
	}, nil
}

func resolvedFromRecord(relayerKeyID string, rec *store.RelayerKeyRecord) (*Resolved, error) {
	shareBytes, err := b64url.Decode(rec.RelayerSigningShareB64u)
	if err != nil || len(shareBytes) != 32 {
		return nil, errs.New(errs.Internal, "stored relayer signing share is malformed")
	}
	verifyBytes, err := b64url.Decode(rec.RelayerVerifyingShareB64u)
	if err != nil || len(verifyBytes) != 32 {
		return nil, errs.New(errs.Internal, "stored relayer verifying share is malformed")
	}
	var share ed25519mpc.Scalar
	copy(share[:], shareBytes)
	var verifying ed25519mpc.Point
	copy(verifying[:], verifyBytes)
	return &Resolved{
		RelayerKeyID:              relayerKeyID,
		SigningShare:              share,
		VerifyingShare:            verifying,
		RelayerVerifyingShareB64u: rec.RelayerVerifyingShareB64u,
	}, nil
}

// RandomMasterSecret generates a fresh 32-byte master secret, for bootstrap
// tooling / tests.
func RandomMasterSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
