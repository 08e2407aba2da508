package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/kv"
)

// Commitment is one participant's round-1 hiding/binding commitment, base64url
// encoded, as stored in a SigningSession transcript.
type Commitment struct {
	Hiding  string `json:"hiding"`
	Binding string `json:"binding"`
}

// MpcSession is created when a WebAuthn-verified intent is accepted and
// consumed exactly once by thresholdSignInit.
type MpcSession struct {
	ExpiresAtMs              int64    `json:"expiresAtMs"`
	RelayerKeyID             string   `json:"relayerKeyId"`
	Purpose                  string   `json:"purpose"`
	IntentDigestB64u         string   `json:"intentDigestB64u"`
	SigningDigestB64u        string   `json:"signingDigestB64u"`
	UserID                   string   `json:"userId"`
	RpID                     string   `json:"rpId"`
	ClientVerifyingShareB64u string   `json:"clientVerifyingShareB64u"`
	ParticipantIDs           []int    `json:"participantIds"`
}

// SigningSession is created by thresholdSignInit after a successful round-1
// cosigner fan-out and consumed exactly once by thresholdSignFinalize.
type SigningSession struct {
	ExpiresAtMs               int64                  `json:"expiresAtMs"`
	MpcSessionID              string                 `json:"mpcSessionId"`
	RelayerKeyID              string                 `json:"relayerKeyId"`
	SigningDigestB64u         string                 `json:"signingDigestB64u"`
	ParticipantIDs            []int                  `json:"participantIds"`
	CommitmentsByID           map[string]Commitment  `json:"commitmentsById"`
	RelayerVerifyingSharesByID map[string]string     `json:"relayerVerifyingSharesById"`
	CoordinatorTranscript     string                 `json:"coordinatorTranscript"`
}

// SessionStore persists MpcSession/SigningSession with TTL and take-once
// (atomic get+delete) semantics, per spec.md §4.2.
type SessionStore struct {
	backend    kv.Store
	prefix     string
	mpcTTL     time.Duration
	signingTTL time.Duration
}

// NewSessionStore wraps backend with prefix (default
// "threshold-ed25519:session:"). mpcTTL/signingTTL default to 60s each
// per spec.md §4.2.
func NewSessionStore(backend kv.Store, prefix string, mpcTTL, signingTTL time.Duration) *SessionStore {
	if prefix == "" {
		prefix = "threshold-ed25519:session:"
	}
	if mpcTTL <= 0 {
		mpcTTL = 60 * time.Second
	}
	if signingTTL <= 0 {
		signingTTL = 60 * time.Second
	}
	return &SessionStore{
		backend:    backend,
		prefix:     prefix,
		mpcTTL:     mpcTTL,
		signingTTL: signingTTL,
	}
}

func (s *SessionStore) mpcKey(id string) string     { return s.prefix + "mpc:" + id }
func (s *SessionStore) signKey(id string) string    { return s.prefix + "sign:" + id }

// PutMpcSession stores sess under id with the configured MpcSession TTL.
func (s *SessionStore) PutMpcSession(ctx context.Context, id string, sess *MpcSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return errs.New(errs.Internal, "marshal mpc session: %v", err)
	}
	return s.backend.Set(ctx, s.mpcKey(id), raw, s.mpcTTL)
}

// TakeMpcSession atomically loads and deletes the MpcSession for id. Of N
// concurrent calls with the same id, exactly one succeeds; the rest observe
// ok=false with no error, which callers surface as errs.SessionConsumed.
func (s *SessionStore) TakeMpcSession(ctx context.Context, id string) (*MpcSession, bool, error) {
	raw, ok, err := s.backend.GetDel(ctx, s.mpcKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var sess MpcSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, false, nil
	}
	return &sess, true, nil
}

// PeekMpcSession loads without consuming, for diagnostics; nothing in the
// signing paths calls it, and they must use TakeMpcSession.
func (s *SessionStore) PeekMpcSession(ctx context.Context, id string) (*MpcSession, bool, error) {
	raw, ok, err := s.backend.Get(ctx, s.mpcKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var sess MpcSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, false, nil
	}
	return &sess, true, nil
}

// PutSigningSession stores sess under id with the configured SigningSession
// TTL.
func (s *SessionStore) PutSigningSession(ctx context.Context, id string, sess *SigningSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return errs.New(errs.Internal, "marshal signing session: %v", err)
	}
	return s.backend.Set(ctx, s.signKey(id), raw, s.signingTTL)
}

// TakeSigningSession atomically loads and deletes the SigningSession for id.
func (s *SessionStore) TakeSigningSession(ctx context.Context, id string) (*SigningSession, bool, error) {
	raw, ok, err := s.backend.GetDel(ctx, s.signKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var sess SigningSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, false, nil
	}
	return &sess, true, nil
}
