// Package signing implements the coordinator and cosigner roles of the
// two-round FROST-style Ed25519 threshold signing state machine (spec.md
// §4.6): preauthorize -> signInit -> signFinalize on the coordinator side,
// and cosign/init -> cosign/finalize on each cosigner. Session bookkeeping
// follows the teacher's original session-map-with-mutex pattern
// (SigningHandler/SigningSession in the teacher's original signing package, generalized from
// a single-process ECDSA simulation into a networked Ed25519 FROST flow).
package signing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tatchi-labs/threshold-signer/internal/b64url"
	"github.com/tatchi-labs/threshold-signer/internal/config"
	"github.com/tatchi-labs/threshold-signer/internal/coordinator"
	"github.com/tatchi-labs/threshold-signer/internal/ed25519mpc"
	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/grant"
	"github.com/tatchi-labs/threshold-signer/internal/store"
	"github.com/tatchi-labs/threshold-signer/internal/webauthn"
)

// Mode selects the 2-party legacy code path or the N-party cosigner-fleet
// path. spec.md §9 Open Question resolved: the two paths are kept separate
// rather than merged.
type Mode string

const (
	ModeLegacy Mode = "legacy"
	ModeFleet  Mode = "fleet"
)

// Service implements the coordinator role of ThresholdSigningService.
type Service struct {
	Mode Mode

	ClientParticipantID   int
	RelayerParticipantID  int
	Cosigners             []config.Cosigner
	Threshold             int

	Sessions  *store.SessionStore
	Verifier  webauthn.Verifier
	Transport *coordinator.Transport
	GrantSecret []byte

	// AuthSessions, when non-nil, lets Preauthorize mint a warm auth session
	// token on a fresh WebAuthn verification and honor one on a later call,
	// bounding how many MpcSessions a single verification may mint (spec.md
	// §2, §3 AuthSessionRecord, §4.2). Nil disables the feature: every
	// Preauthorize call requires a fresh WebAuthn verification.
	AuthSessions       *store.AuthSessionStore
	AuthSessionMaxUses int

	Logger *zap.Logger
}

// transcript is the structured content persisted in
// SigningSession.CoordinatorTranscript: which cosigners were selected in
// round 1, so round 2 calls exactly that set (spec.md §5: "round-2
// aggregation must follow the same cosigner set as round-1").
type transcript struct {
	SelectedCosignerIDs      []int  `json:"selectedCosignerIds"`
	ClientVerifyingShareB64u string `json:"clientVerifyingShareB64u"`
}

// PreauthorizeRequest binds a signing intent to a WebAuthn-verified action,
// or — when AuthSessionTokenID is set — to a warm auth session minted by an
// earlier Preauthorize call, skipping WebAuthn re-verification.
type PreauthorizeRequest struct {
	Intent                  webauthn.Intent
	ClientVerifyingShareB64u string
	AuthenticationResponse  []byte
	AuthSessionTokenID      string
}

// PreauthorizeResult is returned to the caller on success.
type PreauthorizeResult struct {
	MpcSessionID       string `json:"mpcSessionId"`
	SigningDigestB64u  string `json:"signingDigestB64u"`
	ExpiresAtMs        int64  `json:"expiresAtMs"`
	AuthSessionTokenID string `json:"authSessionTokenId,omitempty"`
}

// Preauthorize authorizes the signing intent either via a fresh WebAuthn
// verification or via ConsumeUse of an existing warm auth session, then
// writes a fresh MpcSession. On a fresh WebAuthn verification, when
// AuthSessions is configured and AuthSessionMaxUses > 1, it also mints a new
// AuthSessionRecord so the caller can mint additional MpcSessions against
// the same verification (spec.md §2, §3 AuthSessionRecord.consumeUse).
func (s *Service) Preauthorize(ctx context.Context, req PreauthorizeRequest, nowMs int64, mpcSessionTTL time.Duration) (*PreauthorizeResult, error) {
	var clientShare string
	authSessionTokenID := req.AuthSessionTokenID

	if authSessionTokenID != "" {
		if s.AuthSessions == nil {
			return nil, errs.New(errs.Unauthorized, "auth sessions are not enabled")
		}
		rec, err := s.AuthSessions.ConsumeUse(ctx, authSessionTokenID, nowMs)
		if err != nil {
			return nil, err
		}
		if rec.RelayerKeyID != req.Intent.RelayerKeyID || rec.UserID != req.Intent.UserID || rec.RpID != req.Intent.RpID {
			return nil, errs.New(errs.Mismatch, "auth session %s does not authorize this intent", authSessionTokenID)
		}
		clientShare = req.ClientVerifyingShareB64u
	} else {
		verified, err := s.Verifier.VerifyAuthentication(ctx, req.Intent, req.AuthenticationResponse)
		if err != nil {
			return nil, err
		}
		if !verified.Verified {
			return nil, errs.New(errs.Unauthorized, "webauthn verification failed")
		}
		clientShare = req.ClientVerifyingShareB64u
		if clientShare == "" {
			clientShare = verified.ClientVerifyingShareB64u
		}

		if s.AuthSessions != nil && s.AuthSessionMaxUses > 1 {
			authSessionTokenID = uuid.NewString()
			if err := s.AuthSessions.Put(ctx, &store.AuthSessionRecord{
				TokenID:          authSessionTokenID,
				RelayerKeyID:     req.Intent.RelayerKeyID,
				UserID:           req.Intent.UserID,
				RpID:             req.Intent.RpID,
				IntentDigestB64u: req.Intent.SigningDigestB64u,
				UsesRemaining:    s.AuthSessionMaxUses - 1,
				ExpiresAtMs:      nowMs + s.AuthSessions.TTL().Milliseconds(),
			}); err != nil {
				return nil, err
			}
		}
	}

	mpcSessionID := uuid.NewString()
	expiresAtMs := nowMs + mpcSessionTTL.Milliseconds()

	sess := &store.MpcSession{
		ExpiresAtMs:              expiresAtMs,
		RelayerKeyID:             req.Intent.RelayerKeyID,
		Purpose:                  req.Intent.Purpose,
		IntentDigestB64u:         "",
		SigningDigestB64u:        req.Intent.SigningDigestB64u,
		UserID:                   req.Intent.UserID,
		RpID:                     req.Intent.RpID,
		ClientVerifyingShareB64u: clientShare,
		ParticipantIDs:           s.participantIDs(),
	}
	if err := s.Sessions.PutMpcSession(ctx, mpcSessionID, sess); err != nil {
		return nil, err
	}

	s.Logger.Info("preauthorized signing intent",
		zap.String("mpc_session_id", mpcSessionID),
		zap.String("relayer_key_id", req.Intent.RelayerKeyID),
		zap.String("purpose", req.Intent.Purpose),
	)

	return &PreauthorizeResult{
		MpcSessionID:       mpcSessionID,
		SigningDigestB64u:  req.Intent.SigningDigestB64u,
		ExpiresAtMs:        expiresAtMs,
		AuthSessionTokenID: authSessionTokenID,
	}, nil
}

func (s *Service) participantIDs() []int {
	return []int{s.ClientParticipantID, s.RelayerParticipantID}
}

// SignInitRequest carries the client's round-1 commitments.
type SignInitRequest struct {
	MpcSessionID      string
	ClientCommitments store.Commitment
}

// SignInitResult is returned to the caller on success.
type SignInitResult struct {
	SigningSessionID           string                         `json:"signingSessionId"`
	ParticipantIDs             []int                          `json:"participantIds"`
	CommitmentsByID            map[string]store.Commitment    `json:"commitmentsById"`
	RelayerVerifyingSharesByID map[string]string              `json:"relayerVerifyingSharesById"`
}

// SignInit consumes the MpcSession (take-once), fans out round 1 to the
// configured cosigner(s), and writes a SigningSession.
func (s *Service) SignInit(ctx context.Context, req SignInitRequest, nowMs int64, signingSessionTTL time.Duration) (*SignInitResult, error) {
	if s.Mode == ModeLegacy && len(s.Cosigners) > 1 {
		return nil, errs.New(errs.MultiPartyNotSupported, "legacy signing path received %d cosigners, expected at most 1", len(s.Cosigners))
	}

	mpc, ok, err := s.Sessions.TakeMpcSession(ctx, req.MpcSessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.SessionConsumed, "mpc session %s already consumed or not found", req.MpcSessionID)
	}
	if mpc.ExpiresAtMs <= nowMs {
		return nil, errs.New(errs.SessionExpired, "mpc session %s expired", req.MpcSessionID)
	}

	mpcSnapshot, err := json.Marshal(mpc)
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal mpc session snapshot: %v", err)
	}

	signingSessionID := uuid.NewString()
	if _, err := parsePoint(req.ClientCommitments.Hiding); err != nil {
		return nil, err
	}
	if _, err := parsePoint(req.ClientCommitments.Binding); err != nil {
		return nil, err
	}

	mintRoundOne := func(cosignerID int) (string, error) {
		return grant.Mint(s.GrantSecret, grant.CosignerGrantPayload{
			Typ:              grant.TypeCosignerGrantV1,
			CosignerID:       cosignerID,
			MpcSessionID:     req.MpcSessionID,
			MpcSession:       mpcSnapshot,
			SigningSessionID: signingSessionID,
			IssuedAtMs:       nowMs,
		})
	}

	commitmentsByID := map[string]store.Commitment{
		fmt.Sprint(s.ClientParticipantID): req.ClientCommitments,
	}
	relayerVerifyingSharesByID := map[string]string{}
	var selectedCosignerIDs []int

	{
		if len(s.Cosigners) == 0 {
			return nil, errs.New(errs.ThresholdNotMet, "no cosigners configured")
		}
		results, err := s.Transport.SelectRoundOne(ctx, s.Cosigners, s.Threshold, mintRoundOne, coordinator.RoundOneRequest{
			SigningSessionID: signingSessionID,
			ClientCommitments: coordinator.CommitmentDTO{
				Hiding:  req.ClientCommitments.Hiding,
				Binding: req.ClientCommitments.Binding,
			},
		})
		if err != nil {
			return nil, err
		}

		hidings := make([]ed25519mpc.Point, 0, len(results))
		bindings := make([]ed25519mpc.Point, 0, len(results))
		verifyings := make([]ed25519mpc.Point, 0, len(results))
		seen := map[int]bool{}
		for _, r := range results {
			if seen[r.CosignerID] {
				return nil, errs.New(errs.DuplicateCosigner, "duplicate response from cosigner %d", r.CosignerID)
			}
			seen[r.CosignerID] = true
			selectedCosignerIDs = append(selectedCosignerIDs, r.CosignerID)

			h, err := parsePoint(r.Response.RelayerCommitments.Hiding)
			if err != nil {
				return nil, err
			}
			bd, err := parsePoint(r.Response.RelayerCommitments.Binding)
			if err != nil {
				return nil, err
			}
			vs, err := parsePoint(r.Response.RelayerVerifyingShareB64u)
			if err != nil {
				return nil, err
			}
			hidings = append(hidings, h)
			bindings = append(bindings, bd)
			verifyings = append(verifyings, vs)
		}

		combinedHiding := ed25519mpc.AddPoints(hidings)
		combinedBinding := ed25519mpc.AddPoints(bindings)
		combinedVerifying := ed25519mpc.AddPoints(verifyings)

		commitmentsByID[fmt.Sprint(s.RelayerParticipantID)] = store.Commitment{
			Hiding:  b64url.Encode(combinedHiding[:]),
			Binding: b64url.Encode(combinedBinding[:]),
		}
		relayerVerifyingSharesByID[fmt.Sprint(s.RelayerParticipantID)] = b64url.Encode(combinedVerifying[:])
	}

	tr, err := json.Marshal(transcript{
		SelectedCosignerIDs:      selectedCosignerIDs,
		ClientVerifyingShareB64u: mpc.ClientVerifyingShareB64u,
	})
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal transcript: %v", err)
	}

	signingSession := &store.SigningSession{
		ExpiresAtMs:                nowMs + signingSessionTTL.Milliseconds(),
		MpcSessionID:               req.MpcSessionID,
		RelayerKeyID:               mpc.RelayerKeyID,
		SigningDigestB64u:          mpc.SigningDigestB64u,
		ParticipantIDs:             mpc.ParticipantIDs,
		CommitmentsByID:            commitmentsByID,
		RelayerVerifyingSharesByID: relayerVerifyingSharesByID,
		CoordinatorTranscript:      string(tr),
	}
	if err := s.Sessions.PutSigningSession(ctx, signingSessionID, signingSession); err != nil {
		return nil, err
	}

	return &SignInitResult{
		SigningSessionID:           signingSessionID,
		ParticipantIDs:             mpc.ParticipantIDs,
		CommitmentsByID:            commitmentsByID,
		RelayerVerifyingSharesByID: relayerVerifyingSharesByID,
	}, nil
}

// SignFinalizeRequest carries the client's completed signature share.
type SignFinalizeRequest struct {
	SigningSessionID       string
	ClientSignatureShareB64u string
}

// SignFinalizeResult is returned to the caller on success.
type SignFinalizeResult struct {
	SignatureB64u              string            `json:"signature"`
	RelayerSignatureSharesByID map[string]string `json:"relayerSignatureSharesById"`
}

// SignFinalize consumes the SigningSession (take-once), fans out round 2 to
// the exact cosigner set selected in round 1, sums scalar shares mod ℓ,
// assembles and verifies the final signature.
func (s *Service) SignFinalize(ctx context.Context, req SignFinalizeRequest, nowMs int64) (*SignFinalizeResult, error) {
	sess, ok, err := s.Sessions.TakeSigningSession(ctx, req.SigningSessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.SessionConsumed, "signing session %s already consumed or not found", req.SigningSessionID)
	}
	if sess.ExpiresAtMs <= nowMs {
		return nil, errs.New(errs.SessionExpired, "signing session %s expired", req.SigningSessionID)
	}

	clientShare, err := parseScalar(req.ClientSignatureShareB64u)
	if err != nil {
		return nil, err
	}

	relayerSharesByID := map[string]string{}
	allShares := []ed25519mpc.Scalar{clientShare}

	var tr transcript
	if err := json.Unmarshal([]byte(sess.CoordinatorTranscript), &tr); err != nil {
		return nil, errs.New(errs.Internal, "malformed coordinator transcript: %v", err)
	}
	selected := make([]config.Cosigner, 0, len(tr.SelectedCosignerIDs))
	for _, id := range tr.SelectedCosignerIDs {
		for _, c := range s.Cosigners {
			if c.CosignerID == id {
				selected = append(selected, c)
			}
		}
	}
	if len(s.Cosigners) > 0 && len(selected) == 0 {
		return nil, errs.New(errs.Internal, "signing session has no cosigners selected from round 1")
	}

	combinedR, err := combinedCommitment(sess.CommitmentsByID)
	if err != nil {
		return nil, err
	}
	clientVerifying, err := parsePoint(tr.ClientVerifyingShareB64u)
	if err != nil {
		return nil, err
	}
	relayerVerifying, err := parsePoint(sess.RelayerVerifyingSharesByID[fmt.Sprint(s.RelayerParticipantID)])
	if err != nil {
		return nil, err
	}
	groupPublicKey := ed25519mpc.AddPoints([]ed25519mpc.Point{clientVerifying, relayerVerifying})

	mintRoundTwo := func(cosignerID int) (string, error) {
		return grant.Mint(s.GrantSecret, grant.CosignerGrantPayload{
			Typ:              grant.TypeCosignerGrantV1,
			CosignerID:       cosignerID,
			SigningSessionID: req.SigningSessionID,
			IssuedAtMs:       nowMs,
		})
	}
	results, err := s.Transport.RoundTwo(ctx, selected, mintRoundTwo, coordinator.RoundTwoRequest{
		SigningSessionID: req.SigningSessionID,
		CosignerIDs:      tr.SelectedCosignerIDs,
		RelayerCommitments: coordinator.CommitmentDTO{
			Hiding:  b64url.Encode(combinedR[:]),
			Binding: b64url.Encode(combinedR[:]),
		},
		GroupPublicKey: b64url.Encode(groupPublicKey[:]),
	})
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		share, err := parseScalar(r.Response.RelayerSignatureShareB64u)
		if err != nil {
			return nil, err
		}
		allShares = append(allShares, share)
		relayerSharesByID[fmt.Sprint(r.CosignerID)] = r.Response.RelayerSignatureShareB64u
	}

	combinedS := ed25519mpc.AddScalars(allShares)
	signature := ed25519mpc.AssembleSignature(combinedR, combinedS)

	digest, err := b64url.Decode(sess.SigningDigestB64u)
	if err != nil {
		return nil, errs.New(errs.CommitmentInvalid, "malformed signing digest")
	}
	if !ed25519mpc.Verify(groupPublicKey, digest, signature) {
		return nil, errs.New(errs.InvalidSignature, "combined signature failed verification")
	}

	s.Logger.Info("signing finalized",
		zap.String("signing_session_id", req.SigningSessionID),
		zap.Int("cosigner_count", len(results)),
	)

	return &SignFinalizeResult{
		SignatureB64u:              b64url.Encode(signature),
		RelayerSignatureSharesByID: relayerSharesByID,
	}, nil
}

func combinedCommitment(commitmentsByID map[string]store.Commitment) (ed25519mpc.Point, error) {
	hidings := make([]ed25519mpc.Point, 0, len(commitmentsByID))
	bindings := make([]ed25519mpc.Point, 0, len(commitmentsByID))
	for _, c := range commitmentsByID {
		h, err := parsePoint(c.Hiding)
		if err != nil {
			return ed25519mpc.Point{}, err
		}
		b, err := parsePoint(c.Binding)
		if err != nil {
			return ed25519mpc.Point{}, err
		}
		hidings = append(hidings, h)
		bindings = append(bindings, b)
	}
	rHiding := ed25519mpc.AddPoints(hidings)
	rBinding := ed25519mpc.AddPoints(bindings)
	return ed25519mpc.AddPoints([]ed25519mpc.Point{rHiding, rBinding}), nil
}

func parsePoint(b64 string) (ed25519mpc.Point, error) {
	raw, err := b64url.Decode(b64)
	if err != nil {
		return ed25519mpc.Point{}, errs.New(errs.CommitmentInvalid, "malformed base64url commitment")
	}
	return ed25519mpc.ParsePoint(raw)
}

func parseScalar(b64 string) (ed25519mpc.Scalar, error) {
	raw, err := b64url.Decode(b64)
	if err != nil {
		return ed25519mpc.Scalar{}, errs.New(errs.ScalarOutOfRange, "malformed base64url scalar")
	}
	return ed25519mpc.ParseScalar(raw)
}
