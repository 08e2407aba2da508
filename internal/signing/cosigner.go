package signing

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/tatchi-labs/threshold-signer/internal/b64url"
	"github.com/tatchi-labs/threshold-signer/internal/coordinator"
	"github.com/tatchi-labs/threshold-signer/internal/ed25519mpc"
	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/grant"
	"github.com/tatchi-labs/threshold-signer/internal/keygen"
	"github.com/tatchi-labs/threshold-signer/internal/store"
)

// pendingRound1 is the ephemeral nonce state a cosigner carries between
// cosign/init and cosign/finalize for one signing session. A cosigner is a
// single process, so this lives in memory rather than in the shared kv
// store (spec.md §4.6: "cosigners hold their own share and nonces; never
// the coordinator").
type pendingRound1 struct {
	SigningShare      ed25519mpc.Scalar
	HidingNonce       ed25519mpc.Scalar
	BindingNonce      ed25519mpc.Scalar
	SigningDigestB64u string
}

// CosignerService implements the cosigner role: it resolves its own
// relayer share via a keygen.Strategy, generates ephemeral round-1 nonces,
// and produces a round-2 partial signature. It never touches the
// coordinator's relayer share.
type CosignerService struct {
	CosignerID  int
	Keygen      *keygen.Strategy
	GrantSecret []byte
	Logger      *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingRound1
}

// NewCosignerService builds a CosignerService ready to serve requests.
func NewCosignerService(cosignerID int, keygen *keygen.Strategy, grantSecret []byte, logger *zap.Logger) *CosignerService {
	return &CosignerService{
		CosignerID:  cosignerID,
		Keygen:      keygen,
		GrantSecret: grantSecret,
		Logger:      logger,
		pending:     map[string]*pendingRound1{},
	}
}

// HandleCosignInit verifies the coordinator's grant, resolves this
// cosigner's relayer share for the signing intent's relayerKeyId, and
// returns a fresh round-1 commitment pair.
func (c *CosignerService) HandleCosignInit(ctx context.Context, req coordinator.RoundOneRequest) (coordinator.RoundOneResponse, error) {
	var zero coordinator.RoundOneResponse

	var payload grant.CosignerGrantPayload
	if err := grant.VerifyTyped(c.GrantSecret, req.CoordinatorGrant, grant.TypeCosignerGrantV1, &payload); err != nil {
		return zero, err
	}
	if payload.CosignerID != c.CosignerID {
		return zero, errs.New(errs.Unauthorized, "grant issued for cosigner %d, this is cosigner %d", payload.CosignerID, c.CosignerID)
	}
	if payload.SigningSessionID != req.SigningSessionID {
		return zero, errs.New(errs.InvalidGrant, "grant signing session does not match request")
	}

	var mpc store.MpcSession
	if err := json.Unmarshal(payload.MpcSession, &mpc); err != nil {
		return zero, errs.New(errs.InvalidGrant, "malformed mpc session snapshot: %v", err)
	}

	resolved, err := c.Keygen.Resolve(ctx, mpc.RelayerKeyID, keygen.DerivationInput{
		NearAccountID:            mpc.UserID,
		RpID:                     mpc.RpID,
		ClientVerifyingShareB64u: mpc.ClientVerifyingShareB64u,
	})
	if err != nil {
		return zero, err
	}

	hidingNonce, err := ed25519mpc.RandomScalar()
	if err != nil {
		return zero, errs.New(errs.Internal, "generate hiding nonce: %v", err)
	}
	bindingNonce, err := ed25519mpc.RandomScalar()
	if err != nil {
		return zero, errs.New(errs.Internal, "generate binding nonce: %v", err)
	}
	hidingPoint := ed25519mpc.ScalarBaseMult(hidingNonce)
	bindingPoint := ed25519mpc.ScalarBaseMult(bindingNonce)

	c.mu.Lock()
	c.pending[req.SigningSessionID] = &pendingRound1{
		SigningShare:      resolved.SigningShare,
		HidingNonce:       hidingNonce,
		BindingNonce:      bindingNonce,
		SigningDigestB64u: mpc.SigningDigestB64u,
	}
	c.mu.Unlock()

	c.Logger.Info("cosign round 1",
		zap.Int("cosigner_id", c.CosignerID),
		zap.String("signing_session_id", req.SigningSessionID),
		zap.String("relayer_key_id", mpc.RelayerKeyID),
	)

	return coordinator.RoundOneResponse{
		RelayerCommitments: coordinator.CommitmentDTO{
			Hiding:  b64url.Encode(hidingPoint[:]),
			Binding: b64url.Encode(bindingPoint[:]),
		},
		RelayerVerifyingShareB64u: resolved.RelayerVerifyingShareB64u,
	}, nil
}

// HandleCosignFinalize verifies the coordinator's round-2 grant, consumes
// the round-1 nonce state for this signing session exactly once, and
// returns this cosigner's partial signature share.
func (c *CosignerService) HandleCosignFinalize(ctx context.Context, req coordinator.RoundTwoRequest) (coordinator.RoundTwoResponse, error) {
	var zero coordinator.RoundTwoResponse

	var payload grant.CosignerGrantPayload
	if err := grant.VerifyTyped(c.GrantSecret, req.CoordinatorGrant, grant.TypeCosignerGrantV1, &payload); err != nil {
		return zero, err
	}
	if payload.CosignerID != c.CosignerID {
		return zero, errs.New(errs.Unauthorized, "grant issued for cosigner %d, this is cosigner %d", payload.CosignerID, c.CosignerID)
	}
	if payload.SigningSessionID != req.SigningSessionID {
		return zero, errs.New(errs.InvalidGrant, "grant signing session does not match request")
	}

	c.mu.Lock()
	pending, ok := c.pending[req.SigningSessionID]
	if ok {
		delete(c.pending, req.SigningSessionID)
	}
	c.mu.Unlock()
	if !ok {
		return zero, errs.New(errs.SessionConsumed, "no round-1 state for signing session %s", req.SigningSessionID)
	}

	rTotal, err := parsePoint(req.RelayerCommitments.Hiding)
	if err != nil {
		return zero, err
	}
	groupPublicKey, err := parsePoint(req.GroupPublicKey)
	if err != nil {
		return zero, err
	}
	digest, err := b64url.Decode(pending.SigningDigestB64u)
	if err != nil {
		return zero, errs.New(errs.CommitmentInvalid, "malformed signing digest")
	}

	challenge := ed25519mpc.Challenge(rTotal, groupPublicKey, digest)
	share := ed25519mpc.PartialSign(pending.HidingNonce, pending.BindingNonce, pending.SigningShare, challenge)

	c.Logger.Info("cosign round 2",
		zap.Int("cosigner_id", c.CosignerID),
		zap.String("signing_session_id", req.SigningSessionID),
	)

	return coordinator.RoundTwoResponse{
		RelayerSignatureShareB64u: b64url.Encode(share[:]),
	}, nil
}
