// Package grant mints and verifies coordinatorGrant tokens: HMAC-authenticated,
// single-purpose bearer tokens coordinators present to cosigners. Grounded on
// the teacher's own bearer-token/shared-secret pattern in cmd/signer/main.go
// (API-key header check) generalized to an HMAC'd, typed JSON payload.
package grant

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"

	"github.com/tatchi-labs/threshold-signer/internal/b64url"
	"github.com/tatchi-labs/threshold-signer/internal/errs"
)

// PayloadType strictly selects the RPC kind a grant authorizes.
type PayloadType string

const (
	// TypeCosignerGrantV1 authorizes an N-party fleet round (/cosign/*).
	TypeCosignerGrantV1 PayloadType = "cosigner_grant_v1"
	// TypeCoordinatorGrantV1 is the earlier 2-party legacy grant.
	TypeCoordinatorGrantV1 PayloadType = "coordinator_grant_v1"
)

// CosignerGrantPayload authorizes one cosigner for one signing session.
type CosignerGrantPayload struct {
	Typ              PayloadType     `json:"typ"`
	CosignerID       int             `json:"cosignerId"`
	MpcSessionID     string          `json:"mpcSessionId"`
	MpcSession       json.RawMessage `json:"mpcSession"`
	SigningSessionID string          `json:"signingSessionId"`
	IssuedAtMs       int64           `json:"issuedAtMs"`
}

// CoordinatorGrantPayload is the earlier 2-party legacy payload shape.
type CoordinatorGrantPayload struct {
	Typ          PayloadType     `json:"typ"`
	MpcSessionID string          `json:"mpcSessionId"`
	MpcSession   json.RawMessage `json:"mpcSession"`
	IssuedAtMs   int64           `json:"issuedAtMs"`
}

// Mint produces token = b64u(payloadJSON) "." b64u(HMAC_SHA256(secret, payloadJSON)).
// Signing over the exact marshaled bytes is required — the MAC covers the
// bytes sent, not a canonicalized re-encoding (spec.md §6: "MAC is over the
// exact bytes sent").
func Mint(secret []byte, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errs.New(errs.Internal, "marshal grant payload: %v", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	sig := mac.Sum(nil)
	return b64url.Encode(raw) + "." + b64url.Encode(sig), nil
}

// Verify checks the MAC over a grant token and returns the raw payload
// bytes, still undecoded (callers unmarshal into the concrete payload type
// they expect and check Typ themselves). Uses constant-time comparison per
// spec.md §4.5.
func Verify(secret []byte, token string) (payloadRaw []byte, err error) {
	parts := splitOnce(token, '.')
	if parts == nil {
		return nil, errs.New(errs.InvalidGrant, "malformed grant token")
	}
	payloadRaw, err = b64url.Decode(parts[0])
	if err != nil {
		return nil, errs.New(errs.InvalidGrant, "malformed grant payload encoding")
	}
	sig, err := b64url.Decode(parts[1])
	if err != nil {
		return nil, errs.New(errs.InvalidGrant, "malformed grant signature encoding")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payloadRaw)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, sig) {
		return nil, errs.New(errs.InvalidGrant, "grant signature mismatch")
	}
	return payloadRaw, nil
}

// VerifyTyped verifies the token and decodes it as wantType, rejecting a
// mismatched typ tag outright per spec.md §4.5.
func VerifyTyped(secret []byte, token string, wantType PayloadType, out any) error {
	raw, err := Verify(secret, token)
	if err != nil {
		return err
	}
	var typed struct {
		Typ PayloadType `json:"typ"`
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return errs.New(errs.InvalidGrant, "malformed grant payload json")
	}
	if typed.Typ != wantType {
		return errs.New(errs.InvalidGrant, "grant typ %q does not match expected %q", typed.Typ, wantType)
	}
	return json.Unmarshal(raw, out)
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return nil
}
