// jwt.go replaces spec.md §4.7's placeholder session-credential signer
// with a real one, built on github.com/lestrrat-go/jwx/v3, configurable as
// either HMAC (HS256, a shared secret) or asymmetric (EdDSA, an Ed25519
// keypair) — the two options spec.md §9 names as the required production
// replacement.
package auth

import (
	"crypto/ed25519"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
)

// SessionCredentialSigner mints the three-part base64url JWT
// verifyAuthenticationResponse returns on success.
type SessionCredentialSigner interface {
	Sign(userID, issuer string, issuedAt time.Time) (string, error)
}

// HMACSigner signs with HS256 over a shared secret.
type HMACSigner struct {
	Secret []byte
}

func (s *HMACSigner) Sign(userID, issuer string, issuedAt time.Time) (string, error) {
	return signToken(userID, issuer, issuedAt, jwa.HS256(), s.Secret)
}

// EdDSASigner signs with EdDSA over an Ed25519 keypair, letting a
// deployment reuse the same relayer key material for session credentials
// instead of provisioning a separate HMAC secret.
type EdDSASigner struct {
	PrivateKey ed25519.PrivateKey
}

func (s *EdDSASigner) Sign(userID, issuer string, issuedAt time.Time) (string, error) {
	return signToken(userID, issuer, issuedAt, jwa.EdDSA(), s.PrivateKey)
}

// sessionCredentialTTL is spec.md §4.7's fixed JWT lifetime: "exp = iat + 24h".
const sessionCredentialTTL = 24 * time.Hour

func signToken(userID, issuer string, issuedAt time.Time, alg jwa.SignatureAlgorithm, key any) (string, error) {
	tok, err := jwt.NewBuilder().
		Subject(userID).
		Issuer(issuer).
		IssuedAt(issuedAt).
		Expiration(issuedAt.Add(sessionCredentialTTL)).
		Build()
	if err != nil {
		return "", errs.New(errs.Internal, "build session credential: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, key))
	if err != nil {
		return "", errs.New(errs.Internal, "sign session credential: %v", err)
	}
	return string(signed), nil
}

// VerifySessionCredential parses and validates a token minted by one of the
// signers above, returning the bound userId.
func VerifySessionCredential(token string, alg jwa.SignatureAlgorithm, key any) (userID string, err error) {
	tok, err := jwt.Parse([]byte(token), jwt.WithKey(alg, key))
	if err != nil {
		return "", errs.New(errs.Unauthorized, "invalid session credential: %v", err)
	}
	return tok.Subject(), nil
}
