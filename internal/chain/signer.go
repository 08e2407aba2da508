package chain

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
)

// Signer produces an ed25519 signature over a transaction digest. An
// external signer can be injected in place of Ed25519Signer (spec.md §4.7:
// "signed ... via an external signer") — this service's own production
// path always uses Ed25519Signer over the configured relayer private key.
type Signer interface {
	Sign(digest []byte) ([64]byte, error)
	PublicKey() PublicKey
}

// Ed25519Signer signs directly with a NEAR-formatted ed25519 private key.
type Ed25519Signer struct {
	key PrivateKey
}

// NewEd25519Signer wraps a parsed relayer private key.
func NewEd25519Signer(key PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

func (s *Ed25519Signer) Sign(digest []byte) ([64]byte, error) {
	var out [64]byte
	sig := ed25519.Sign(ed25519.PrivateKey(s.key.Bytes[:]), digest)
	if len(sig) != 64 {
		return out, errs.New(errs.Internal, "unexpected ed25519 signature length %d", len(sig))
	}
	copy(out[:], sig)
	return out, nil
}

func (s *Ed25519Signer) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk.Bytes[:], s.key.Bytes[32:])
	return pk
}

// SignTransaction encodes tx, hashes it, signs the digest, and returns the
// ready-to-broadcast SignedTransaction.
func SignTransaction(signer Signer, tx Transaction) (SignedTransaction, error) {
	raw, err := tx.Encode()
	if err != nil {
		return SignedTransaction{}, err
	}
	digest := sha256.Sum256(raw)
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return SignedTransaction{}, err
	}
	return SignedTransaction{TxBytes: raw, Signature: sig}, nil
}
