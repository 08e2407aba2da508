// Package chain implements the narrow NEAR surface this service needs:
// access-key/account view, final-block lookup, canonical transaction
// encoding and signing, and broadcast-and-wait outcome parsing. Scope is
// exactly spec.md §1: no indexer, no wallet UI, no general-purpose RPC
// client.
package chain

import (
	"encoding/binary"

	"github.com/mr-tron/base58"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
)

// PublicKey is a parsed "ed25519:<base58>" NEAR key.
type PublicKey struct {
	Bytes [32]byte
}

// ParsePublicKey decodes the "ed25519:<base58>" wire format NEAR uses for
// both account public keys and the configured relayer key.
func ParsePublicKey(s string) (PublicKey, error) {
	const prefix = "ed25519:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return PublicKey{}, errs.New(errs.InvalidKeyFormat, "public key must be ed25519:<base58>, got %q", s)
	}
	raw, err := base58.Decode(s[len(prefix):])
	if err != nil {
		return PublicKey{}, errs.New(errs.InvalidKeyFormat, "malformed base58 public key: %v", err)
	}
	if len(raw) != 32 {
		return PublicKey{}, errs.New(errs.InvalidKeyFormat, "public key must be 32 bytes, got %d", len(raw))
	}
	var pk PublicKey
	copy(pk.Bytes[:], raw)
	return pk, nil
}

// FormatPublicKey re-encodes a PublicKey into "ed25519:<base58>".
func FormatPublicKey(pk PublicKey) string {
	return "ed25519:" + base58.Encode(pk.Bytes[:])
}

// PrivateKey is a parsed "ed25519:<base58>" NEAR private key: 64 bytes,
// seed || public key, the stdlib crypto/ed25519 convention.
type PrivateKey struct {
	Bytes [64]byte
}

// ParsePrivateKey decodes a NEAR-formatted ed25519 private key.
func ParsePrivateKey(s string) (PrivateKey, error) {
	const prefix = "ed25519:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return PrivateKey{}, errs.New(errs.InvalidKeyFormat, "private key must be ed25519:<base58>")
	}
	raw, err := base58.Decode(s[len(prefix):])
	if err != nil {
		return PrivateKey{}, errs.New(errs.InvalidKeyFormat, "malformed base58 private key: %v", err)
	}
	if len(raw) != 64 {
		return PrivateKey{}, errs.New(errs.InvalidKeyFormat, "private key must be 64 bytes, got %d", len(raw))
	}
	var pk PrivateKey
	copy(pk.Bytes[:], raw)
	return pk, nil
}

// FunctionCallAction is the only NEAR action kind this service ever builds:
// a single contract method call carrying a JSON-encoded args payload.
type FunctionCallAction struct {
	MethodName string
	Args       []byte
	Gas        uint64 // raw gas units (1 Tgas = 10^12 gas)
	DepositYocto string // decimal yocto-NEAR string, may exceed uint64
}

// Transaction is the subset of a NEAR Transaction this service ever builds:
// exactly one FunctionCall action against a fixed receiver.
type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Action     FunctionCallAction
}

// borshWriter accumulates a NEAR/Borsh little-endian binary encoding.
type borshWriter struct {
	buf []byte
}

func (w *borshWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *borshWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *borshWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// u128 encodes a decimal yocto-NEAR amount as a little-endian 16-byte
// unsigned integer, the encoding NEAR's Balance/Gas-adjacent u128 fields
// use on the wire.
func (w *borshWriter) u128(decimal string) error {
	n, err := decimalToUint128LE(decimal)
	if err != nil {
		return err
	}
	w.buf = append(w.buf, n[:]...)
	return nil
}

func (w *borshWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *borshWriter) str(s string) { w.bytes([]byte(s)) }

func (w *borshWriter) fixed(b []byte) { w.buf = append(w.buf, b...) }

// publicKey writes NEAR's CurveType-tagged public key encoding: a
// single-byte discriminant (0 = ED25519) followed by the 32-byte key.
func (w *borshWriter) publicKey(pk PublicKey) {
	w.u8(0)
	w.fixed(pk.Bytes[:])
}

// functionCallAction writes a NEAR Action::FunctionCall variant: the Action
// enum discriminant (2), then method_name, args, gas, deposit.
func (w *borshWriter) functionCallAction(a FunctionCallAction) error {
	w.u8(2)
	w.str(a.MethodName)
	w.bytes(a.Args)
	w.u64(a.Gas)
	return w.u128(a.DepositYocto)
}

// Encode produces the canonical Borsh byte encoding of tx, the exact bytes
// whose SHA-256 digest the relayer key signs (spec.md §4.7: "the signature
// covers (signerAccountId, receiverId, nonce, blockHash, actions) in the
// canonical binary encoding required by the chain").
func (tx Transaction) Encode() ([]byte, error) {
	w := &borshWriter{}
	w.str(tx.SignerID)
	w.publicKey(tx.PublicKey)
	w.u64(tx.Nonce)
	w.str(tx.ReceiverID)
	w.fixed(tx.BlockHash[:])
	w.u32(1) // actions: Vec<Action> of length 1
	if err := w.functionCallAction(tx.Action); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// SignedTransaction pairs an encoded Transaction with its ed25519
// signature, ready to broadcast.
type SignedTransaction struct {
	TxBytes   []byte
	Signature [64]byte
}

// Encode produces the wire bytes NEAR's broadcast_tx_commit RPC expects:
// the transaction bytes followed by the signature's CurveType discriminant
// and 64 raw bytes.
func (s SignedTransaction) Encode() []byte {
	out := make([]byte, 0, len(s.TxBytes)+1+64)
	out = append(out, s.TxBytes...)
	out = append(out, 0) // ED25519 discriminant
	out = append(out, s.Signature[:]...)
	return out
}

// decimalToUint128LE parses a non-negative base-10 string into a
// little-endian 16-byte unsigned integer.
func decimalToUint128LE(decimal string) ([16]byte, error) {
	var out [16]byte
	if decimal == "" {
		return out, nil
	}
	acc := make([]byte, 16) // big-endian accumulator
	for _, c := range decimal {
		if c < '0' || c > '9' {
			return out, errs.New(errs.InvalidBody, "malformed decimal amount %q", decimal)
		}
		digit := uint32(c - '0')
		carry := digit
		for i := len(acc) - 1; i >= 0; i-- {
			v := uint32(acc[i])*10 + carry
			acc[i] = byte(v & 0xff)
			carry = v >> 8
		}
		if carry != 0 {
			return out, errs.New(errs.InvalidBody, "decimal amount %q overflows u128", decimal)
		}
	}
	// acc is big-endian; Borsh/NEAR wants little-endian.
	for i := 0; i < 16; i++ {
		out[i] = acc[15-i]
	}
	return out, nil
}
