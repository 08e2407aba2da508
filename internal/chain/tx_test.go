package chain

import (
	"bytes"
	"testing"
)

func TestTransactionEncodeIsDeterministic(t *testing.T) {
	tx := Transaction{
		SignerID:   "relayer.near",
		PublicKey:  PublicKey{Bytes: [32]byte{1, 2, 3}},
		Nonce:      42,
		ReceiverID: "contract.near",
		BlockHash:  [32]byte{9, 9, 9},
		Action: FunctionCallAction{
			MethodName:   "create_account_and_register_user",
			Args:         []byte(`{"new_account_id":"alice.near"}`),
			Gas:          100_000_000_000_000,
			DepositYocto: "1000000000000000000000",
		},
	}
	a, err := tx.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := tx.Encode()
	if err != nil {
		t.Fatalf("Encode (again): %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical encodings for identical transactions")
	}

	other := tx
	other.Nonce = 43
	c, err := other.Encode()
	if err != nil {
		t.Fatalf("Encode (other nonce): %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatal("expected different encodings for different nonces")
	}
}

func TestDecimalToUint128LE(t *testing.T) {
	cases := []struct {
		decimal string
		want    uint64 // expected low 8 bytes; only those are compared, so the last case is taken mod 2^64
	}{
		{"0", 0},
		{"1", 1},
		{"255", 255},
		{"1000000000000000000000", 1000000000000000000000 % (1 << 64)},
	}
	for _, tc := range cases {
		out, err := decimalToUint128LE(tc.decimal)
		if err != nil {
			t.Fatalf("decimalToUint128LE(%q): %v", tc.decimal, err)
		}
		var low uint64
		for i := 7; i >= 0; i-- {
			low = low<<8 | uint64(out[i])
		}
		if low != tc.want {
			t.Errorf("decimalToUint128LE(%q) low64 = %d, want %d", tc.decimal, low, tc.want)
		}
	}
}

func TestDecimalToUint128LERejectsNonDigits(t *testing.T) {
	if _, err := decimalToUint128LE("12a"); err == nil {
		t.Fatal("expected an error for a non-decimal string")
	}
}

func TestParsePublicKeyRoundTrips(t *testing.T) {
	pk := PublicKey{Bytes: [32]byte{1, 2, 3, 4, 5}}
	encoded := FormatPublicKey(pk)
	parsed, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed != pk {
		t.Fatalf("round trip mismatch: got %v, want %v", parsed, pk)
	}
}

func TestParsePublicKeyRejectsMissingPrefix(t *testing.T) {
	if _, err := ParsePublicKey("deadbeef"); err == nil {
		t.Fatal("expected an error for a key missing the ed25519: prefix")
	}
}
