// Package b64url centralizes the strict, unpadded base64url encoding spec.md
// §4.6 requires everywhere ("base64url decoding is strict (no padding)").
package b64url

import "encoding/base64"

// Encode returns the unpadded base64url encoding of b.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode strictly decodes unpadded base64url, rejecting padded input.
func Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
