// Package errs defines the error code taxonomy shared across the service.
package errs

import "fmt"

// Code is a stable string error code surfaced to clients.
type Code string

const (
	// Validation
	InvalidBody      Code = "invalid_body"
	InvalidAccountID  Code = "invalid_account_id"
	InvalidKeyFormat Code = "invalid_key_format"

	// Auth
	Unauthorized     Code = "unauthorized"
	SessionConsumed  Code = "session_consumed"
	SessionExpired   Code = "session_expired"
	InvalidGrant     Code = "invalid_grant"

	// State
	MissingKey        Code = "missing_key"
	UnknownKeyID      Code = "unknown_key_id"
	Mismatch          Code = "mismatch"
	AccountExists     Code = "account_exists"
	RefAccountMissing Code = "ref_account_missing"

	// Policy
	MultiPartyNotSupported Code = "multi_party_not_supported"
	ThresholdNotMet        Code = "threshold_not_met"
	ShamirDisabled         Code = "shamir_disabled"
	DuplicateCosigner      Code = "duplicate_cosigner"

	// Transport
	BackendUnavailable Code = "backend_unavailable"
	PeerInitFailed     Code = "peer_init_failed"
	PeerFinalizeFailed Code = "peer_finalize_failed"
	Timeout            Code = "timeout"

	// Cryptographic
	InvalidSignature  Code = "invalid_signature"
	CommitmentInvalid Code = "commitment_invalid"
	ScalarOutOfRange  Code = "scalar_out_of_range"

	// Chain
	ContractError        Code = "contract_error"
	InsufficientStake    Code = "insufficient_stake"
	InsufficientBalance  Code = "insufficient_balance"

	// Fallback
	Internal Code = "internal"
)

// httpStatus maps each code to the status class spec.md §7 requires.
// WithStatus can override the status for a single error, but no call site
// does, so every code is reported with the status in this table; in
// particular cryptographic codes get their 4xx entry even when the bad value
// came from a cosigner rather than the client.
var httpStatus = map[Code]int{
	InvalidBody:            400,
	InvalidAccountID:       400,
	InvalidKeyFormat:       400,
	Unauthorized:           401,
	SessionConsumed:        409,
	SessionExpired:         410,
	InvalidGrant:           401,
	MissingKey:             404,
	UnknownKeyID:           404,
	Mismatch:               409,
	AccountExists:          409,
	RefAccountMissing:      404,
	MultiPartyNotSupported: 400,
	ThresholdNotMet:        503,
	ShamirDisabled:         503,
	DuplicateCosigner:      400,
	BackendUnavailable:     503,
	PeerInitFailed:         502,
	PeerFinalizeFailed:     502,
	Timeout:                504,
	InvalidSignature:       400,
	CommitmentInvalid:      400,
	ScalarOutOfRange:       400,
	ContractError:          502,
	InsufficientStake:      402,
	InsufficientBalance:    402,
	Internal:               500,
}

// E is the error envelope returned to callers: {ok: false, code, message, details?}.
type E struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
}

func (e *E) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an E with the default status for its code.
func New(code Code, format string, args ...any) *E {
	return &E{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: statusFor(code),
	}
}

// WithStatus overrides the default HTTP status (used for cryptographic
// codes whose class depends on which side produced the bad input).
func (e *E) WithStatus(status int) *E {
	e.HTTPStatus = status
	return e
}

// WithDetails attaches non-secret diagnostic details.
func (e *E) WithDetails(details map[string]any) *E {
	e.Details = details
	return e
}

func statusFor(code Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return 500
}

// As extracts an *E from err, if any.
func As(err error) (*E, bool) {
	e, ok := err.(*E)
	return e, ok
}

// Fatal reports whether a code is fatal per spec.md §7: the request must
// abort immediately rather than retry.
func Fatal(code Code) bool {
	switch code {
	case InvalidSignature, Unauthorized, AccountExists:
		return true
	default:
		return false
	}
}
