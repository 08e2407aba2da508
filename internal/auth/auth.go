// Package auth implements AuthService: the atomic account-creation +
// WebAuthn-registration transaction pipeline (spec.md §4.7), its
// verifyAuthenticationResponse companion, and the Shamir bridge handlers
// that expose a shamir.Engine over HTTP. Grounded on the teacher's
// signing.Service for the shape of a stateless request/response service
// wrapping external collaborators (chain client, signer, queue, session
// credential signer) behind a single struct.
package auth

import (
	"context"
	"encoding/json"
	"math/big"
	"regexp"
	"time"

	"github.com/tatchi-labs/threshold-signer/internal/b64url"
	"github.com/tatchi-labs/threshold-signer/internal/chain"
	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/shamir"
	"github.com/tatchi-labs/threshold-signer/internal/txqueue"
)

var accountIDPattern = regexp.MustCompile(`^[a-z0-9_.-]{2,64}$`)

// CreateAccountAndRegisterRequest is the input to createAccountAndRegisterUser,
// field-for-field per spec.md §4.7.
type CreateAccountAndRegisterRequest struct {
	NewAccountID             string          `json:"new_account_id"`
	NewPublicKey             string          `json:"new_public_key"`
	VRFData                  json.RawMessage `json:"vrf_data"`
	WebAuthnRegistration     json.RawMessage `json:"webauthn_registration"`
	DeterministicVRFPublicKey string         `json:"deterministic_vrf_public_key"`
	AuthenticatorOptions     json.RawMessage `json:"authenticator_options,omitempty"`
}

// CreateAccountAndRegisterResult is returned on success.
type CreateAccountAndRegisterResult struct {
	TransactionHash string `json:"transactionHash"`
	Message         string `json:"message"`
	ContractResult  string `json:"contractResult"`
}

// VerifyAuthenticationRequest is the input to verifyAuthenticationResponse.
type VerifyAuthenticationRequest struct {
	UserID                 string          `json:"userId"`
	AuthenticationResponse json.RawMessage `json:"authentication_response"`
}

// VerifyAuthenticationResult mirrors spec.md §4.7's
// `{ verified, sessionCredential?, jwt? }`. SessionCredential and JWT carry
// the same token; both fields are populated for compatibility with either
// name a caller expects.
type VerifyAuthenticationResult struct {
	Verified         bool   `json:"verified"`
	SessionCredential string `json:"sessionCredential,omitempty"`
	JWT              string `json:"jwt,omitempty"`
	TransactionHash  string `json:"transactionHash"`
	ContractResult   string `json:"contractResult"`
}

// ApplyServerLockRequest/Result and RemoveServerLockRequest/Result are the
// Shamir bridge's wire types (spec.md §4.7).
type ApplyServerLockRequest struct {
	KekCB64u string `json:"kek_c_b64u"`
}

type ApplyServerLockResult struct {
	KekCSB64u string `json:"kek_cs_b64u"`
	KeyID     string `json:"keyId"`
}

type RemoveServerLockRequest struct {
	KekCSB64u string `json:"kek_cs_b64u"`
	KeyID     string `json:"keyId,omitempty"`
}

type RemoveServerLockResult struct {
	KekCB64u string `json:"kek_c_b64u"`
}

// Service ties the chain client, relayer signer, nonce queue, Shamir engine,
// and session credential signer together into the AuthService surface.
type Service struct {
	Chain       *chain.Client
	Signer      chain.Signer
	Queue       *txqueue.Queue
	Shamir      *shamir.Engine
	Credentials SessionCredentialSigner

	ContractID            string
	NetworkID             string
	RelayerAccountID       string
	AccountInitialBalance  string // yocto, decimal string
	CreateAccountGas       uint64
	VerifyAuthGas          uint64
	JWTIssuer              string
}

// NewService wires the collaborators above into an AuthService.
func NewService(chainClient *chain.Client, signer chain.Signer, queue *txqueue.Queue, engine *shamir.Engine, creds SessionCredentialSigner, contractID, networkID, relayerAccountID, initialBalance string, createAccountGas, verifyAuthGas uint64, jwtIssuer string) *Service {
	return &Service{
		Chain:                 chainClient,
		Signer:                signer,
		Queue:                 queue,
		Shamir:                engine,
		Credentials:           creds,
		ContractID:            contractID,
		NetworkID:             networkID,
		RelayerAccountID:      relayerAccountID,
		AccountInitialBalance: initialBalance,
		CreateAccountGas:      createAccountGas,
		VerifyAuthGas:         verifyAuthGas,
		JWTIssuer:             jwtIssuer,
	}
}

// validateAccountID enforces spec.md §4.7's account-id format: lowercase,
// [a-z0-9_.-], length 2-64.
func validateAccountID(id string) error {
	if !accountIDPattern.MatchString(id) {
		return errs.New(errs.InvalidAccountID, "invalid account id %q", id)
	}
	return nil
}

// CreateAccountAndRegisterUser validates req, ensures the account does not
// already exist, builds and signs a create_account_and_register_user
// function-call transaction, enqueues its broadcast on the nonce-ordered
// queue, and parses the outcome per spec.md §4.7's recognized-failure list.
func (s *Service) CreateAccountAndRegisterUser(ctx context.Context, req CreateAccountAndRegisterRequest) (*CreateAccountAndRegisterResult, error) {
	if err := validateAccountID(req.NewAccountID); err != nil {
		return nil, err
	}
	if req.NewPublicKey == "" {
		return nil, errs.New(errs.InvalidBody, "new_public_key is required")
	}
	if _, err := chain.ParsePublicKey(req.NewPublicKey); err != nil {
		return nil, errs.New(errs.InvalidKeyFormat, "new_public_key: %v", err)
	}

	exists, err := s.Chain.AccountExists(ctx, req.NewAccountID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.New(errs.AccountExists, "account %s already exists", req.NewAccountID)
	}

	args, err := json.Marshal(map[string]any{
		"new_account_id":               req.NewAccountID,
		"new_public_key":               req.NewPublicKey,
		"vrf_data":                     req.VRFData,
		"webauthn_registration":        req.WebAuthnRegistration,
		"deterministic_vrf_public_key": req.DeterministicVRFPublicKey,
		"authenticator_options":        req.AuthenticatorOptions,
	})
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal create_account_and_register_user args: %v", err)
	}

	var outcome *chain.BroadcastOutcome
	taskErr := s.Queue.Enqueue(ctx, "create_account_and_register_user:"+req.NewAccountID, func(ctx context.Context) error {
		o, err := s.broadcastFunctionCall(ctx, "create_account_and_register_user", args, s.CreateAccountGas, s.AccountInitialBalance)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if taskErr != nil {
		return nil, taskErr
	}
	if err := chain.ClassifyOutcome(outcome); err != nil {
		return nil, err
	}

	return &CreateAccountAndRegisterResult{
		TransactionHash: outcome.TransactionHash,
		Message:         "account created and registered",
		ContractResult:  joinLogs(outcome),
	}, nil
}

// VerifyAuthenticationResponse invokes verify_authentication_response on the
// contract and, on success, mints a session credential JWT.
func (s *Service) VerifyAuthenticationResponse(ctx context.Context, req VerifyAuthenticationRequest) (*VerifyAuthenticationResult, error) {
	if req.UserID == "" {
		return nil, errs.New(errs.InvalidBody, "userId is required")
	}

	args, err := json.Marshal(map[string]any{
		"authentication_response": req.AuthenticationResponse,
	})
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal verify_authentication_response args: %v", err)
	}

	var outcome *chain.BroadcastOutcome
	taskErr := s.Queue.Enqueue(ctx, "verify_authentication_response:"+req.UserID, func(ctx context.Context) error {
		o, err := s.broadcastFunctionCall(ctx, "verify_authentication_response", args, s.VerifyAuthGas, "0")
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if taskErr != nil {
		return nil, taskErr
	}
	if err := chain.ClassifyOutcome(outcome); err != nil {
		return nil, err
	}

	result := &VerifyAuthenticationResult{
		Verified:        true,
		TransactionHash: outcome.TransactionHash,
		ContractResult:  joinLogs(outcome),
	}

	if s.Credentials != nil {
		token, err := s.Credentials.Sign(req.UserID, s.JWTIssuer, time.Now())
		if err != nil {
			return nil, err
		}
		result.SessionCredential = token
		result.JWT = token
	}

	return result, nil
}

// broadcastFunctionCall fetches a fresh nonce and block hash, builds,
// signs, and broadcasts a single function-call transaction against
// s.ContractID, and blocks for the final outcome. Always called from
// within a txqueue task, so the nonce it observes is never raced against
// another queued broadcast.
func (s *Service) broadcastFunctionCall(ctx context.Context, method string, args []byte, gas uint64, depositYocto string) (*chain.BroadcastOutcome, error) {
	publicKeyStr := chain.FormatPublicKey(s.Signer.PublicKey())
	nonce, blockHash, err := s.Chain.NextNonceAndBlockHash(ctx, s.RelayerAccountID, publicKeyStr)
	if err != nil {
		return nil, err
	}

	tx := chain.Transaction{
		SignerID:   s.RelayerAccountID,
		PublicKey:  s.Signer.PublicKey(),
		Nonce:      nonce,
		ReceiverID: s.ContractID,
		BlockHash:  blockHash,
		Action: chain.FunctionCallAction{
			MethodName:   method,
			Args:         args,
			Gas:          gas,
			DepositYocto: depositYocto,
		},
	}

	signed, err := chain.SignTransaction(s.Signer, tx)
	if err != nil {
		return nil, err
	}

	return s.Chain.BroadcastTxCommit(ctx, signed)
}

func joinLogs(outcome *chain.BroadcastOutcome) string {
	if outcome == nil || len(outcome.Logs) == 0 {
		return ""
	}
	result := outcome.Logs[0]
	for _, l := range outcome.Logs[1:] {
		result += "\n" + l
	}
	return result
}

// ApplyServerLock wraps shamir.Engine.ApplyServerLock over base64url wire
// values.
func (s *Service) ApplyServerLock(req ApplyServerLockRequest) (*ApplyServerLockResult, error) {
	kekC, err := decodeBigInt(req.KekCB64u, "kek_c_b64u")
	if err != nil {
		return nil, err
	}
	kekCS, keyID := s.Shamir.ApplyServerLock(kekC)
	return &ApplyServerLockResult{
		KekCSB64u: encodeBigInt(kekCS),
		KeyID:     keyID,
	}, nil
}

// RemoveServerLock wraps shamir.Engine.RemoveServerLock over base64url wire
// values. A keyId that matches neither the current nor any grace key
// surfaces errs.UnknownKeyID, per spec.md §4.7.
func (s *Service) RemoveServerLock(req RemoveServerLockRequest) (*RemoveServerLockResult, error) {
	kekCS, err := decodeBigInt(req.KekCSB64u, "kek_cs_b64u")
	if err != nil {
		return nil, err
	}
	kekC, err := s.Shamir.RemoveServerLock(kekCS, req.KeyID)
	if err != nil {
		return nil, err
	}
	return &RemoveServerLockResult{KekCB64u: encodeBigInt(kekC)}, nil
}

func decodeBigInt(value, field string) (*big.Int, error) {
	raw, err := b64url.Decode(value)
	if err != nil {
		return nil, errs.New(errs.InvalidBody, "%s: %v", field, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func encodeBigInt(v *big.Int) string {
	return b64url.Encode(v.Bytes())
}
