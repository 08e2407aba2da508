package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"go.uber.org/zap"

	"github.com/tatchi-labs/threshold-signer/internal/b64url"
	"github.com/tatchi-labs/threshold-signer/internal/chain"
	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/shamir"
	"github.com/tatchi-labs/threshold-signer/internal/txqueue"
)

// fakeRPCServer emulates just enough of NEAR's JSON-RPC surface for
// AuthService's broadcastFunctionCall path: view_access_key, view_account,
// block, and broadcast_tx_commit.
type fakeRPCServer struct {
	accountExists  bool
	broadcastFails string // empty means success
}

func (f *fakeRPCServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}

		var result any
		var rpcErr *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}

		switch req.Method {
		case "query":
			var p struct {
				RequestType string `json:"request_type"`
			}
			_ = json.Unmarshal(req.Params, &p)
			switch p.RequestType {
			case "view_access_key":
				result = map[string]any{"nonce": 41, "block_hash": "11111111111111111111111111111111"}
			case "view_account":
				if f.accountExists {
					result = map[string]any{"amount": "1000"}
				} else {
					rpcErr = &struct {
						Code    int    `json:"code"`
						Message string `json:"message"`
					}{Code: -1, Message: "account does not exist while viewing"}
				}
			}
		case "block":
			result = map[string]any{"header": map[string]any{"hash": "11111111111111111111111111111111"}}
		case "broadcast_tx_commit":
			if f.broadcastFails == "" {
				result = map[string]any{
					"transaction":        map[string]any{"hash": "FakeTxHash11111111111111111111111"},
					"transaction_outcome": map[string]any{"outcome": map[string]any{"logs": []string{}, "status": map[string]any{"SuccessValue": ""}}},
					"receipts_outcome":    []any{},
				}
			} else {
				result = map[string]any{
					"transaction":        map[string]any{"hash": "FakeTxHash11111111111111111111111"},
					"transaction_outcome": map[string]any{"outcome": map[string]any{"logs": []string{}, "status": map[string]any{"Failure": map[string]any{"ActionError": map[string]any{"kind": map[string]any{f.broadcastFails: map[string]any{}}}}}}},
					"receipts_outcome":    []any{},
				}
			}
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": "threshold-signer"}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newTestService(t *testing.T, fake *fakeRPCServer) *Service {
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	chainClient := chain.NewClient(srv.URL, "testnet")

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var pk chain.PrivateKey
	copy(pk.Bytes[:], priv)
	signer := chain.NewEd25519Signer(pk)

	queue := txqueue.New(8, zap.NewNop())
	t.Cleanup(queue.Close)

	p := big.NewInt(0).SetInt64(2147483647) // a small prime, fine for round-trip tests
	es := big.NewInt(5) // must be coprime to p-1 = 2*3^2*7*11*31*151*331
	pMinus1 := new(big.Int).Sub(p, big.NewInt(1))
	ds := new(big.Int).ModInverse(es, pMinus1)
	engine := shamir.NewEngine(shamir.NewKeyMaterial(p, es, ds))

	return NewService(chainClient, signer, queue, engine, &HMACSigner{Secret: []byte("test-secret")},
		"webauthn.testnet", "testnet", "relayer.testnet", "1000000000000000000000", 100_000_000_000_000, 50_000_000_000_000, "threshold-signer-test")
}

func TestCreateAccountAndRegisterUserRejectsInvalidAccountID(t *testing.T) {
	svc := newTestService(t, &fakeRPCServer{})
	_, err := svc.CreateAccountAndRegisterUser(context.Background(), CreateAccountAndRegisterRequest{
		NewAccountID: "Invalid_Upper.near",
		NewPublicKey: "ed25519:11111111111111111111111111111111",
	})
	e, ok := errs.As(err)
	if !ok || e.Code != errs.InvalidAccountID {
		t.Fatalf("expected invalid_account_id, got %v", err)
	}
}

func TestCreateAccountAndRegisterUserRejectsExistingAccount(t *testing.T) {
	svc := newTestService(t, &fakeRPCServer{accountExists: true})
	_, err := svc.CreateAccountAndRegisterUser(context.Background(), CreateAccountAndRegisterRequest{
		NewAccountID: "alice.testnet",
		NewPublicKey: "ed25519:11111111111111111111111111111111",
	})
	e, ok := errs.As(err)
	if !ok || e.Code != errs.AccountExists {
		t.Fatalf("expected account_exists, got %v", err)
	}
}

func TestCreateAccountAndRegisterUserSucceeds(t *testing.T) {
	svc := newTestService(t, &fakeRPCServer{accountExists: false})
	res, err := svc.CreateAccountAndRegisterUser(context.Background(), CreateAccountAndRegisterRequest{
		NewAccountID:             "alice.testnet",
		NewPublicKey:             "ed25519:11111111111111111111111111111111",
		VRFData:                  json.RawMessage(`{"foo":"bar"}`),
		WebAuthnRegistration:     json.RawMessage(`{"id":"cred"}`),
		DeterministicVRFPublicKey: "ed25519:11111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TransactionHash == "" {
		t.Fatal("expected a non-empty transaction hash")
	}
}

func TestCreateAccountAndRegisterUserSurfacesRecognizedFailure(t *testing.T) {
	svc := newTestService(t, &fakeRPCServer{broadcastFails: "AccountAlreadyExists"})
	_, err := svc.CreateAccountAndRegisterUser(context.Background(), CreateAccountAndRegisterRequest{
		NewAccountID: "bob.testnet",
		NewPublicKey: "ed25519:11111111111111111111111111111111",
	})
	e, ok := errs.As(err)
	if !ok || e.Code != errs.AccountExists {
		t.Fatalf("expected account_exists, got %v", err)
	}
}

func TestVerifyAuthenticationResponseMintsSessionCredential(t *testing.T) {
	svc := newTestService(t, &fakeRPCServer{})
	res, err := svc.VerifyAuthenticationResponse(context.Background(), VerifyAuthenticationRequest{
		UserID:                 "alice.testnet",
		AuthenticationResponse: json.RawMessage(`{"id":"cred"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Verified {
		t.Fatal("expected verified=true")
	}
	if res.SessionCredential == "" || res.JWT == "" {
		t.Fatal("expected a minted session credential")
	}

	userID, err := VerifySessionCredential(res.SessionCredential, jwa.HS256(), []byte("test-secret"))
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if userID != "alice.testnet" {
		t.Fatalf("got subject %q, want alice.testnet", userID)
	}
}

func TestApplyAndRemoveServerLockRoundTrip(t *testing.T) {
	svc := newTestService(t, &fakeRPCServer{})

	kekC := big.NewInt(12345)
	applied, err := svc.ApplyServerLock(ApplyServerLockRequest{KekCB64u: b64url.Encode(kekC.Bytes())})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.KeyID == "" {
		t.Fatal("expected a non-empty keyId")
	}

	removed, err := svc.RemoveServerLock(RemoveServerLockRequest{KekCSB64u: applied.KekCSB64u, KeyID: applied.KeyID})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	raw, _ := b64url.Decode(removed.KekCB64u)
	got := new(big.Int).SetBytes(raw)
	if got.Cmp(kekC) != 0 {
		t.Fatalf("got %s, want %s", got, kekC)
	}
}

func TestRemoveServerLockRejectsUnknownKeyID(t *testing.T) {
	svc := newTestService(t, &fakeRPCServer{})
	_, err := svc.RemoveServerLock(RemoveServerLockRequest{KekCSB64u: b64url.Encode(big.NewInt(1).Bytes()), KeyID: "not-a-real-key"})
	e, ok := errs.As(err)
	if !ok || e.Code != errs.UnknownKeyID {
		t.Fatalf("expected unknown_key_id, got %v", err)
	}
}

func TestQueueCompletesConcurrentBroadcasts(t *testing.T) {
	svc := newTestService(t, &fakeRPCServer{})
	deadline := time.Now().Add(2 * time.Second)

	errCh := make(chan error, 2)
	go func() {
		_, err := svc.CreateAccountAndRegisterUser(context.Background(), CreateAccountAndRegisterRequest{
			NewAccountID: "carol.testnet",
			NewPublicKey: "ed25519:11111111111111111111111111111111",
		})
		errCh <- err
	}()
	go func() {
		_, err := svc.CreateAccountAndRegisterUser(context.Background(), CreateAccountAndRegisterRequest{
			NewAccountID: "dave.testnet",
			NewPublicKey: "ed25519:11111111111111111111111111111111",
		})
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(time.Until(deadline)):
			t.Fatal("timed out waiting for queued broadcasts")
		}
	}
}
