package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	authpkg "github.com/tatchi-labs/threshold-signer/internal/auth"
	"github.com/tatchi-labs/threshold-signer/internal/b64url"
	"github.com/tatchi-labs/threshold-signer/internal/chain"
	"github.com/tatchi-labs/threshold-signer/internal/config"
	"github.com/tatchi-labs/threshold-signer/internal/coordinator"
	"github.com/tatchi-labs/threshold-signer/internal/ed25519mpc"
	"github.com/tatchi-labs/threshold-signer/internal/keygen"
	"github.com/tatchi-labs/threshold-signer/internal/kv"
	"github.com/tatchi-labs/threshold-signer/internal/shamir"
	"github.com/tatchi-labs/threshold-signer/internal/signing"
	"github.com/tatchi-labs/threshold-signer/internal/store"
	"github.com/tatchi-labs/threshold-signer/internal/txqueue"
	"github.com/tatchi-labs/threshold-signer/internal/webauthn"
)

// fakeNearRPC serves just enough of NEAR's JSON-RPC surface for
// AuthService's broadcast path, mirroring internal/auth's own test double.
func fakeNearRPC(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		var result any
		switch req.Method {
		case "query":
			var p struct {
				RequestType string `json:"request_type"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if p.RequestType == "view_access_key" {
				result = map[string]any{"nonce": 7, "block_hash": "11111111111111111111111111111111"}
			} else {
				result = map[string]any{"amount": "1000"}
			}
		case "block":
			result = map[string]any{"header": map[string]any{"hash": "11111111111111111111111111111111"}}
		case "broadcast_tx_commit":
			result = map[string]any{
				"transaction":         map[string]any{"hash": "FakeHash1111111111111111111111111"},
				"transaction_outcome": map[string]any{"outcome": map[string]any{"logs": []string{}, "status": map[string]any{"SuccessValue": ""}}},
				"receipts_outcome":    []any{},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": "threshold-signer", "result": result})
	}))
}

func newTestServer(t *testing.T) (*httptest.Server, *signing.CosignerService) {
	t.Helper()
	logger := zap.NewNop()
	grantSecret := []byte("test-grant-secret-please-ignore")

	keys := store.NewKeyStore(kv.NewMemory(), "")
	cosignerKeygen := keygen.New(keygen.ModeKV, keys, nil)
	cosignerSvc := signing.NewCosignerService(2, cosignerKeygen, grantSecret, logger)

	cosignerMux := http.NewServeMux()
	cosignerMux.HandleFunc("/threshold-ed25519/internal/cosign/init", func(w http.ResponseWriter, r *http.Request) {
		var req coordinator.RoundOneRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp, err := cosignerSvc.HandleCosignInit(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	cosignerMux.HandleFunc("/threshold-ed25519/internal/cosign/finalize", func(w http.ResponseWriter, r *http.Request) {
		var req coordinator.RoundTwoRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp, err := cosignerSvc.HandleCosignFinalize(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	cosignerSrv := httptest.NewServer(cosignerMux)
	t.Cleanup(cosignerSrv.Close)

	sessions := store.NewSessionStore(kv.NewMemory(), "", 2*time.Minute, 2*time.Minute)
	signingSvc := &signing.Service{
		Mode:                 signing.ModeFleet,
		ClientParticipantID:  1,
		RelayerParticipantID: 99,
		Cosigners:            []config.Cosigner{{CosignerID: 2, RelayerURL: cosignerSrv.URL}},
		Threshold:            1,
		Sessions:             sessions,
		Verifier:             webauthn.StaticVerifier{Result: webauthn.VerifiedAssertion{Verified: true}},
		Transport:            coordinator.NewTransport(grantSecret, 5*time.Second),
		GrantSecret:          grantSecret,
		Logger:               logger,
	}

	rpc := fakeNearRPC(t)
	t.Cleanup(rpc.Close)
	chainClient := chain.NewClient(rpc.URL, "testnet")
	_, priv, _ := ed25519.GenerateKey(nil)
	var pk chain.PrivateKey
	copy(pk.Bytes[:], priv)
	chainSigner := chain.NewEd25519Signer(pk)
	queue := txqueue.New(8, logger)
	t.Cleanup(queue.Close)

	p := big.NewInt(2147483647)
	es := big.NewInt(5) // must be coprime to p-1
	ds := new(big.Int).ModInverse(es, new(big.Int).Sub(p, big.NewInt(1)))
	engine := shamir.NewEngine(shamir.NewKeyMaterial(p, es, ds))

	authSvc := authpkg.NewService(chainClient, chainSigner, queue, engine, &authpkg.HMACSigner{Secret: []byte("jwt-secret")},
		"webauthn.testnet", "testnet", "relayer.testnet", "1000000000000000000000", 100_000_000_000_000, 50_000_000_000_000, "threshold-signer-test")

	server := NewServer(signingSvc, authSvc, engine, time.Minute, time.Minute, func() time.Time { return time.UnixMilli(1_700_000_000_000) }, logger)
	httpSrv := httptest.NewServer(server.Router())
	t.Cleanup(httpSrv.Close)
	return httpSrv, cosignerSvc
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestFullSigningFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	digest := sha256.Sum256([]byte("near transfer intent"))

	client := newHTTPClientParty(t)

	_, preauth := postJSON(t, srv.URL+"/threshold-ed25519/preauthorize", map[string]any{
		"intent": map[string]any{
			"userId":            "alice.near",
			"rpId":              "wallet.example",
			"relayerKeyId":      "relayer-key-1",
			"purpose":           "sign_transaction",
			"signingDigestB64u": b64url.Encode(digest[:]),
		},
		"clientVerifyingShareB64u": b64url.Encode(client.verifyingShare[:]),
	})
	var mpcSessionID string
	if err := json.Unmarshal(preauth["mpcSessionId"], &mpcSessionID); err != nil {
		t.Fatalf("unmarshal mpcSessionId: %v, body=%v", err, preauth)
	}

	_, initRes := postJSON(t, srv.URL+"/threshold-ed25519/sign/init", map[string]any{
		"mpcSessionId":      mpcSessionID,
		"clientCommitments": client.commitments(),
	})
	var signingSessionID string
	if err := json.Unmarshal(initRes["signingSessionId"], &signingSessionID); err != nil {
		t.Fatalf("unmarshal signingSessionId: %v, body=%v", err, initRes)
	}
	var commitmentsByID map[string]store.Commitment
	_ = json.Unmarshal(initRes["commitmentsById"], &commitmentsByID)
	var relayerVerifyingSharesByID map[string]string
	_ = json.Unmarshal(initRes["relayerVerifyingSharesById"], &relayerVerifyingSharesByID)

	combinedR := addCommitments(t, commitmentsByID)
	relayerVerifying := decodePoint(t, relayerVerifyingSharesByID["99"])
	groupPublicKey := ed25519mpc.AddPoints([]ed25519mpc.Point{client.verifyingShare, relayerVerifying})
	challenge := ed25519mpc.Challenge(combinedR, groupPublicKey, digest[:])
	clientShare := client.partialSign(challenge)

	resp, finalizeRes := postJSON(t, srv.URL+"/threshold-ed25519/sign/finalize", map[string]any{
		"signingSessionId":         signingSessionID,
		"clientSignatureShareB64u": b64url.Encode(clientShare[:]),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, finalizeRes)
	}
	var sigB64u string
	_ = json.Unmarshal(finalizeRes["signature"], &sigB64u)
	sig, _ := b64url.Decode(sigB64u)
	if !ed25519mpc.Verify(groupPublicKey, digest[:], sig) {
		t.Fatal("final signature failed independent verification")
	}
}

func TestPreauthorizeRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/threshold-ed25519/preauthorize", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestShamirBridgeRoundTripOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	kekC := big.NewInt(999)
	_, applied := postJSON(t, srv.URL+"/vrf/apply-server-lock", map[string]any{
		"kek_c_b64u": b64url.Encode(kekC.Bytes()),
	})
	var kekCSB64u, keyID string
	_ = json.Unmarshal(applied["kek_cs_b64u"], &kekCSB64u)
	_ = json.Unmarshal(applied["keyId"], &keyID)
	if keyID == "" {
		t.Fatal("expected a non-empty keyId")
	}

	_, removed := postJSON(t, srv.URL+"/vrf/remove-server-lock", map[string]any{
		"kek_cs_b64u": kekCSB64u,
		"keyId":       keyID,
	})
	var kekCB64u string
	_ = json.Unmarshal(removed["kek_c_b64u"], &kekCB64u)
	raw, _ := b64url.Decode(kekCB64u)
	if new(big.Int).SetBytes(raw).Cmp(kekC) != 0 {
		t.Fatalf("round trip mismatch: got %s, want %s", new(big.Int).SetBytes(raw), kekC)
	}

	resp, err := http.Get(srv.URL + "/shamir/key-info")
	if err != nil {
		t.Fatalf("get key-info: %v", err)
	}
	defer resp.Body.Close()
	var keyInfo struct {
		CurrentKeyID string   `json:"currentKeyId"`
		GraceKeyIDs  []string `json:"graceKeyIds"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&keyInfo)
	if keyInfo.CurrentKeyID != keyID {
		t.Fatalf("expected key-info to report the current key id %q, got %q", keyID, keyInfo.CurrentKeyID)
	}
}

func TestHealthzReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		OK bool `json:"ok"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if !body.OK {
		t.Fatal("expected ok=true")
	}
}

func TestCreateAccountAndRegisterUserOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := postJSON(t, srv.URL+"/create_account_and_register_user", map[string]any{
		"new_account_id":               "alice.testnet",
		"new_public_key":               "ed25519:11111111111111111111111111111111",
		"vrf_data":                     map[string]any{"foo": "bar"},
		"webauthn_registration":        map[string]any{"id": "cred"},
		"deterministic_vrf_public_key": "ed25519:11111111111111111111111111111111",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	var success bool
	_ = json.Unmarshal(body["success"], &success)
	if !success {
		t.Fatalf("expected success=true, got %v", body)
	}
}

// --- helpers mirroring internal/signing's test client party ---

type httpClientParty struct {
	signingShare   ed25519mpc.Scalar
	verifyingShare ed25519mpc.Point
	hidingNonce    ed25519mpc.Scalar
	bindingNonce   ed25519mpc.Scalar
}

func newHTTPClientParty(t *testing.T) *httpClientParty {
	t.Helper()
	share, err := ed25519mpc.RandomScalar()
	if err != nil {
		t.Fatalf("client signing share: %v", err)
	}
	hiding, err := ed25519mpc.RandomScalar()
	if err != nil {
		t.Fatalf("client hiding nonce: %v", err)
	}
	binding, err := ed25519mpc.RandomScalar()
	if err != nil {
		t.Fatalf("client binding nonce: %v", err)
	}
	return &httpClientParty{
		signingShare:   share,
		verifyingShare: ed25519mpc.ScalarBaseMult(share),
		hidingNonce:    hiding,
		bindingNonce:   binding,
	}
}

func (c *httpClientParty) commitments() store.Commitment {
	return store.Commitment{
		Hiding:  b64url.Encode(ed25519mpc.ScalarBaseMult(c.hidingNonce)[:]),
		Binding: b64url.Encode(ed25519mpc.ScalarBaseMult(c.bindingNonce)[:]),
	}
}

func (c *httpClientParty) partialSign(challenge ed25519mpc.Scalar) ed25519mpc.Scalar {
	return ed25519mpc.PartialSign(c.hidingNonce, c.bindingNonce, c.signingShare, challenge)
}

func decodePoint(t *testing.T, b64 string) ed25519mpc.Point {
	t.Helper()
	raw, err := b64url.Decode(b64)
	if err != nil {
		t.Fatalf("decode point: %v", err)
	}
	p, err := ed25519mpc.ParsePoint(raw)
	if err != nil {
		t.Fatalf("parse point: %v", err)
	}
	return p
}

func addCommitments(t *testing.T, commitmentsByID map[string]store.Commitment) ed25519mpc.Point {
	t.Helper()
	hidings := make([]ed25519mpc.Point, 0, len(commitmentsByID))
	bindings := make([]ed25519mpc.Point, 0, len(commitmentsByID))
	for _, c := range commitmentsByID {
		hidings = append(hidings, decodePoint(t, c.Hiding))
		bindings = append(bindings, decodePoint(t, c.Binding))
	}
	rHiding := ed25519mpc.AddPoints(hidings)
	rBinding := ed25519mpc.AddPoints(bindings)
	return ed25519mpc.AddPoints([]ed25519mpc.Point{rHiding, rBinding})
}
