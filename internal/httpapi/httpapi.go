// Package httpapi binds internal/signing, internal/auth, and
// internal/shamir onto the external interface spec.md §6 enumerates, using
// github.com/gorilla/mux for routing and encoding/json for the wire
// format. Grounded on the teacher's server.go request-handling style
// (decode, call the service, encode), adapted from gRPC status codes to
// the {ok, code, message, details?} HTTP envelope spec.md §7 requires.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tatchi-labs/threshold-signer/internal/auth"
	"github.com/tatchi-labs/threshold-signer/internal/coordinator"
	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/shamir"
	"github.com/tatchi-labs/threshold-signer/internal/signing"
	"github.com/tatchi-labs/threshold-signer/internal/store"
	"github.com/tatchi-labs/threshold-signer/internal/webauthn"
)

// Clock abstracts the current time so handlers stay testable without
// depending on wall-clock reads directly.
type Clock func() time.Time

// Server wires the coordinator-role services onto HTTP routes. A process
// running THRESHOLD_NODE_ROLE=cosigner never constructs the Auth/Signing
// fields below and instead uses CosignerServer.
type Server struct {
	Signing *signing.Service
	Auth    *auth.Service
	Shamir  *shamir.Engine

	MpcSessionTTL     time.Duration
	SigningSessionTTL time.Duration

	Now    Clock
	Logger *zap.Logger
}

// NewServer builds a Server. now defaults to time.Now.
func NewServer(signingSvc *signing.Service, authSvc *auth.Service, shamirEngine *shamir.Engine, mpcTTL, signingTTL time.Duration, now Clock, logger *zap.Logger) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{
		Signing:           signingSvc,
		Auth:              authSvc,
		Shamir:            shamirEngine,
		MpcSessionTTL:     mpcTTL,
		SigningSessionTTL: signingTTL,
		Now:               now,
		Logger:            logger,
	}
}

// Router builds the public-facing mux.Router per spec.md §6's public
// endpoint table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/create_account_and_register_user", s.handleCreateAccountAndRegisterUser).Methods(http.MethodPost)
	r.HandleFunc("/verify_authentication_response", s.handleVerifyAuthenticationResponse).Methods(http.MethodPost)
	r.HandleFunc("/vrf/apply-server-lock", s.handleApplyServerLock).Methods(http.MethodPost)
	r.HandleFunc("/vrf/remove-server-lock", s.handleRemoveServerLock).Methods(http.MethodPost)
	r.HandleFunc("/shamir/key-info", s.handleShamirKeyInfo).Methods(http.MethodGet)
	r.HandleFunc("/threshold-ed25519/preauthorize", s.handlePreauthorize).Methods(http.MethodPost)
	r.HandleFunc("/threshold-ed25519/sign/init", s.handleSignInit).Methods(http.MethodPost)
	r.HandleFunc("/threshold-ed25519/sign/finalize", s.handleSignFinalize).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	e, ok := errs.As(err)
	if !ok {
		e = errs.New(errs.Internal, "%v", err)
	}
	body := map[string]any{
		"ok":      false,
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	writeJSON(w, e.HTTPStatus, body)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.New(errs.InvalidBody, "malformed request body: %v", err)
	}
	return nil
}

func (s *Server) handleCreateAccountAndRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateAccountAndRegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Auth.CreateAccountAndRegisterUser(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"transactionHash": res.TransactionHash,
		"message":         res.Message,
	})
}

func (s *Server) handleVerifyAuthenticationResponse(w http.ResponseWriter, r *http.Request) {
	var req auth.VerifyAuthenticationRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Auth.VerifyAuthenticationResponse(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApplyServerLock(w http.ResponseWriter, r *http.Request) {
	var req auth.ApplyServerLockRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Auth.ApplyServerLock(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveServerLock(w http.ResponseWriter, r *http.Request) {
	var req auth.RemoveServerLockRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Auth.RemoveServerLock(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleShamirKeyInfo(w http.ResponseWriter, r *http.Request) {
	currentKeyID, graceKeyIDs := s.Shamir.KeyInfo()
	writeJSON(w, http.StatusOK, map[string]any{
		"currentKeyId": currentKeyID,
		"graceKeyIds":  graceKeyIDs,
	})
}

// preauthorizeRequestDTO is the public wire shape for
// POST /threshold-ed25519/preauthorize: an intent plus a WebAuthn
// authentication response.
type preauthorizeRequestDTO struct {
	Intent                   intentDTO       `json:"intent"`
	ClientVerifyingShareB64u string          `json:"clientVerifyingShareB64u"`
	AuthenticationResponse   json.RawMessage `json:"authenticationResponse"`
	AuthSessionTokenID       string          `json:"authSessionTokenId,omitempty"`
}

type intentDTO struct {
	UserID            string `json:"userId"`
	RpID              string `json:"rpId"`
	RelayerKeyID      string `json:"relayerKeyId"`
	Purpose           string `json:"purpose"`
	SigningDigestB64u string `json:"signingDigestB64u"`
}

func (s *Server) handlePreauthorize(w http.ResponseWriter, r *http.Request) {
	var req preauthorizeRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Signing.Preauthorize(r.Context(), signing.PreauthorizeRequest{
		Intent:                   webauthnIntent(req.Intent),
		ClientVerifyingShareB64u: req.ClientVerifyingShareB64u,
		AuthenticationResponse:   req.AuthenticationResponse,
		AuthSessionTokenID:       req.AuthSessionTokenID,
	}, s.Now().UnixMilli(), s.MpcSessionTTL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type signInitRequestDTO struct {
	MpcSessionID      string           `json:"mpcSessionId"`
	ClientCommitments store.Commitment `json:"clientCommitments"`
}

func (s *Server) handleSignInit(w http.ResponseWriter, r *http.Request) {
	var req signInitRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Signing.SignInit(r.Context(), signing.SignInitRequest{
		MpcSessionID:      req.MpcSessionID,
		ClientCommitments: req.ClientCommitments,
	}, s.Now().UnixMilli(), s.SigningSessionTTL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type signFinalizeRequestDTO struct {
	SigningSessionID         string `json:"signingSessionId"`
	ClientSignatureShareB64u string `json:"clientSignatureShareB64u"`
}

func (s *Server) handleSignFinalize(w http.ResponseWriter, r *http.Request) {
	var req signFinalizeRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Signing.SignFinalize(r.Context(), signing.SignFinalizeRequest{
		SigningSessionID:         req.SigningSessionID,
		ClientSignatureShareB64u: req.ClientSignatureShareB64u,
	}, s.Now().UnixMilli())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": true}
	if s.Shamir != nil {
		currentKeyID, _ := s.Shamir.KeyInfo()
		resp["currentKeyId"] = currentKeyID
	}
	writeJSON(w, http.StatusOK, resp)
}

func webauthnIntent(d intentDTO) webauthn.Intent {
	return webauthn.Intent{
		UserID:            d.UserID,
		RpID:              d.RpID,
		RelayerKeyID:      d.RelayerKeyID,
		Purpose:           d.Purpose,
		SigningDigestB64u: d.SigningDigestB64u,
	}
}

// CosignerServer wires a signing.CosignerService onto the internal
// coordinator-facing routes (spec.md §6: authenticated by coordinatorGrant,
// never exposed publicly).
type CosignerServer struct {
	Cosigner *signing.CosignerService
	Logger   *zap.Logger
}

// NewCosignerServer builds a CosignerServer.
func NewCosignerServer(cosigner *signing.CosignerService, logger *zap.Logger) *CosignerServer {
	return &CosignerServer{Cosigner: cosigner, Logger: logger}
}

// Router builds the internal-only mux.Router for a cosigner process.
func (c *CosignerServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/threshold-ed25519/internal/cosign/init", c.handleCosignInit).Methods(http.MethodPost)
	r.HandleFunc("/threshold-ed25519/internal/cosign/finalize", c.handleCosignFinalize).Methods(http.MethodPost)
	r.HandleFunc("/healthz", c.handleHealthz).Methods(http.MethodGet)
	return r
}

func (c *CosignerServer) handleCosignInit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RoundOneRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := c.Cosigner.HandleCosignInit(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CosignerServer) handleCosignFinalize(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RoundTwoRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := c.Cosigner.HandleCosignFinalize(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CosignerServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
