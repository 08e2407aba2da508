// Package coordinator implements the coordinator side of the cosigner RPC
// fan-out: cosigner selection, grant minting, and round-1/round-2 transport,
// per spec.md §4.5. Fan-out concurrency follows the teacher's
// request/response style generalized with golang.org/x/sync/errgroup, the
// ecosystem's standard tool for gathered concurrent RPCs with a shared
// cancellation (present across the pack's transitive go.sum graphs).
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tatchi-labs/threshold-signer/internal/config"
	"github.com/tatchi-labs/threshold-signer/internal/errs"
	"github.com/tatchi-labs/threshold-signer/internal/grant"
)

// CommitmentDTO is the wire encoding of a round-1 commitment pair.
type CommitmentDTO struct {
	Hiding  string `json:"hiding"`
	Binding string `json:"binding"`
}

// RoundOneRequest is POSTed to a cosigner's
// /threshold-ed25519/internal/cosign/init in both fleet and legacy mode; no
// request is sent to a separate /internal/sign/init route.
type RoundOneRequest struct {
	SigningSessionID string          `json:"signingSessionId"`
	CoordinatorGrant string          `json:"coordinatorGrant"`
	ClientCommitments CommitmentDTO  `json:"clientCommitments"`
	CosignerShareB64u string         `json:"cosignerShareB64u,omitempty"`
}

// RoundOneResponse is what a cosigner returns from round 1 on success.
type RoundOneResponse struct {
	RelayerCommitments        CommitmentDTO `json:"relayerCommitments"`
	RelayerVerifyingShareB64u string        `json:"relayerVerifyingShareB64u"`
}

// RoundTwoRequest is POSTed to a cosigner's
// /threshold-ed25519/internal/cosign/finalize in both fleet and legacy mode;
// no request is sent to a separate /internal/sign/finalize route.
type RoundTwoRequest struct {
	SigningSessionID  string   `json:"signingSessionId"`
	CosignerIDs       []int    `json:"cosignerIds"`
	RelayerCommitments CommitmentDTO `json:"relayerCommitments"`
	GroupPublicKey    string   `json:"groupPublicKey"`
	CoordinatorGrant  string   `json:"coordinatorGrant"`
}

// RoundTwoResponse is what a cosigner returns from round 2 on success.
type RoundTwoResponse struct {
	RelayerSignatureShareB64u string `json:"relayerSignatureShareB64u"`
}

// errEnvelope mirrors the {ok:false, code, message} wire shape any endpoint
// in this system returns on failure.
type errEnvelope struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Transport carries the shared HMAC secret and HTTP client used to reach
// cosigners.
type Transport struct {
	Client       *http.Client
	SharedSecret []byte
	CallTimeout  time.Duration

	mu     sync.Mutex
	health map[int]*cosignerHealth
}

// NewTransport builds a Transport with sane defaults.
func NewTransport(secret []byte, callTimeout time.Duration) *Transport {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Transport{
		Client:       &http.Client{Timeout: callTimeout + time.Second},
		SharedSecret: secret,
		CallTimeout:  callTimeout,
		health:       make(map[int]*cosignerHealth),
	}
}

// cosignerHealth is the in-memory scoreboard SelectRoundOne consults to bias
// probe ordering away from cosigners that have recently been failing round 1,
// trying the likeliest-healthy candidates first without ever skipping one
// outright.
type cosignerHealth struct {
	lastProbeAtMs       int64
	lastLatencyMs       int64
	consecutiveFailures int
}

// recordProbe updates a cosigner's scoreboard entry after a round-1 attempt.
func (t *Transport) recordProbe(cosignerID int, probeAtMs int64, latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.health[cosignerID]
	if !ok {
		h = &cosignerHealth{}
		t.health[cosignerID] = h
	}
	h.lastProbeAtMs = probeAtMs
	h.lastLatencyMs = latency.Milliseconds()
	if err != nil {
		h.consecutiveFailures++
	} else {
		h.consecutiveFailures = 0
	}
}

// probeOrder returns candidates ordered by ascending consecutiveFailures,
// falling back to ascending CosignerID for cosigners tied on failure count
// (including ones never probed before, which count as 0 failures).
func (t *Transport) probeOrder(candidates []config.Cosigner) []config.Cosigner {
	sorted := append([]config.Cosigner(nil), candidates...)
	t.mu.Lock()
	failures := make(map[int]int, len(sorted))
	for _, c := range sorted {
		if h, ok := t.health[c.CosignerID]; ok {
			failures[c.CosignerID] = h.consecutiveFailures
		}
	}
	t.mu.Unlock()
	sort.SliceStable(sorted, func(i, j int) bool {
		fi, fj := failures[sorted[i].CosignerID], failures[sorted[j].CosignerID]
		if fi != fj {
			return fi < fj
		}
		return sorted[i].CosignerID < sorted[j].CosignerID
	})
	return sorted
}

// RoundOneResult pairs a cosigner with its round-1 outcome.
type RoundOneResult struct {
	CosignerID int
	Response   RoundOneResponse
	Err        error
}

// RoundTwoResult pairs a cosigner with its round-2 outcome.
type RoundTwoResult struct {
	CosignerID int
	Response   RoundTwoResponse
	Err        error
}

// SelectRoundOne probes every candidate cosigner concurrently for round 1,
// each carrying a freshly minted grant, and returns the first `threshold`
// successes in ascending cosignerId order. Returns errs.ThresholdNotMet if
// fewer than threshold succeed.
func (t *Transport) SelectRoundOne(
	ctx context.Context,
	candidates []config.Cosigner,
	threshold int,
	mintPayload func(cosignerID int) (string, error),
	req RoundOneRequest,
) ([]RoundOneResult, error) {
	sorted := t.probeOrder(candidates)

	all := make([]RoundOneResult, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range sorted {
		i, c := i, c
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, t.CallTimeout)
			defer cancel()
			probeAtMs := time.Now().UnixMilli()
			start := time.Now()
			grantToken, err := mintPayload(c.CosignerID)
			if err != nil {
				all[i] = RoundOneResult{CosignerID: c.CosignerID, Err: err}
				t.recordProbe(c.CosignerID, probeAtMs, time.Since(start), err)
				return nil
			}
			reqCopy := req
			reqCopy.CoordinatorGrant = grantToken
			resp, err := postJSON[RoundOneResponse](callCtx, t.Client, c.RelayerURL+"/threshold-ed25519/internal/cosign/init", reqCopy)
			all[i] = RoundOneResult{CosignerID: c.CosignerID, Response: resp, Err: err}
			t.recordProbe(c.CosignerID, probeAtMs, time.Since(start), err)
			return nil
		})
	}
	_ = g.Wait()

	successes := make([]RoundOneResult, 0, len(all))
	for _, r := range all {
		if r.Err == nil {
			successes = append(successes, r)
		}
	}
	sort.Slice(successes, func(i, j int) bool { return successes[i].CosignerID < successes[j].CosignerID })
	if len(successes) < threshold {
		return nil, errs.New(errs.ThresholdNotMet, "only %d of %d required cosigners succeeded round 1", len(successes), threshold)
	}
	return successes[:threshold], nil
}

// RoundTwo fans out finalize calls to exactly the cosigner set selected in
// round 1.
func (t *Transport) RoundTwo(
	ctx context.Context,
	selected []config.Cosigner,
	mintPayload func(cosignerID int) (string, error),
	req RoundTwoRequest,
) ([]RoundTwoResult, error) {
	sorted := append([]config.Cosigner(nil), selected...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CosignerID < sorted[j].CosignerID })

	all := make([]RoundTwoResult, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range sorted {
		i, c := i, c
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, t.CallTimeout)
			defer cancel()
			grantToken, err := mintPayload(c.CosignerID)
			if err != nil {
				all[i] = RoundTwoResult{CosignerID: c.CosignerID, Err: err}
				return nil
			}
			reqCopy := req
			reqCopy.CoordinatorGrant = grantToken
			resp, err := postJSON[RoundTwoResponse](callCtx, t.Client, c.RelayerURL+"/threshold-ed25519/internal/cosign/finalize", reqCopy)
			all[i] = RoundTwoResult{CosignerID: c.CosignerID, Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range all {
		if r.Err != nil {
			return nil, errs.New(errs.PeerFinalizeFailed, "cosigner %d round-2 failed: %v", r.CosignerID, r.Err)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CosignerID < all[j].CosignerID })
	return all, nil
}

func postJSON[T any](ctx context.Context, client *http.Client, url string, body any) (T, error) {
	var zero T
	raw, err := json.Marshal(body)
	if err != nil {
		return zero, errs.New(errs.Internal, "marshal request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return zero, errs.New(errs.PeerInitFailed, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(httpReq)
	if err != nil {
		return zero, errs.New(errs.PeerInitFailed, "%v", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, errs.New(errs.PeerInitFailed, "read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		var env errEnvelope
		if jsonErr := json.Unmarshal(respBody, &env); jsonErr == nil && env.Code != "" {
			return zero, errs.New(errs.Code(env.Code), "%s", env.Message)
		}
		return zero, fmt.Errorf("cosigner returned status %d", resp.StatusCode)
	}
	var out T
	if err := json.Unmarshal(respBody, &out); err != nil {
		return zero, errs.New(errs.PeerInitFailed, "decode response: %v", err)
	}
	return out, nil
}

// MintCosignerGrant is a convenience wrapper building a cosigner_grant_v1
// payload, used by callers constructing mintPayload closures.
func MintCosignerGrant(secret []byte, cosignerID int, mpcSessionID string, mpcSessionSnapshot []byte, signingSessionID string, nowMs int64) (string, error) {
	payload := grant.CosignerGrantPayload{
		Typ:              grant.TypeCosignerGrantV1,
		CosignerID:       cosignerID,
		MpcSessionID:     mpcSessionID,
		MpcSession:       mpcSessionSnapshot,
		SigningSessionID: signingSessionID,
		IssuedAtMs:       nowMs,
	}
	return grant.Mint(secret, payload)
}
