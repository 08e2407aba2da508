package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
)

// Client is a narrow NEAR JSON-RPC client: access-key view, final-block
// lookup, and broadcast-and-wait. It never exposes general-purpose RPC.
type Client struct {
	HTTP      *http.Client
	RPCURL    string
	NetworkID string
}

// NewClient builds a Client with a sane request timeout.
func NewClient(rpcURL, networkID string) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		RPCURL:    rpcURL,
		NetworkID: networkID,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "threshold-signer", Method: method, Params: params})
	if err != nil {
		return errs.New(errs.Internal, "marshal rpc request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(body))
	if err != nil {
		return errs.New(errs.BackendUnavailable, "build rpc request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return errs.New(errs.BackendUnavailable, "near rpc unreachable: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return errs.New(errs.BackendUnavailable, "decode rpc response: %v", err)
	}
	if rpcResp.Error != nil {
		return errs.New(errs.ContractError, "near rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errs.New(errs.BackendUnavailable, "decode rpc result: %v", err)
	}
	return nil
}

// AccessKeyView is the subset of NEAR's access key view this service needs.
type AccessKeyView struct {
	Nonce     uint64 `json:"nonce"`
	BlockHash string `json:"block_hash"`
}

// ViewAccessKey fetches accountId's access key for publicKey ("ed25519:<base58>")
// at the final finality, returning its current nonce.
func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string) (AccessKeyView, error) {
	var out AccessKeyView
	err := c.call(ctx, "query", map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	}, &out)
	return out, err
}

// AccountExists reports whether accountId is already registered on chain,
// distinguishing "does not exist" from other RPC failures.
func (c *Client) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var out json.RawMessage
	err := c.call(ctx, "query", map[string]any{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID,
	}, &out)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "UNKNOWN_ACCOUNT") {
		return false, nil
	}
	return false, err
}

// LatestBlockHash fetches the current final block hash, used to build the
// 150-block validity window every NEAR transaction needs.
func (c *Client) LatestBlockHash(ctx context.Context) ([32]byte, error) {
	var out struct {
		Header struct {
			Hash string `json:"hash"`
		} `json:"header"`
	}
	if err := c.call(ctx, "block", map[string]any{"finality": "final"}, &out); err != nil {
		return [32]byte{}, err
	}
	raw, decErr := decodeBase58Hash(out.Header.Hash)
	if decErr != nil {
		return [32]byte{}, decErr
	}
	return raw, nil
}

// NextNonceAndBlockHash fetches the access key's current nonce and the
// latest final block hash together, the two pieces of state the nonce
// queue pulls fresh for every queued transaction (spec.md §4.7: "the
// service fetches the current access key's nonce and a recent block hash
// at the moment of execution").
func (c *Client) NextNonceAndBlockHash(ctx context.Context, accountID, publicKey string) (nonce uint64, blockHash [32]byte, err error) {
	ak, err := c.ViewAccessKey(ctx, accountID, publicKey)
	if err != nil {
		return 0, [32]byte{}, err
	}
	bh, err := c.LatestBlockHash(ctx)
	if err != nil {
		return 0, [32]byte{}, err
	}
	return ak.Nonce + 1, bh, nil
}

// BroadcastOutcome is the subset of NEAR's FinalExecutionOutcome this
// service parses.
type BroadcastOutcome struct {
	TransactionHash string
	Status          OutcomeStatus
	Logs            []string
}

// OutcomeStatus flags a successful outcome and, on failure, carries the raw
// failure status JSON (FailureRaw) that ClassifyOutcome maps to an error code.
type OutcomeStatus struct {
	Success   bool
	FailureRaw string
}

type rawOutcome struct {
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
	TransactionOutcome struct {
		Outcome struct {
			Logs   []string        `json:"logs"`
			Status json.RawMessage `json:"status"`
		} `json:"outcome"`
	} `json:"transaction_outcome"`
	ReceiptsOutcome []struct {
		Outcome struct {
			Logs   []string        `json:"logs"`
			Status json.RawMessage `json:"status"`
		} `json:"outcome"`
	} `json:"receipts_outcome"`
}

// BroadcastTxCommit submits a signed transaction and waits for its final
// execution outcome (spec.md §4.7: "broadcasts, waits for final outcome").
func (c *Client) BroadcastTxCommit(ctx context.Context, signed SignedTransaction) (*BroadcastOutcome, error) {
	encoded := base64.StdEncoding.EncodeToString(signed.Encode())
	var raw rawOutcome
	if err := c.call(ctx, "broadcast_tx_commit", []any{encoded}, &raw); err != nil {
		return nil, err
	}

	allLogs := append([]string{}, raw.TransactionOutcome.Outcome.Logs...)
	statusRaw := raw.TransactionOutcome.Outcome.Status
	for _, r := range raw.ReceiptsOutcome {
		allLogs = append(allLogs, r.Outcome.Logs...)
		if isFailureStatus(r.Outcome.Status) {
			statusRaw = r.Outcome.Status
		}
	}

	outcome := &BroadcastOutcome{
		TransactionHash: raw.Transaction.Hash,
		Logs:            allLogs,
	}
	if isFailureStatus(statusRaw) {
		outcome.Status = OutcomeStatus{Success: false, FailureRaw: string(statusRaw)}
	} else {
		outcome.Status = OutcomeStatus{Success: true}
	}
	return outcome, nil
}

func isFailureStatus(status json.RawMessage) bool {
	var probe struct {
		Failure json.RawMessage `json:"Failure"`
	}
	if err := json.Unmarshal(status, &probe); err != nil {
		return false
	}
	return len(probe.Failure) > 0
}

// ClassifyOutcome maps a broadcast outcome to this service's error
// taxonomy per spec.md §4.7's recognized-failure list, checking the
// structured failure payload first and falling back to log substrings.
func ClassifyOutcome(outcome *BroadcastOutcome) error {
	if outcome.Status.Success {
		return nil
	}
	failure := outcome.Status.FailureRaw
	switch {
	case strings.Contains(failure, "AccountAlreadyExists"):
		return errs.New(errs.AccountExists, "account already exists")
	case strings.Contains(failure, "AccountDoesNotExist"):
		return errs.New(errs.RefAccountMissing, "referenced account does not exist")
	case strings.Contains(failure, "InsufficientStake"):
		return errs.New(errs.InsufficientStake, "insufficient stake")
	case strings.Contains(failure, "LackBalanceForState"):
		return errs.New(errs.InsufficientBalance, "insufficient balance for state")
	}
	for _, log := range outcome.Logs {
		if strings.Contains(log, "GuestPanic") || strings.Contains(log, "Cannot deserialize the contract state") {
			return errs.New(errs.ContractError, "contract panicked: %s", log)
		}
	}
	return errs.New(errs.ContractError, "transaction failed: %s", failure)
}

func decodeBase58Hash(s string) ([32]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return [32]byte{}, errs.New(errs.BackendUnavailable, "malformed block hash: %v", err)
	}
	if len(raw) != 32 {
		return [32]byte{}, errs.New(errs.BackendUnavailable, "block hash must be 32 bytes, got %d", len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}
