package kv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Rest talks to an Upstash-style REST KV endpoint: GET/POST JSON commands
// authenticated with a bearer token. No pack library wraps this specific
// REST dialect (it is a thin HTTP command API, not a generic KV client
// package), so this is a hand-rolled net/http client — see DESIGN.md.
type Rest struct {
	baseURL string
	token   string
	client  *http.Client
	logger  DowngradeLogger
}

// NewRest creates a REST KV client against baseURL (e.g. UPSTASH_REDIS_REST_URL).
func NewRest(baseURL, token string, logger DowngradeLogger) *Rest {
	if logger == nil {
		logger = NopDowngradeLogger{}
	}
	return &Rest{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type restResult struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (r *Rest) do(ctx context.Context, segments ...string) (*restResult, error) {
	url := r.baseURL
	for _, s := range segments {
		url += "/" + pathEscape(s)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, ErrUnavailable("rest", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, ErrUnavailable("rest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, ErrUnavailable("rest", fmt.Errorf("status %d", resp.StatusCode))
	}
	var out restResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, ErrUnavailable("rest", err)
	}
	return &out, nil
}

func pathEscape(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func (r *Rest) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := r.do(ctx, "get", key)
	if err != nil {
		return nil, false, err
	}
	var val *string
	if err := json.Unmarshal(res.Result, &val); err != nil || val == nil {
		return nil, false, nil
	}
	return []byte(*val), true, nil
}

func (r *Rest) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"set", key, string(value)}
	if ttl > 0 {
		args = append(args, "EX", strconv.FormatInt(int64(RoundTTL(ttl)/time.Second), 10))
	}
	_, err := r.do(ctx, args...)
	return err
}

func (r *Rest) Del(ctx context.Context, key string) error {
	_, err := r.do(ctx, "del", key)
	return err
}

// GetDel falls back to Get+Del: the Upstash REST command set historically
// lacks a single atomic GETDEL verb in all tiers, so this downgrades and
// logs per spec.md §4.1. Real Upstash deployments expose GETDEL directly;
// callers relying on strict atomicity should prefer kv.Redis.
func (r *Rest) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return val, ok, err
	}
	r.logger.WarnGetDelDowngrade("rest", key)
	if err := r.Del(ctx, key); err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Rest) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	res, err := r.do(ctx, "incrby", key, strconv.FormatInt(delta, 10))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(res.Result, &n); err != nil {
		return 0, ErrUnavailable("rest", err)
	}
	return n, nil
}
