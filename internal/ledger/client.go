// Package ledger is a JSON-RPC client for the remote ledger that owns the
// compressed trees. It retries transient failures with a jittered backoff
// and paces requests with a client side rate limit.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/types"
)

var (
	// ErrNotFound is returned when the ledger has no such transaction or
	// account.
	ErrNotFound = errors.New("not found on ledger")
	// ErrRetriesExhausted is returned when a transient failure persists
	// after every retry.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrDecode is returned when a response does not have the expected
	// shape.
	ErrDecode = errors.New("undecodable ledger response")
)

// JSON-RPC error codes the ledger uses for conditions that clear up on
// their own.
const (
	codeNodeUnhealthy       = -32005
	codeBlockNotAvailable   = -32004
	codeSlotSkipped         = -32007
	codeMinContextSlotUnmet = -32016
)

// Ledger is the read surface of the remote ledger used by the indexer.
type Ledger interface {
	GetTransaction(ctx context.Context, sig types.Signature) (*types.Transaction, error)
	GetSignaturesForAddress(ctx context.Context, addr types.Pubkey, opts SignaturesOpts) ([]SignatureInfo, error)
	GetAccount(ctx context.Context, addr types.Pubkey) (*Account, error)
	GetProgramAccounts(ctx context.Context, program types.Pubkey, filters ...MemcmpFilter) ([]KeyedAccount, error)
	GetMultipleAccounts(ctx context.Context, addrs []types.Pubkey) ([]*Account, error)
}

// Client implements Ledger over HTTP.
type Client struct {
	url        string
	commitment string
	maxRetries int

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     log.Logger

	backoff func(attempt int) time.Duration
	nextID  uint64
}

var _ Ledger = (*Client)(nil)

// NewClient creates a client for the endpoint in cfg.
func NewClient(cfg *config.RPCConfig, logger log.Logger) *Client {
	c := &Client{
		url:        cfg.LedgerURL,
		commitment: cfg.Commitment,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		backoff:    backoffTimeout,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// GetTransaction fetches and decodes a transaction. It returns ErrNotFound
// when the ledger does not know the signature.
func (c *Client) GetTransaction(ctx context.Context, sig types.Signature) (*types.Transaction, error) {
	var res *TransactionResult
	err := c.call(ctx, "getTransaction", []interface{}{
		sig.String(),
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     c.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}, &res)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("transaction %v: %w", sig, ErrNotFound)
	}
	return DecodeTransaction(res)
}

// GetSignaturesForAddress returns one page of the address's transaction
// history, newest first.
func (c *Client) GetSignaturesForAddress(
	ctx context.Context,
	addr types.Pubkey,
	opts SignaturesOpts,
) ([]SignatureInfo, error) {
	params := map[string]interface{}{"commitment": c.commitment}
	if !opts.Before.IsZero() {
		params["before"] = opts.Before.String()
	}
	if !opts.Until.IsZero() {
		params["until"] = opts.Until.String()
	}
	if opts.Limit > 0 {
		params["limit"] = opts.Limit
	}
	var res []SignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []interface{}{addr.String(), params}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetAccount fetches one account or ErrNotFound.
func (c *Client) GetAccount(ctx context.Context, addr types.Pubkey) (*Account, error) {
	var res struct {
		Value *accountJSON `json:"value"`
	}
	err := c.call(ctx, "getAccountInfo", []interface{}{
		addr.String(),
		map[string]interface{}{"encoding": "base64", "commitment": c.commitment},
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, fmt.Errorf("account %v: %w", addr, ErrNotFound)
	}
	return res.Value.decode()
}

// GetProgramAccounts lists the accounts owned by program that match every
// filter.
func (c *Client) GetProgramAccounts(
	ctx context.Context,
	program types.Pubkey,
	filters ...MemcmpFilter,
) ([]KeyedAccount, error) {
	params := map[string]interface{}{"encoding": "base64", "commitment": c.commitment}
	if len(filters) > 0 {
		params["filters"] = filters
	}
	var res []struct {
		Pubkey  types.Pubkey `json:"pubkey"`
		Account accountJSON  `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", []interface{}{program.String(), params}, &res); err != nil {
		return nil, err
	}
	out := make([]KeyedAccount, 0, len(res))
	for _, r := range res {
		acc, err := r.Account.decode()
		if err != nil {
			return nil, fmt.Errorf("account %v: %w", r.Pubkey, err)
		}
		out = append(out, KeyedAccount{Pubkey: r.Pubkey, Account: acc})
	}
	return out, nil
}

// GetMultipleAccounts fetches accounts in one request. Missing accounts are
// nil entries.
func (c *Client) GetMultipleAccounts(ctx context.Context, addrs []types.Pubkey) ([]*Account, error) {
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = a.String()
	}
	var res struct {
		Value []*accountJSON `json:"value"`
	}
	err := c.call(ctx, "getMultipleAccounts", []interface{}{
		keys,
		map[string]interface{}{"encoding": "base64", "commitment": c.commitment},
	}, &res)
	if err != nil {
		return nil, err
	}
	if len(res.Value) != len(addrs) {
		return nil, fmt.Errorf("%w: asked for %d accounts, got %d", ErrDecode, len(addrs), len(res.Value))
	}
	out := make([]*Account, len(res.Value))
	for i, v := range res.Value {
		if v == nil {
			continue
		}
		acc, err := v.decode()
		if err != nil {
			return nil, fmt.Errorf("account %v: %w", addrs[i], err)
		}
		out[i] = acc
	}
	return out, nil
}

// call performs one JSON-RPC call, retrying transient failures up to
// maxRetries times.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err := c.do(ctx, body, result)
		if err == nil {
			return nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if attempt >= c.maxRetries {
			return fmt.Errorf("%s after %d attempts: %w: %v", method, attempt+1, ErrRetriesExhausted, err)
		}
		c.logger.Debug("retrying ledger request", "method", method, "attempt", attempt+1, "err", err)

		timer := time.NewTimer(c.backoff(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", method, ctx.Err())
		case <-timer.C:
		}
	}
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("server responded with status code %d: %s", e.code, e.body)
}

type transportError struct{ err error }

func (e transportError) Error() string { return e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, body []byte, result interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError{err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError{fmt.Errorf("failed to read response body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(respBody))}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if rpcResp.Error != nil {
		return *rpcResp.Error
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("%w: result: %v", ErrDecode, err)
	}
	return nil
}

func isTransient(err error) bool {
	var (
		te  transportError
		se  statusError
		rpc RPCError
	)
	switch {
	case errors.As(err, &te):
		return true
	case errors.As(err, &se):
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	case errors.As(err, &rpc):
		switch rpc.Code {
		case codeNodeUnhealthy, codeBlockNotAvailable, codeSlotSkipped, codeMinContextSlotUnmet:
			return true
		}
	}
	return false
}

// exponential backoff (with jitter)
// 0.5s -> 2s -> 4.5s -> 8s -> 12.5 with 1s variation
func backoffTimeout(attempt int) time.Duration {
	// nolint:gosec // G404: Use of weak random number generator
	return time.Duration(500*attempt*attempt)*time.Millisecond + time.Duration(rand.Intn(1000))*time.Millisecond
}
