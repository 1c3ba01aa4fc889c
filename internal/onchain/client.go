package onchain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AccountQuerier reads accounts from the ledger.
type AccountQuerier interface {
	// ProgramAccounts returns every account owned by program whose data is exactly
	// dataSize bytes long.
	ProgramAccounts(ctx context.Context, program Address, dataSize int) ([]KeyedAccount, error)
	// AccountInfo returns the account data, or nil when the account does not exist.
	AccountInfo(ctx context.Context, addr Address) ([]byte, error)
}

// KeyedAccount is an account's address and raw data.
type KeyedAccount struct {
	Address Address
	Data    []byte
}

// Client speaks the ledger node's JSON-RPC over HTTP.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      *retryer
	commitment string
	logger     *zap.SugaredLogger

	nextID atomic.Uint64
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRateLimit caps outgoing requests per second. Zero disables the limit.
func WithRateLimit(rps float64) ClientOption {
	return func(cl *Client) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

func WithRetry(cfg RetryConfig) ClientOption {
	return func(cl *Client) { cl.retry = newRetryer(cfg, cl.logger) }
}

func WithCommitment(commitment string) ClientOption {
	return func(cl *Client) { cl.commitment = commitment }
}

func NewClient(rpcURL string, logger *zap.SugaredLogger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		commitment: "confirmed",
		logger:     logger,
	}
	c.retry = newRetryer(DefaultRetryConfig(), logger)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// encodedData is the ["<payload>", "base64"] pair used for account data.
type encodedData []string

func (d encodedData) bytes() ([]byte, error) {
	if len(d) != 2 {
		return nil, fmt.Errorf("unexpected account data shape: %d elements", len(d))
	}
	if d[1] != "base64" {
		return nil, fmt.Errorf("unsupported account data encoding %q", d[1])
	}
	return base64.StdEncoding.DecodeString(d[0])
}

type accountValue struct {
	Data     encodedData `json:"data"`
	Owner    string      `json:"owner"`
	Lamports uint64      `json:"lamports"`
}

type programAccount struct {
	Pubkey  string       `json:"pubkey"`
	Account accountValue `json:"account"`
}

type dataSizeFilter struct {
	DataSize int `json:"dataSize"`
}

func (c *Client) ProgramAccounts(ctx context.Context, program Address, dataSize int) ([]KeyedAccount, error) {
	params := []any{
		program.String(),
		map[string]any{
			"encoding":   "base64",
			"commitment": c.commitment,
			"filters":    []any{dataSizeFilter{DataSize: dataSize}},
		},
	}

	var raw []programAccount
	if err := c.call(ctx, "getProgramAccounts", params, &raw); err != nil {
		return nil, err
	}

	accounts := make([]KeyedAccount, 0, len(raw))
	for _, item := range raw {
		addr, err := ParseAddress(item.Pubkey)
		if err != nil {
			return nil, &LedgerQueryError{Method: "getProgramAccounts", Err: err}
		}
		data, err := item.Account.Data.bytes()
		if err != nil {
			return nil, &LedgerQueryError{Method: "getProgramAccounts", Err: fmt.Errorf("account %s: %w", addr, err)}
		}
		accounts = append(accounts, KeyedAccount{Address: addr, Data: data})
	}
	return accounts, nil
}

func (c *Client) AccountInfo(ctx context.Context, addr Address) ([]byte, error) {
	params := []any{
		addr.String(),
		map[string]any{"encoding": "base64", "commitment": c.commitment},
	}

	var result struct {
		Value *accountValue `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	data, err := result.Value.Data.bytes()
	if err != nil {
		return nil, &LedgerQueryError{Method: "getAccountInfo", Err: fmt.Errorf("account %s: %w", addr, err)}
	}
	return data, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	err := c.retry.do(ctx, method, func() error {
		return c.callOnce(ctx, method, params, out)
	})
	if err != nil {
		return &LedgerQueryError{Method: method, Err: err}
	}
	return nil
}

func (c *Client) callOnce(ctx context.Context, method string, params []any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(payload, 256))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}

	c.logger.Debugw("Ledger RPC call", "method", method, "duration", time.Since(start), "bytes", len(payload))
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
