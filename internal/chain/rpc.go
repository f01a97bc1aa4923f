package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LamportsPerSol converts between lamports and SOL.
const LamportsPerSol = 1_000_000_000

// Client handles Solana JSON-RPC calls against a primary endpoint with an
// optional fallback. All reads are idempotent.
type Client struct {
	primaryURL  string
	fallbackURL string
	apiKey      string
	httpClient  *http.Client

	// Circuit breaker state for the primary endpoint
	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool

	// Slot liveness tracking for the health indicator
	slotMu      sync.RWMutex
	lastSlot    uint64
	lastAdvance time.Time
}

// rpcRequest is the JSON-RPC 2.0 request format
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC 2.0 response format
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error format
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Blockhash is the result of getLatestBlockhash
type Blockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
}

// SigState is the lifecycle state of a broadcast signature.
type SigState string

const (
	SigPending   SigState = "pending"
	SigConfirmed SigState = "confirmed"
	SigFinalized SigState = "finalized"
	SigFailed    SigState = "failed"
	SigNotFound  SigState = "not_found"
)

// SignatureStatus is the resolved status of one signature.
type SignatureStatus struct {
	State         SigState
	Slot          uint64
	FailureReason string
}

// NewClient creates a chain RPC client.
func NewClient(primaryURL, fallbackURL, apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// GetLamports fetches the native balance for an address.
func (c *Client) GetLamports(ctx context.Context, address string) (uint64, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getBalance",
		Params:  []interface{}{address, map[string]string{"commitment": "confirmed"}},
	}

	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetTokenAmount fetches the total token balance an owner holds for a mint, in
// native units. Sums across token accounts when the owner has more than one.
func (c *Client) GetTokenAmount(ctx context.Context, owner, mint string) (uint64, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenAccountsByOwner",
		Params: []interface{}{
			owner,
			map[string]string{"mint": mint},
			map[string]string{"encoding": "jsonParsed"},
		},
	}

	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}

	var total uint64
	for _, v := range result.Value {
		amount, _ := strconv.ParseUint(v.Account.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
		total += amount
	}
	return total, nil
}

// GetSlot fetches the current slot and records it for the health indicator.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSlot",
		Params:  []interface{}{map[string]string{"commitment": "confirmed"}},
	}

	var slot uint64
	if err := c.call(ctx, req, &slot); err != nil {
		return 0, err
	}

	c.slotMu.Lock()
	if slot > c.lastSlot {
		c.lastSlot = slot
		c.lastAdvance = time.Now()
	}
	c.slotMu.Unlock()

	return slot, nil
}

// Healthy reports whether the slot has advanced within the window. A node
// whose slot is frozen is serving stale state even if it answers requests.
func (c *Client) Healthy(window time.Duration) bool {
	c.slotMu.RLock()
	defer c.slotMu.RUnlock()
	if c.lastAdvance.IsZero() {
		return false
	}
	return time.Since(c.lastAdvance) <= window
}

// GetLatestBlockhash fetches the latest blockhash
func (c *Client) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getLatestBlockhash",
		Params:  []interface{}{map[string]string{"commitment": "confirmed"}},
	}

	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return &Blockhash{
		Hash:                 result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
	}, nil
}

// SendRawTransaction broadcasts a signed base64 transaction without waiting
// for confirmation.
func (c *Client) SendRawTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "sendTransaction",
		Params: []interface{}{
			signedTxBase64,
			map[string]interface{}{
				"encoding":            "base64",
				"skipPreflight":       true,
				"preflightCommitment": "processed",
				"maxRetries":          0,
			},
		},
	}

	var sig string
	if err := c.call(ctx, req, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// GetSignatureStatus resolves the status of one signature.
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignatureStatuses",
		Params: []interface{}{
			[]string{signature},
			map[string]bool{"searchTransactionHistory": true},
		},
	}

	var result struct {
		Value []*struct {
			Slot               uint64      `json:"slot"`
			Err                interface{} `json:"err"`
			ConfirmationStatus string      `json:"confirmationStatus"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return &SignatureStatus{State: SigNotFound}, nil
	}

	v := result.Value[0]
	status := &SignatureStatus{Slot: v.Slot}
	if v.Err != nil {
		errBytes, _ := json.Marshal(v.Err)
		status.State = SigFailed
		status.FailureReason = string(errBytes)
		return status, nil
	}

	switch v.ConfirmationStatus {
	case "finalized":
		status.State = SigFinalized
	case "confirmed":
		status.State = SigConfirmed
	default:
		status.State = SigPending
	}
	return status, nil
}

func (c *Client) call(ctx context.Context, req rpcRequest, result interface{}) error {
	if c.fallbackURL == "" {
		return c.wrap(c.callURL(ctx, c.primaryURL, req, result))
	}

	if c.isCircuitOpen() {
		return c.wrap(c.callURL(ctx, c.fallbackURL, req, result))
	}

	err := c.callURL(ctx, c.primaryURL, req, result)
	if err != nil {
		c.recordFailure()
		log.Warn().Err(err).Str("method", req.Method).Msg("primary RPC failed, trying fallback")
		return c.wrap(c.callURL(ctx, c.fallbackURL, req, result))
	}

	c.recordSuccess()
	return nil
}

// wrap classifies raw transport/RPC errors into typed chain errors.
func (c *Client) wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return NewError(classify(err.Error()), "rpc", err)
}

func (c *Client) callURL(ctx context.Context, url string, rpcReq rpcRequest, result interface{}) error {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}

	return nil
}

// Circuit breaker methods
func (c *Client) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.circuitOpen {
		return false
	}
	if time.Since(c.lastFailure) > 30*time.Second {
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = time.Now()

	if c.failures >= 5 {
		c.circuitOpen = true
		log.Warn().Msg("RPC circuit breaker opened")
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.circuitOpen = false
}
